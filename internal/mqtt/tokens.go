package mqtt

import (
	"sync"
	"time"
)

// DailyUsage totals token usage for the current local day. Safe for
// concurrent use.
type DailyUsage struct {
	mu         sync.Mutex
	prompt     int64
	completion int64
	calls      int64
	day        string
	loc        *time.Location
	now        func() time.Time
}

// NewDailyUsage creates a counter that rolls over at midnight in loc.
// A nil loc uses [time.Local].
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

func (d *DailyUsage) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// Add counts one model call.
func (d *DailyUsage) Add(prompt, completion int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.prompt += int64(prompt)
	d.completion += int64(completion)
	d.calls++
}

// Snapshot returns today's prompt tokens, completion tokens and calls.
func (d *DailyUsage) Snapshot() (prompt, completion, calls int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	return d.prompt, d.completion, d.calls
}

// rollover must be called with d.mu held.
func (d *DailyUsage) rollover() {
	if today := d.today(); today != d.day {
		d.prompt, d.completion, d.calls = 0, 0, 0
		d.day = today
	}
}
