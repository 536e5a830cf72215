package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhishimianbao/tripmind/internal/events"
)

// PersistenceError reports a record that could not be written to the
// sink. The record is still counted in its Scope.
type PersistenceError struct {
	RecordID string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist usage record %s: %v", e.RecordID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Accountant writes usage records to a sink and publishes them on the
// event bus.
type Accountant struct {
	sink   Sink
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewAccountant creates an accountant. A nil sink keeps records in
// memory only.
func NewAccountant(sink Sink, bus *events.Bus, logger *slog.Logger) *Accountant {
	if sink == nil {
		sink = NewMemorySink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{sink: sink, bus: bus, logger: logger, now: time.Now}
}

// Sink returns the underlying sink.
func (a *Accountant) Sink() Sink { return a.sink }

// Record fills in the id, creation time and total of rec, then appends
// it to the sink. The completed record is returned even when
// persistence fails.
func (a *Accountant) Record(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return rec, fmt.Errorf("generate usage id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedTime.IsZero() {
		rec.CreatedTime = a.now().UTC()
	}
	rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens

	// Persist even when the request context is already cancelled; a
	// client disconnect must not lose the tokens it already spent.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var perr error
	if err := a.sink.Append(writeCtx, rec); err != nil {
		perr = &PersistenceError{RecordID: rec.ID, Err: err}
	}

	a.logger.Debug("usage recorded",
		"session", rec.SessionID,
		"model", rec.Model,
		"stage", rec.Stage,
		"prompt_tokens", rec.PromptTokens,
		"completion_tokens", rec.CompletionTokens,
		"partial", rec.Partial,
		"persisted", perr == nil,
	)
	a.bus.Emit(events.SourceUsage, events.KindUsage, map[string]any{
		"session_id":        rec.SessionID,
		"model":             rec.Model,
		"stage":             rec.Stage,
		"prompt_tokens":     rec.PromptTokens,
		"completion_tokens": rec.CompletionTokens,
		"total_tokens":      rec.TotalTokens,
		"partial":           rec.Partial,
	})
	return rec, perr
}

// NewScope starts a usage scope for one external request.
func (a *Accountant) NewScope(name string) *Scope {
	return &Scope{name: name}
}

// Totals are the summed counts of a scope.
type Totals struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
	Calls      int `json:"calls"`
}

// Scope accumulates the records of one request. Safe for concurrent use.
type Scope struct {
	name string

	mu      sync.Mutex
	records []Record
	totals  Totals
}

// Name returns the scope name.
func (s *Scope) Name() string { return s.name }

// Add counts rec in the scope.
func (s *Scope) Add(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	s.totals.Prompt += rec.PromptTokens
	s.totals.Completion += rec.CompletionTokens
	s.totals.Total += rec.PromptTokens + rec.CompletionTokens
	s.totals.Calls++
}

// Total returns the current totals.
func (s *Scope) Total() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// Records returns a copy of the records added so far.
func (s *Scope) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Reset clears the scope.
func (s *Scope) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.totals = Totals{}
}

// MemorySink keeps records in memory. Used when no database is
// configured, and in tests.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Append implements Sink.
func (m *MemorySink) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

// FailWith makes subsequent appends return err. A nil err restores
// normal behaviour.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Records returns a copy of the stored records.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Summary implements Reporter.
func (m *MemorySink) Summary(_ context.Context, from, to time.Time) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := &Report{From: from, To: to, ByModel: map[string]*Summary{}, BySession: map[string]*Summary{}}
	for _, rec := range m.records {
		if rec.CreatedTime.Before(from) || !rec.CreatedTime.Before(to) {
			continue
		}
		addTo(&rep.Total, rec)
		addTo(entry(rep.ByModel, rec.Model), rec)
		addTo(entry(rep.BySession, rec.SessionID), rec)
	}
	return rep, nil
}

func entry(m map[string]*Summary, key string) *Summary {
	s, ok := m[key]
	if !ok {
		s = &Summary{}
		m[key] = s
	}
	return s
}

func addTo(s *Summary, rec Record) {
	s.Records++
	s.PromptTokens += int64(rec.PromptTokens)
	s.CompletionTokens += int64(rec.CompletionTokens)
	s.TotalTokens += int64(rec.TotalTokens)
}
