// Package events is a publish/subscribe bus for operational events.
// The orchestrator and the usage accountant publish; the websocket feed
// and the MQTT publisher subscribe. Publish on a nil *Bus is a no-op,
// so components need no guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceAgent   = "agent"
	SourceUsage   = "usage"
	SourceSession = "session"
)

// Kinds published by the orchestrator (SourceAgent).
const (
	// KindRequestStart: request_id, session_id, operation.
	KindRequestStart = "request_start"
	// KindLLMCall: request_id, iter, model, stage.
	KindLLMCall = "llm_call"
	// KindLLMResponse: request_id, iter, model, prompt_tokens,
	// completion_tokens, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: request_id, tool, ok, kind, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete: request_id, operation, ok, total_tokens,
	// elapsed_ms, error.
	KindRequestComplete = "request_complete"
)

// Other kinds.
const (
	// KindUsage (SourceUsage): session_id, model, stage, prompt_tokens,
	// completion_tokens, total_tokens, partial.
	KindUsage = "usage"
	// KindSessionCleared (SourceSession): session_id.
	KindSessionCleared = "session_cleared"
	// KindSessionExpired (SourceSession): count.
	KindSessionExpired = "session_expired"
)

// Event is one operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers get buffered
// channels; a full subscriber misses events instead of blocking the
// publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only channel handed to the caller back to
	// the channel stored in subs.
	recv    map[<-chan Event]chan Event
	dropped atomic.Int64
}

// New creates a bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber that has room. A zero
// Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit is Publish for the common case.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events with the given
// buffer. Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Repeated
// calls are no-ops.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recv, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
