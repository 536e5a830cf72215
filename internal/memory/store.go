// Package memory provides bounded per-session conversation memory.
package memory

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhishimianbao/tripmind/internal/llm"
)

// ErrEmptySession is returned when a message is appended without a key.
var ErrEmptySession = errors.New("memory: empty session key")

// Message is one entry in a session's history. Messages are values;
// the store never hands out references to its own slices.
type Message struct {
	Role       string         `json:"role"` // system, user, assistant, tool
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// LLM converts the message to the provider-neutral wire form.
func (m Message) LLM() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// Options bound the store. Zero values pick the defaults.
type Options struct {
	MaxMessages int           // per session, default 20
	MaxSessions int           // default 10000
	TTL         time.Duration // idle expiry, default 2h
	Logger      *slog.Logger
}

type session struct {
	key      string
	run      chan struct{} // one token; held for the length of one orchestration run
	msgs     []Message
	created  time.Time
	lastUsed time.Time
	pins     int // goroutines holding or waiting on run
	elem     *list.Element
}

// Store holds conversation history for many sessions. Reads and writes
// of history are guarded by one store-wide mutex; callers that need a
// read-modify-write sequence on a session take the per-session lock
// with [Store.Lock].
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*session
	lru         *list.List // front = most recently used
	maxMessages int
	maxSessions int
	ttl         time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 20
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10000
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		sessions:    make(map[string]*session),
		lru:         list.New(),
		maxMessages: opts.MaxMessages,
		maxSessions: opts.MaxSessions,
		ttl:         opts.TTL,
		now:         time.Now,
		logger:      opts.Logger,
	}
}

// MaxMessages returns the configured window size.
func (s *Store) MaxMessages() int { return s.maxMessages }

// Lock acquires the per-session lock for key, creating the session if
// needed, and returns the function that releases it. Runs on the same
// key are serialized; runs on different keys never contend. A locked
// session is never evicted. Calling unlock more than once is harmless.
//
// If ctx ends while waiting, Lock gives up and returns ctx.Err().
func (s *Store) Lock(ctx context.Context, key string) (unlock func(), err error) {
	s.mu.Lock()
	sess := s.getOrCreate(key)
	sess.pins++
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		sess.pins--
		s.touch(sess)
		s.mu.Unlock()
	}

	select {
	case sess.run <- struct{}{}:
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sess.run
			release()
		})
	}, nil
}

// Append adds msgs to the session in one step, then drops the oldest
// non-system messages until the session fits the window. Readers never
// see part of a batch.
func (s *Store) Append(key string, msgs ...Message) error {
	if key == "" {
		return ErrEmptySession
	}
	now := s.now()
	batch := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		m.ToolCalls = cloneToolCalls(m.ToolCalls)
		batch[i] = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreate(key)
	sess.msgs = append(sess.msgs, batch...)
	sess.msgs = trim(sess.msgs, s.maxMessages)
	s.touch(sess)
	return nil
}

// trim enforces len(msgs) <= max by removing the oldest non-system
// message first. System messages go only when nothing else is left.
func trim(msgs []Message, max int) []Message {
	for len(msgs) > max {
		drop := 0
		for i, m := range msgs {
			if m.Role != "system" {
				drop = i
				break
			}
		}
		msgs = append(msgs[:drop:drop], msgs[drop+1:]...)
	}
	return msgs
}

// History returns a copy of every retained message, oldest first.
func (s *Store) History(key string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return []Message{}
	}
	return copyMessages(sess.msgs)
}

// Window returns the bounded view sent to a model: at most MaxMessages
// entries, and never starting with a tool result whose originating
// assistant tool call was already dropped.
func (s *Store) Window(key string) []Message {
	msgs := s.History(key)
	if len(msgs) > s.maxMessages {
		msgs = msgs[len(msgs)-s.maxMessages:]
	}
	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		start++
	}
	return msgs[start:]
}

// Clear removes a session. It reports whether the session existed.
func (s *Store) Clear(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return false
	}
	if sess.pins > 0 {
		// A run is in flight; empty the history but keep the lock.
		sess.msgs = nil
		return true
	}
	s.remove(sess)
	return true
}

// Sessions returns the number of live sessions.
func (s *Store) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stats returns memory statistics.
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, sess := range s.sessions {
		total += len(sess.msgs)
	}
	return map[string]any{
		"sessions":     len(s.sessions),
		"messages":     total,
		"max_messages": s.maxMessages,
		"max_sessions": s.maxSessions,
		"ttl":          s.ttl.String(),
	}
}

// Sweep evicts idle sessions every interval until ctx is cancelled.
func (s *Store) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ExpireIdle(); n > 0 {
				s.logger.Debug("expired idle sessions", "count", n)
			}
		}
	}
}

// ExpireIdle removes every unlocked session idle for longer than the
// TTL and returns how many were removed.
func (s *Store) ExpireIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	n := 0
	// The LRU list is ordered by lastUsed, so walk from the oldest end.
	for e := s.lru.Back(); e != nil; {
		prev := e.Prev()
		sess := e.Value.(*session)
		if !sess.lastUsed.Before(cutoff) {
			break
		}
		if sess.pins == 0 {
			s.remove(sess)
			n++
		}
		e = prev
	}
	return n
}

// getOrCreate must be called with s.mu held.
func (s *Store) getOrCreate(key string) *session {
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	now := s.now()
	sess := &session{key: key, run: make(chan struct{}, 1), created: now, lastUsed: now}
	sess.elem = s.lru.PushFront(sess)
	s.sessions[key] = sess
	s.evictOverflow()
	return sess
}

// evictOverflow drops least recently used, unlocked sessions until the
// session cap holds. Must be called with s.mu held.
func (s *Store) evictOverflow() {
	for e := s.lru.Back(); e != nil && len(s.sessions) > s.maxSessions; {
		prev := e.Prev()
		sess := e.Value.(*session)
		if sess.pins == 0 && e != s.lru.Front() {
			s.logger.Debug("evicting least recently used session", "session", sess.key)
			s.remove(sess)
		}
		e = prev
	}
}

func (s *Store) touch(sess *session) {
	sess.lastUsed = s.now()
	if sess.elem != nil {
		s.lru.MoveToFront(sess.elem)
	}
}

func (s *Store) remove(sess *session) {
	if sess.elem != nil {
		s.lru.Remove(sess.elem)
		sess.elem = nil
	}
	delete(s.sessions, sess.key)
}

func copyMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		m.ToolCalls = cloneToolCalls(m.ToolCalls)
		out[i] = m
	}
	return out
}

func cloneToolCalls(in []llm.ToolCall) []llm.ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(in))
	copy(out, in)
	return out
}
