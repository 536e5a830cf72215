package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhishimianbao/tripmind/internal/events"
	"github.com/zhishimianbao/tripmind/internal/llm"
	"github.com/zhishimianbao/tripmind/internal/prompts"
	"github.com/zhishimianbao/tripmind/internal/tools"
)

func TestGeneratePlan_Kyoto(t *testing.T) {
	const plan = "Day 1: Fushimi Inari..."
	f := newFixture(t, &mockLLM{steps: []step{textResp(plan, 120, 340)}})

	res, err := f.orch.GeneratePlan(context.Background(), kyoto("s1"))
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if res.Text != plan {
		t.Errorf("text = %q, want %q", res.Text, plan)
	}

	recs := f.sink.Records()
	if len(recs) != 1 {
		t.Fatalf("persisted %d records, want 1", len(recs))
	}
	if recs[0].SessionID != "s1" || recs[0].TotalTokens != 460 || recs[0].Model != "test-model" {
		t.Errorf("record = %+v", recs[0])
	}
	if recs[0].Stage != FlowPlan || recs[0].Partial {
		t.Errorf("stage = %q partial = %v", recs[0].Stage, recs[0].Partial)
	}
	if res.Usage.Total != 460 || res.Usage.Calls != 1 {
		t.Errorf("usage = %+v", res.Usage)
	}

	hist := f.mem.History("s1")
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].Role != "assistant" || hist[1].Content != plan {
		t.Errorf("history = %+v", hist)
	}

	// The rendered prompt reached the model with every request field.
	sent := f.model.call(0).Messages
	last := sent[len(sent)-1]
	for _, want := range []string{"Kyoto", "2025-10-01..2025-10-05", "history,food", "¥500-1000"} {
		if !strings.Contains(last.Content, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if len(f.model.call(0).Tools) != 0 {
		t.Error("plain plan should not offer tools")
	}
}

func TestGeneratePlan_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   PlanRequest
		field string
	}{
		{"blank destination", PlanRequest{SessionID: "s", Destination: "  ", TravelDates: "d"}, "destination"},
		{"blank dates", PlanRequest{SessionID: "s", Destination: "Kyoto"}, "travelDates"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockLLM{}
			f := newFixture(t, m)
			_, err := f.orch.GeneratePlan(context.Background(), tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("field = %v, want %s", ve, tt.field)
			}
			if m.callCount() != 0 {
				t.Error("invalid request reached the model")
			}
			if f.mem.Sessions() != 0 {
				t.Error("invalid request touched memory")
			}
		})
	}
}

func TestGeneratePlan_Defaults(t *testing.T) {
	m := &mockLLM{steps: []step{textResp("ok", 1, 1)}}
	f := newFixture(t, m)

	res, err := f.orch.GeneratePlan(context.Background(), PlanRequest{Destination: "Lisbon", TravelDates: "May"})
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != DefaultSession {
		t.Errorf("session = %q", res.SessionID)
	}
	prompt := m.call(0).Messages[0].Content
	if !strings.Contains(prompt, "Budget: unspecified") {
		t.Errorf("budget default missing from prompt:\n%s", prompt)
	}
}

func TestGeneratePlan_TemplateError(t *testing.T) {
	m := &mockLLM{}
	f := newFixture(t, m, func(c *Config) { c.Renderer = brokenRenderer{} })

	_, err := f.orch.GeneratePlan(context.Background(), kyoto("s1"))
	if !errors.Is(err, prompts.ErrTemplate) {
		t.Fatalf("err = %v, want template error", err)
	}
	if m.callCount() != 0 {
		t.Error("template failure reached the model")
	}
}

type brokenRenderer struct{}

func (brokenRenderer) Render(id string, _ map[string]string) (string, error) {
	return "", &prompts.TemplateError{ID: id, Err: errors.New("missing")}
}

func TestGeneratePlanWithTools_OneRoundTrip(t *testing.T) {
	m := &mockLLM{steps: []step{
		toolResp(100, 20, toolCall("call_1", "geocode", map[string]any{"address": "Kyoto Station"})),
		textResp("Meet near 34.98,135.76 at 9am.", 150, 60),
	}}
	f := newFixture(t, m)

	var invoked atomic.Int32
	if err := f.reg.Register(&tools.Tool{
		Name:        "geocode",
		Description: "Find coordinates",
		Params:      []tools.Param{{Name: "address", Type: tools.String, Required: true}},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			invoked.Add(1)
			if args["address"] != "Kyoto Station" {
				t.Errorf("address = %v", args["address"])
			}
			return "135.76,34.98", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := f.orch.GeneratePlanWithTools(context.Background(), kyoto("s1"))
	if err != nil {
		t.Fatalf("GeneratePlanWithTools: %v", err)
	}
	if !strings.Contains(res.Text, "34.98,135.76") {
		t.Errorf("text = %q", res.Text)
	}
	if invoked.Load() != 1 || res.ToolCalls != 1 {
		t.Errorf("tool invoked %d times, result reports %d", invoked.Load(), res.ToolCalls)
	}

	var toolMsgs int
	for _, msg := range f.mem.History("s1") {
		if msg.Role == "tool" {
			toolMsgs++
			if msg.ToolCallID != "call_1" || msg.Content != "135.76,34.98" {
				t.Errorf("tool message = %+v", msg)
			}
		}
	}
	if toolMsgs != 1 {
		t.Errorf("tool messages = %d, want 1", toolMsgs)
	}

	if len(res.Records) != 2 || res.Usage.Total != 330 {
		t.Errorf("records = %d, usage = %+v", len(res.Records), res.Usage)
	}
	if len(m.call(0).Tools) != 1 {
		t.Errorf("offered %d tools, want 1", len(m.call(0).Tools))
	}

	// The second model call sees the tool result.
	second := m.call(1).Messages
	if got := second[len(second)-1]; got.Role != "tool" || got.ToolCallID != "call_1" {
		t.Errorf("last message of second call = %+v", got)
	}
}

func TestToolFailuresAreFedBack(t *testing.T) {
	m := &mockLLM{steps: []step{
		toolResp(10, 5,
			toolCall("c1", "teleport", map[string]any{}),
			toolCall("c2", "geocode", map[string]any{}),
		),
		textResp("I could not look that up.", 10, 5),
	}}
	f := newFixture(t, m)
	var reached atomic.Bool
	_ = f.reg.Register(&tools.Tool{
		Name:   "geocode",
		Params: []tools.Param{{Name: "address", Type: tools.String, Required: true}},
		Handler: func(context.Context, map[string]any) (string, error) {
			reached.Store(true)
			return "", nil
		},
	})

	if _, err := f.orch.GeneratePlanWithTools(context.Background(), kyoto("s1")); err != nil {
		t.Fatalf("tool failures should not abort: %v", err)
	}
	if reached.Load() {
		t.Error("invalid arguments reached the adapter")
	}

	results := map[string]string{}
	for _, msg := range f.mem.History("s1") {
		if msg.Role == "tool" {
			results[msg.ToolCallID] = msg.Content
		}
	}
	if !strings.HasPrefix(results["c1"], "error: unknown_tool:") {
		t.Errorf("unknown tool result = %q", results["c1"])
	}
	if !strings.HasPrefix(results["c2"], "error: invalid_argument:") {
		t.Errorf("invalid argument result = %q", results["c2"])
	}
}

func TestToolLoopExceeded(t *testing.T) {
	var steps []step
	for i := range 10 {
		steps = append(steps, toolResp(1, 1, toolCall("c", "noop", map[string]any{"i": i})))
	}
	m := &mockLLM{steps: steps}
	f := newFixture(t, m, func(c *Config) { c.MaxToolIterations = 3 })
	_ = f.reg.Register(&tools.Tool{
		Name:    "noop",
		Handler: func(context.Context, map[string]any) (string, error) { return "ok", nil },
	})

	_, err := f.orch.GeneratePlanWithTools(context.Background(), kyoto("s1"))
	var oe *OrchestrationError
	if !errors.As(err, &oe) || oe.Kind != ToolLoopExceeded {
		t.Fatalf("err = %v, want ToolLoopExceeded", err)
	}
	if got := m.callCount(); got != 4 {
		t.Errorf("model calls = %d, want 4 (3 tool rounds + 1)", got)
	}
	if len(f.sink.Records()) != 4 {
		t.Errorf("usage records = %d, want one per model call", len(f.sink.Records()))
	}
}

func TestTransientErrorsRetried(t *testing.T) {
	m := &mockLLM{steps: []step{
		{err: &llm.StatusError{Provider: "test", Status: 503}},
		{err: &llm.StatusError{Provider: "test", Status: 429}},
		textResp("third time lucky", 5, 5),
	}}
	f := newFixture(t, m)

	res, err := f.orch.GeneratePlan(context.Background(), kyoto("s1"))
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if res.Text != "third time lucky" || m.callCount() != 3 {
		t.Errorf("text = %q after %d calls", res.Text, m.callCount())
	}
}

func TestTransientErrorsExhausted(t *testing.T) {
	m := &mockLLM{steps: []step{
		{err: &llm.StatusError{Provider: "test", Status: 502}},
		{err: &llm.StatusError{Provider: "test", Status: 502}},
		{err: &llm.StatusError{Provider: "test", Status: 502}},
		textResp("never reached", 1, 1),
	}}
	f := newFixture(t, m, func(c *Config) { c.RetryMaxAttempts = 3 })

	_, err := f.orch.GeneratePlan(context.Background(), kyoto("s1"))
	if !llm.IsTransient(err) {
		t.Fatalf("err = %v, want transient ModelError", err)
	}
	if m.callCount() != 3 {
		t.Errorf("calls = %d, want 3", m.callCount())
	}
}

func TestFatalErrorNotRetried(t *testing.T) {
	m := &mockLLM{steps: []step{
		{err: &llm.StatusError{Provider: "test", Status: 401, Body: "bad key"}},
		textResp("never reached", 1, 1),
	}}
	f := newFixture(t, m)

	_, err := f.orch.GeneratePlan(context.Background(), kyoto("s1"))
	var me *llm.ModelError
	if !errors.As(err, &me) || me.Kind != llm.Fatal || me.Status != 401 {
		t.Fatalf("err = %v, want fatal ModelError 401", err)
	}
	if m.callCount() != 1 {
		t.Errorf("calls = %d, want 1", m.callCount())
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	m := &mockLLM{steps: []step{
		{err: &llm.StatusError{Provider: "test", Status: 503}},
		textResp("too late", 1, 1),
	}}
	f := newFixture(t, m, func(c *Config) {
		c.RetryBaseDelay = time.Hour
		c.RetryMaxDelay = time.Hour
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.orch.GeneratePlan(ctx, kyoto("s1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestEmptyResponse(t *testing.T) {
	m := &mockLLM{steps: []step{textResp("   ", 1, 1)}}
	f := newFixture(t, m)

	_, err := f.orch.GeneratePlan(context.Background(), kyoto("s1"))
	var oe *OrchestrationError
	if !errors.As(err, &oe) || oe.Kind != EmptyResponse {
		t.Fatalf("err = %v, want EmptyResponse", err)
	}
}

func TestPersistenceErrorSwallowed(t *testing.T) {
	m := &mockLLM{steps: []step{textResp("plan", 120, 340)}}
	f := newFixture(t, m)
	f.sink.FailWith(errors.New("database is locked"))

	res, err := f.orch.GeneratePlan(context.Background(), kyoto("s1"))
	if err != nil {
		t.Fatalf("persistence failure should not fail the request: %v", err)
	}
	if res.Usage.Total != 460 {
		t.Errorf("scope total = %d, want 460 even when unpersisted", res.Usage.Total)
	}
}

func TestChat_UsesSessionHistory(t *testing.T) {
	m := &mockLLM{steps: []step{
		textResp("Kyoto is lovely in autumn.", 10, 10),
		textResp("Try the Arashiyama bamboo grove.", 20, 10),
	}}
	f := newFixture(t, m)
	ctx := context.Background()

	if _, err := f.orch.Chat(ctx, "u1", "When should I visit Kyoto?"); err != nil {
		t.Fatal(err)
	}
	res, err := f.orch.Chat(ctx, "u1", "What should I see?")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "Try the Arashiyama bamboo grove." {
		t.Errorf("reply = %q", res.Text)
	}

	msgs := m.call(1).Messages
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "TripMind") {
		t.Errorf("first message should be the companion persona, got %+v", msgs[0])
	}
	var sawFirstReply bool
	for _, msg := range msgs {
		if msg.Content == "Kyoto is lovely in autumn." {
			sawFirstReply = true
		}
	}
	if !sawFirstReply {
		t.Error("second turn did not include the first reply")
	}
	if len(f.mem.History("u1")) != 4 {
		t.Errorf("history = %d messages, want 4", len(f.mem.History("u1")))
	}
}

func TestChat_BlankMessage(t *testing.T) {
	f := newFixture(t, &mockLLM{})
	if _, err := f.orch.Chat(context.Background(), "u1", " \n"); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestSessionsIsolated(t *testing.T) {
	m := &mockLLM{steps: []step{textResp("a", 1, 1), textResp("b", 1, 1)}}
	f := newFixture(t, m)
	ctx := context.Background()

	_, _ = f.orch.Chat(ctx, "alice", "hello from alice")
	_, _ = f.orch.Chat(ctx, "bob", "hello from bob")

	for _, msg := range m.call(1).Messages {
		if strings.Contains(msg.Content, "alice") {
			t.Error("bob's call saw alice's history")
		}
	}
}

// gatedLLM counts concurrent calls per session and can require a
// number of callers to be in flight at once before any returns.
type gatedLLM struct {
	mockLLM
	inflight atomic.Int32
	peak     atomic.Int32
	barrier  *sync.WaitGroup
	delay    time.Duration
}

func (g *gatedLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	n := g.inflight.Add(1)
	defer g.inflight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if g.barrier != nil {
		g.barrier.Done()
		done := make(chan struct{})
		go func() { g.barrier.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			return nil, errors.New("barrier timeout: calls did not overlap")
		}
	}
	time.Sleep(g.delay)
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: "assistant", Content: "ok"}, InputTokens: 1, OutputTokens: 1}, nil
}

func TestSameSessionSerialized(t *testing.T) {
	g := &gatedLLM{delay: 10 * time.Millisecond}
	f := newFixture(t, g)

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.Chat(context.Background(), "shared", "message "+string(rune('a'+i))); err != nil {
				t.Errorf("Chat: %v", err)
			}
		}()
	}
	wg.Wait()

	if p := g.peak.Load(); p != 1 {
		t.Errorf("peak concurrent calls on one session = %d, want 1", p)
	}
	hist := f.mem.History("shared")
	if len(hist) != 10 {
		t.Fatalf("history = %d messages, want 10", len(hist))
	}
	for i := 0; i < len(hist); i += 2 {
		if hist[i].Role != "user" || hist[i+1].Role != "assistant" {
			t.Errorf("history interleaved at %d: %s, %s", i, hist[i].Role, hist[i+1].Role)
		}
	}
}

func TestDifferentSessionsConcurrent(t *testing.T) {
	var barrier sync.WaitGroup
	barrier.Add(2)
	g := &gatedLLM{barrier: &barrier}
	f := newFixture(t, g)

	var wg sync.WaitGroup
	for _, s := range []string{"s1", "s2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.Chat(context.Background(), s, "hi"); err != nil {
				t.Errorf("Chat(%s): %v", s, err)
			}
		}()
	}
	wg.Wait()
}

func TestEventsPublished(t *testing.T) {
	m := &mockLLM{steps: []step{
		toolResp(1, 1, toolCall("c1", "noop", nil)),
		textResp("done", 1, 1),
	}}
	f := newFixture(t, m)
	_ = f.reg.Register(&tools.Tool{
		Name:    "noop",
		Handler: func(context.Context, map[string]any) (string, error) { return "ok", nil },
	})
	ch := f.bus.Subscribe(64)
	defer f.bus.Unsubscribe(ch)

	ctx := WithRequestID(context.Background(), "r_test")
	if _, err := f.orch.GeneratePlanWithTools(ctx, kyoto("s1")); err != nil {
		t.Fatal(err)
	}

	seen := map[string]int{}
	timeout := time.After(time.Second)
	for seen[events.KindRequestComplete] == 0 {
		select {
		case e := <-ch:
			seen[e.Kind]++
			if e.Source == events.SourceAgent && e.Data["request_id"] != "r_test" {
				t.Errorf("%s carries request_id %v", e.Kind, e.Data["request_id"])
			}
		case <-timeout:
			t.Fatalf("request_complete not seen; got %v", seen)
		}
	}
	want := map[string]int{
		events.KindRequestStart: 1,
		events.KindLLMCall:      2,
		events.KindLLMResponse:  2,
		events.KindToolCall:     1,
		events.KindToolDone:     1,
		events.KindUsage:        2,
	}
	for kind, n := range want {
		if seen[kind] != n {
			t.Errorf("%s events = %d, want %d", kind, seen[kind], n)
		}
	}
}

func TestClearSession(t *testing.T) {
	m := &mockLLM{steps: []step{textResp("hi", 1, 1)}}
	f := newFixture(t, m)
	_, _ = f.orch.Chat(context.Background(), "u1", "hello")

	if !f.orch.ClearSession("u1") {
		t.Error("ClearSession should report an existing session")
	}
	if len(f.orch.History("u1")) != 0 {
		t.Error("history not cleared")
	}
	if f.orch.ClearSession("u1") {
		t.Error("second clear should report false")
	}
}

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewRequestID()
		if !strings.HasPrefix(id, "r_") || len(id) != 28 {
			t.Fatalf("request ID %q malformed", id)
		}
		if seen[id] {
			t.Fatalf("duplicate request ID %q", id)
		}
		seen[id] = true
	}
	if got := requestID(WithRequestID(context.Background(), "given")); got != "given" {
		t.Errorf("requestID = %q, want the context value", got)
	}
}

// danglingToolCall returns the index of the first assistant message
// whose tool calls are not all answered by the tool messages after it,
// or -1.
func danglingToolCall(msgs []llm.Message) int {
	for i, m := range msgs {
		if len(m.ToolCalls) == 0 {
			continue
		}
		answered := map[string]bool{}
		for _, next := range msgs[i+1:] {
			if next.Role != "tool" {
				break
			}
			answered[next.ToolCallID] = true
		}
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				return i
			}
		}
	}
	return -1
}

func TestCancelledToolRoundLeavesSessionIntact(t *testing.T) {
	m := &mockLLM{steps: []step{
		textResp("Welcome to Kyoto.", 5, 5),
		toolResp(10, 5, toolCall("call_1", "geocode", map[string]any{"address": "Kyoto Station"})),
		textResp("Nishiki Market is a short walk away.", 5, 5),
	}}
	f := newFixture(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = f.reg.Register(&tools.Tool{
		Name:   "geocode",
		Params: []tools.Param{{Name: "address", Type: tools.String, Required: true}},
		Handler: func(hctx context.Context, _ map[string]any) (string, error) {
			cancel()
			return "", hctx.Err()
		},
	})

	if _, err := f.orch.Chat(context.Background(), "s1", "hello"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	before := f.mem.History("s1")

	if _, err := f.orch.GeneratePlanWithTools(ctx, kyoto("s1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if after := f.mem.History("s1"); len(after) != len(before) {
		t.Fatalf("aborted run changed the session: %d messages, want %d", len(after), len(before))
	}

	if _, err := f.orch.Chat(context.Background(), "s1", "next question"); err != nil {
		t.Fatalf("Chat after abort: %v", err)
	}
	sent := m.call(2).Messages
	if i := danglingToolCall(sent); i >= 0 {
		t.Errorf("model call carries unanswered tool calls at [%d]: %+v", i, sent)
	}
	if last := sent[len(sent)-1]; last.Role != "user" || last.Content != "next question" {
		t.Errorf("last message = %+v", last)
	}
	if n := len(f.mem.History("s1")); n != 4 {
		t.Errorf("history = %d messages, want 4", n)
	}
}

func TestFailedRunStoresNothing(t *testing.T) {
	m := &mockLLM{steps: []step{
		{err: &llm.StatusError{Provider: "test", Status: 401, Body: "bad key"}},
	}}
	f := newFixture(t, m)

	if _, err := f.orch.Chat(context.Background(), "s1", "hello"); err == nil {
		t.Fatal("expected error")
	}
	if h := f.mem.History("s1"); len(h) != 0 {
		t.Errorf("failed run left %d messages", len(h))
	}
}

func TestLockWaitHonoursCancellation(t *testing.T) {
	m := &mockLLM{steps: []step{textResp("never sent", 1, 1)}}
	f := newFixture(t, m)

	unlock, err := f.mem.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.orch.Chat(ctx, "s1", "are you there?"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	unlock()

	if m.callCount() != 0 {
		t.Error("model called after the caller gave up")
	}
	if h := f.mem.History("s1"); len(h) != 0 {
		t.Errorf("abandoned request stored %d messages", len(h))
	}
}

func TestSessionIDValidation(t *testing.T) {
	f := newFixture(t, &mockLLM{})
	for _, id := range []string{"s1" + htmlSep + "html", "tab\tid", strings.Repeat("x", maxSessionIDLen+1)} {
		if _, err := f.orch.Chat(context.Background(), id, "hi"); !errors.Is(err, ErrValidation) {
			t.Errorf("Chat(%q) err = %v, want ErrValidation", id, err)
		}
		if _, err := f.orch.GeneratePlan(context.Background(), kyoto(id)); !errors.Is(err, ErrValidation) {
			t.Errorf("GeneratePlan(%q) err = %v, want ErrValidation", id, err)
		}
	}
	if checkSessionID(htmlSession("a")) == nil {
		t.Error("a derived html key must not be a valid caller session id")
	}
}
