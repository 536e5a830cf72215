package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhishimianbao/tripmind/internal/events"
	"github.com/zhishimianbao/tripmind/internal/llm"
	"github.com/zhishimianbao/tripmind/internal/memory"
	"github.com/zhishimianbao/tripmind/internal/prompts"
	"github.com/zhishimianbao/tripmind/internal/tools"
	"github.com/zhishimianbao/tripmind/internal/usage"
)

// step is one scripted model answer: a response or an error.
type step struct {
	resp *llm.ChatResponse
	err  error
}

// mockLLM replays scripted steps in order and records every call.
type mockLLM struct {
	mu    sync.Mutex
	steps []step
	next  int
	calls []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) pop(model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td})
	if m.next >= len(m.steps) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.next)
	}
	s := m.steps[m.next]
	m.next++
	return s.resp, s.err
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return m.pop(model, msgs, td)
}

// ChatStream delivers the scripted content one word at a time.
func (m *mockLLM) ChatStream(_ context.Context, model string, msgs []llm.Message, td []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := m.pop(model, msgs, td)
	if err != nil {
		return nil, err
	}
	if cb != nil {
		words := strings.SplitAfter(resp.Message.Content, " ")
		for _, w := range words {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: w})
		}
		cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockLLM) call(i int) mockLLMCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func textResp(content string, in, out int) step {
	return step{resp: &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", Content: content},
		InputTokens:  in,
		OutputTokens: out,
	}}
}

func toolResp(in, out int, calls ...llm.ToolCall) step {
	return step{resp: &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", ToolCalls: calls},
		InputTokens:  in,
		OutputTokens: out,
	}}
}

func toolCall(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture is an orchestrator wired to in-memory collaborators.
type fixture struct {
	orch  *Orchestrator
	model *mockLLM
	mem   *memory.Store
	sink  *usage.MemorySink
	reg   *tools.Registry
	files *tools.FileTools
	bus   *events.Bus
}

type fixtureOption func(*Config)

func newFixture(t *testing.T, client llm.Client, opts ...fixtureOption) *fixture {
	t.Helper()

	renderer, err := prompts.NewRenderer("")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	logger := quietLogger()
	mem := memory.NewStore(memory.Options{Logger: logger})
	sink := usage.NewMemorySink()
	bus := events.New()
	reg := tools.NewRegistry(tools.Options{Logger: logger})
	files := tools.NewFileTools(t.TempDir())

	cfg := Config{
		Renderer:       renderer,
		Model:          llm.NewGateway(client, llm.GatewayOptions{DefaultModel: "test-model", StallTimeout: 2 * time.Second, Logger: logger}),
		Memory:         mem,
		Tools:          reg,
		Usage:          usage.NewAccountant(sink, bus, logger),
		Files:          files,
		Bus:            bus,
		Logger:         logger,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
	for _, o := range opts {
		o(&cfg)
	}

	f := &fixture{
		orch:  New(cfg),
		mem:   mem,
		sink:  sink,
		reg:   reg,
		files: files,
		bus:   bus,
	}
	if m, ok := client.(*mockLLM); ok {
		f.model = m
	}
	return f
}

// kyoto is the reference request used across tests.
func kyoto(session string) PlanRequest {
	return PlanRequest{
		SessionID:   session,
		Destination: "Kyoto",
		TravelDates: "2025-10-01..2025-10-05",
		Interests:   "history,food",
		Budget:      "¥500-1000",
	}
}
