package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrStreamStalled ends a stream whose consumer stopped reading.
var ErrStreamStalled = errors.New("stream consumer stalled")

// Prompt is the input to every gateway call.
type Prompt struct {
	// Model overrides the gateway default when set.
	Model   string
	System  string
	History []Message
	User    string
}

func (p Prompt) messages() []Message {
	msgs := make([]Message, 0, len(p.History)+2)
	if p.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: p.System})
	}
	msgs = append(msgs, p.History...)
	if p.User != "" {
		msgs = append(msgs, Message{Role: "user", Content: p.User})
	}
	return msgs
}

// Usage is the normalised token accounting for one model call.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	// Estimated is set when the counts were computed locally because the
	// provider did not report them.
	Estimated bool
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Completion is the result of a model call: final text, or tool calls
// the caller must satisfy before asking again.
type Completion struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// WantsTools reports whether the model asked for tool invocations.
func (c *Completion) WantsTools() bool { return len(c.ToolCalls) > 0 }

// GatewayOptions configures a Gateway. Zero values pick the defaults.
type GatewayOptions struct {
	DefaultModel string
	StreamBuffer int           // default 32
	StallTimeout time.Duration // default 30s
	Logger       *slog.Logger

	// Tokens estimates usage the provider did not report. Nil uses a
	// counter that never loads an encoding.
	Tokens *TokenCounter
}

// Gateway exposes the three call shapes the orchestrator uses over a
// single provider Client, normalising usage and errors.
type Gateway struct {
	client Client
	model  string
	buffer int
	stall  time.Duration
	tokens *TokenCounter
	logger *slog.Logger
}

// NewGateway wraps client.
func NewGateway(client Client, opts GatewayOptions) *Gateway {
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 32
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tokens == nil {
		opts.Tokens = NewTokenCounter()
	}
	return &Gateway{
		client: client,
		model:  opts.DefaultModel,
		buffer: opts.StreamBuffer,
		stall:  opts.StallTimeout,
		tokens: opts.Tokens,
		logger: opts.Logger.With("component", "gateway"),
	}
}

// Model returns the model a prompt will be sent to.
func (g *Gateway) Model(p Prompt) string {
	if p.Model != "" {
		return p.Model
	}
	return g.model
}

// Ping checks the underlying provider.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.client.Ping(ctx)
}

// Complete performs a single request/response call without tools.
func (g *Gateway) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	return g.call(ctx, p, nil)
}

// CompleteWithTools offers tools to the model. The completion either
// carries final text or the tool calls the model wants made.
func (g *Gateway) CompleteWithTools(ctx context.Context, p Prompt, tools []map[string]any) (*Completion, error) {
	return g.call(ctx, p, tools)
}

func (g *Gateway) call(ctx context.Context, p Prompt, tools []map[string]any) (*Completion, error) {
	model := g.Model(p)
	msgs := p.messages()
	start := time.Now()

	g.logger.Debug("model call",
		"model", model,
		"messages", len(msgs),
		"tools", len(tools),
	)

	resp, err := g.client.Chat(ctx, model, msgs, tools)
	if err != nil {
		return nil, classify(model, err)
	}

	c := g.completion(model, msgs, resp)
	g.logger.Debug("model call complete",
		"model", c.Usage.Model,
		"prompt_tokens", c.Usage.PromptTokens,
		"completion_tokens", c.Usage.CompletionTokens,
		"tool_calls", len(c.ToolCalls),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return c, nil
}

func (g *Gateway) completion(model string, msgs []Message, resp *ChatResponse) *Completion {
	c := &Completion{
		Text:         resp.Message.Content,
		ToolCalls:    resp.Message.ToolCalls,
		FinishReason: resp.FinishReason,
		Usage: Usage{
			Model:            resp.Model,
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
		},
	}
	if c.Usage.Model == "" {
		c.Usage.Model = model
	}
	if c.Usage.PromptTokens == 0 && c.Usage.CompletionTokens == 0 {
		c.Usage.PromptTokens = g.tokens.CountMessages(msgs)
		c.Usage.CompletionTokens = g.tokens.Count(c.Text)
		c.Usage.Estimated = true
	}
	return c
}

// CompleteStream starts a streaming call and returns immediately.
// Chunks arrive on a bounded channel; if the consumer does not take a
// chunk within the stall timeout the upstream call is cancelled and
// the stream ends with ErrStreamStalled. Cancelling ctx cancels the
// upstream call.
func (g *Gateway) CompleteStream(ctx context.Context, p Prompt) (*Stream, error) {
	model := g.Model(p)
	msgs := p.messages()

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		chunks: make(chan string, g.buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer cancel()
		defer close(s.done)
		defer close(s.chunks)

		var text strings.Builder
		stalled := false
		timer := time.NewTimer(g.stall)
		defer timer.Stop()

		callback := func(ev StreamEvent) {
			if ev.Kind != KindToken || ev.Token == "" || stalled || ctx.Err() != nil {
				return
			}
			text.WriteString(ev.Token)

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(g.stall)

			select {
			case s.chunks <- ev.Token:
			case <-timer.C:
				stalled = true
				cancel()
			case <-ctx.Done():
			}
		}

		resp, err := g.client.ChatStream(ctx, model, msgs, nil, callback)

		switch {
		case stalled:
			s.err = ErrStreamStalled
		case err != nil && ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
			s.err = context.Canceled
		case err != nil:
			s.err = classify(model, err)
		}

		if err == nil && resp != nil {
			s.result = g.completion(model, msgs, resp)
			return
		}

		// Cut short: account for what was produced so far.
		s.result = &Completion{
			Text: text.String(),
			Usage: Usage{
				Model:            model,
				PromptTokens:     g.tokens.CountMessages(msgs),
				CompletionTokens: g.tokens.Count(text.String()),
				Estimated:        true,
			},
		}
		g.logger.Debug("stream ended early",
			"model", model,
			"error", s.err,
			"partial_chars", text.Len(),
		)
	}()

	return s, nil
}

// Stream is an in-flight streaming completion. It is finite and cannot
// be restarted; issue a new call instead.
type Stream struct {
	chunks chan string
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
	result    *Completion
	err       error
}

// Chunks returns the channel of text chunks. It is closed when the
// stream ends for any reason.
func (s *Stream) Chunks() <-chan string { return s.chunks }

// Wait blocks until the stream ends. The completion is non-nil even on
// error: it then carries the partial text and estimated usage.
func (s *Stream) Wait() (*Completion, error) {
	<-s.done
	return s.result, s.err
}

// Close cancels the upstream call and releases the producer. It is safe
// to call after the stream has ended.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		// Unblock a producer waiting on a full buffer.
		go func() {
			for range s.chunks {
			}
		}()
	})
}
