package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/zhishimianbao/tripmind/internal/events"
	"github.com/zhishimianbao/tripmind/internal/llm"
	"github.com/zhishimianbao/tripmind/internal/memory"
)

// ChatStream is an in-flight streamed chat reply.
type ChatStream struct {
	RequestID string

	stream *llm.Stream
	done   chan struct{}
	result *Result
	err    error
}

// Chunks returns the reply text as it arrives. The channel is bounded
// and closed when the stream ends.
func (s *ChatStream) Chunks() <-chan string { return s.stream.Chunks() }

// Wait blocks until the stream ends and the session is updated. On
// error the result still carries the usage recorded for the partial
// reply.
func (s *ChatStream) Wait() (*Result, error) {
	<-s.done
	return s.result, s.err
}

// Close cancels the upstream call. Safe to call at any time.
func (s *ChatStream) Close() { s.stream.Close() }

// ChatStream starts a streamed reply to message. Validation and
// template errors are returned before any model call. The session is
// locked until the stream ends, and the exchange is stored only when
// the stream completes. A stream cut short by cancellation or an
// error records its estimated usage as partial.
func (o *Orchestrator) ChatStream(ctx context.Context, sessionID, message string) (*ChatStream, error) {
	r, err := o.chatRun(ctx, sessionID, message)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	o.emit(events.KindRequestStart, map[string]any{
		"request_id": r.requestID,
		"session_id": r.owner,
		"operation":  "chat_stream",
	})

	unlock, err := o.memory.Lock(ctx, r.session)
	if err != nil {
		o.complete(r, start, err)
		return nil, err
	}
	prior := toLLM(o.memory.Window(r.session))

	p := llm.Prompt{
		Model:   r.model,
		System:  r.system,
		History: prior,
		User:    r.user,
	}
	o.emit(events.KindLLMCall, map[string]any{
		"request_id": r.requestID,
		"iter":       0,
		"model":      p.Model,
		"stage":      r.flow,
	})
	stream, err := o.model.CompleteStream(ctx, p)
	if err != nil {
		unlock()
		o.complete(r, start, err)
		return nil, err
	}

	cs := &ChatStream{
		RequestID: r.requestID,
		stream:    stream,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(cs.done)
		defer unlock()

		c, err := stream.Wait()
		if c != nil {
			r.lastModel = c.Usage.Model
			o.account(ctx, r, c.Usage, err != nil)
		}
		if err == nil {
			aerr := o.memory.Append(r.session,
				memory.Message{Role: "user", Content: r.user},
				memory.Message{Role: "assistant", Content: c.Text},
			)
			if aerr != nil {
				err = fmt.Errorf("store turn: %w", aerr)
			}
		}
		if err == nil {
			o.emit(events.KindLLMResponse, map[string]any{
				"request_id":        r.requestID,
				"iter":              0,
				"model":             c.Usage.Model,
				"prompt_tokens":     c.Usage.PromptTokens,
				"completion_tokens": c.Usage.CompletionTokens,
				"tool_calls":        0,
			})
		}

		o.complete(r, start, err)
		cs.err = err
		text := ""
		if c != nil && err == nil {
			text = c.Text
		}
		cs.result = o.result(r, text)
	}()

	return cs, nil
}
