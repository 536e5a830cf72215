// Package llm provides the model gateway and the provider clients
// behind it.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned, echoed back on the tool result
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at the provider boundary.
type ChatResponse struct {
	Model        string
	CreatedAt    time.Time
	Message      Message
	Done         bool
	FinishReason string

	InputTokens  int
	OutputTokens int
}

// StreamEvent is a single event in a streaming response.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// Response is set for KindDone events.
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindDone signals the stream is complete.
	KindDone
)

// StreamCallback receives streaming events. Providers call it from
// their read loop, so a slow callback slows the upstream read.
type StreamCallback func(event StreamEvent)
