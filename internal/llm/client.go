package llm

import "context"

// Client is the interface that all LLM providers implement.
//
// tools uses the OpenAI function-calling layout:
// {"type":"function","function":{"name","description","parameters"}}.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// tokens are streamed to it as they arrive.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
