package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zhishimianbao/tripmind/internal/httpkit"
)

// OllamaClient is a client for a local Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Large local models with tools need time before the first byte.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5*time.Minute), httpkit.WithRetry(2, time.Second)),
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama sends an object, not a string
	} `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request. If callback is non-nil the response
// is streamed as newline-delimited JSON and tokens are passed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: "ollama", Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 4096)}
	}

	var final ollamaResponse
	if !stream {
		if err := json.NewDecoder(resp.Body).Decode(&final); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	} else {
		var content strings.Builder
		var toolCalls []ollamaToolCall
		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk ollamaResponse
			if err := decoder.Decode(&chunk); err != nil {
				if err == io.EOF {
					return nil, fmt.Errorf("stream ended before done: %w", io.ErrUnexpectedEOF)
				}
				return nil, fmt.Errorf("decode stream chunk: %w", err)
			}
			if chunk.Message.Content != "" {
				content.WriteString(chunk.Message.Content)
				callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
			}
			if len(chunk.Message.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.Message.ToolCalls...)
			}
			if chunk.Done {
				final = chunk
				final.Message.Content = content.String()
				final.Message.ToolCalls = toolCalls
				break
			}
		}
	}

	out := convertFromOllama(&final)
	if len(out.Message.ToolCalls) == 0 && len(tools) > 0 {
		if parsed := parseTextToolCalls(out.Message.Content); len(parsed) > 0 {
			out.Message.ToolCalls = ensureToolCallIDs(parsed)
			out.Message.Content = ""
		}
	}
	if stream {
		callback(StreamEvent{Kind: KindDone, Response: out})
	}
	return out, nil
}

func convertToOllama(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			otc.Function.Arguments = tc.Function.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

func convertFromOllama(r *ollamaResponse) *ChatResponse {
	out := &ChatResponse{
		Model:        r.Model,
		Done:         r.Done,
		FinishReason: r.DoneReason,
		Message:      Message{Role: "assistant", Content: r.Message.Content},
		InputTokens:  r.PromptEvalCount,
		OutputTokens: r.EvalCount,
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		out.CreatedAt = t
	}
	for _, tc := range r.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			Function: FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	out.Message.ToolCalls = ensureToolCallIDs(out.Message.ToolCalls)
	return out
}

// parseTextToolCalls extracts tool calls that smaller local models
// write into the content instead of the tool_calls field. Handles a
// raw object {"name":..., "arguments":{...}}, an array of those, and
// either wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil || len(calls) == 0 {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil || single.Name == "" {
			return nil
		}
		calls = []textCall{single}
	}

	var out []ToolCall
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		args := c.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, ToolCall{Function: FunctionCall{Name: c.Name, Arguments: args}})
	}
	return out
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Provider: "ollama", Status: resp.StatusCode}
	}
	return nil
}
