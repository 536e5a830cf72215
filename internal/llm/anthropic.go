package llm

import (
	"bufio"
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

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 8192
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	endpoint   string
	pingModel  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:    apiKey,
		endpoint:  anthropicAPIURL,
		pingModel: "claude-3-5-haiku-latest",
		logger:    logger.With("provider", "anthropic"),
		// Streams can be long-lived; deadlines come from ctx.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t)),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicBlock
}

type anthropicBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	ContentBlock *anthropicBlock    `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Chat sends a non-streaming request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a request, streaming tokens to callback when it is
// non-nil.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	msgs, system := convertToAnthropic(messages)
	req := anthropicRequest{
		Model:     model,
		Messages:  msgs,
		System:    system,
		MaxTokens: anthropicMaxTokens,
		Stream:    callback != nil,
		Tools:     convertToolsToAnthropic(tools),
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if callback == nil {
		var ar anthropicResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		out := convertFromAnthropic(&ar)
		c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
		return out, nil
	}

	out, err := c.readStream(resp.Body, callback)
	if err != nil {
		return nil, err
	}
	if out.Model == "" {
		out.Model = model
	}
	callback(StreamEvent{Kind: KindDone, Response: out})
	return out, nil
}

func (c *AnthropicClient) post(ctx context.Context, req anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &StatusError{Provider: "anthropic", Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 4096)}
	}
	return resp, nil
}

func (c *AnthropicClient) readStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		text     strings.Builder
		calls    []ToolCall
		current  *anthropicBlock
		argsJSON strings.Builder
		usage    anthropicUsage
		out      = &ChatResponse{Done: true, Message: Message{Role: "assistant"}}
		finished bool
	)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				out.Model = ev.Message.Model
				usage = ev.Message.Usage
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				current = ev.ContentBlock
				argsJSON.Reset()
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				text.WriteString(ev.Delta.Text)
				callback(StreamEvent{Kind: KindToken, Token: ev.Delta.Text})
			case "input_json_delta":
				argsJSON.WriteString(ev.Delta.PartialJSON)
			}
		case "content_block_stop":
			if current != nil {
				calls = append(calls, ToolCall{
					ID:       current.ID,
					Function: FunctionCall{Name: current.Name, Arguments: decodeArguments(argsJSON.String())},
				})
				current = nil
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				out.FinishReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			finished = true
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
				if ev.Error.Type == "overloaded_error" {
					return nil, &StatusError{Provider: "anthropic", Status: 529, Body: msg}
				}
			}
			return nil, fmt.Errorf("anthropic: %s", msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if !finished {
		return nil, fmt.Errorf("stream ended before message_stop: %w", io.ErrUnexpectedEOF)
	}

	out.Message.Content = text.String()
	out.Message.ToolCalls = ensureToolCallIDs(calls)
	out.InputTokens = usage.InputTokens
	out.OutputTokens = usage.OutputTokens
	return out, nil
}

// Ping sends a one-token request to verify the key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	resp, err := c.post(ctx, anthropicRequest{
		Model:     c.pingModel,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}

// convertToAnthropic moves system messages into the separate system
// field and maps tool traffic onto tool_use/tool_result blocks.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var system []string
	var out []anthropicMessage

	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user":
			out = append(out, anthropicMessage{Role: "user", Content: m.Content})
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, anthropicMessage{Role: "assistant", Content: m.Content})
				continue
			}
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: args})
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})
		case "tool":
			out = append(out, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}},
			})
		}
	}
	return out, strings.Join(system, "\n\n")
}

func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{Name: name, Description: desc, InputSchema: params})
	}
	return out
}

func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var text strings.Builder
	var calls []ToolCall
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args, ok := b.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			calls = append(calls, ToolCall{ID: b.ID, Function: FunctionCall{Name: b.Name, Arguments: args}})
		}
	}
	return &ChatResponse{
		Model:        resp.Model,
		Done:         true,
		FinishReason: resp.StopReason,
		Message:      Message{Role: "assistant", Content: text.String(), ToolCalls: ensureToolCallIDs(calls)},
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
