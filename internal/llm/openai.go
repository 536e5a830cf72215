package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zhishimianbao/tripmind/internal/httpkit"
)

// DashScopeBaseURL is the OpenAI-compatible endpoint of Alibaba Cloud
// Model Studio, which serves the qwen family.
const DashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// OpenAIClient talks to any OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client for baseURL (DashScope when empty).
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DashScopeBaseURL
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithTransport(t),
	)

	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertToOpenAI(messages),
		Tools:    convertToolsToOpenAI(tools),
	}
	c.logger.Log(ctx, LevelTrace, "request", "model", model, "messages", len(req.Messages), "tools", len(req.Tools))

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Model:        resp.Model,
		CreatedAt:    time.Unix(resp.Created, 0),
		Done:         true,
		FinishReason: string(choice.FinishReason),
		Message: Message{
			Role:      "assistant",
			Content:   choice.Message.Content,
			ToolCalls: convertFromOpenAIToolCalls(choice.Message.ToolCalls),
		},
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
	return out, nil
}

// ChatStream sends a streaming request. Usage is requested in the final
// chunk via stream_options.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	req := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertToOpenAI(messages),
		Tools:         convertToolsToOpenAI(tools),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, openAIError(err)
	}
	defer stream.Close()

	var (
		content      strings.Builder
		partials     = map[int]*partialToolCall{}
		finishReason string
		out          = &ChatResponse{Model: model}
	)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, openAIError(err)
		}

		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.InputTokens = chunk.Usage.PromptTokens
			out.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			callback(StreamEvent{Kind: KindToken, Token: choice.Delta.Content})
		}
		for i, tc := range choice.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			p, ok := partials[idx]
			if !ok {
				p = &partialToolCall{}
				partials[idx] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}

	out.Done = true
	out.FinishReason = finishReason
	out.Message = Message{
		Role:      "assistant",
		Content:   content.String(),
		ToolCalls: assembleToolCalls(partials),
	}
	callback(StreamEvent{Kind: KindDone, Response: out})
	return out, nil
}

// Ping lists models to verify the key and endpoint.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return openAIError(err)
	}
	return nil
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func assembleToolCalls(partials map[int]*partialToolCall) []ToolCall {
	if len(partials) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(partials))
	for i := range partials {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	calls := make([]ToolCall, 0, len(idxs))
	for _, i := range idxs {
		p := partials[i]
		calls = append(calls, ToolCall{
			ID:       p.id,
			Function: FunctionCall{Name: p.name, Arguments: decodeArguments(p.args.String())},
		})
	}
	return ensureToolCallIDs(calls)
}

// decodeArguments parses the JSON argument string OpenAI-style APIs
// send. Undecodable input is kept under "_raw" so validation can
// report it to the model.
func decodeArguments(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return map[string]any{"_raw": s}
	}
	return args
}

// ensureToolCallIDs fills in IDs for providers that omit them; the
// tool result must reference the call it answers.
func ensureToolCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
	return calls
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil || tc.Function.Arguments == nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertToolsToOpenAI(tools []map[string]any) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  fn["parameters"],
			},
		})
	}
	return out
}

func convertFromOpenAIToolCalls(in []openai.ToolCall) []ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(in))
	for _, tc := range in {
		out = append(out, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: decodeArguments(tc.Function.Arguments)},
		})
	}
	return ensureToolCallIDs(out)
}

// openAIError turns go-openai's error types into StatusError so the
// gateway can classify them.
func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: %w", &StatusError{Provider: "openai", Status: apiErr.HTTPStatusCode, Body: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return fmt.Errorf("openai: %w", &StatusError{Provider: "openai", Status: reqErr.HTTPStatusCode, Body: body})
	}
	return fmt.Errorf("openai: %w", err)
}
