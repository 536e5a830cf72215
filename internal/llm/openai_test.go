package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["model"] != "qwen-plus" {
			t.Errorf("model = %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"qwen-plus",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
				"tool_calls":[{"id":"call_a","type":"function","function":{"name":"geocode","arguments":"{\"address\":\"Kyoto Station\"}"}}]}}],
			"usage":{"prompt_tokens":120,"completion_tokens":340,"total_tokens":460}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	tools := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":       "geocode",
			"parameters": map[string]any{"type": "object"},
		},
	}}
	resp, err := c.Chat(context.Background(), "qwen-plus", []Message{{Role: "user", Content: "where"}}, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 340 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_a" || tc.Function.Name != "geocode" || tc.Function.Arguments["address"] != "Kyoto Station" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestOpenAIChatStream(t *testing.T) {
	chunks := []string{
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen-plus","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen-plus","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen-plus","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen-plus","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if opts, _ := body["stream_options"].(map[string]any); opts["include_usage"] != true {
			t.Errorf("stream_options = %v", body["stream_options"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var tokens []string
	c := NewOpenAIClient("k", srv.URL, nil)
	resp, err := c.ChatStream(context.Background(), "qwen-plus", []Message{{Role: "user", Content: "hi"}}, nil, func(ev StreamEvent) {
		if ev.Kind == KindToken {
			tokens = append(tokens, ev.Token)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got := strings.Join(tokens, "|"); got != "Hel|lo" {
		t.Errorf("tokens = %q", got)
	}
	if resp.Message.Content != "Hello" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.InputTokens != 7 || resp.OutputTokens != 2 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIChatStream_ToolCallDeltas(t *testing.T) {
	chunks := []string{
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_x","type":"function","function":{"name":"geocode","arguments":"{\"addr"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"type":"function","function":{"name":"place_search","arguments":"{}"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ess\":\"Gion\"}"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL, nil)
	resp, err := c.ChatStream(context.Background(), "m", nil, nil, func(StreamEvent) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	calls := resp.Message.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_x" || calls[0].Function.Arguments["address"] != "Gion" {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].Function.Name != "place_search" || calls[1].ID == "" {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestOpenAIChat_StatusClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantTransient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope","type":"x"}}`)
			}))
			defer srv.Close()

			_, err := NewOpenAIClient("k", srv.URL, nil).Chat(context.Background(), "m", nil, nil)
			var se *StatusError
			if !errors.As(err, &se) || se.Status != tt.status {
				t.Fatalf("err = %v, want StatusError %d", err, tt.status)
			}
			if got := IsTransient(classify("m", err)); got != tt.wantTransient {
				t.Errorf("transient = %v, want %v", got, tt.wantTransient)
			}
		})
	}
}

func TestDecodeArguments(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]any
	}{
		{"", map[string]any{}},
		{"  ", map[string]any{}},
		{`{"a":"b"}`, map[string]any{"a": "b"}},
		{`{"a":`, map[string]any{"_raw": `{"a":`}},
	}
	for _, tt := range tests {
		got := decodeArguments(tt.in)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("decodeArguments(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
