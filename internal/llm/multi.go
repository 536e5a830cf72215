package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNoProvider is returned when a model maps to no configured provider
// and there is no fallback.
var ErrNoProvider = errors.New("no provider configured")

// MultiClient routes each request to a provider by model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient creates a router. Models with no mapping go to fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a registered provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.clients))
	for n := range m.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, nil
		}
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("model %q: %w", model, ErrNoProvider)
	}
	return m.fallback, nil
}

// Chat routes a non-streaming request.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, model, messages, tools)
}

// ChatStream routes a streaming request.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, model, messages, tools, callback)
}

// Ping checks every registered provider and the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	var errs []error
	for _, name := range m.Providers() {
		if err := m.clients[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if m.fallback != nil && len(m.clients) == 0 {
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 && m.fallback == nil && len(m.clients) == 0 {
		return ErrNoProvider
	}
	return errors.Join(errs...)
}
