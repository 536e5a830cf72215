// Package tools defines the tools available to the agent: a registry
// with argument validation, the adapters behind each tool, and the
// cache and policy that wrap invocation.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ParamType is the JSON schema type of a tool parameter.
type ParamType string

// Supported parameter types.
const (
	String  ParamType = "string"
	Integer ParamType = "integer"
	Number  ParamType = "number"
	Boolean ParamType = "boolean"
)

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// Handler performs a tool call with validated arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a callable tool definition.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler

	// Cacheable results are stored in the registry cache keyed by name
	// and arguments. Only set for idempotent lookups.
	Cacheable bool
	// Timeout bounds a single call. Zero means the caller's ctx only.
	Timeout time.Duration
}

// Schema returns the JSON schema of the tool's parameters.
func (t *Tool) Schema() map[string]any {
	props := make(map[string]any, len(t.Params))
	required := []string{}
	for _, p := range t.Params {
		props[p.Name] = map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ErrFrozen is returned by Register after Freeze.
var ErrFrozen = errors.New("tool registry is frozen")

// Options configures a Registry.
type Options struct {
	Cache    Cache
	CacheTTL time.Duration // default 1h
	Policy   Policy
	Logger   *slog.Logger
}

// Registry holds the available tools. Tools are registered at startup;
// after Freeze the registry is read-only and safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	frozen bool

	cache    Cache
	cacheTTL time.Duration
	policy   Policy
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]*Tool),
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		policy:   opts.Policy,
		logger:   opts.Logger.With("component", "tools"),
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" || t.Handler == nil {
		return fmt.Errorf("register tool: name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register tool %s: %w", t.Name, ErrFrozen)
	}
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("register tool %s: duplicate name", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// List returns the tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tools[n])
	}
	return out
}

// Definitions returns the tools in the OpenAI function-calling layout
// the model gateway accepts.
func (r *Registry) Definitions() []map[string]any {
	tools := r.List()
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Schema(),
			},
		})
	}
	return out
}

// Invoke validates args against the named tool's schema, checks the
// policy, and runs the handler. Failures are *ToolError; a cancelled
// ctx is returned as ctx.Err().
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	t := r.Get(name)
	if t == nil {
		return "", &ToolError{Kind: UnknownTool, Tool: name, Message: fmt.Sprintf("no tool named %q", name)}
	}

	clean, err := validate(t, args)
	if err != nil {
		return "", err
	}

	if r.policy != nil {
		in := PolicyInput{
			Tool:      name,
			Args:      clean,
			SessionID: SessionIDFromContext(ctx),
			Flow:      FlowFromContext(ctx),
		}
		allowed, reason, err := r.policy.Allow(ctx, in)
		if err != nil {
			r.logger.Warn("tool policy evaluation failed", "tool", name, "error", err)
			return "", &ToolError{Kind: PolicyDenied, Tool: name, Message: "policy evaluation failed", Err: err}
		}
		if !allowed {
			if reason == "" {
				reason = "blocked by policy"
			}
			return "", &ToolError{Kind: PolicyDenied, Tool: name, Message: reason}
		}
	}

	var key string
	if t.Cacheable && r.cache != nil {
		key = cacheKey(name, clean)
		if v, ok, err := r.cache.Get(ctx, key); err != nil {
			r.logger.Warn("tool cache get failed", "tool", name, "error", err)
		} else if ok {
			r.logger.Debug("tool cache hit", "tool", name)
			return v, nil
		}
	}

	callCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := t.Handler(callCtx, clean)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return "", ctx.Err()
		}
		te := asToolError(name, err)
		r.logger.Debug("tool failed",
			"tool", name,
			"kind", te.Kind,
			"error", te.Message,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return "", te
	}

	if key != "" {
		if err := r.cache.Set(ctx, key, result, r.cacheTTL); err != nil {
			r.logger.Warn("tool cache set failed", "tool", name, "error", err)
		}
	}
	return result, nil
}

// validate checks required params and types. Numeric strings are
// coerced for integer and number params; any other mismatch is an
// InvalidArgument. Unknown arguments are dropped.
func validate(t *Tool, args map[string]any) (map[string]any, error) {
	if raw, ok := args["_raw"].(string); ok && len(args) == 1 {
		return nil, invalidArg(t.Name, "arguments are not a JSON object: %s", truncate(raw, 200))
	}
	clean := make(map[string]any, len(t.Params))
	for _, p := range t.Params {
		v, ok := args[p.Name]
		if !ok || v == nil || v == "" {
			if p.Required {
				return nil, invalidArg(t.Name, "missing required parameter %q", p.Name)
			}
			continue
		}
		cv, err := coerce(p.Type, v)
		if err != nil {
			return nil, invalidArg(t.Name, "parameter %q: %v", p.Name, err)
		}
		clean[p.Name] = cv
	}
	return clean, nil
}

func coerce(typ ParamType, v any) (any, error) {
	switch typ {
	case String:
		if x, ok := v.(string); ok {
			return x, nil
		}
	case Integer:
		switch x := v.(type) {
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("want integer, got %v", x)
			}
			return int(x), nil
		case int:
			return x, nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("want integer, got %q", x)
			}
			return n, nil
		}
	case Number:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("want number, got %q", x)
			}
			return f, nil
		}
	case Boolean:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("want %s, got %T", typ, v)
}

func cacheKey(name string, args map[string]any) string {
	// encoding/json sorts map keys, so equal args hash equally.
	b, _ := json.Marshal(args)
	sum := sha256.Sum256(b)
	return name + ":" + hex.EncodeToString(sum[:12])
}

// Args helpers for handlers. Validation has already run, so types match
// the declared Param types.

func argString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func argInt(args map[string]any, name string, def int) int {
	if n, ok := args[name].(int); ok {
		return n
	}
	return def
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
