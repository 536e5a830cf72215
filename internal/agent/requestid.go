package agent

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

type requestIDKey struct{}

// WithRequestID returns a context carrying a request id. Orchestrator
// operations reuse it instead of generating their own.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestID(ctx context.Context) string {
	if id := RequestIDFromContext(ctx); id != "" {
		return id
	}
	return NewRequestID()
}

// NewRequestID returns "r_" followed by a lowercase ULID, so ids
// sort by creation time.
func NewRequestID() string {
	return "r_" + strings.ToLower(ulid.Make().String())
}
