package tools

import "context"

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	flowKey      contextKey = "flow"
)

// WithSessionID records the session a tool call is made for. The policy
// sees it as input.session_id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext returns the session id, or "" if unset.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// WithFlow records which orchestrator flow ("plan_tools", "plan_html")
// is calling.
func WithFlow(ctx context.Context, flow string) context.Context {
	return context.WithValue(ctx, flowKey, flow)
}

// FlowFromContext returns the flow name, or "" if unset.
func FlowFromContext(ctx context.Context) string {
	f, _ := ctx.Value(flowKey).(string)
	return f
}
