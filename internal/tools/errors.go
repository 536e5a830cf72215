package tools

import (
	"errors"
	"fmt"

	"github.com/zhishimianbao/tripmind/internal/httpkit"
)

// ErrorKind classifies a tool failure.
type ErrorKind string

const (
	// UnknownTool means the model named a tool that is not registered.
	// No adapter ran.
	UnknownTool ErrorKind = "unknown_tool"
	// InvalidArgument means the arguments failed schema validation or
	// the adapter rejected them.
	InvalidArgument ErrorKind = "invalid_argument"
	// UpstreamFailure means the external service answered with an error.
	UpstreamFailure ErrorKind = "upstream_failure"
	// UpstreamTimeout means the external service did not answer in time.
	UpstreamTimeout ErrorKind = "upstream_timeout"
	// PolicyDenied means the tool policy blocked the call.
	PolicyDenied ErrorKind = "policy_denied"
)

// ToolError is returned by Invoke for every failure other than caller
// cancellation. Its ForModel text is fed back to the model as the tool
// result.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
	}
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ForModel is the text appended to the conversation in place of a
// result.
func (e *ToolError) ForModel() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("error: %s: %s", e.Kind, msg)
}

// KindOf returns the kind of a *ToolError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// asToolError normalises an adapter error. Errors that already are
// ToolErrors keep their kind; deadlines and network timeouts become
// UpstreamTimeout; everything else is UpstreamFailure.
func asToolError(tool string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		if te.Tool == "" {
			te.Tool = tool
		}
		return te
	}
	kind := UpstreamFailure
	if httpkit.IsTimeout(err) {
		kind = UpstreamTimeout
	}
	return &ToolError{Kind: kind, Tool: tool, Message: err.Error(), Err: err}
}

func invalidArg(tool, format string, args ...any) *ToolError {
	return &ToolError{Kind: InvalidArgument, Tool: tool, Message: fmt.Sprintf(format, args...)}
}

func upstream(tool, format string, args ...any) *ToolError {
	return &ToolError{Kind: UpstreamFailure, Tool: tool, Message: fmt.Sprintf(format, args...)}
}
