package agent

import (
	"errors"
	"fmt"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation error")

// ValidationError reports bad caller input. It is raised before any
// model call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Is reports ErrValidation as a match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// OrchestrationKind classifies an OrchestrationError.
type OrchestrationKind string

const (
	// ToolLoopExceeded means the model kept requesting tools past the
	// iteration cap.
	ToolLoopExceeded OrchestrationKind = "tool_loop_exceeded"
	// EmptyResponse means the model returned neither text nor tool calls.
	EmptyResponse OrchestrationKind = "empty_response"
	// ArtifactFailed means the HTML stage output could not be turned
	// into a saved page.
	ArtifactFailed OrchestrationKind = "artifact_failed"
)

// OrchestrationError aborts a run for a reason that is not a model,
// tool, or input failure.
type OrchestrationError struct {
	Kind       OrchestrationKind
	Flow       string
	Iterations int
	Err        error
}

func (e *OrchestrationError) Error() string {
	msg := fmt.Sprintf("orchestration %s: %s", e.Flow, e.Kind)
	if e.Iterations > 0 {
		msg += fmt.Sprintf(" after %d iterations", e.Iterations)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrchestrationError) Unwrap() error { return e.Err }
