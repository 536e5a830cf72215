package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/zhishimianbao/tripmind/internal/agent"
	"github.com/zhishimianbao/tripmind/internal/llm"
	"github.com/zhishimianbao/tripmind/internal/prompts"
	"github.com/zhishimianbao/tripmind/internal/tools"
)

// StatusClientClosedRequest is the non-standard status logged when the
// caller went away before the response was ready.
const StatusClientClosedRequest = 499

// ErrorBody is the payload of every error response and SSE error frame.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// classify maps an orchestrator error to an HTTP status and error type.
func classify(err error) (int, string) {
	var (
		me *llm.ModelError
		oe *agent.OrchestrationError
		te *tools.ToolError
	)
	switch {
	case errors.Is(err, agent.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, prompts.ErrTemplate):
		return http.StatusInternalServerError, "template_error"
	case errors.As(err, &me):
		if me.Kind == llm.Transient {
			return http.StatusServiceUnavailable, "model_error"
		}
		return http.StatusBadGateway, "model_error"
	case errors.As(err, &oe):
		return http.StatusInternalServerError, "orchestration_error"
	case errors.As(err, &te):
		return http.StatusBadGateway, "tool_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func errorBody(err error) ErrorBody {
	code, typ := classify(err)
	return ErrorBody{Message: err.Error(), Type: typ, Code: code}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": ErrorBody{Message: message, Type: typ, Code: code},
	}, s.logger)
}

// fail writes the error response for an orchestrator error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody(err)
	if body.Code >= 500 {
		s.logger.Error("request failed",
			"request_id", agent.RequestIDFromContext(r.Context()),
			"type", body.Type,
			"error", err,
		)
	}
	s.errorResponse(w, body.Code, body.Type, body.Message)
}
