package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zhishimianbao/tripmind/internal/agent"
	"github.com/zhishimianbao/tripmind/internal/config"
	"github.com/zhishimianbao/tripmind/internal/usage"
)

// doneFrame is the payload of the terminal "done" SSE event.
type doneFrame struct {
	RequestID string       `json:"requestId"`
	SessionID string       `json:"sessionId"`
	Model     string       `json:"model,omitempty"`
	Usage     usage.Totals `json:"usage"`
}

// handleChatStream streams a chat reply as server-sent events:
//
//	data: {"delta":"..."}       one per chunk
//	event: done                 usage of the finished reply
//	data: [DONE]
//
// Errors after the stream has started are sent as an "error" event
// since the status line is already written.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	p, err := decodeChat(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rc := http.NewResponseController(w)

	cs, err := s.agent.ChatStream(r.Context(), p.session(), p.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer cs.Close()

	s.startSSE(rc, w)

	logger := s.logger.With("request_id", cs.RequestID)
	for chunk := range cs.Chunks() {
		if err := s.writeSSE(rc, w, "", map[string]string{"delta": chunk}); err != nil {
			// Client gone or too slow: stop the upstream call. Close
			// drains the remaining chunks.
			logger.Debug("stream write failed", "error", err)
			cs.Close()
			break
		}
	}

	res, err := cs.Wait()
	if err != nil {
		body := errorBody(err)
		logger.Warn("chat stream ended with error", "type", body.Type, "error", err)
		_ = s.writeSSE(rc, w, "error", map[string]any{"error": body})
		return
	}

	if err := s.writeSSE(rc, w, "done", doneFrame{
		RequestID: res.RequestID,
		SessionID: res.SessionID,
		Model:     res.Model,
		Usage:     res.Usage,
	}); err != nil {
		return
	}
	_ = s.writeRaw(rc, w, "data: [DONE]\n\n")
}

// taskDoneFrame is the payload of the terminal "done" event of a task
// stream.
type taskDoneFrame struct {
	RequestID string       `json:"requestId"`
	SessionID string       `json:"sessionId"`
	Answer    string       `json:"answer"`
	Steps     int          `json:"steps"`
	ToolCalls int          `json:"toolCalls"`
	Model     string       `json:"model,omitempty"`
	Usage     usage.Totals `json:"usage"`
}

// handleTask runs a free-form task and streams its steps:
//
//	data: {"step":1,...}        one per finished step
//	event: done                 the answer and usage
//	data: [DONE]
//
// Failures before the first step get a plain JSON error response.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTask(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	started := false
	begin := func() {
		if !started {
			s.startSSE(rc, w)
			started = true
		}
	}

	res, err := s.agent.RunTask(r.Context(), req, func(step agent.TaskStep) error {
		begin()
		return s.writeSSE(rc, w, "", step)
	})
	if err != nil {
		if !started {
			s.fail(w, r, err)
			return
		}
		body := errorBody(err)
		s.logger.Warn("task stream ended with error", "type", body.Type, "error", err)
		_ = s.writeSSE(rc, w, "error", map[string]any{"error": body})
		return
	}

	begin()
	if err := s.writeSSE(rc, w, "done", taskDoneFrame{
		RequestID: res.RequestID,
		SessionID: res.SessionID,
		Answer:    res.Answer,
		Steps:     res.Steps,
		ToolCalls: res.ToolCalls,
		Model:     res.Model,
		Usage:     res.Usage,
	}); err != nil {
		return
	}
	_ = s.writeRaw(rc, w, "data: [DONE]\n\n")
}

func (s *Server) startSSE(rc *http.ResponseController, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Debug("flush not supported", "error", err)
	}
}

// writeSSE writes one event frame, resetting the write deadline first
// so a stalled client cannot hold the handler forever.
func (s *Server) writeSSE(rc *http.ResponseController, w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal SSE frame: %w", err)
	}
	frame := fmt.Sprintf("data: %s\n\n", data)
	if event != "" {
		frame = fmt.Sprintf("event: %s\n%s", event, frame)
	}
	return s.writeRaw(rc, w, frame)
}

func (s *Server) writeRaw(rc *http.ResponseController, w http.ResponseWriter, frame string) error {
	if err := rc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.logger.Log(context.Background(), config.LevelTrace, "write deadline not supported", "error", err)
	}
	if _, err := fmt.Fprint(w, frame); err != nil {
		return err
	}
	return rc.Flush()
}
