package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhishimianbao/tripmind/internal/agent"
	"github.com/zhishimianbao/tripmind/internal/usage"
)

// maxBodyBytes caps POST bodies.
const maxBodyBytes = 1 << 20

// planParams is the wire form of a plan request. chatId is accepted as
// an alias of sessionId for the original GET routes.
type planParams struct {
	SessionID   string `json:"sessionId"`
	ChatID      string `json:"chatId"`
	Destination string `json:"destination"`
	TravelDates string `json:"travelDates"`
	Interests   string `json:"interests"`
	Budget      string `json:"budget"`
}

type chatParams struct {
	SessionID string `json:"sessionId"`
	ChatID    string `json:"chatId"`
	Message   string `json:"message"`
}

func (p chatParams) session() string {
	if p.SessionID != "" {
		return p.SessionID
	}
	return p.ChatID
}

// decode fills dst from the JSON body of a POST or the query string of
// any other method.
func decode(w http.ResponseWriter, r *http.Request, dst any, fromQuery func(q map[string][]string)) error {
	if r.Method != http.MethodPost {
		fromQuery(r.URL.Query())
		return nil
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &agent.ValidationError{Field: "body", Message: "empty request body"}
		}
		return &agent.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

func first(q map[string][]string, key string) string {
	if v := q[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func decodePlan(w http.ResponseWriter, r *http.Request) (agent.PlanRequest, error) {
	var p planParams
	err := decode(w, r, &p, func(q map[string][]string) {
		p = planParams{
			SessionID:   first(q, "sessionId"),
			ChatID:      first(q, "chatId"),
			Destination: first(q, "destination"),
			TravelDates: first(q, "travelDates"),
			Interests:   first(q, "interests"),
			Budget:      first(q, "budget"),
		}
	})
	if err != nil {
		return agent.PlanRequest{}, err
	}
	session := p.SessionID
	if session == "" {
		session = p.ChatID
	}
	return agent.PlanRequest{
		SessionID:   session,
		Destination: p.Destination,
		TravelDates: p.TravelDates,
		Interests:   p.Interests,
		Budget:      p.Budget,
	}, nil
}

func decodeChat(w http.ResponseWriter, r *http.Request) (chatParams, error) {
	var p chatParams
	err := decode(w, r, &p, func(q map[string][]string) {
		p = chatParams{
			SessionID: first(q, "sessionId"),
			ChatID:    first(q, "chatId"),
			Message:   first(q, "message"),
		}
	})
	return p, err
}

// taskParams is the wire form of a task request. message is accepted
// as an alias of task for the original GET route.
type taskParams struct {
	SessionID string `json:"sessionId"`
	ChatID    string `json:"chatId"`
	Task      string `json:"task"`
	Message   string `json:"message"`
}

func decodeTask(w http.ResponseWriter, r *http.Request) (agent.TaskRequest, error) {
	var p taskParams
	err := decode(w, r, &p, func(q map[string][]string) {
		p = taskParams{
			SessionID: first(q, "sessionId"),
			ChatID:    first(q, "chatId"),
			Task:      first(q, "task"),
			Message:   first(q, "message"),
		}
	})
	if err != nil {
		return agent.TaskRequest{}, err
	}
	req := agent.TaskRequest{SessionID: p.SessionID, Task: p.Task}
	if req.SessionID == "" {
		req.SessionID = p.ChatID
	}
	if req.Task == "" {
		req.Task = p.Message
	}
	return req, nil
}

// PlanResponse is returned by the plan routes.
type PlanResponse struct {
	RequestID string       `json:"requestId"`
	SessionID string       `json:"sessionId"`
	Plan      string       `json:"plan"`
	Model     string       `json:"model,omitempty"`
	ToolCalls int          `json:"toolCalls"`
	Usage     usage.Totals `json:"usage"`
}

// HTMLPlanResponse is returned by /v1/plan/html. Errors maps a failed
// stage name to its error; completed stages keep their output.
type HTMLPlanResponse struct {
	RequestID   string               `json:"requestId"`
	SessionID   string               `json:"sessionId"`
	TravelPlan  string               `json:"travelPlan"`
	HTMLContent string               `json:"htmlContent"`
	Title       string               `json:"title,omitempty"`
	File        string               `json:"file,omitempty"`
	URL         string               `json:"url,omitempty"`
	Usage       usage.Totals         `json:"usage"`
	Errors      map[string]ErrorBody `json:"errors,omitempty"`
}

// ChatResponse is returned by /v1/chat.
type ChatResponse struct {
	RequestID string       `json:"requestId"`
	SessionID string       `json:"sessionId"`
	Reply     string       `json:"reply"`
	Model     string       `json:"model,omitempty"`
	Usage     usage.Totals `json:"usage"`
}

func planResponse(res *agent.Result) PlanResponse {
	return PlanResponse{
		RequestID: res.RequestID,
		SessionID: res.SessionID,
		Plan:      res.Text,
		Model:     res.Model,
		ToolCalls: res.ToolCalls,
		Usage:     res.Usage,
	}
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	req, err := decodePlan(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.agent.GeneratePlan(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, planResponse(res), s.logger)
}

func (s *Server) handlePlanTools(w http.ResponseWriter, r *http.Request) {
	req, err := decodePlan(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.agent.GeneratePlanWithTools(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, planResponse(res), s.logger)
}

func (s *Server) handlePlanHTML(w http.ResponseWriter, r *http.Request) {
	req, err := decodePlan(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.agent.GeneratePlanWithHTML(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := HTMLPlanResponse{
		RequestID:   res.RequestID,
		SessionID:   res.SessionID,
		TravelPlan:  res.Plan,
		HTMLContent: res.HTML,
		Title:       res.Title,
		File:        res.File,
		URL:         res.URL,
		Usage:       res.Usage,
	}
	for _, st := range res.Stages {
		if st.Err == nil {
			continue
		}
		if resp.Errors == nil {
			resp.Errors = make(map[string]ErrorBody)
		}
		resp.Errors[st.Name] = errorBody(st.Err)
		s.logger.Warn("pipeline stage failed",
			"request_id", res.RequestID,
			"stage", st.Name,
			"error", st.Err,
		)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	p, err := decodeChat(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.agent.Chat(r.Context(), p.session(), p.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		RequestID: res.RequestID,
		SessionID: res.SessionID,
		Reply:     res.Text,
		Model:     res.Model,
		Usage:     res.Usage,
	}, s.logger)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		s.errorResponse(w, http.StatusBadRequest, "validation_error", "session id is required")
		return
	}
	cleared := s.agent.ClearSession(id)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessionId": id, "cleared": cleared}, s.logger)
}

// handleUsage reports token totals over [from, to). Both bounds are
// optional RFC 3339 times or YYYY-MM-DD dates; the default window is
// the last 24 hours.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotImplemented, "not_configured", "usage reporting is not configured")
		return
	}
	now := time.Now().UTC()
	to, err := parseTime(r.URL.Query().Get("to"), now)
	if err != nil {
		s.fail(w, r, &agent.ValidationError{Field: "to", Message: err.Error()})
		return
	}
	from, err := parseTime(r.URL.Query().Get("from"), to.Add(-24*time.Hour))
	if err != nil {
		s.fail(w, r, &agent.ValidationError{Field: "from", Message: err.Error()})
		return
	}
	if !from.Before(to) {
		s.fail(w, r, &agent.ValidationError{Field: "from", Message: "must be before to"})
		return
	}

	report, err := s.usage.Summary(r.Context(), from, to)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "persistence_error", "usage summary failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, report, s.logger)
}

func parseTime(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DD, got %q", v)
	}
	return t, nil
}
