// Package api implements the TripMind HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zhishimianbao/tripmind/internal/agent"
	"github.com/zhishimianbao/tripmind/internal/buildinfo"
	"github.com/zhishimianbao/tripmind/internal/config"
	"github.com/zhishimianbao/tripmind/internal/events"
	"github.com/zhishimianbao/tripmind/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Agent is the set of orchestrator operations served over HTTP.
type Agent interface {
	GeneratePlan(ctx context.Context, req agent.PlanRequest) (*agent.Result, error)
	GeneratePlanWithTools(ctx context.Context, req agent.PlanRequest) (*agent.Result, error)
	GeneratePlanWithHTML(ctx context.Context, req agent.PlanRequest) (*agent.PipelineResult, error)
	Chat(ctx context.Context, sessionID, message string) (*agent.Result, error)
	ChatStream(ctx context.Context, sessionID, message string) (*agent.ChatStream, error)
	RunTask(ctx context.Context, req agent.TaskRequest, onStep func(agent.TaskStep) error) (*agent.TaskResult, error)
	ClearSession(sessionID string) bool
}

// Options configures a Server.
type Options struct {
	Address string
	Port    int

	Agent  Agent
	Usage  usage.Reporter // nil disables /v1/usage
	Bus    *events.Bus    // nil disables /v1/events
	Logger *slog.Logger

	CORSOrigins []string
	RateLimit   config.RateLimitConfig

	// WriteTimeout bounds each SSE frame write. Default 30s.
	WriteTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	agent        Agent
	usage        usage.Reporter
	bus          *events.Bus
	logger       *slog.Logger
	writeTimeout time.Duration
	handler      http.Handler
	server       *http.Server
}

// NewServer creates a new API server with its routes and middleware
// installed.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	s := &Server{
		address:      opts.Address,
		port:         opts.Port,
		agent:        opts.Agent,
		usage:        opts.Usage,
		bus:          opts.Bus,
		logger:       opts.Logger.With("component", "api"),
		writeTimeout: opts.WriteTimeout,
	}

	mux := http.NewServeMux()
	s.routes(mux)

	// Outermost first: the request id is set before the access log
	// reads it, and rejected requests are still logged.
	var h http.Handler = mux
	h = rateLimit(opts.RateLimit, s)(h)
	h = newCORS(opts.CORSOrigins).Handler(h)
	h = s.withLogging(h)
	h = withRequestID(h)
	s.handler = h
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/plan", s.handlePlan)
	mux.HandleFunc("POST /v1/plan", s.handlePlan)
	mux.HandleFunc("GET /plan", s.handlePlan)

	mux.HandleFunc("GET /v1/plan/tools", s.handlePlanTools)
	mux.HandleFunc("POST /v1/plan/tools", s.handlePlanTools)

	mux.HandleFunc("GET /v1/plan/html", s.handlePlanHTML)
	mux.HandleFunc("POST /v1/plan/html", s.handlePlanHTML)

	mux.HandleFunc("GET /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /ai/master/chat/sync", s.handleChat)

	mux.HandleFunc("GET /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /ai/master/chat/sse", s.handleChatStream)

	mux.HandleFunc("GET /v1/task", s.handleTask)
	mux.HandleFunc("POST /v1/task", s.handleTask)
	mux.HandleFunc("GET /ai/manus/chat", s.handleTask)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleClearSession)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: plan generation and streams run longer than
		// any fixed bound. SSE writes set their own deadlines.
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().String(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}
