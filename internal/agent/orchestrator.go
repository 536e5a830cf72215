// Package agent drives model calls for the travel planner: prompt
// rendering, the tool-call loop, retries, usage accounting, and the
// plan → HTML → file pipeline.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/zhishimianbao/tripmind/internal/events"
	"github.com/zhishimianbao/tripmind/internal/llm"
	"github.com/zhishimianbao/tripmind/internal/memory"
	"github.com/zhishimianbao/tripmind/internal/prompts"
	"github.com/zhishimianbao/tripmind/internal/tools"
	"github.com/zhishimianbao/tripmind/internal/usage"
)

// Flow names. They tag usage records, events and tool policy input.
const (
	FlowPlan      = "plan"
	FlowPlanTools = "plan_tools"
	FlowPlanHTML  = "plan_html"
	FlowChat      = "chat"
)

// DefaultSession is used when a request carries no session id.
const DefaultSession = "default"

// Renderer renders prompt templates.
type Renderer interface {
	Render(id string, vars map[string]string) (string, error)
}

// Model is the gateway surface the orchestrator calls.
type Model interface {
	Complete(ctx context.Context, p llm.Prompt) (*llm.Completion, error)
	CompleteWithTools(ctx context.Context, p llm.Prompt, tools []map[string]any) (*llm.Completion, error)
	CompleteStream(ctx context.Context, p llm.Prompt) (*llm.Stream, error)
}

// ToolInvoker is the tool registry surface the orchestrator calls.
type ToolInvoker interface {
	Definitions() []map[string]any
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// ArtifactWriter saves generated files and returns where they went.
type ArtifactWriter interface {
	Write(ctx context.Context, path, content string) (string, error)
}

// Config wires an Orchestrator. Renderer, Model and Memory are
// required; zero numeric fields pick the defaults.
type Config struct {
	Renderer Renderer
	Model    Model
	Memory   *memory.Store
	Tools    ToolInvoker
	Usage    *usage.Accountant
	Files    ArtifactWriter
	Bus      *events.Bus
	Logger   *slog.Logger

	// DefaultModel and HTMLModel override the gateway default. Empty
	// leaves the choice to the gateway.
	DefaultModel string
	HTMLModel    string

	MaxToolIterations int           // default 8
	MaxTaskSteps      int           // default 20
	RetryMaxAttempts  int           // default 3
	RetryBaseDelay    time.Duration // default 500ms
	RetryMaxDelay     time.Duration // default 5s

	// MapKey and MapSecurityCode are passed to the HTML template.
	MapKey          string
	MapSecurityCode string
	// PublicBaseURL is where saved artifacts are served. When set, the
	// saved page embeds a QR code of its own URL.
	PublicBaseURL string
}

// Orchestrator runs generation requests. Safe for concurrent use; runs
// on one session are serialized by the memory store's session lock.
type Orchestrator struct {
	renderer Renderer
	model    Model
	memory   *memory.Store
	tools    ToolInvoker
	usage    *usage.Accountant
	files    ArtifactWriter
	bus      *events.Bus
	logger   *slog.Logger

	defaultModel string
	htmlModel    string
	maxIter      int
	maxSteps     int
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration

	mapKey          string
	mapSecurityCode string
	publicBaseURL   string

	now func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 8
	}
	if cfg.MaxTaskSteps <= 0 {
		cfg.MaxTaskSteps = 20
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Usage == nil {
		cfg.Usage = usage.NewAccountant(nil, cfg.Bus, cfg.Logger)
	}
	if cfg.HTMLModel == "" {
		cfg.HTMLModel = cfg.DefaultModel
	}
	return &Orchestrator{
		renderer:        cfg.Renderer,
		model:           cfg.Model,
		memory:          cfg.Memory,
		tools:           cfg.Tools,
		usage:           cfg.Usage,
		files:           cfg.Files,
		bus:             cfg.Bus,
		logger:          cfg.Logger.With("component", "agent"),
		defaultModel:    cfg.DefaultModel,
		htmlModel:       cfg.HTMLModel,
		maxIter:         cfg.MaxToolIterations,
		maxSteps:        cfg.MaxTaskSteps,
		maxAttempts:     cfg.RetryMaxAttempts,
		baseDelay:       cfg.RetryBaseDelay,
		maxDelay:        cfg.RetryMaxDelay,
		mapKey:          cfg.MapKey,
		mapSecurityCode: cfg.MapSecurityCode,
		publicBaseURL:   cfg.PublicBaseURL,
		now:             time.Now,
	}
}

// PlanRequest asks for a travel plan.
type PlanRequest struct {
	SessionID   string `json:"sessionId"`
	Destination string `json:"destination"`
	TravelDates string `json:"travelDates"`
	Interests   string `json:"interests"`
	Budget      string `json:"budget"`
}

// normalize trims fields, applies defaults and validates.
func (r PlanRequest) normalize() (PlanRequest, error) {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.Destination = strings.TrimSpace(r.Destination)
	r.TravelDates = strings.TrimSpace(r.TravelDates)
	r.Interests = strings.TrimSpace(r.Interests)
	r.Budget = strings.TrimSpace(r.Budget)

	if r.Destination == "" {
		return r, &ValidationError{Field: "destination", Message: "must not be blank"}
	}
	if r.TravelDates == "" {
		return r, &ValidationError{Field: "travelDates", Message: "must not be blank"}
	}
	if err := checkSessionID(r.SessionID); err != nil {
		return r, err
	}
	if r.SessionID == "" {
		r.SessionID = DefaultSession
	}
	if r.Interests == "" {
		r.Interests = "unspecified"
	}
	if r.Budget == "" {
		r.Budget = "unspecified"
	}
	return r, nil
}

// maxSessionIDLen bounds caller session ids.
const maxSessionIDLen = 128

func checkSessionID(id string) error {
	if len(id) > maxSessionIDLen {
		return &ValidationError{Field: "sessionId", Message: fmt.Sprintf("longer than %d bytes", maxSessionIDLen)}
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return &ValidationError{Field: "sessionId", Message: "must not contain control characters"}
	}
	return nil
}

func (r PlanRequest) vars() map[string]string {
	return map[string]string{
		"destination": r.Destination,
		"travelDates": r.TravelDates,
		"interests":   r.Interests,
		"budget":      r.Budget,
	}
}

// Result is the outcome of one orchestrator run.
type Result struct {
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Model     string         `json:"model"`
	ToolCalls int            `json:"tool_calls"`
	Usage     usage.Totals   `json:"usage"`
	Records   []usage.Record `json:"-"`
}

// run is the state of one pass through the model loop.
type run struct {
	requestID string
	flow      string
	// session holds the conversation; owner is the caller's session id
	// that usage is charged to. They differ for the HTML stage.
	session string
	owner   string
	fresh   bool // clear session history before the run
	system  string
	user    string
	model   string
	tools   bool
	scope   *usage.Scope

	toolCalls int
	lastModel string
}

// GeneratePlan produces a plan without tools.
func (o *Orchestrator) GeneratePlan(ctx context.Context, req PlanRequest) (*Result, error) {
	return o.plan(ctx, req, FlowPlan, prompts.PlanID, false)
}

// GeneratePlanWithTools produces a plan, letting the model call the
// registered tools.
func (o *Orchestrator) GeneratePlanWithTools(ctx context.Context, req PlanRequest) (*Result, error) {
	return o.plan(ctx, req, FlowPlanTools, prompts.PlanToolsID, true)
}

func (o *Orchestrator) plan(ctx context.Context, req PlanRequest, flow, templateID string, withTools bool) (*Result, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	userPrompt, err := o.renderer.Render(templateID, req.vars())
	if err != nil {
		return nil, err
	}

	r := &run{
		requestID: requestID(ctx),
		flow:      flow,
		session:   req.SessionID,
		owner:     req.SessionID,
		user:      userPrompt,
		model:     o.defaultModel,
		tools:     withTools,
		scope:     o.usage.NewScope(flow),
	}
	return o.operation(ctx, r)
}

// Chat answers one message in a session's conversation.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, message string) (*Result, error) {
	r, err := o.chatRun(ctx, sessionID, message)
	if err != nil {
		return nil, err
	}
	return o.operation(ctx, r)
}

func (o *Orchestrator) chatRun(ctx context.Context, sessionID, message string) (*run, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, &ValidationError{Field: "message", Message: "must not be blank"}
	}
	sessionID = strings.TrimSpace(sessionID)
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = DefaultSession
	}
	system, err := o.renderer.Render(prompts.ChatSystemID, nil)
	if err != nil {
		return nil, err
	}
	return &run{
		requestID: requestID(ctx),
		flow:      FlowChat,
		session:   sessionID,
		owner:     sessionID,
		system:    system,
		user:      message,
		model:     o.defaultModel,
		scope:     o.usage.NewScope(FlowChat),
	}, nil
}

// operation wraps a single run with start/complete events.
func (o *Orchestrator) operation(ctx context.Context, r *run) (*Result, error) {
	start := time.Now()
	o.emit(events.KindRequestStart, map[string]any{
		"request_id": r.requestID,
		"session_id": r.owner,
		"operation":  r.flow,
	})

	text, err := o.execute(ctx, r)
	o.complete(r, start, err)
	if err != nil {
		return nil, err
	}
	return o.result(r, text), nil
}

func (o *Orchestrator) result(r *run, text string) *Result {
	return &Result{
		RequestID: r.requestID,
		SessionID: r.owner,
		Text:      text,
		Model:     r.lastModel,
		ToolCalls: r.toolCalls,
		Usage:     r.scope.Total(),
		Records:   r.scope.Records(),
	}
}

func (o *Orchestrator) complete(r *run, start time.Time, err error) {
	data := map[string]any{
		"request_id":   r.requestID,
		"operation":    r.flow,
		"ok":           err == nil,
		"total_tokens": r.scope.Total().Total,
		"elapsed_ms":   time.Since(start).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	o.emit(events.KindRequestComplete, data)

	log := o.logger.With("request_id", r.requestID, "flow", r.flow, "session", r.owner)
	if err != nil {
		log.Warn("request failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return
	}
	log.Info("request complete",
		"tool_calls", r.toolCalls,
		"total_tokens", r.scope.Total().Total,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}

// execute runs the model loop for r under the session lock and returns
// the final text. The turn's messages are kept aside and committed to
// memory only when the run succeeds, so a failed or cancelled run
// leaves the session as it found it.
func (o *Orchestrator) execute(ctx context.Context, r *run) (string, error) {
	unlock, err := o.memory.Lock(ctx, r.session)
	if err != nil {
		return "", err
	}
	defer unlock()

	if r.fresh {
		o.memory.Clear(r.session)
	}

	prior := toLLM(o.memory.Window(r.session))
	turn := []memory.Message{{Role: "user", Content: r.user}}

	var defs []map[string]any
	if r.tools && o.tools != nil {
		defs = o.tools.Definitions()
	}

	for iter := 0; ; iter++ {
		p := llm.Prompt{
			Model:   r.model,
			System:  r.system,
			History: append(prior, toLLM(turn)...),
		}

		c, err := o.call(ctx, r, p, defs, iter)
		if err != nil {
			return "", err
		}
		r.lastModel = c.Usage.Model
		o.account(ctx, r, c.Usage, false)

		if !c.WantsTools() {
			if strings.TrimSpace(c.Text) == "" {
				return "", &OrchestrationError{Kind: EmptyResponse, Flow: r.flow, Iterations: iter + 1}
			}
			turn = append(turn, memory.Message{Role: "assistant", Content: c.Text})
			if err := o.memory.Append(r.session, turn...); err != nil {
				return "", fmt.Errorf("store turn: %w", err)
			}
			return c.Text, nil
		}

		if iter >= o.maxIter {
			return "", &OrchestrationError{Kind: ToolLoopExceeded, Flow: r.flow, Iterations: iter + 1}
		}

		turn = append(turn, memory.Message{Role: "assistant", Content: c.Text, ToolCalls: c.ToolCalls})
		for _, call := range c.ToolCalls {
			out, err := o.invokeTool(ctx, r, call)
			if err != nil {
				return "", err
			}
			turn = append(turn, memory.Message{Role: "tool", Content: out, ToolCallID: call.ID})
		}
	}
}

// call performs one model call, retrying transient failures with
// exponential backoff.
func (o *Orchestrator) call(ctx context.Context, r *run, p llm.Prompt, defs []map[string]any, iter int) (*llm.Completion, error) {
	delay := o.baseDelay
	for attempt := 1; ; attempt++ {
		o.emit(events.KindLLMCall, map[string]any{
			"request_id": r.requestID,
			"iter":       iter,
			"attempt":    attempt,
			"model":      p.Model,
			"stage":      r.flow,
		})

		var c *llm.Completion
		var err error
		if defs != nil {
			c, err = o.model.CompleteWithTools(ctx, p, defs)
		} else {
			c, err = o.model.Complete(ctx, p)
		}
		if err == nil {
			o.emit(events.KindLLMResponse, map[string]any{
				"request_id":        r.requestID,
				"iter":              iter,
				"model":             c.Usage.Model,
				"prompt_tokens":     c.Usage.PromptTokens,
				"completion_tokens": c.Usage.CompletionTokens,
				"tool_calls":        len(c.ToolCalls),
			})
			return c, nil
		}
		if !llm.IsTransient(err) || attempt >= o.maxAttempts {
			return nil, err
		}

		o.logger.Warn("transient model error, retrying",
			"request_id", r.requestID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, o.maxDelay)
	}
}

// invokeTool runs one tool call. Tool failures become the result text
// the model sees; only caller cancellation aborts the run.
func (o *Orchestrator) invokeTool(ctx context.Context, r *run, call llm.ToolCall) (string, error) {
	name := call.Function.Name
	r.toolCalls++
	o.emit(events.KindToolCall, map[string]any{
		"request_id": r.requestID,
		"tool":       name,
	})

	start := time.Now()
	var out string
	var err error
	if o.tools == nil {
		err = &tools.ToolError{Kind: tools.UnknownTool, Tool: name, Message: "no tools are available"}
	} else {
		tctx := tools.WithFlow(tools.WithSessionID(ctx, r.owner), r.flow)
		out, err = o.tools.Invoke(tctx, name, call.Function.Arguments)
	}

	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}

	done := map[string]any{
		"request_id":  r.requestID,
		"tool":        name,
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		kind := tools.KindOf(err)
		if kind == "" {
			kind = tools.UpstreamFailure
		}
		done["kind"] = string(kind)

		var te *tools.ToolError
		if errors.As(err, &te) {
			out = te.ForModel()
		} else {
			out = fmt.Sprintf("error: %s: %v", kind, err)
		}
		o.logger.Debug("tool failed", "request_id", r.requestID, "tool", name, "kind", kind, "error", err)
	}
	o.emit(events.KindToolDone, done)
	return out, nil
}

// account records one model call's usage. Persistence failures are
// logged and swallowed.
func (o *Orchestrator) account(ctx context.Context, r *run, u llm.Usage, partial bool) {
	rec, err := o.usage.Record(ctx, usage.Record{
		SessionID:        r.owner,
		Model:            u.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		Stage:            r.flow,
		Partial:          partial,
	})
	if err != nil {
		o.logger.Warn("usage record not persisted",
			"request_id", r.requestID,
			"session", r.owner,
			"error", err,
		)
	}
	r.scope.Add(rec)
}

func (o *Orchestrator) emit(kind string, data map[string]any) {
	o.bus.Emit(events.SourceAgent, kind, data)
}

// ClearSession drops a session's conversation and its HTML stage
// history. It reports whether the session existed.
func (o *Orchestrator) ClearSession(sessionID string) bool {
	if checkSessionID(sessionID) != nil {
		return false
	}
	o.memory.Clear(htmlSession(sessionID))
	ok := o.memory.Clear(sessionID)
	if ok {
		o.bus.Emit(events.SourceSession, events.KindSessionCleared, map[string]any{"session_id": sessionID})
	}
	return ok
}

// History returns a session's retained messages.
func (o *Orchestrator) History(sessionID string) []memory.Message {
	return o.memory.History(sessionID)
}

func toLLM(msgs []memory.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.LLM()
	}
	return out
}
