package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhishimianbao/tripmind/internal/artifact"
	"github.com/zhishimianbao/tripmind/internal/events"
	"github.com/zhishimianbao/tripmind/internal/prompts"
	"github.com/zhishimianbao/tripmind/internal/usage"
)

// Pipeline stage names.
const (
	StagePlan = "plan"
	StageHTML = "html"
	StageFile = "file"
)

// StageResult reports how one pipeline stage ended.
type StageResult struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// PipelineResult is the outcome of GeneratePlanWithHTML. Stages that
// completed keep their output when a later stage fails.
type PipelineResult struct {
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	Plan      string         `json:"plan"`
	HTML      string         `json:"html"`
	Title     string         `json:"title,omitempty"`
	File      string         `json:"file,omitempty"`
	URL       string         `json:"url,omitempty"`
	Usage     usage.Totals   `json:"usage"`
	Records   []usage.Record `json:"-"`
	Stages    []StageResult  `json:"stages"`
}

// Err joins the errors of every failed stage, or returns nil.
func (p *PipelineResult) Err() error {
	var errs []error
	for _, s := range p.Stages {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s stage: %w", s.Name, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Partial reports whether the plan was produced but a later stage
// failed.
func (p *PipelineResult) Partial() bool {
	return p.Plan != "" && p.Err() != nil
}

// htmlSep joins a session id to its HTML stage key. Caller session ids
// cannot contain control characters, so derived keys never collide
// with a caller's own session.
const htmlSep = "\x1f"

func htmlSession(sessionID string) string { return sessionID + htmlSep + "html" }

// GeneratePlanWithHTML produces a plan with tools, renders it to an
// HTML page in a second run, and saves the page under the output
// directory. The returned error is non-nil only when the plan stage
// failed; later failures are reported per stage on the result.
func (o *Orchestrator) GeneratePlanWithHTML(ctx context.Context, req PlanRequest) (*PipelineResult, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	planPrompt, err := o.renderer.Render(prompts.PlanToolsID, req.vars())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	scope := o.usage.NewScope(FlowPlanHTML)
	res := &PipelineResult{
		RequestID: requestID(ctx),
		SessionID: req.SessionID,
	}
	o.emit(events.KindRequestStart, map[string]any{
		"request_id": res.RequestID,
		"session_id": req.SessionID,
		"operation":  FlowPlanHTML,
	})

	pipe := &run{
		requestID: res.RequestID,
		flow:      FlowPlanHTML,
		owner:     req.SessionID,
		scope:     scope,
	}
	defer func() {
		res.Usage = scope.Total()
		res.Records = scope.Records()
		o.complete(pipe, start, res.Err())
	}()

	// Stage 1: plan with tools on the caller's session.
	plan, err := o.execute(ctx, &run{
		requestID: res.RequestID,
		flow:      FlowPlanTools,
		session:   req.SessionID,
		owner:     req.SessionID,
		user:      planPrompt,
		model:     o.defaultModel,
		tools:     true,
		scope:     scope,
	})
	res.Stages = append(res.Stages, StageResult{Name: StagePlan, Err: err})
	if err != nil {
		return res, err
	}
	res.Plan = plan

	// Stage 2: HTML on a derived session so the page prompt stays out
	// of the chat window.
	htmlPrompt, err := o.renderer.Render(prompts.PlanHTMLID, map[string]string{
		"travelPlan":      plan,
		"destination":     req.Destination,
		"mapKey":          o.mapKey,
		"mapSecurityCode": o.mapSecurityCode,
	})
	if err == nil {
		res.HTML, err = o.execute(ctx, &run{
			requestID: res.RequestID,
			flow:      FlowPlanHTML,
			session:   htmlSession(req.SessionID),
			owner:     req.SessionID,
			fresh:     true,
			user:      htmlPrompt,
			model:     o.htmlModel,
			tools:     true,
			scope:     scope,
		})
	}
	res.Stages = append(res.Stages, StageResult{Name: StageHTML, Err: err})
	if err != nil {
		return res, nil
	}

	// Stage 3: normalise and save.
	err = o.saveArtifact(ctx, req, res)
	res.Stages = append(res.Stages, StageResult{Name: StageFile, Err: err})
	return res, nil
}

func (o *Orchestrator) saveArtifact(ctx context.Context, req PlanRequest, res *PipelineResult) error {
	page, err := artifact.Normalize(res.HTML, req.Destination+" travel plan")
	if err != nil {
		return &OrchestrationError{Kind: ArtifactFailed, Flow: FlowPlanHTML, Err: err}
	}
	res.HTML = page.HTML
	res.Title = page.Title
	if page.FromMarkdown {
		o.logger.Info("html stage returned markdown, rendered fallback page", "request_id", res.RequestID)
	}

	if o.files == nil {
		return &OrchestrationError{Kind: ArtifactFailed, Flow: FlowPlanHTML, Err: errors.New("no output directory configured")}
	}

	name := artifact.Filename(req.Destination, o.now())
	if u := artifact.PublicURL(o.publicBaseURL, name); u != "" {
		withQR, err := artifact.EmbedQR(page.HTML, u)
		if err != nil {
			o.logger.Warn("qr code not embedded", "request_id", res.RequestID, "error", err)
		} else {
			res.HTML = withQR
			res.URL = u
		}
	}

	path, err := o.files.Write(ctx, name, res.HTML)
	if err != nil {
		return &OrchestrationError{Kind: ArtifactFailed, Flow: FlowPlanHTML, Err: err}
	}
	res.File = path
	o.logger.Info("travel plan page saved", "request_id", res.RequestID, "file", path)
	return nil
}
