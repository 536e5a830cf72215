package agent

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhishimianbao/tripmind/internal/events"
	"github.com/zhishimianbao/tripmind/internal/llm"
	"github.com/zhishimianbao/tripmind/internal/prompts"
	"github.com/zhishimianbao/tripmind/internal/usage"
)

// FlowTask tags free-form task runs.
const FlowTask = "task"

// terminateTool is handled by the task loop itself and never reaches
// the registry.
const terminateTool = "terminate"

// maxStepResult caps how much of a tool result a step report carries.
// The model still sees the full result.
const maxStepResult = 2000

// TaskRequest asks the agent to work through a free-form task.
type TaskRequest struct {
	SessionID string `json:"sessionId"`
	Task      string `json:"task"`
}

// TaskStep reports one model turn of a task run.
type TaskStep struct {
	Step  int        `json:"step"`
	Text  string     `json:"text,omitempty"`
	Tools []StepTool `json:"tools,omitempty"`
}

// StepTool is one tool call made during a step.
type StepTool struct {
	Name   string `json:"name"`
	Result string `json:"result"`
}

// TaskResult is the outcome of a task run.
type TaskResult struct {
	RequestID string       `json:"request_id"`
	SessionID string       `json:"session_id"`
	Answer    string       `json:"answer"`
	Steps     int          `json:"steps"`
	ToolCalls int          `json:"tool_calls"`
	Model     string       `json:"model"`
	Usage     usage.Totals `json:"usage"`
}

// RunTask lets the model call tools step by step until it answers in
// plain text, calls the terminate tool, or runs out of steps. Each
// step is passed to onStep as it finishes; an error from onStep aborts
// the run.
//
// The conversation lives only for the run. The session id only names
// who the usage is charged to.
func (o *Orchestrator) RunTask(ctx context.Context, req TaskRequest, onStep func(TaskStep) error) (*TaskResult, error) {
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		return nil, &ValidationError{Field: "task", Message: "must not be blank"}
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if err := checkSessionID(req.SessionID); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = DefaultSession
	}
	system, err := o.renderer.Render(prompts.TaskSystemID, map[string]string{
		"maxSteps": strconv.Itoa(o.maxSteps),
	})
	if err != nil {
		return nil, err
	}

	r := &run{
		requestID: requestID(ctx),
		flow:      FlowTask,
		session:   req.SessionID,
		owner:     req.SessionID,
		system:    system,
		user:      req.Task,
		model:     o.defaultModel,
		tools:     true,
		scope:     o.usage.NewScope(FlowTask),
	}

	start := time.Now()
	o.emit(events.KindRequestStart, map[string]any{
		"request_id": r.requestID,
		"session_id": r.owner,
		"operation":  r.flow,
	})
	answer, steps, err := o.runSteps(ctx, r, onStep)
	o.complete(r, start, err)
	if err != nil {
		return nil, err
	}
	return &TaskResult{
		RequestID: r.requestID,
		SessionID: r.owner,
		Answer:    answer,
		Steps:     steps,
		ToolCalls: r.toolCalls,
		Model:     r.lastModel,
		Usage:     r.scope.Total(),
	}, nil
}

func (o *Orchestrator) runSteps(ctx context.Context, r *run, onStep func(TaskStep) error) (string, int, error) {
	var defs []map[string]any
	if o.tools != nil {
		defs = o.tools.Definitions()
	}
	defs = append(defs, terminateDefinition())

	history := []llm.Message{{Role: "user", Content: r.user}}
	var last string
	for step := 1; step <= o.maxSteps; step++ {
		p := llm.Prompt{Model: r.model, System: r.system, History: history}
		c, err := o.call(ctx, r, p, defs, step-1)
		if err != nil {
			return "", step, err
		}
		r.lastModel = c.Usage.Model
		o.account(ctx, r, c.Usage, false)

		report := TaskStep{Step: step, Text: c.Text}
		if !c.WantsTools() {
			if strings.TrimSpace(c.Text) == "" {
				return "", step, &OrchestrationError{Kind: EmptyResponse, Flow: r.flow, Iterations: step}
			}
			if err := notify(onStep, report); err != nil {
				return "", step, err
			}
			return c.Text, step, nil
		}
		if strings.TrimSpace(c.Text) != "" {
			last = c.Text
		}

		history = append(history, llm.Message{Role: "assistant", Content: c.Text, ToolCalls: c.ToolCalls})
		var (
			done    bool
			summary string
		)
		for _, call := range c.ToolCalls {
			var out string
			if call.Function.Name == terminateTool {
				done = true
				summary, _ = call.Function.Arguments["summary"].(string)
				out = "Task terminated."
			} else {
				out, err = o.invokeTool(ctx, r, call)
				if err != nil {
					return "", step, err
				}
			}
			history = append(history, llm.Message{Role: "tool", Content: out, ToolCallID: call.ID})
			report.Tools = append(report.Tools, StepTool{Name: call.Function.Name, Result: clipResult(out)})
		}
		if err := notify(onStep, report); err != nil {
			return "", step, err
		}

		if done {
			if s := strings.TrimSpace(summary); s != "" {
				return s, step, nil
			}
			return last, step, nil
		}
	}
	return "", o.maxSteps, &OrchestrationError{Kind: ToolLoopExceeded, Flow: r.flow, Iterations: o.maxSteps}
}

func notify(onStep func(TaskStep) error, s TaskStep) error {
	if onStep == nil {
		return nil
	}
	return onStep(s)
}

func terminateDefinition() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        terminateTool,
			"description": "Finish the task. Call this when the task is done or cannot be done with the available tools.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{
						"type":        "string",
						"description": "Short result for the traveller",
					},
				},
			},
		},
	}
}

func clipResult(s string) string {
	if len(s) <= maxStepResult {
		return s
	}
	cut := maxStepResult
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
