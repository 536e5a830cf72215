package tools

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// PolicyInput is the document a policy evaluates, available to rego as
// input.
type PolicyInput struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	SessionID string         `json:"session_id"`
	Flow      string         `json:"flow"`
}

// Policy decides whether a tool call may run.
type Policy interface {
	Allow(ctx context.Context, in PolicyInput) (allowed bool, reason string, err error)
}

// DefaultPolicy allows every call except file writes with an extension
// other than .html, .md or .txt.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

allowed_ext := {".html", ".md", ".txt"}

decision = "block" {
	input.tool == "write_file"
	not has_allowed_ext(input.args.path)
}

has_allowed_ext(p) {
	some ext
	allowed_ext[ext]
	endswith(lower(p), ext)
}

reason = "only .html, .md and .txt files may be written" {
	decision == "block"
	input.tool == "write_file"
}
`

// RegoPolicy evaluates data.tool_policy.decision, which must be
// "allow" or "block". An optional data.tool_policy.reason string is
// reported when a call is blocked.
type RegoPolicy struct {
	decision rego.PreparedEvalQuery
	reason   rego.PreparedEvalQuery
}

// NewRegoPolicy compiles a policy module.
func NewRegoPolicy(ctx context.Context, module string) (*RegoPolicy, error) {
	decision, err := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare tool policy: %w", err)
	}
	reason, err := rego.New(
		rego.Query("data.tool_policy.reason"),
		rego.Module("tool_policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare tool policy reason: %w", err)
	}
	return &RegoPolicy{decision: decision, reason: reason}, nil
}

// LoadPolicy compiles the module at path, or DefaultPolicy when path is
// empty.
func LoadPolicy(ctx context.Context, path string) (*RegoPolicy, error) {
	if path == "" {
		return NewRegoPolicy(ctx, DefaultPolicy)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool policy: %w", err)
	}
	return NewRegoPolicy(ctx, string(b))
}

// Allow implements Policy. A module with no decision allows the call.
func (p *RegoPolicy) Allow(ctx context.Context, in PolicyInput) (bool, string, error) {
	input := map[string]any{
		"tool":       in.Tool,
		"args":       in.Args,
		"session_id": in.SessionID,
		"flow":       in.Flow,
	}
	rs, err := p.decision.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("evaluate tool policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return true, "", nil
	}
	decision, ok := rs[0].Expressions[0].Value.(string)
	if !ok {
		return false, "", fmt.Errorf("tool policy decision is %T, want string", rs[0].Expressions[0].Value)
	}
	switch decision {
	case "allow":
		return true, "", nil
	case "block":
		return false, p.reasonFor(ctx, input), nil
	default:
		return false, "", fmt.Errorf("unknown tool policy decision %q", decision)
	}
}

func (p *RegoPolicy) reasonFor(ctx context.Context, input map[string]any) string {
	rs, err := p.reason.Eval(ctx, rego.EvalInput(input))
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return ""
	}
	s, _ := rs[0].Expressions[0].Value.(string)
	return s
}
