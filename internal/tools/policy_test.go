package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPolicy(t *testing.T) {
	p, err := LoadPolicy(context.Background(), "")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	tests := []struct {
		name  string
		in    PolicyInput
		allow bool
	}{
		{"geocode allowed", PolicyInput{Tool: "geocode", Args: map[string]any{"address": "x"}}, true},
		{"html write allowed", PolicyInput{Tool: "write_file", Args: map[string]any{"path": "plan.html"}}, true},
		{"markdown write allowed", PolicyInput{Tool: "write_file", Args: map[string]any{"path": "notes/day1.MD"}}, true},
		{"script write blocked", PolicyInput{Tool: "write_file", Args: map[string]any{"path": "run.sh"}}, false},
		{"no extension blocked", PolicyInput{Tool: "write_file", Args: map[string]any{"path": "Makefile"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, reason, err := p.Allow(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("Allow: %v", err)
			}
			if allowed != tt.allow {
				t.Errorf("allowed = %v, want %v", allowed, tt.allow)
			}
			if !allowed && reason == "" {
				t.Error("blocked call should carry a reason")
			}
		})
	}
}

func TestRegoPolicy_CustomModule(t *testing.T) {
	module := `
package tool_policy

default decision = "allow"

decision = "block" {
	input.flow == "plan_html"
	input.tool == "web_fetch"
}
`
	path := filepath.Join(t.TempDir(), "policy.rego")
	if err := os.WriteFile(path, []byte(module), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicy(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	allowed, _, err := p.Allow(context.Background(), PolicyInput{Tool: "web_fetch", Flow: "plan_html"})
	if err != nil || allowed {
		t.Errorf("plan_html web_fetch = %v, %v; want blocked", allowed, err)
	}
	allowed, _, err = p.Allow(context.Background(), PolicyInput{Tool: "web_fetch", Flow: "plan_tools"})
	if err != nil || !allowed {
		t.Errorf("plan_tools web_fetch = %v, %v; want allowed", allowed, err)
	}
}

func TestRegoPolicy_Invalid(t *testing.T) {
	if _, err := NewRegoPolicy(context.Background(), "package tool_policy\n decision = "); err == nil {
		t.Error("expected compile error")
	}
	p, err := NewRegoPolicy(context.Background(), "package tool_policy\n\ndecision = \"maybe\"\n")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Allow(context.Background(), PolicyInput{Tool: "x"}); err == nil {
		t.Error("unknown decision should be an error")
	}
}

func TestRegistry_WithRegoPolicy(t *testing.T) {
	p, err := LoadPolicy(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(Options{Policy: p})
	_ = RegisterFiles(r, NewFileTools(t.TempDir()))

	_, err = r.Invoke(context.Background(), "write_file", map[string]any{"path": "evil.sh", "content": "rm -rf /"})
	if KindOf(err) != PolicyDenied {
		t.Errorf("err = %v, want PolicyDenied", err)
	}
	if _, err := r.Invoke(context.Background(), "write_file", map[string]any{"path": "ok.html", "content": "<p>ok</p>"}); err != nil {
		t.Errorf("html write: %v", err)
	}
}
