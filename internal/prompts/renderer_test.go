package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func planVars() map[string]string {
	return map[string]string{
		"destination": "Kyoto",
		"travelDates": "2025-10-01..2025-10-05",
		"interests":   "history,food",
		"budget":      "¥500-1000",
	}
}

func TestNewRenderer_ShipsTemplates(t *testing.T) {
	r, err := NewRenderer("")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	want := []string{ChatSystemID, PlanID, PlanHTMLID, PlanToolsID, TaskSystemID}
	got := r.IDs()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
}

func TestRender_FillsVariables(t *testing.T) {
	r, err := NewRenderer("")
	if err != nil {
		t.Fatal(err)
	}

	out, err := r.Render(PlanID, planVars())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"Kyoto", "2025-10-01..2025-10-05", "history,food", "¥500-1000"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered plan missing %q", want)
		}
	}
}

func TestRender_Deterministic(t *testing.T) {
	r, err := NewRenderer("")
	if err != nil {
		t.Fatal(err)
	}

	first, err := r.Render(PlanToolsID, planVars())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			again, err := r.Render(PlanToolsID, planVars())
			if err != nil {
				t.Errorf("Render: %v", err)
				return
			}
			if again != first {
				t.Error("rendering the same template twice produced different output")
			}
		}()
	}
	wg.Wait()
}

func TestRender_Errors(t *testing.T) {
	r, err := NewRenderer("")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		id   string
		vars map[string]string
	}{
		{"unknown id", "nope", nil},
		{"missing variable", PlanID, map[string]string{"destination": "Kyoto"}},
		{"nil vars with placeholders", PlanHTMLID, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render(tt.id, tt.vars)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrTemplate) {
				t.Errorf("error %v is not ErrTemplate", err)
			}
			var te *TemplateError
			if !errors.As(err, &te) || te.ID != tt.id {
				t.Errorf("error %v does not carry id %q", err, tt.id)
			}
		})
	}
}

func TestRender_ChatSystemNeedsNoVariables(t *testing.T) {
	r, err := NewRenderer("")
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Render(ChatSystemID, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out == "" {
		t.Error("chat system prompt is empty")
	}
}

func TestRender_TaskSystem(t *testing.T) {
	r, err := NewRenderer("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Render(TaskSystemID, nil); !errors.Is(err, ErrTemplate) {
		t.Errorf("missing maxSteps: err = %v, want ErrTemplate", err)
	}
	out, err := r.Render(TaskSystemID, map[string]string{"maxSteps": "20"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "at most 20 steps") || !strings.Contains(out, "terminate") {
		t.Errorf("task prompt = %q", out)
	}
}

func TestNewRenderer_OverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "chat_system.tmpl"), []byte("Custom persona."), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "extra.tmpl"), []byte("Hello {{.name}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRenderer(dir)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	if out, _ := r.Render(ChatSystemID, nil); out != "Custom persona." {
		t.Errorf("override not applied: %q", out)
	}
	if out, _ := r.Render("extra", map[string]string{"name": "Ada"}); out != "Hello Ada" {
		t.Errorf("extra template = %q", out)
	}
	if _, err := r.Render(PlanID, planVars()); err != nil {
		t.Errorf("embedded template lost after override: %v", err)
	}
}

func TestNewRenderer_MissingOverrideDir(t *testing.T) {
	if _, err := NewRenderer(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("missing override dir should be ignored: %v", err)
	}
}

func TestNewRenderer_BadOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plan.tmpl"), []byte("{{.destination"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRenderer(dir); !errors.Is(err, ErrTemplate) {
		t.Fatalf("expected template error, got %v", err)
	}
}
