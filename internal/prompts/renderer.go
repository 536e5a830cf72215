package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Shipped template ids.
const (
	PlanID       = "plan"
	PlanToolsID  = "plan_tools"
	PlanHTMLID   = "plan_html"
	ChatSystemID = "chat_system"
	TaskSystemID = "task_system"
)

const ext = ".tmpl"

// ErrTemplate matches every *TemplateError via errors.Is.
var ErrTemplate = errors.New("template error")

// TemplateError reports a missing template or a render failure.
type TemplateError struct {
	ID  string
	Err error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q: %v", e.ID, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Is reports ErrTemplate as a match.
func (e *TemplateError) Is(target error) bool { return target == ErrTemplate }

// Renderer holds parsed templates by id.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer parses the embedded templates and then any *.tmpl files
// in overrideDir, which replace embedded templates with the same id. A
// missing override directory is not an error.
func NewRenderer(overrideDir string) (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template)}

	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, fmt.Errorf("open embedded templates: %w", err)
	}
	if err := r.load(sub); err != nil {
		return nil, err
	}

	if overrideDir != "" {
		if _, err := os.Stat(overrideDir); err == nil {
			if err := r.load(os.DirFS(overrideDir)); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat prompt dir: %w", err)
		}
	}

	return r, nil
}

func (r *Renderer) load(fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*"+ext)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		id := strings.TrimSuffix(path.Base(name), ext)
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return &TemplateError{ID: id, Err: err}
		}
		tmpl, err := template.New(id).Option("missingkey=error").Parse(string(data))
		if err != nil {
			return &TemplateError{ID: id, Err: err}
		}
		r.templates[id] = tmpl
	}
	return nil
}

// Render fills template id with vars.
func (r *Renderer) Render(id string, vars map[string]string) (string, error) {
	tmpl, ok := r.templates[id]
	if !ok {
		return "", &TemplateError{ID: id, Err: errors.New("not found")}
	}
	if vars == nil {
		vars = map[string]string{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", &TemplateError{ID: id, Err: err}
	}
	return strings.TrimSpace(buf.String()), nil
}

// IDs returns the loaded template ids, sorted.
func (r *Renderer) IDs() []string {
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
