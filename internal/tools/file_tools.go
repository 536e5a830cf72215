package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes caps what read_file hands back to the model.
const maxReadBytes = 50 * 1024

// FileTools reads and writes files confined to an output directory.
type FileTools struct {
	root string
}

// NewFileTools creates FileTools rooted at dir. The directory is
// created on first write.
func NewFileTools(dir string) *FileTools {
	return &FileTools{root: dir}
}

// Root returns the output directory.
func (ft *FileTools) Root() string {
	return ft.root
}

// resolvePath maps a path relative to the root to an absolute path and
// rejects anything that would land outside it.
func (ft *FileTools) resolvePath(tool, path string) (string, error) {
	if ft.root == "" {
		return "", &ToolError{Kind: UpstreamFailure, Tool: tool, Message: "output directory not configured"}
	}
	if strings.TrimSpace(path) == "" {
		return "", invalidArg(tool, "path is empty")
	}
	rootAbs, err := filepath.Abs(ft.root)
	if err != nil {
		return "", fmt.Errorf("resolve output directory: %w", err)
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(rootAbs, path)
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", invalidArg(tool, "path escapes output directory: %s", path)
	}
	return abs, nil
}

// Write stores content at path, creating parent directories, and
// returns the absolute path written.
func (ft *FileTools) Write(_ context.Context, path, content string) (string, error) {
	abs, err := ft.resolvePath("write_file", path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return abs, nil
}

// Read returns the contents of path, truncated for the model.
func (ft *FileTools) Read(_ context.Context, path string) (string, error) {
	abs, err := ft.resolvePath("read_file", path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", invalidArg("read_file", "file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(data)
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated ...]"
	}
	return content, nil
}

// RegisterFiles registers write_file and read_file.
func RegisterFiles(r *Registry, ft *FileTools) error {
	defs := []*Tool{
		{
			Name:        "write_file",
			Description: "Write content to a file in the output directory. Paths are relative to that directory.",
			Params: []Param{
				{Name: "path", Type: String, Description: "File name or relative path, e.g. kyoto_plan.html", Required: true},
				{Name: "content", Type: String, Description: "Full file content", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				abs, err := ft.Write(ctx, argString(args, "path"), argString(args, "content"))
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("File written successfully to: %s", abs), nil
			},
		},
		{
			Name:        "read_file",
			Description: "Read a file previously written to the output directory.",
			Params: []Param{
				{Name: "path", Type: String, Description: "File name or relative path", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return ft.Read(ctx, argString(args, "path"))
			},
		},
	}
	for _, t := range defs {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
