package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 << 10 // larger files are truncated, not refused

// FSTools exposes read_file, write_file and list_files scoped to the
// agent workspace. With restrict set, paths that resolve outside the
// workspace (including via symlinks) are rejected.
type FSTools struct {
	workspace string
	restrict  bool
}

// NewFSTools builds the file tool set rooted at workspace.
func NewFSTools(workspace string, restrict bool) *FSTools {
	return &FSTools{workspace: workspace, restrict: restrict}
}

// Tools returns the three registry entries.
func (f *FSTools) Tools() []Tool {
	pathProp := map[string]any{
		"type":        "string",
		"description": "Path relative to the workspace",
	}
	return []Tool{
		{
			Name:        "read_file",
			Description: "Read the contents of a file in the workspace",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathProp},
				"required":   []string{"path"},
			},
			Tags:    []string{"fs"},
			Handler: f.readFile,
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the workspace, creating parent directories",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": pathProp,
					"content": map[string]any{
						"type":        "string",
						"description": "Full file content to write",
					},
				},
				"required": []string{"path", "content"},
			},
			Tags:    []string{"fs"},
			Handler: f.writeFile,
		},
		{
			Name:        "list_files",
			Description: "List directory entries in the workspace",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathProp},
			},
			Tags:    []string{"fs"},
			Handler: f.listFiles,
		},
	}
}

func (f *FSTools) readFile(ctx context.Context, args map[string]any) (any, error) {
	resolved, err := f.resolve(stringArg(args, "path", ""))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", resolved, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n... (truncated)", nil
	}
	return string(data), nil
}

func (f *FSTools) writeFile(ctx context.Context, args map[string]any) (any, error) {
	resolved, err := f.resolve(stringArg(args, "path", ""))
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content is required")
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", resolved, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), resolved), nil
}

func (f *FSTools) listFiles(ctx context.Context, args map[string]any) (any, error) {
	resolved, err := f.resolve(stringArg(args, "path", "."))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", resolved, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// resolve joins the path onto the workspace and, when restricted,
// rejects anything whose canonical form escapes the workspace.
func (f *FSTools) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(f.workspace, path))
	}
	if !f.restrict {
		return resolved, nil
	}

	wsReal, err := filepath.EvalSymlinks(f.workspace)
	if err != nil {
		wsReal = f.workspace
	}
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		// Not there yet (a write target): validate the nearest existing parent.
		parent, err := filepath.EvalSymlinks(existingParent(resolved))
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		if !pathWithin(parent, wsReal) {
			return "", fmt.Errorf("access denied: %s is outside the workspace", path)
		}
		return resolved, nil
	}
	if !pathWithin(real, wsReal) {
		return "", fmt.Errorf("access denied: %s is outside the workspace", path)
	}
	return real, nil
}

// existingParent walks up until a directory that exists.
func existingParent(path string) string {
	dir := filepath.Dir(path)
	for dir != "/" && dir != "." {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		dir = filepath.Dir(dir)
	}
	return dir
}
