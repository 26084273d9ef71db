package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fsToolByName(t *testing.T, f *FSTools, name string) Tool {
	t.Helper()
	for _, tool := range f.Tools() {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %s not built", name)
	return Tool{}
}

func TestFSWriteReadList(t *testing.T) {
	ws := t.TempDir()
	f := NewFSTools(ws, true)
	ctx := context.Background()

	write := fsToolByName(t, f, "write_file")
	if _, err := write.Handler(ctx, map[string]any{"path": "notes/today.md", "content": "dock is charged"}); err != nil {
		t.Fatal(err)
	}

	read := fsToolByName(t, f, "read_file")
	out, err := read.Handler(ctx, map[string]any{"path": "notes/today.md"})
	if err != nil {
		t.Fatal(err)
	}
	if out.(string) != "dock is charged" {
		t.Errorf("read = %q", out)
	}

	list := fsToolByName(t, f, "list_files")
	out, err = list.Handler(ctx, map[string]any{"path": "notes"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.(string), "today.md") {
		t.Errorf("list = %q", out)
	}
}

func TestFSRestrictsEscapes(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0644)

	f := NewFSTools(ws, true)
	ctx := context.Background()
	read := fsToolByName(t, f, "read_file")

	if _, err := read.Handler(ctx, map[string]any{"path": "../" + filepath.Base(outside) + "/secret.txt"}); err == nil {
		t.Error("relative escape allowed")
	}
	if _, err := read.Handler(ctx, map[string]any{"path": filepath.Join(outside, "secret.txt")}); err == nil {
		t.Error("absolute escape allowed")
	}

	// Symlinks pointing out of the workspace are followed and rejected.
	link := filepath.Join(ws, "link.txt")
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if _, err := read.Handler(ctx, map[string]any{"path": "link.txt"}); err == nil {
		t.Error("symlink escape allowed")
	}

	// Unrestricted mode reads anywhere.
	open := NewFSTools(ws, false)
	openRead := fsToolByName(t, open, "read_file")
	if _, err := openRead.Handler(ctx, map[string]any{"path": filepath.Join(outside, "secret.txt")}); err != nil {
		t.Errorf("unrestricted read failed: %v", err)
	}
}

func TestFSWriteCreatesWithinWorkspaceOnly(t *testing.T) {
	ws := t.TempDir()
	f := NewFSTools(ws, true)
	write := fsToolByName(t, f, "write_file")

	if _, err := write.Handler(context.Background(), map[string]any{"path": "../escape.txt", "content": "x"}); err == nil {
		t.Error("write escaped the workspace")
	}
	if _, err := write.Handler(context.Background(), map[string]any{"path": "deep/new/dir/file.txt", "content": "x"}); err != nil {
		t.Errorf("nested write failed: %v", err)
	}
}
