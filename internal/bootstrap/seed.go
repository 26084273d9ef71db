// Package bootstrap seeds and names the workspace files injected into
// the agent's system prompt: robot identity, embodiment notes, reply
// rules, and owner notes.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// Workspace file names. The agent context builder injects these in
// this order.
const (
	IdentityFile  = "IDENTITY.md"
	RobotFile     = "ROBOT.md"
	BehaviorFile  = "BEHAVIOR.md"
	UserFile      = "USER.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// templateFiles lists the templates to seed, in injection order.
// BOOTSTRAP.md is handled separately (only seeded for brand-new
// workspaces).
var templateFiles = []string{
	IdentityFile,
	RobotFile,
	BehaviorFile,
	UserFile,
}

// TemplateNames returns the standard injection list for
// agent.bootstrap_files when the config leaves it empty.
func TemplateNames() []string {
	out := make([]string, len(templateFiles))
	copy(out, templateFiles)
	return out
}

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureWorkspaceFiles seeds template files into a workspace directory.
// Only writes files that don't already exist (will not overwrite).
// BOOTSTRAP.md is only seeded if the workspace is brand new (no
// IDENTITY.md exists). Returns the list of files that were created.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return nil, err
	}

	var created []string

	// Check if this is a brand-new workspace (no IDENTITY.md yet)
	_, identityErr := os.Stat(filepath.Join(workspaceDir, IdentityFile))
	isBrandNew := os.IsNotExist(identityErr)

	for _, name := range templateFiles {
		ok, err := seedTemplate(workspaceDir, name)
		if err != nil {
			slog.Warn("bootstrap: failed to seed template", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}

	if isBrandNew {
		ok, err := seedTemplate(workspaceDir, BootstrapFile)
		if err != nil {
			slog.Warn("bootstrap: failed to seed BOOTSTRAP.md", "error", err)
		} else if ok {
			created = append(created, BootstrapFile)
		}
	}

	return created, nil
}

// seedTemplate writes a template file to the workspace if it doesn't
// exist. Returns true if the file was created, false if it already
// exists.
func seedTemplate(workspaceDir, name string) (bool, error) {
	dstPath := filepath.Join(workspaceDir, name)

	// Only create if file doesn't exist (O_EXCL)
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath) // clean up empty file
		return false, err
	}

	if _, err := f.Write(content); err != nil {
		return false, err
	}

	return true, nil
}
