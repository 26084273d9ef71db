package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ShellMode selects how shell commands are vetted.
type ShellMode string

const (
	// ShellDeny rejects every command.
	ShellDeny ShellMode = "deny"
	// ShellAllowlist only runs commands whose first token is listed.
	ShellAllowlist ShellMode = "allowlist"
	// ShellFull runs anything not matching a deny pattern.
	ShellFull ShellMode = "full"
)

// defaultShellDenyPatterns reject destructive or exfiltrating commands
// in every mode. Configured patterns are added on top.
var defaultShellDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[a-z]*[rf]`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(mkfs|fdisk|parted)\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff|halt)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(ba|z|da)?sh\b`),
	regexp.MustCompile(`\bbase64\s+(-d|--decode)\b.*\|\s*(ba|z|da)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bchmod\s+[0-7]{3,4}\s+/`),
	regexp.MustCompile(`\bchown\b.*\s+/`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bmkfifo\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
}

// defaultSensitiveDirs are refused as working directories in every mode.
var defaultSensitiveDirs = []string{"/etc", "/boot", "/proc", "/sys", "/dev"}

// ShellOptions configures the shell tool.
type ShellOptions struct {
	Mode            ShellMode
	Allowlist       []string
	DenyPatterns    []string
	Timeout         time.Duration
	WorkingDir      string
	SensitiveDirs   []string
	AllowBackground bool
}

// ShellTool executes commands through `sh -c` under the configured
// vetting mode. With AllowBackground set it also exposes a shell_jobs
// tool for inspecting and killing backgrounded commands.
type ShellTool struct {
	opts   ShellOptions
	deny   []*regexp.Regexp
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*shellJob
}

// NewShellTool builds a shell tool. Invalid configured patterns are
// skipped with a warning rather than failing startup.
func NewShellTool(opts ShellOptions) *ShellTool {
	if opts.Mode == "" {
		opts.Mode = ShellDeny
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if len(opts.SensitiveDirs) == 0 {
		opts.SensitiveDirs = defaultSensitiveDirs
	}
	logger := slog.Default().With("component", "tools")
	deny := append([]*regexp.Regexp(nil), defaultShellDenyPatterns...)
	for _, p := range opts.DenyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.Warn("invalid shell deny pattern skipped", "pattern", p, "error", err)
			continue
		}
		deny = append(deny, re)
	}
	return &ShellTool{
		opts:   opts,
		deny:   deny,
		logger: logger,
		jobs:   make(map[string]*shellJob),
	}
}

// Tool returns the registry entry for the shell tool.
func (t *ShellTool) Tool() Tool {
	return Tool{
		Name:        "shell",
		Description: "Run a shell command and return its output",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The command to run with sh -c",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Optional working directory",
				},
				"background": map[string]any{
					"type":        "boolean",
					"description": "Run in the background and return a job id",
				},
			},
			"required": []string{"command"},
		},
		Tags:    []string{"runtime"},
		Timeout: t.opts.Timeout,
		Handler: t.run,
	}
}

// JobsTool returns the registry entry for the shell_jobs tool.
func (t *ShellTool) JobsTool() Tool {
	return Tool{
		Name:        "shell_jobs",
		Description: "List, inspect or kill backgrounded shell commands",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"description": "list, status or kill",
				},
				"job_id": map[string]any{
					"type":        "string",
					"description": "Job id, required for status and kill",
				},
			},
			"required": []string{"action"},
		},
		Tags:    []string{"runtime"},
		Handler: t.jobsHandler,
	}
}

func (t *ShellTool) run(ctx context.Context, args map[string]any) (any, error) {
	command := strings.TrimSpace(stringArg(args, "command", ""))
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if t.opts.Mode == ShellDeny {
		return nil, fmt.Errorf("shell is disabled by policy")
	}
	for _, re := range t.deny {
		if re.MatchString(command) {
			return nil, fmt.Errorf("command rejected by safety pattern %s", re.String())
		}
	}
	if t.opts.Mode == ShellAllowlist {
		head := commandHead(command)
		if !t.allowlisted(head) {
			return nil, fmt.Errorf("command %q is not on the allowlist", head)
		}
	}

	cwd, err := t.resolveWorkingDir(stringArg(args, "working_dir", ""))
	if err != nil {
		return nil, err
	}

	if boolArg(args, "background", false) {
		if !t.opts.AllowBackground {
			return nil, fmt.Errorf("background execution is disabled")
		}
		return t.startJob(command, cwd)
	}
	return t.runForeground(ctx, command, cwd)
}

func (t *ShellTool) runForeground(ctx context.Context, command, cwd string) (any, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := combineOutput(stdout.String(), stderr.String())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s", t.opts.Timeout)
		}
		if output == "" {
			output = err.Error()
		}
		return nil, fmt.Errorf("%s", output)
	}
	if output == "" {
		output = "(command completed with no output)"
	}
	return output, nil
}

// allowlisted matches the command head against allowlist entries, by
// full token or by basename so "git" also admits "/usr/bin/git".
func (t *ShellTool) allowlisted(head string) bool {
	base := filepath.Base(head)
	for _, entry := range t.opts.Allowlist {
		if head == entry || base == entry {
			return true
		}
	}
	return false
}

func (t *ShellTool) resolveWorkingDir(requested string) (string, error) {
	cwd := t.opts.WorkingDir
	if requested != "" {
		if filepath.IsAbs(requested) {
			cwd = filepath.Clean(requested)
		} else {
			cwd = filepath.Clean(filepath.Join(t.opts.WorkingDir, requested))
		}
	}
	for _, dir := range t.opts.SensitiveDirs {
		if pathWithin(cwd, dir) {
			return "", fmt.Errorf("working directory %s is in a sensitive location", cwd)
		}
	}
	return cwd, nil
}

// commandHead returns the first token, skipping VAR=val prefixes.
func commandHead(command string) string {
	for _, field := range strings.Fields(command) {
		if strings.Contains(field, "=") && !strings.HasPrefix(field, "=") {
			continue
		}
		return field
	}
	return ""
}

// pathWithin reports whether path equals dir or sits below it.
func pathWithin(path, dir string) bool {
	path = filepath.Clean(path)
	dir = filepath.Clean(dir)
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

func combineOutput(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:\n" + stderr
	}
	return strings.TrimRight(out, "\n")
}

// --- background jobs ---

const jobOutputCap = 64 << 10

type shellJob struct {
	ID        string
	Command   string
	PID       int
	StartedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	state    string // running | exited | killed
	exitCode int
	output   bytes.Buffer
	dropped  bool
}

// Write captures job output up to jobOutputCap; the rest is dropped.
func (j *shellJob) Write(p []byte) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if room := jobOutputCap - j.output.Len(); room > 0 {
		if len(p) > room {
			j.output.Write(p[:room])
			j.dropped = true
		} else {
			j.output.Write(p)
		}
	} else {
		j.dropped = true
	}
	return len(p), nil
}

func (j *shellJob) snapshot() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := map[string]any{
		"job_id":     j.ID,
		"command":    j.Command,
		"pid":        j.PID,
		"state":      j.state,
		"started_at": j.StartedAt.Format(time.RFC3339),
	}
	if j.state == "exited" {
		out["exit_code"] = j.exitCode
	}
	return out
}

func (t *ShellTool) startJob(command, cwd string) (any, error) {
	jctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(jctx, "sh", "-c", command)
	cmd.Dir = cwd

	job := &shellJob{
		ID:        uuid.NewString()[:8],
		Command:   command,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     "running",
	}
	cmd.Stdout = job
	cmd.Stderr = job

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start background command: %w", err)
	}
	job.PID = cmd.Process.Pid

	t.mu.Lock()
	t.jobs[job.ID] = job
	t.mu.Unlock()

	go func() {
		err := cmd.Wait()
		cancel()
		job.mu.Lock()
		if job.state == "running" {
			job.state = "exited"
			job.exitCode = cmd.ProcessState.ExitCode()
		}
		job.mu.Unlock()
		close(job.done)
		t.logger.Debug("background job finished", "job_id", job.ID, "error", err)
	}()

	return map[string]any{"job_id": job.ID, "pid": job.PID, "state": "running"}, nil
}

func (t *ShellTool) jobsHandler(ctx context.Context, args map[string]any) (any, error) {
	action := stringArg(args, "action", "list")
	switch action {
	case "list":
		t.mu.Lock()
		jobs := make([]*shellJob, 0, len(t.jobs))
		for _, j := range t.jobs {
			jobs = append(jobs, j)
		}
		t.mu.Unlock()
		sort.Slice(jobs, func(i, k int) bool { return jobs[i].StartedAt.Before(jobs[k].StartedAt) })
		out := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, j.snapshot())
		}
		return map[string]any{"jobs": out}, nil

	case "status":
		job, err := t.job(stringArg(args, "job_id", ""))
		if err != nil {
			return nil, err
		}
		snap := job.snapshot()
		job.mu.Lock()
		snap["output"] = job.output.String()
		if job.dropped {
			snap["output_truncated"] = true
		}
		job.mu.Unlock()
		return snap, nil

	case "kill":
		job, err := t.job(stringArg(args, "job_id", ""))
		if err != nil {
			return nil, err
		}
		job.mu.Lock()
		running := job.state == "running"
		if running {
			job.state = "killed"
		}
		job.mu.Unlock()
		if running {
			job.cancel()
			select {
			case <-job.done:
			case <-ctx.Done():
			}
		}
		return job.snapshot(), nil

	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

func (t *ShellTool) job(id string) (*shellJob, error) {
	if id == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", id)
	}
	return job, nil
}
