// Package tools implements the brain's tool surface: a registry of
// named tools organized into groups and profiles, an allow/deny policy,
// and a policy-enforcing executor with per-call timeouts.
package tools

import (
	"context"
	"errors"
	"time"
)

// Status is the terminal state of one tool call.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusTimeout Status = "TIMEOUT"
	StatusDenied  Status = "DENIED"
	StatusSkipped Status = "SKIPPED"
)

// Handler runs one tool call. Handlers must honor ctx cancellation; the
// executor abandons handlers that outlive their deadline, so a leaked
// handler must not hold locks the caller needs.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one callable capability.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler
	Tags        []string
	Timeout     time.Duration // 0 = executor default
	IsAsync     bool          // handler returns immediately, work continues in background
}

// ToolCall is one requested invocation, usually parsed from a model
// reply.
type ToolCall struct {
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one call. Result carries the handler
// output in string form; Error carries the failure reason.
type ToolResult struct {
	CallID     string `json:"call_id"`
	ToolName   string `json:"tool_name"`
	Status     Status `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// OK reports whether the call completed successfully.
func (r *ToolResult) OK() bool { return r.Status == StatusSuccess }

// Text returns the side of the result the model should see next turn.
func (r *ToolResult) Text() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Result
}

var (
	// ErrUnknownTool is returned when a call names a tool the registry
	// does not hold.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("duplicate tool name")
	// ErrInvalidTool is returned for tools missing a name or handler.
	ErrInvalidTool = errors.New("invalid tool")
	// ErrUnknownProfile is returned when resolving a profile name the
	// registry does not know.
	ErrUnknownProfile = errors.New("unknown tool profile")
)
