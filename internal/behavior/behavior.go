// Package behavior selects and runs the response strategy for one
// utterance: registered behaviors bid with a confidence score, and the
// LLM-driven fallback catches everything nothing else claims.
package behavior

import (
	"context"
)

// Execution modes reported in results.
const (
	ModeLLM  = "llm"
	ModeRule = "rule"
)

// Info describes a behavior for selection and listing surfaces.
type Info struct {
	Name                 string   `json:"name"`
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Tags                 []string `json:"tags,omitempty"`
}

// Request is one utterance handed to a behavior.
type Request struct {
	Utterance  string
	SessionID  string
	SessionKey string
	AgentID    string
	Model      string
	Stream     bool
	TraceID    string
	Metadata   map[string]any
}

// CommandDraft is a command without identity: the orchestrator assigns
// the id, priority, and source agent before dispatch.
type CommandDraft struct {
	CommandType string         `json:"command_type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Result is what a behavior produced for one utterance.
type Result struct {
	ChatResponse string         `json:"chat_response"`
	Commands     []CommandDraft `json:"ros2_commands,omitempty"`
	Steps        []string       `json:"steps,omitempty"`
	Mode         string         `json:"mode"`
}

// Behavior handles a class of utterances.
type Behavior interface {
	Info() Info
	// CanHandle scores the utterance in [0,1].
	CanHandle(utterance string) float64
	Execute(ctx context.Context, req Request) (*Result, error)
}
