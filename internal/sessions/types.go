package sessions

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// State is the session lifecycle state.
type State string

const (
	StateCreated    State = "created"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateCompacting State = "compacting"
	StateClosed     State = "closed"
	StateArchived   State = "archived"
)

// Message is one transcript line. Tool messages additionally carry
// tool_call_id, tool_name, and optionally the raw tool_result.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolResult any            `json:"tool_result,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Session is the metadata record persisted to <id>.meta.json.
type Session struct {
	ID              string         `json:"session_id"`
	Key             string         `json:"session_key"`
	State           State          `json:"state"`
	Model           string         `json:"model,omitempty"`
	Channel         string         `json:"channel,omitempty"`
	PeerID          string         `json:"peer_id,omitempty"`
	Origin          string         `json:"origin,omitempty"`
	ParentSessionID string         `json:"parent_session_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivity    time.Time      `json:"last_activity"`
	MessageCount    int            `json:"message_count"`
	InputTokens     int64          `json:"input_tokens,omitempty"`
	OutputTokens    int64          `json:"output_tokens,omitempty"`
	CompactionCount int            `json:"compaction_count,omitempty"`
	ResetPolicy     string         `json:"reset_policy,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ResetPolicy selects when CheckAndResetSession recycles a session.
type ResetPolicy struct {
	Policy      string // daily | idle | manual | never
	AtHour      int
	IdleMinutes int
	Triggers    []string
}

var (
	// ErrNotFound is returned for unknown session ids or keys.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyArchived is returned when mutating an archived session.
	ErrAlreadyArchived = errors.New("session already archived")
)

// CorruptTranscriptError reports a transcript line that failed to parse.
type CorruptTranscriptError struct {
	Path string
	Line int
	Err  error
}

func (e *CorruptTranscriptError) Error() string {
	return fmt.Sprintf("corrupt transcript %s line %d: %v", e.Path, e.Line, e.Err)
}

func (e *CorruptTranscriptError) Unwrap() error { return e.Err }
