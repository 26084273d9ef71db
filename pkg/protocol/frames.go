package protocol

import "time"

// Frame types pushed from the broadcaster to WebSocket subscribers.
const (
	FrameWelcome      = "welcome"
	FrameBrainCommand = "brain_command"
	FrameSystemStatus = "system_status"
)

// WelcomeFrame is sent once per connection, immediately after upgrade.
type WelcomeFrame struct {
	Type      string    `json:"type"`
	ServerID  string    `json:"server_id"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// BrainCommandFrame wraps one Command for fan-out. Seq is strictly
// increasing per broadcaster instance.
type BrainCommandFrame struct {
	Type      string    `json:"type"`
	Command   *Command  `json:"command"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// SystemStatusFrame carries periodic runtime health for subscribers.
type SystemStatusFrame struct {
	Type      string         `json:"type"`
	Status    map[string]any `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
}
