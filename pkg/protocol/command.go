// Package protocol defines the wire types shared between the brain core
// and external consumers: the high-level Command record and the JSON
// frames pushed over the command broadcaster WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders command delivery to the motion controller.
type Priority string

const (
	PriorityEmergency  Priority = "EMERGENCY"
	PriorityHigh       Priority = "HIGH"
	PriorityNormal     Priority = "NORMAL"
	PriorityLow        Priority = "LOW"
	PriorityBackground Priority = "BACKGROUND"
)

// Valid reports whether p is one of the five defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityEmergency, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground:
		return true
	}
	return false
}

// Rank returns the delivery rank, 0 highest (EMERGENCY).
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	case PriorityBackground:
		return 4
	}
	return 2
}

// Command type vocabulary the fallback behavior emits. The bridge and
// broadcaster treat unknown types as opaque; this list is what the
// rule tables and translators understand.
const (
	CmdNavigate    = "navigate"
	CmdMove        = "move"
	CmdForward     = "forward"
	CmdBackward    = "backward"
	CmdTurnLeft    = "turn_left"
	CmdTurnRight   = "turn_right"
	CmdStop        = "stop"
	CmdGrasp       = "grasp"
	CmdPlace       = "place"
	CmdPour        = "pour"
	CmdPatrol      = "patrol"
	CmdClean       = "clean"
	CmdSpeak       = "speak"
	CmdCircleLeft  = "circle_left"
	CmdCircleRight = "circle_right"
	CmdSpinLeft    = "spin_left"
	CmdSpinRight   = "spin_right"
)

// KnownCommandTypes lists the vocabulary above in a stable order.
var KnownCommandTypes = []string{
	CmdNavigate, CmdMove, CmdForward, CmdBackward,
	CmdTurnLeft, CmdTurnRight, CmdStop,
	CmdGrasp, CmdPlace, CmdPour,
	CmdPatrol, CmdClean, CmdSpeak,
	CmdCircleLeft, CmdCircleRight, CmdSpinLeft, CmdSpinRight,
}

// IsKnownCommandType reports whether t belongs to the vocabulary.
func IsKnownCommandType(t string) bool {
	for _, k := range KnownCommandTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Speed descriptors. Parameters may carry `speed` either as one of these
// words or as a numeric multiplier; SpeedMultiplier normalizes both.
var speedTable = map[string]float64{
	"very_slow": 0.3,
	"slow":      0.6,
	"normal":    1.0,
	"fast":      1.5,
	"very_fast": 2.0,
}

// SpeedMultiplier resolves a speed parameter value to a numeric
// multiplier. Unknown or missing values resolve to 1.0.
func SpeedMultiplier(v any) float64 {
	switch s := v.(type) {
	case nil:
		return 1.0
	case string:
		if m, ok := speedTable[s]; ok {
			return m
		}
		return 1.0
	case float64:
		if s > 0 {
			return s
		}
		return 1.0
	case float32:
		return SpeedMultiplier(float64(s))
	case int:
		return SpeedMultiplier(float64(s))
	case int64:
		return SpeedMultiplier(float64(s))
	case json.Number:
		if f, err := s.Float64(); err == nil {
			return SpeedMultiplier(f)
		}
		return 1.0
	}
	return 1.0
}

// SpeedWords lists the recognized speed descriptors.
func SpeedWords() []string {
	return []string{"very_slow", "slow", "normal", "fast", "very_fast"}
}

// Command is one high-level semantic instruction produced by a behavior,
// translated by the bridge and fanned out by the broadcaster. Parameters
// are opaque to transport; `duration` (seconds), `speed`, `direction`
// and `vx/vy/wz` are passed through untouched.
type Command struct {
	CommandID   string         `json:"command_id"`
	CommandType string         `json:"command_type"`
	Parameters  map[string]any `json:"parameters"`
	Priority    Priority       `json:"priority"`
	SourceAgent string         `json:"source_agent"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Duration returns the command's duration parameter in seconds,
// or 0 when absent or malformed.
func (c *Command) Duration() float64 {
	v, ok := c.Parameters["duration"]
	if !ok {
		return 0
	}
	switch d := v.(type) {
	case float64:
		return d
	case float32:
		return float64(d)
	case int:
		return float64(d)
	case int64:
		return float64(d)
	case json.Number:
		f, err := d.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		var f float64
		if _, err := fmt.Sscanf(d, "%f", &f); err == nil {
			return f
		}
	}
	return 0
}

// Validate checks the fields a consumer depends on.
func (c *Command) Validate() error {
	if c.CommandID == "" {
		return fmt.Errorf("command: missing command_id")
	}
	if c.CommandType == "" {
		return fmt.Errorf("command: missing command_type")
	}
	if c.Priority != "" && !c.Priority.Valid() {
		return fmt.Errorf("command %s: invalid priority %q", c.CommandID, c.Priority)
	}
	return nil
}
