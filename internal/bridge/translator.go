package bridge

import (
	"github.com/openrobobrain/orb/internal/bus"
	"github.com/openrobobrain/orb/pkg/protocol"
)

// Action is one low-level step delivered to the motion controller. Seq
// orders the actions of a command; the controller reports status per
// (command_id, seq).
type Action struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CommandID  string         `json:"command_id"`
	Seq        int            `json:"seq"`
}

// Translator turns one high-level command into a controller action
// sequence.
type Translator interface {
	CanTranslate(cmd *protocol.Command) bool
	Translate(cmd *protocol.Command) []Action
}

// Mover translates navigation commands into a single nav action.
type Mover struct{}

func (Mover) CanTranslate(cmd *protocol.Command) bool {
	switch cmd.CommandType {
	case protocol.CmdMove, "move_to", protocol.CmdNavigate:
		return true
	}
	return false
}

func (Mover) Translate(cmd *protocol.Command) []Action {
	params := map[string]any{
		"speed": protocol.SpeedMultiplier(cmd.Parameters["speed"]),
	}
	for _, k := range []string{"target", "location", "x", "y", "theta", "direction"} {
		if v, ok := cmd.Parameters[k]; ok {
			params[k] = v
		}
	}
	if d := cmd.Duration(); d > 0 {
		params["duration"] = d
	}
	return []Action{{
		Name:       "navigate",
		Parameters: params,
		CommandID:  cmd.CommandID,
		Seq:        0,
	}}
}

// Grasper translates grasp commands into the four-step manipulation
// sequence: approach, open the gripper, move to grasp pose, close.
type Grasper struct{}

func (Grasper) CanTranslate(cmd *protocol.Command) bool {
	switch cmd.CommandType {
	case protocol.CmdGrasp, "pick", "grab":
		return true
	}
	return false
}

func (Grasper) Translate(cmd *protocol.Command) []Action {
	target := cmd.Parameters["target"]
	speed := protocol.SpeedMultiplier(cmd.Parameters["speed"])
	steps := []struct {
		name   string
		params map[string]any
	}{
		{"approach", map[string]any{"target": target, "speed": speed}},
		{"open_gripper", nil},
		{"grasp_pose", map[string]any{"target": target}},
		{"close_gripper", nil},
	}
	actions := make([]Action, len(steps))
	for i, s := range steps {
		actions[i] = Action{
			Name:       s.name,
			Parameters: s.params,
			CommandID:  cmd.CommandID,
			Seq:        i,
		}
	}
	return actions
}

// Speaker translates speech commands into say actions sized for the
// controller's TTS buffer. Long text becomes one action per chunk;
// empty text translates to nothing.
type Speaker struct {
	chunker *bus.Chunker
}

// NewSpeaker builds a Speaker splitting text over maxCells display
// cells per utterance. maxCells < 1 takes the 200-cell default.
func NewSpeaker(maxCells int) Speaker {
	if maxCells < 1 {
		maxCells = 200
	}
	return Speaker{chunker: bus.NewChunker(maxCells/4, maxCells)}
}

func (sp Speaker) CanTranslate(cmd *protocol.Command) bool {
	switch cmd.CommandType {
	case protocol.CmdSpeak, "say", "tts":
		return true
	}
	return false
}

func (sp Speaker) Translate(cmd *protocol.Command) []Action {
	text, _ := cmd.Parameters["text"].(string)
	if text == "" {
		return nil
	}
	parts := sp.chunker.Split(text)
	actions := make([]Action, len(parts))
	for i, part := range parts {
		params := map[string]any{"text": part}
		if v, ok := cmd.Parameters["voice"]; ok {
			params["voice"] = v
		}
		actions[i] = Action{
			Name:       "say",
			Parameters: params,
			CommandID:  cmd.CommandID,
			Seq:        i,
		}
	}
	return actions
}

// Driver translates the velocity-style motion primitives into a single
// action named after the type, with the speed descriptor normalized to
// a multiplier the controller can apply directly.
type Driver struct{}

var driveTypes = map[string]bool{
	protocol.CmdForward:     true,
	protocol.CmdBackward:    true,
	protocol.CmdTurnLeft:    true,
	protocol.CmdTurnRight:   true,
	protocol.CmdSpinLeft:    true,
	protocol.CmdSpinRight:   true,
	protocol.CmdCircleLeft:  true,
	protocol.CmdCircleRight: true,
}

func (Driver) CanTranslate(cmd *protocol.Command) bool {
	return driveTypes[cmd.CommandType]
}

func (Driver) Translate(cmd *protocol.Command) []Action {
	params := map[string]any{
		"speed": protocol.SpeedMultiplier(cmd.Parameters["speed"]),
	}
	if d := cmd.Duration(); d > 0 {
		params["duration"] = d
	}
	for _, k := range []string{"vx", "vy", "wz"} {
		if v, ok := cmd.Parameters[k]; ok {
			params[k] = v
		}
	}
	return []Action{{
		Name:       cmd.CommandType,
		Parameters: params,
		CommandID:  cmd.CommandID,
		Seq:        0,
	}}
}

// Passthrough forwards any remaining known command type as a single
// action named after the type, parameters untouched. Registered last,
// it makes the bridge total over the brain's own vocabulary; unknown
// types still come back as translation misses.
type Passthrough struct{}

func (Passthrough) CanTranslate(cmd *protocol.Command) bool {
	return protocol.IsKnownCommandType(cmd.CommandType)
}

func (Passthrough) Translate(cmd *protocol.Command) []Action {
	return []Action{{
		Name:       cmd.CommandType,
		Parameters: cmd.Parameters,
		CommandID:  cmd.CommandID,
		Seq:        0,
	}}
}
