package bridge

import (
	"strings"
	"testing"

	"github.com/openrobobrain/orb/pkg/protocol"
)

func TestMoverTranslate(t *testing.T) {
	cmd := newCmd("cmd-m1", protocol.CmdNavigate, map[string]any{
		"target":   "kitchen",
		"speed":    "slow",
		"duration": 2.5,
		"ignored":  "x",
	})

	actions := Mover{}.Translate(cmd)
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	a := actions[0]
	if a.Name != "navigate" || a.Seq != 0 || a.CommandID != "cmd-m1" {
		t.Fatalf("action = %+v, want navigate seq 0 for cmd-m1", a)
	}
	if got := a.Parameters["speed"]; got != 0.6 {
		t.Errorf("speed = %v, want 0.6", got)
	}
	if got := a.Parameters["target"]; got != "kitchen" {
		t.Errorf("target = %v, want kitchen", got)
	}
	if got := a.Parameters["duration"]; got != 2.5 {
		t.Errorf("duration = %v, want 2.5", got)
	}
	if _, ok := a.Parameters["ignored"]; ok {
		t.Error("unknown parameter leaked into the action")
	}
}

func TestMoverDefaultsSpeed(t *testing.T) {
	actions := Mover{}.Translate(newCmd("cmd-m2", protocol.CmdMove, nil))
	if got := actions[0].Parameters["speed"]; got != 1.0 {
		t.Fatalf("speed = %v, want 1.0", got)
	}
	if _, ok := actions[0].Parameters["duration"]; ok {
		t.Fatal("duration set without a source parameter")
	}
}

func TestGrasperTranslate(t *testing.T) {
	cmd := newCmd("cmd-g1", protocol.CmdGrasp, map[string]any{
		"target": "red cup",
		"speed":  "very_slow",
	})

	actions := Grasper{}.Translate(cmd)
	want := []string{"approach", "open_gripper", "grasp_pose", "close_gripper"}
	if len(actions) != len(want) {
		t.Fatalf("actions = %d, want %d", len(actions), len(want))
	}
	for i, a := range actions {
		if a.Name != want[i] {
			t.Errorf("action[%d].Name = %q, want %q", i, a.Name, want[i])
		}
		if a.Seq != i {
			t.Errorf("action[%d].Seq = %d, want %d", i, a.Seq, i)
		}
		if a.CommandID != "cmd-g1" {
			t.Errorf("action[%d].CommandID = %q, want cmd-g1", i, a.CommandID)
		}
	}
	if got := actions[0].Parameters["speed"]; got != 0.3 {
		t.Errorf("approach speed = %v, want 0.3", got)
	}
	if got := actions[0].Parameters["target"]; got != "red cup" {
		t.Errorf("approach target = %v, want red cup", got)
	}
	if got := actions[2].Parameters["target"]; got != "red cup" {
		t.Errorf("grasp_pose target = %v, want red cup", got)
	}
}

func TestCanTranslate(t *testing.T) {
	tests := []struct {
		typ     string
		mover   bool
		grasper bool
	}{
		{protocol.CmdNavigate, true, false},
		{protocol.CmdMove, true, false},
		{"move_to", true, false},
		{protocol.CmdGrasp, false, true},
		{"pick", false, true},
		{"grab", false, true},
		{protocol.CmdStop, false, false},
		{"dance", false, false},
	}
	for _, tt := range tests {
		cmd := newCmd("cmd-ct", tt.typ, nil)
		if got := (Mover{}).CanTranslate(cmd); got != tt.mover {
			t.Errorf("Mover.CanTranslate(%q) = %v, want %v", tt.typ, got, tt.mover)
		}
		if got := (Grasper{}).CanTranslate(cmd); got != tt.grasper {
			t.Errorf("Grasper.CanTranslate(%q) = %v, want %v", tt.typ, got, tt.grasper)
		}
	}
}

func TestSpeakerChunksLongText(t *testing.T) {
	sp := NewSpeaker(20)
	long := strings.Repeat("很长的一句话。", 10)
	cmd := newCmd("cmd-s1", protocol.CmdSpeak, map[string]any{"text": long, "voice": "female"})

	actions := sp.Translate(cmd)
	if len(actions) < 2 {
		t.Fatalf("actions = %d, want several chunks", len(actions))
	}
	var rebuilt strings.Builder
	for i, a := range actions {
		if a.Name != "say" || a.Seq != i || a.CommandID != "cmd-s1" {
			t.Fatalf("action[%d] = %+v, want say seq %d for cmd-s1", i, a, i)
		}
		text, _ := a.Parameters["text"].(string)
		if text == "" {
			t.Fatalf("action[%d] has empty text", i)
		}
		if a.Parameters["voice"] != "female" {
			t.Errorf("action[%d] lost the voice parameter", i)
		}
		rebuilt.WriteString(text)
	}
	if rebuilt.String() != long {
		t.Error("chunks do not reassemble the original text")
	}
}

func TestSpeakerShortAndEmptyText(t *testing.T) {
	sp := NewSpeaker(0)
	actions := sp.Translate(newCmd("cmd-s2", protocol.CmdSpeak, map[string]any{"text": "hello"}))
	if len(actions) != 1 || actions[0].Parameters["text"] != "hello" {
		t.Fatalf("short text actions = %+v, want a single say", actions)
	}
	if got := sp.Translate(newCmd("cmd-s3", protocol.CmdSpeak, nil)); len(got) != 0 {
		t.Fatalf("empty text translated to %d actions, want 0", len(got))
	}
}

func TestDriverTranslate(t *testing.T) {
	cmd := newCmd("cmd-d1", protocol.CmdForward, map[string]any{
		"speed":    "fast",
		"duration": 3.0,
		"junk":     1,
	})
	actions := Driver{}.Translate(cmd)
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	a := actions[0]
	if a.Name != protocol.CmdForward || a.Seq != 0 || a.CommandID != "cmd-d1" {
		t.Fatalf("action = %+v, want forward seq 0 for cmd-d1", a)
	}
	if got := a.Parameters["speed"]; got != 1.5 {
		t.Errorf("speed = %v, want 1.5", got)
	}
	if got := a.Parameters["duration"]; got != 3.0 {
		t.Errorf("duration = %v, want 3.0", got)
	}
	if _, ok := a.Parameters["junk"]; ok {
		t.Error("unknown parameter leaked into the action")
	}
}

func TestVocabularyFullyTranslatable(t *testing.T) {
	b := New(nil, Config{})
	for _, typ := range protocol.KnownCommandTypes {
		cmd := newCmd("cmd-v", typ, map[string]any{"text": "x"})
		if b.findTranslator(cmd) == nil {
			t.Errorf("no translator for %q", typ)
		}
	}
	if b.findTranslator(newCmd("cmd-v", "teleport", nil)) != nil {
		t.Error("unknown command type found a translator")
	}
}
