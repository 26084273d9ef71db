package behavior

import "testing"

func TestParseReplyDirectJSON(t *testing.T) {
	chat, cmds := ParseReply(`{"chat_response":"好的","ros2_commands":[{"command_type":"navigate","parameters":{"target":"kitchen"}}]}`)
	if chat != "好的" {
		t.Fatalf("chat = %q, want 好的", chat)
	}
	if len(cmds) != 1 || cmds[0].CommandType != "navigate" {
		t.Fatalf("commands = %+v, want one navigate", cmds)
	}
	if cmds[0].Parameters["target"] != "kitchen" {
		t.Fatalf("target = %v, want kitchen", cmds[0].Parameters["target"])
	}
}

func TestParseReplyFencedBlock(t *testing.T) {
	raw := "Sure, here is the plan:\n```json\n{\"chat_response\":\"ok\",\"ros2_commands\":[]}\n```\nDone."
	chat, cmds := ParseReply(raw)
	if chat != "ok" {
		t.Fatalf("chat = %q, want ok", chat)
	}
	if len(cmds) != 0 {
		t.Fatalf("commands = %+v, want none", cmds)
	}
}

func TestParseReplyEmbeddedObject(t *testing.T) {
	raw := `I'll handle it. {"chat_response":"moving","ros2_commands":[{"command_type":"forward","parameters":{"duration":3}}]} anything else?`
	chat, cmds := ParseReply(raw)
	if chat != "moving" {
		t.Fatalf("chat = %q, want moving", chat)
	}
	if len(cmds) != 1 || cmds[0].CommandType != "forward" {
		t.Fatalf("commands = %+v, want one forward", cmds)
	}
	if cmds[0].Parameters["duration"] != float64(3) {
		t.Fatalf("duration = %v, want 3", cmds[0].Parameters["duration"])
	}
}

func TestParseReplyPlainTextPassesThrough(t *testing.T) {
	raw := "今天天气很好，适合散步。"
	chat, cmds := ParseReply(raw)
	if chat != raw {
		t.Fatalf("chat = %q, want the raw reply", chat)
	}
	if len(cmds) != 0 {
		t.Fatalf("commands = %+v, want none", cmds)
	}
}

func TestParseReplyIgnoresUnrelatedJSON(t *testing.T) {
	raw := `{"foo": 1}`
	chat, cmds := ParseReply(raw)
	if chat != raw || len(cmds) != 0 {
		t.Fatalf("chat = %q cmds = %+v, want raw passthrough", chat, cmds)
	}
}

func TestParseReplyBraceInsideString(t *testing.T) {
	raw := `note {"chat_response":"brace } inside","ros2_commands":[]} end`
	chat, _ := ParseReply(raw)
	if chat != "brace } inside" {
		t.Fatalf("chat = %q, want the string with the brace", chat)
	}
}
