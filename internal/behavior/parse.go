package behavior

import (
	"encoding/json"
	"strings"
)

// parsedReply is the JSON shape the fallback prompt asks the model to
// produce.
type parsedReply struct {
	ChatResponse string         `json:"chat_response"`
	Commands     []CommandDraft `json:"ros2_commands"`
}

// ParseReply extracts {chat_response, ros2_commands} from an assistant
// reply. It tries the whole reply as JSON, then a fenced code block,
// then the first balanced object; when all fail the raw reply becomes
// the chat response with no commands.
func ParseReply(raw string) (string, []CommandDraft) {
	trimmed := strings.TrimSpace(raw)

	if p, ok := tryParse(trimmed); ok {
		return p.ChatResponse, p.Commands
	}
	if block, ok := fencedBlock(trimmed); ok {
		if p, ok := tryParse(block); ok {
			return p.ChatResponse, p.Commands
		}
	}
	if obj, ok := firstObject(trimmed); ok {
		if p, ok := tryParse(obj); ok {
			return p.ChatResponse, p.Commands
		}
	}
	return raw, nil
}

// tryParse accepts only objects that carry at least one of the two
// expected keys; unrelated JSON falls through to the raw-reply path.
func tryParse(s string) (parsedReply, bool) {
	if !strings.HasPrefix(s, "{") {
		return parsedReply{}, false
	}
	var p parsedReply
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return parsedReply{}, false
	}
	if p.ChatResponse == "" && len(p.Commands) == 0 {
		return parsedReply{}, false
	}
	return p, true
}

// fencedBlock returns the contents of the first ``` fence, preferring
// a ```json fence when present.
func fencedBlock(s string) (string, bool) {
	const fence = "```"
	start := -1
	if i := strings.Index(s, fence+"json"); i >= 0 {
		start = i + len(fence) + len("json")
	} else if i := strings.Index(s, fence); i >= 0 {
		start = i + len(fence)
	}
	if start < 0 || start >= len(s) {
		return "", false
	}
	rest := s[start:]
	end := strings.Index(rest, fence)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// firstObject scans for the first brace-balanced object, respecting
// string literals and escapes.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
