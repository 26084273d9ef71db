// Package compaction keeps session transcripts inside a model's context
// window. It prunes stale tool output first and falls back to replacing
// the older part of the conversation with a single summary message.
package compaction

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/openrobobrain/orb/internal/sessions"
)

// Chars-per-token averages. CJK ideographs carry far more information
// per character than Latin script, so they cost more tokens per rune.
const (
	cjkCharsPerToken   = 1.5
	latinCharsPerToken = 4.0
	perMessageOverhead = 4
)

func isCJK(r rune) bool { return r >= 0x4E00 && r <= 0x9FFF }

// EstimateTokens gives a deterministic token estimate for text. The
// estimate mixes the CJK and non-CJK chars-per-token averages by the
// share of CJK ideographs in the text. Non-empty text is never zero.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	total, cjk := 0, 0
	for _, r := range text {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	ratio := float64(cjk) / float64(total)
	avg := ratio*cjkCharsPerToken + (1-ratio)*latinCharsPerToken
	est := int(math.Round(float64(total) / avg))
	if est < 1 {
		est = 1
	}
	return est
}

// EstimateMessages estimates the token footprint of a transcript: content
// tokens plus a fixed per-message overhead, plus any raw tool_result
// payload a tool message carries.
func EstimateMessages(msgs []sessions.Message) int {
	total := 0
	for i := range msgs {
		total += EstimateTokens(msgs[i].Content)
		if msgs[i].ToolResult != nil {
			total += EstimateTokens(toolResultText(msgs[i].ToolResult))
		}
		total += perMessageOverhead
	}
	return total
}

func toolResultText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
