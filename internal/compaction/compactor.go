package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openrobobrain/orb/internal/sessions"
)

const (
	// ruleLineMaxRunes caps each message line in the rule-based summary.
	ruleLineMaxRunes = 200

	// maxCompactRounds bounds repeated compaction inside one auto pass.
	// Each round shrinks the transcript, so this only trips when the
	// summary itself cannot fit under the threshold.
	maxCompactRounds = 8
)

const summarySystemPrompt = `You are a conversation summarizer. Produce a concise bullet-point summary of the conversation covering:
- key facts and information established
- decisions made
- pending tasks and open questions
- user preferences observed
Write the summary in the language the conversation is held in. Stay within the requested length.`

// Config tunes when and how a transcript is shrunk. Zero values are
// replaced with defaults by NewCompactor.
type Config struct {
	ContextWindow         int
	ReserveTokensFloor    int
	SoftThresholdTokens   int
	PruneOldToolResults   bool
	ToolResultMaxAgeTurns int
	ToolResultMaxChars    int
	// CompactionRatio is the fraction of recent messages kept verbatim.
	CompactionRatio  float64
	SummaryMaxTokens int
	CharsPerToken    float64
}

// SummaryRequest carries everything a Summarizer needs for one call.
type SummaryRequest struct {
	SystemPrompt string
	Transcript   string
	MaxTokens    int
}

// Summarizer produces a conversation summary, typically by calling the
// configured LLM provider. A nil Summarizer selects the rule-based
// fallback unconditionally.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// StoreOps is the slice of the session store the compactor persists
// through.
type StoreOps interface {
	GetMessages(id string) ([]sessions.Message, error)
	CompactSession(id string, newMessages []sessions.Message) error
}

// Compactor shrinks transcripts that approach the context window.
type Compactor struct {
	cfg        Config
	summarizer Summarizer
	logger     *slog.Logger
}

// NewCompactor fills config defaults and returns a ready compactor.
// summarizer may be nil.
func NewCompactor(cfg Config, summarizer Summarizer) *Compactor {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 32768
	}
	if cfg.ReserveTokensFloor <= 0 {
		cfg.ReserveTokensFloor = 1024
	}
	if cfg.SoftThresholdTokens <= 0 {
		cfg.SoftThresholdTokens = 2048
	}
	if cfg.ToolResultMaxAgeTurns <= 0 {
		cfg.ToolResultMaxAgeTurns = 3
	}
	if cfg.ToolResultMaxChars <= 0 {
		cfg.ToolResultMaxChars = 2000
	}
	if cfg.CompactionRatio <= 0 || cfg.CompactionRatio >= 1 {
		cfg.CompactionRatio = 0.5
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 1024
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = latinCharsPerToken
	}
	return &Compactor{
		cfg:        cfg,
		summarizer: summarizer,
		logger:     slog.Default().With("component", "compaction"),
	}
}

// ShouldCompact reports whether the estimate leaves less room than the
// reply reserve.
func (c *Compactor) ShouldCompact(tokens int) bool {
	return tokens >= c.cfg.ContextWindow-c.cfg.ReserveTokensFloor
}

// ShouldMemoryFlush reports whether the estimate crossed the soft
// threshold below the compaction point. Callers use it to flush durable
// memories before the transcript is summarized away.
func (c *Compactor) ShouldMemoryFlush(tokens int) bool {
	return tokens >= c.cfg.ContextWindow-c.cfg.ReserveTokensFloor-c.cfg.SoftThresholdTokens
}

// PruneToolResults truncates oversized tool output that is older than
// the configured number of user turns. Messages are never removed and
// tool output inside the recency window is never touched. Returns the
// (possibly copied) transcript and the number of truncated messages.
func (c *Compactor) PruneToolResults(msgs []sessions.Message) ([]sessions.Message, int) {
	if !c.cfg.PruneOldToolResults || len(msgs) == 0 {
		return msgs, 0
	}
	out := make([]sessions.Message, len(msgs))
	copy(out, msgs)

	pruned := 0
	turns := 0 // user messages seen after index i
	for i := len(out) - 1; i >= 0; i-- {
		switch out[i].Role {
		case sessions.RoleUser:
			turns++
		case sessions.RoleTool:
			if turns <= c.cfg.ToolResultMaxAgeTurns {
				continue
			}
			orig := len([]rune(out[i].Content))
			if orig <= c.cfg.ToolResultMaxChars {
				continue
			}
			out[i].Content = truncateRunes(out[i].Content, c.cfg.ToolResultMaxChars) +
				fmt.Sprintf("\n... (truncated, original %d chars)", orig)
			pruned++
		}
	}
	if pruned == 0 {
		return msgs, 0
	}
	return out, pruned
}

// Compact replaces the older part of the transcript with a single
// system summary message and returns the new transcript. The retained
// tail keeps its order. The split never separates an assistant
// tool-call message from its tool results.
func (c *Compactor) Compact(ctx context.Context, msgs []sessions.Message) []sessions.Message {
	if len(msgs) == 0 {
		return msgs
	}

	split := int(math.Floor(float64(len(msgs)) * (1 - c.cfg.CompactionRatio)))
	if split < 1 {
		split = 1
	}
	for split < len(msgs) && msgs[split].Role == sessions.RoleTool {
		split++
	}

	summary := c.summarize(ctx, msgs[:split])
	now := time.Now()
	head := sessions.Message{
		ID:        uuid.NewString(),
		Role:      sessions.RoleSystem,
		Content:   fmt.Sprintf("[对话摘要 — compressed at %s]\n\n%s", now.Format("2006-01-02 15:04:05"), summary),
		Timestamp: now,
		Metadata:  map[string]any{"is_compaction_summary": true},
	}

	out := make([]sessions.Message, 0, len(msgs)-split+1)
	out = append(out, head)
	out = append(out, msgs[split:]...)
	return out
}

// summarize asks the Summarizer for an LLM summary and degrades to the
// rule-based one on failure.
func (c *Compactor) summarize(ctx context.Context, msgs []sessions.Message) string {
	if c.summarizer != nil {
		text, err := c.summarizer.Summarize(ctx, SummaryRequest{
			SystemPrompt: summarySystemPrompt,
			Transcript:   formatTranscript(msgs),
			MaxTokens:    c.cfg.SummaryMaxTokens,
		})
		if err == nil && strings.TrimSpace(text) != "" {
			return c.capSummary(strings.TrimSpace(text))
		}
		if err != nil {
			c.logger.Warn("llm summary failed, using rule summary", "error", err)
		}
	}
	return c.capSummary(ruleSummary(msgs))
}

func (c *Compactor) capSummary(summary string) string {
	maxRunes := int(float64(c.cfg.SummaryMaxTokens) * c.cfg.CharsPerToken)
	if maxRunes <= 0 {
		return summary
	}
	return truncateRunes(summary, maxRunes)
}

// ruleSummary concatenates the last five user and last three assistant
// messages in original order under a 对话摘要 header.
func ruleSummary(msgs []sessions.Message) string {
	var users, assistants []int
	for i := range msgs {
		switch msgs[i].Role {
		case sessions.RoleUser:
			users = append(users, i)
		case sessions.RoleAssistant:
			assistants = append(assistants, i)
		}
	}
	if len(users) > 5 {
		users = users[len(users)-5:]
	}
	if len(assistants) > 3 {
		assistants = assistants[len(assistants)-3:]
	}
	picked := append(append([]int{}, users...), assistants...)
	sort.Ints(picked)

	lines := make([]string, 0, len(picked)+1)
	lines = append(lines, "## 对话摘要")
	for _, i := range picked {
		lines = append(lines, string(msgs[i].Role)+": "+truncateRunes(msgs[i].Content, ruleLineMaxRunes))
	}
	return strings.Join(lines, "\n")
}

func formatTranscript(msgs []sessions.Message) string {
	var b strings.Builder
	for i := range msgs {
		if msgs[i].Content == "" {
			continue
		}
		b.WriteString(string(msgs[i].Role))
		b.WriteString(": ")
		b.WriteString(msgs[i].Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// AutoCompactResult reports what one AutoCompactIfNeeded pass did.
type AutoCompactResult struct {
	Compacted    bool
	PrunedTools  int
	Rounds       int
	TokensBefore int
	TokensAfter  int
	Messages     int
}

// AutoCompactIfNeeded checks the session against the context window and
// shrinks it when needed: prune first; if pruning alone gets under the
// threshold, persist just the pruning; otherwise compact (repeatedly,
// bounded) and persist the result in a single store call. Persistence
// failures propagate so the store can restore from its backup.
func (c *Compactor) AutoCompactIfNeeded(ctx context.Context, store StoreOps, sessionID string) (AutoCompactResult, error) {
	var res AutoCompactResult

	msgs, err := store.GetMessages(sessionID)
	if err != nil {
		return res, fmt.Errorf("load transcript: %w", err)
	}
	res.TokensBefore = EstimateMessages(msgs)
	res.TokensAfter = res.TokensBefore
	res.Messages = len(msgs)
	if !c.ShouldCompact(res.TokensBefore) {
		return res, nil
	}

	cur, prunedCount := c.PruneToolResults(msgs)
	res.PrunedTools = prunedCount
	est := EstimateMessages(cur)

	if c.ShouldCompact(est) {
		for i := 0; i < maxCompactRounds && len(cur) >= 2; i++ {
			cur = c.Compact(ctx, cur)
			res.Rounds++
			est = EstimateMessages(cur)
			if !c.ShouldCompact(est) {
				break
			}
		}
		res.Compacted = true
	}

	if err := store.CompactSession(sessionID, cur); err != nil {
		return res, fmt.Errorf("persist compacted transcript: %w", err)
	}
	res.TokensAfter = est
	res.Messages = len(cur)
	c.logger.Info("session compacted",
		"session_id", sessionID,
		"pruned_tools", res.PrunedTools,
		"rounds", res.Rounds,
		"tokens_before", res.TokensBefore,
		"tokens_after", res.TokensAfter,
		"messages", res.Messages)
	return res, nil
}
