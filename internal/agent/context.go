package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/openrobobrain/orb/internal/compaction"
	"github.com/openrobobrain/orb/internal/memory"
	"github.com/openrobobrain/orb/internal/providers"
	"github.com/openrobobrain/orb/internal/sessions"
	"github.com/openrobobrain/orb/internal/tools"
)

const defaultSystemPrompt = `You are the brain of a mobile home robot. You converse naturally, ` +
	`remember what matters, and act in the physical world through your registered tools. ` +
	`Prefer short, direct replies. When the user asks for a physical action, use the robot ` +
	`tools rather than describing the action in prose.`

// ContextConfig tunes context assembly for one agent.
type ContextConfig struct {
	SystemPrompt       string
	MaxHistoryMessages int
	IncludeToolResults bool
	MaxContextTokens   int
	ReserveTokens      int
	InjectBootstrap    bool
	InjectMemory       bool
	MemoryDays         int
	MemoryLimit        int
	BootstrapFiles     []string
	BootstrapMaxChars  int
	Workspace          string
}

// AgentContext is the assembled inference input for one iteration.
type AgentContext struct {
	Messages      []providers.Message
	SystemPrompt  string
	ToolSchemas   []map[string]any
	TokenEstimate int
	Compacted     bool
}

// BuildInput carries the per-iteration state the builder folds into the
// context. ToolCalls and ToolResults are the calls already executed this
// run, aligned by call id.
type BuildInput struct {
	History     []sessions.Message
	UserInput   string
	ToolCalls   []providers.ToolCall
	ToolResults []tools.ToolResult
	ToolSchemas []map[string]any
}

// ContextBuilder assembles the message list sent to the provider.
// Bootstrap files are cached and invalidated through an fsnotify watch
// on the workspace, so edits land in the next turn without restarts.
type ContextBuilder struct {
	cfg      ContextConfig
	memories *memory.Stream
	cache    *bootstrapCache
	now      func() time.Time
	logger   *slog.Logger
}

// NewContextBuilder fills defaults and, when bootstrap injection is on,
// starts the workspace file cache. memories may be nil.
func NewContextBuilder(cfg ContextConfig, memories *memory.Stream) *ContextBuilder {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 50
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 32768
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = 1024
	}
	if cfg.MemoryDays <= 0 {
		cfg.MemoryDays = 7
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 10
	}
	if cfg.BootstrapMaxChars <= 0 {
		cfg.BootstrapMaxChars = 8000
	}

	logger := slog.Default().With("component", "context")
	b := &ContextBuilder{
		cfg:      cfg,
		memories: memories,
		now:      time.Now,
		logger:   logger,
	}
	if cfg.InjectBootstrap && len(cfg.BootstrapFiles) > 0 && cfg.Workspace != "" {
		b.cache = newBootstrapCache(cfg.Workspace, cfg.BootstrapMaxChars, logger)
	}
	return b
}

// Close stops the bootstrap file watcher.
func (b *ContextBuilder) Close() {
	if b.cache != nil {
		b.cache.close()
	}
}

// Build assembles the context for one inference call.
func (b *ContextBuilder) Build(in BuildInput) (*AgentContext, error) {
	prompt := b.systemPrompt()
	msgs := make([]providers.Message, 0, len(in.History)+4)
	msgs = append(msgs, providers.Message{Role: "system", Content: prompt})
	msgs = append(msgs, b.historyMessages(in.History)...)

	if len(in.ToolResults) > 0 {
		msgs = append(msgs, b.toolExchange(in.ToolCalls, in.ToolResults)...)
	}
	if in.UserInput != "" {
		msgs = append(msgs, providers.Message{Role: "user", Content: in.UserInput})
	}

	actx := &AgentContext{
		Messages:     msgs,
		SystemPrompt: prompt,
		ToolSchemas:  in.ToolSchemas,
	}
	actx.TokenEstimate = estimateProviderMessages(msgs)

	if limit := b.cfg.MaxContextTokens - b.cfg.ReserveTokens; actx.TokenEstimate > limit {
		actx.Messages = halveContext(actx.Messages)
		actx.TokenEstimate = estimateProviderMessages(actx.Messages)
		actx.Compacted = true
		b.logger.Info("context halved to fit window",
			"estimate", actx.TokenEstimate, "limit", limit, "messages", len(actx.Messages))
	}
	return actx, nil
}

// historyMessages converts the transcript tail into provider messages,
// skipping system lines and, unless configured on, tool lines.
func (b *ContextBuilder) historyMessages(history []sessions.Message) []providers.Message {
	kept := make([]sessions.Message, 0, len(history))
	for _, m := range history {
		if m.Role == sessions.RoleSystem {
			continue
		}
		if m.Role == sessions.RoleTool && !b.cfg.IncludeToolResults {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > b.cfg.MaxHistoryMessages {
		kept = kept[len(kept)-b.cfg.MaxHistoryMessages:]
	}
	// A truncated tail can open with tool replies whose calling
	// assistant message was cut off. Strict providers reject those.
	for len(kept) > 0 && kept[0].Role == sessions.RoleTool {
		kept = kept[1:]
	}

	out := make([]providers.Message, 0, len(kept))
	for _, m := range kept {
		pm := providers.Message{Role: string(m.Role), Content: m.Content}
		if m.Role == sessions.RoleTool {
			pm.ToolCallID = m.ToolCallID
			pm.Name = m.ToolName
		}
		out = append(out, pm)
	}
	return out
}

// toolExchange renders this run's executed calls as one assistant
// message carrying the calls followed by one tool message per result.
func (b *ContextBuilder) toolExchange(calls []providers.ToolCall, results []tools.ToolResult) []providers.Message {
	byID := make(map[string]providers.ToolCall, len(calls))
	for _, c := range calls {
		byID[c.ID] = c
	}
	paired := make([]providers.ToolCall, 0, len(results))
	for _, r := range results {
		if c, ok := byID[r.CallID]; ok {
			paired = append(paired, c)
		} else {
			paired = append(paired, providers.ToolCall{ID: r.CallID, Name: r.ToolName})
		}
	}

	out := make([]providers.Message, 0, len(results)+1)
	out = append(out, providers.Message{Role: "assistant", ToolCalls: paired})
	for i := range results {
		r := &results[i]
		out = append(out, providers.Message{
			Role:       "tool",
			Content:    r.Text(),
			ToolCallID: r.CallID,
			Name:       r.ToolName,
		})
	}
	return out
}

func (b *ContextBuilder) systemPrompt() string {
	parts := []string{b.cfg.SystemPrompt}

	if b.cfg.InjectBootstrap {
		for _, name := range b.cfg.BootstrapFiles {
			content, ok := b.loadBootstrap(name)
			if !ok {
				parts = append(parts, "### "+name+"\n[missing]")
				continue
			}
			parts = append(parts, "### "+name+"\n"+content)
		}
	}
	if b.cfg.InjectMemory && b.memories != nil {
		if block := b.memoryBlock(); block != "" {
			parts = append(parts, block)
		}
	}

	now := b.now()
	zone, _ := now.Zone()
	parts = append(parts, fmt.Sprintf("Current time: %s (%s)", now.Format("2006-01-02 15:04:05"), zone))
	return strings.Join(parts, "\n\n")
}

func (b *ContextBuilder) loadBootstrap(name string) (string, bool) {
	if b.cache != nil {
		return b.cache.load(name)
	}
	return readClipped(filepath.Join(b.cfg.Workspace, name), b.cfg.BootstrapMaxChars)
}

// memoryBlock lists the most recent memories from the configured window,
// newest first.
func (b *ContextBuilder) memoryBlock() string {
	cutoff := b.now().AddDate(0, 0, -b.cfg.MemoryDays)
	recent := make([]memory.Memory, 0, b.cfg.MemoryLimit)
	for _, m := range b.memories.All() {
		if m.CreatedAt.After(cutoff) {
			recent = append(recent, m)
		}
	}
	if len(recent) == 0 {
		return ""
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].CreatedAt.After(recent[j].CreatedAt) })
	if len(recent) > b.cfg.MemoryLimit {
		recent = recent[:b.cfg.MemoryLimit]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Recent memories (last %d days)\n", b.cfg.MemoryDays)
	for _, m := range recent {
		fmt.Fprintf(&sb, "- [%s] %s\n", m.Type, m.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// halveContext keeps the system message plus the most recent half of
// everything else, dropping tool replies orphaned by the cut.
func halveContext(msgs []providers.Message) []providers.Message {
	if len(msgs) <= 2 {
		return msgs
	}
	rest := msgs[1:]
	keep := rest[len(rest)/2:]
	for len(keep) > 0 && keep[0].Role == "tool" {
		keep = keep[1:]
	}
	out := make([]providers.Message, 0, len(keep)+1)
	out = append(out, msgs[0])
	return append(out, keep...)
}

// estimateProviderMessages mirrors the transcript estimator: content
// tokens plus tool-call payloads plus a fixed per-message overhead.
func estimateProviderMessages(msgs []providers.Message) int {
	total := 0
	for i := range msgs {
		total += compaction.EstimateTokens(msgs[i].Content)
		for _, tc := range msgs[i].ToolCalls {
			total += compaction.EstimateTokens(tc.Name)
			if len(tc.Arguments) > 0 {
				if raw, err := json.Marshal(tc.Arguments); err == nil {
					total += compaction.EstimateTokens(string(raw))
				}
			}
		}
		total += 4
	}
	return total
}

type cachedFile struct {
	content string
	ok      bool
}

// bootstrapCache caches workspace bootstrap files and invalidates
// entries on filesystem events. If the watch cannot be established the
// cache degrades to direct reads.
type bootstrapCache struct {
	dir      string
	maxChars int
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]cachedFile
	watcher *fsnotify.Watcher
}

func newBootstrapCache(dir string, maxChars int, logger *slog.Logger) *bootstrapCache {
	c := &bootstrapCache{
		dir:      dir,
		maxChars: maxChars,
		logger:   logger,
		entries:  make(map[string]cachedFile),
	}
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(dir)
	}
	if err != nil {
		logger.Warn("bootstrap watch unavailable, reading files per turn", "dir", dir, "error", err)
		if watcher != nil {
			watcher.Close()
		}
		return c
	}
	c.watcher = watcher
	go c.watch()
	return c
}

func (c *bootstrapCache) watch() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			c.mu.Lock()
			delete(c.entries, name)
			c.mu.Unlock()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("bootstrap watch error", "error", err)
		}
	}
}

func (c *bootstrapCache) load(name string) (string, bool) {
	if c.watcher == nil {
		return readClipped(filepath.Join(c.dir, name), c.maxChars)
	}
	c.mu.Lock()
	entry, hit := c.entries[name]
	c.mu.Unlock()
	if hit {
		return entry.content, entry.ok
	}

	content, ok := readClipped(filepath.Join(c.dir, name), c.maxChars)
	c.mu.Lock()
	c.entries[name] = cachedFile{content: content, ok: ok}
	c.mu.Unlock()
	return content, ok
}

func (c *bootstrapCache) close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func readClipped(path string, maxChars int) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return clipRunes(string(data), maxChars), true
}

func clipRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "\n[truncated]"
}
