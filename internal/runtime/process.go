package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/openrobobrain/orb/internal/behavior"
	"github.com/openrobobrain/orb/internal/memory"
	"github.com/openrobobrain/orb/internal/sessions"
	"github.com/openrobobrain/orb/internal/tracing"
	"github.com/openrobobrain/orb/pkg/protocol"
)

// ErrEmptyUtterance rejects process calls with nothing to say.
var ErrEmptyUtterance = errors.New("empty utterance")

// ProcessResult is the outcome of one utterance through the brain. It
// is always non-nil: failures carry an error kind and an apology
// instead of aborting.
type ProcessResult struct {
	Success         bool               `json:"success"`
	ChatResponse    string             `json:"chat_response"`
	ROS2Commands    []protocol.Command `json:"ros2_commands"`
	BehaviorName    string             `json:"behavior_name,omitempty"`
	Mode            string             `json:"mode,omitempty"`
	Error           string             `json:"error,omitempty"`
	TraceID         string             `json:"trace_id"`
	ExecutionTimeMS int64              `json:"execution_time_ms"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// ProcessOption adjusts one Process call.
type ProcessOption func(*processOptions)

type processOptions struct {
	sessionKey string
	metadata   map[string]any
	stream     bool
}

// WithSessionKey targets a session other than the agent's main one.
func WithSessionKey(key string) ProcessOption {
	return func(o *processOptions) { o.sessionKey = key }
}

// WithMetadata attaches caller metadata to the behavior request.
func WithMetadata(md map[string]any) ProcessOption {
	return func(o *processOptions) { o.metadata = md }
}

// WithStream asks the run to emit assistant delta events as tokens
// arrive. Consumers subscribe via WithEventHandler at assembly.
func WithStream() ProcessOption {
	return func(o *processOptions) { o.stream = true }
}

// Process runs one utterance through the full pipeline: session
// check/reset, behavior matching, execution, command dispatch,
// persistence, and an observation memory. Every failure is folded into
// the result.
func (c *Core) Process(ctx context.Context, userInput string, opts ...ProcessOption) *ProcessResult {
	start := time.Now()
	var o processOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, traceID := tracing.EnsureTraceID(ctx)
	ctx, span := tracing.StartSpan(ctx, "brain.process")
	defer span.End()

	if t := seconds(c.cfg.Agent.AgentTimeout); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	fail := func(err error) *ProcessResult {
		c.logger.Error("process failed",
			"trace_id", traceID.String(), "kind", string(Classify(err)), "error", err)
		return &ProcessResult{
			Success:         false,
			ChatResponse:    apology(userInput),
			ROS2Commands:    []protocol.Command{},
			Error:           Describe(err),
			TraceID:         traceID.String(),
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	}

	if strings.TrimSpace(userInput) == "" {
		return fail(ErrEmptyUtterance)
	}

	key := o.sessionKey
	if key == "" {
		key = sessions.BuildMainKey(c.cfg.Agent.ID)
	}
	sess, err := c.Sessions.CheckAndResetSession(key, userInput)
	if err != nil {
		return fail(fmt.Errorf("session check: %w", err))
	}
	ctx = tracing.WithSessionID(ctx, sess.ID)

	// A bare reset trigger already did its work above; confirm without
	// waking the matcher.
	if c.isResetTrigger(userInput) {
		return &ProcessResult{
			Success:         true,
			ChatResponse:    pickLang(userInput, "好的，新会话已开始。", "Okay, starting a fresh session."),
			ROS2Commands:    []protocol.Command{},
			Mode:            behavior.ModeRule,
			TraceID:         traceID.String(),
			ExecutionTimeMS: time.Since(start).Milliseconds(),
			Metadata:        map[string]any{"session_id": sess.ID, "session_reset": true},
		}
	}

	matched, confidence := c.Matcher.Match(userInput)
	if matched == nil {
		return fail(fmt.Errorf("no behavior matched %q", userInput))
	}
	info := matched.Info()

	res, err := matched.Execute(ctx, behavior.Request{
		Utterance:  userInput,
		SessionID:  sess.ID,
		SessionKey: sess.Key,
		AgentID:    c.cfg.Agent.ID,
		Model:      c.cfg.LLM.Model,
		Stream:     o.stream,
		TraceID:    traceID.String(),
		Metadata:   o.metadata,
	})
	if err != nil {
		return fail(fmt.Errorf("behavior %s: %w", info.Name, err))
	}

	mode := res.Mode
	if mode == "" {
		mode = behavior.ModeRule
	}

	commands := c.dispatchCommands(ctx, info.Name, res.Commands)

	// The loop persists LLM turns itself; rule replies are persisted
	// here so the transcript stays complete and idle resets see the
	// activity.
	if mode != behavior.ModeLLM {
		c.persistRuleExchange(sess.ID, userInput, res.ChatResponse, mode, info.Name)
	}

	c.recordExchange(ctx, userInput, res.ChatResponse)

	return &ProcessResult{
		Success:         true,
		ChatResponse:    res.ChatResponse,
		ROS2Commands:    commands,
		BehaviorName:    info.Name,
		Mode:            mode,
		TraceID:         traceID.String(),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Metadata: map[string]any{
			"session_id": sess.ID,
			"confidence": confidence,
		},
	}
}

// dispatchCommands stamps identity onto the behavior's drafts, hands
// them to the bridge, and fans them out to broadcast subscribers.
// Dispatch failures are logged, not fatal: the reply already exists and
// downstream consumers still see the command.
func (c *Core) dispatchCommands(ctx context.Context, behaviorName string, drafts []behavior.CommandDraft) []protocol.Command {
	commands := make([]protocol.Command, 0, len(drafts))
	for _, draft := range drafts {
		cmd := c.NewCommand(ctx, draft.CommandType, draft.Parameters)
		if cmd.Metadata == nil {
			cmd.Metadata = map[string]any{}
		}
		cmd.Metadata["behavior"] = behaviorName

		if _, err := c.Bridge.SendCommand(ctx, cmd, false, 0); err != nil {
			c.logger.Warn("bridge dispatch failed",
				"command_type", cmd.CommandType, "command_id", cmd.CommandID, "error", err)
		}
		c.Broadcaster.BroadcastCommand(cmd)
		commands = append(commands, *cmd)
	}
	return commands
}

func (c *Core) persistRuleExchange(sessionID, userInput, reply, mode, behaviorName string) {
	now := time.Now().UTC()
	err := c.Sessions.AppendMessages(sessionID, []sessions.Message{
		{
			ID:        uuid.NewString(),
			Role:      sessions.RoleUser,
			Content:   userInput,
			Timestamp: now,
		},
		{
			ID:        uuid.NewString(),
			Role:      sessions.RoleAssistant,
			Content:   reply,
			Timestamp: now,
			Metadata:  map[string]any{"mode": mode, "behavior": behaviorName},
		},
	})
	if err != nil {
		c.logger.Warn("rule exchange not persisted", "session_id", sessionID, "error", err)
	}
}

// recordExchange files the turn as a low-importance observation memory.
// Failures only warn: remembering is best-effort.
func (c *Core) recordExchange(ctx context.Context, userInput, reply string) {
	description := fmt.Sprintf("User said %q; I replied %q.",
		clipRunes(userInput, 120), clipRunes(reply, 120))
	var embedding []float32
	if emb, err := c.Embedder.Embed(ctx, description); err == nil {
		embedding = emb
	}
	_, err := c.Memories.Add(memory.Memory{
		Description: description,
		Type:        memory.TypeObservation,
		Importance:  3,
		Tags:        []string{"conversation"},
		Embedding:   embedding,
	})
	if err != nil {
		c.logger.Warn("observation memory not recorded", "error", err)
	}
}

// isResetTrigger mirrors the store's prefix matching so the
// confirmation reply fires exactly when the store recycled the session.
func (c *Core) isResetTrigger(input string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if trimmed == "" {
		return false
	}
	for _, t := range c.cfg.Sessions.Reset.Triggers {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && strings.HasPrefix(trimmed, t) {
			return true
		}
	}
	return false
}

// apology picks a user-facing failure reply in the utterance's
// language.
func apology(userInput string) string {
	return pickLang(userInput,
		"抱歉，我这边出了点问题，请稍后再试。",
		"Sorry, something went wrong on my side. Please try again.")
}

func pickLang(sample, han, latin string) string {
	for _, r := range sample {
		if unicode.Is(unicode.Han, r) {
			return han
		}
	}
	return latin
}

func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
