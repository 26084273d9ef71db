package behavior

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openrobobrain/orb/internal/agent"
)

// ErrNoProvider is returned when llm mode is forced but no runner is
// configured.
var ErrNoProvider = errors.New("behavior: llm mode forced but no provider configured")

// Runner runs one utterance through the agent loop.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// FallbackConfig tunes the catch-all behavior. Zero values take the
// defaults (confidence 0.1, mode auto).
type FallbackConfig struct {
	Confidence float64
	Mode       string // auto | rule | llm
}

// Fallback is the catch-all behavior: it always bids a small non-zero
// confidence, drives the agent loop when a provider is available, and
// answers from the rule tables otherwise.
type Fallback struct {
	runner Runner
	cfg    FallbackConfig
	logger *slog.Logger
}

// NewFallback builds the fallback. runner may be nil for rule-only
// deployments.
func NewFallback(runner Runner, cfg FallbackConfig) *Fallback {
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.1
	}
	if cfg.Mode == "" {
		cfg.Mode = "auto"
	}
	return &Fallback{
		runner: runner,
		cfg:    cfg,
		logger: slog.Default().With("component", "behavior.fallback"),
	}
}

func (f *Fallback) Info() Info {
	return Info{
		Name:        "llm_fallback",
		Description: "general conversation and command planning through the agent loop",
		Tags:        []string{"fallback"},
	}
}

// CanHandle always bids a small non-zero confidence so the fallback
// catches whatever nothing else claims.
func (f *Fallback) CanHandle(string) float64 { return f.cfg.Confidence }

func (f *Fallback) Execute(ctx context.Context, req Request) (*Result, error) {
	useLLM := f.runner != nil
	switch f.cfg.Mode {
	case "rule":
		useLLM = false
	case "llm":
		if f.runner == nil {
			return nil, ErrNoProvider
		}
		useLLM = true
	}
	if !useLLM {
		return f.ruleReply(req.Utterance), nil
	}

	res, err := f.runner.Run(ctx, agent.RunRequest{
		SessionID:  req.SessionID,
		SessionKey: req.SessionKey,
		AgentID:    req.AgentID,
		UserInput:  req.Utterance,
		Model:      req.Model,
		Stream:     req.Stream,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("fallback run: %w", err)
	}
	if res.Status != agent.StatusSuccess {
		if res.Error != "" {
			return nil, fmt.Errorf("fallback run %s: %s", res.Status, res.Error)
		}
		return nil, fmt.Errorf("fallback run finished with status %s", res.Status)
	}

	chat, commands := ParseReply(res.Response)
	if chat == res.Response && len(commands) == 0 {
		f.logger.Debug("reply is not command JSON, passing through",
			"run_id", res.RunID, "chars", len(chat))
	}
	return &Result{
		ChatResponse: chat,
		Commands:     commands,
		Mode:         ModeLLM,
	}, nil
}

// ruleReply answers from the keyword tables, with a generic reply when
// nothing matches.
func (f *Fallback) ruleReply(utterance string) *Result {
	if r, ok := MatchRules(utterance); ok {
		return r
	}
	zh := containsCJK(utterance)
	return &Result{
		ChatResponse: pick(zh,
			"抱歉，我还听不懂这句话，可以换个说法吗？",
			"Sorry, I didn't catch that. Could you rephrase?"),
		Mode: ModeRule,
	}
}
