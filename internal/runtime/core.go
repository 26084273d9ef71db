// Package runtime assembles the brain: it wires the session store,
// memory stream, tool surface, agent loop, sub-agent spawner, bridge,
// and broadcaster from one Config, and exposes process() — the single
// entry point that turns an utterance into a reply and robot commands.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrobobrain/orb/internal/agent"
	"github.com/openrobobrain/orb/internal/behavior"
	"github.com/openrobobrain/orb/internal/bridge"
	"github.com/openrobobrain/orb/internal/broadcast"
	"github.com/openrobobrain/orb/internal/bus"
	"github.com/openrobobrain/orb/internal/compaction"
	"github.com/openrobobrain/orb/internal/config"
	"github.com/openrobobrain/orb/internal/memory"
	"github.com/openrobobrain/orb/internal/providers"
	"github.com/openrobobrain/orb/internal/sessions"
	"github.com/openrobobrain/orb/internal/subagent"
	"github.com/openrobobrain/orb/internal/tools"
	"github.com/openrobobrain/orb/internal/tracing"
)

// Core owns every long-lived component of one brain instance.
type Core struct {
	cfg *config.Config

	Sessions    *sessions.Store
	Memories    *memory.Stream
	Ranker      *memory.Ranker
	Embedder    memory.Embedder
	Registry    *tools.Registry
	Policy      *tools.Policy
	Executor    *tools.Executor
	Compactor   *compaction.Compactor
	Provider    providers.Provider
	Builder     *agent.ContextBuilder
	Loop        *agent.Loop
	Spawner     *subagent.Spawner
	Bridge      *bridge.Bridge
	Broadcaster *broadcast.Broadcaster
	Matcher     *behavior.Matcher

	logger *slog.Logger

	spawnMu      sync.Mutex
	spawnParents map[string]string // spawn id -> parent session id

	shutdownTracing func(context.Context) error
}

// Option adjusts Core assembly.
type Option func(*coreOptions)

type coreOptions struct {
	provider providers.Provider
	onEvent  bus.EventHandler
	version  string
}

// WithProvider replaces the config-selected inference provider. Tests
// pass a scripted provider here.
func WithProvider(p providers.Provider) Option {
	return func(o *coreOptions) { o.provider = p }
}

// WithEventHandler subscribes fn to every run's event stream.
func WithEventHandler(fn bus.EventHandler) Option {
	return func(o *coreOptions) { o.onEvent = fn }
}

// WithVersion stamps the build version onto outward surfaces (the
// broadcaster's welcome frame).
func WithVersion(v string) Option {
	return func(o *coreOptions) { o.version = v }
}

// New assembles a Core from the config. cfg may be nil for defaults.
// The returned Core is ready for Process calls; network surfaces
// (controller bridge, broadcaster) are started separately.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o coreOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := slog.Default().With("component", "runtime")

	shutdown, err := tracing.Init(ctx, tracing.Options{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Warn("telemetry init failed, continuing without export", "error", err)
		shutdown = func(context.Context) error { return nil }
	}

	store, err := sessions.NewStore(cfg.SessionsDir(), sessions.ResetPolicy{
		Policy:      cfg.Sessions.Reset.Policy,
		AtHour:      cfg.Sessions.Reset.AtHour,
		IdleMinutes: cfg.Sessions.Reset.IdleMinutes,
		Triggers:    cfg.Sessions.Reset.Triggers,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: session store: %w", err)
	}

	streamCfg := memory.StreamConfig{
		ActivationWindow: cfg.Memory.ActivationWindow,
		BoostBase:        cfg.Memory.BoostBase,
		BoostScale:       cfg.Memory.BoostScale,
	}
	if config.BoolOr(cfg.Memory.Journal, true) {
		streamCfg.Dir = cfg.MemoryDir()
	}
	memories, err := memory.NewStream(streamCfg)
	if err != nil {
		return nil, fmt.Errorf("runtime: memory stream: %w", err)
	}

	embedder := memory.NewHashEmbedder(cfg.Memory.EmbeddingDim)
	ranker := memory.NewRanker(memory.Weights{
		Recency:         cfg.Memory.WeightRecency,
		Importance:      cfg.Memory.WeightImportance,
		Relevance:       cfg.Memory.WeightRelevance,
		Frequency:       cfg.Memory.WeightFrequency,
		ContextAffinity: cfg.Memory.WeightContextAffinity,
	}, embedder)

	registry := tools.NewRegistry()
	mustRegister := func(t tools.Tool) {
		if err := registry.Register(t); err != nil {
			logger.Warn("tool registration failed", "tool", t.Name, "error", err)
		}
	}
	mustRegister(tools.MemoryWriteTool(memories, embedder))
	mustRegister(tools.MemorySearchTool(memories, ranker, cfg.Memory.TopK))
	mustRegister(tools.MemoryGetTool(memories))
	for _, t := range tools.NewFSTools(cfg.WorkspacePath(), true).Tools() {
		mustRegister(t)
	}
	if cfg.Tools.Shell.Enabled {
		sh := tools.NewShellTool(tools.ShellOptions{
			Mode:            tools.ShellMode(cfg.Tools.Shell.Mode),
			Allowlist:       cfg.Tools.Shell.Allowlist,
			DenyPatterns:    cfg.Tools.Shell.DenyPatterns,
			Timeout:         seconds(cfg.Tools.Shell.TimeoutSeconds),
			WorkingDir:      cfg.WorkspacePath(),
			SensitiveDirs:   cfg.Tools.Shell.SensitiveDirs,
			AllowBackground: cfg.Tools.Shell.AllowBackground,
		})
		mustRegister(sh.Tool())
		if cfg.Tools.Shell.AllowBackground {
			mustRegister(sh.JobsTool())
		}
	}

	policy := tools.NewPolicy(registry)
	policy.SetGlobal(cfg.Tools.Profile, cfg.Tools.Allow, cfg.Tools.Deny)
	for agentID, rule := range cfg.Tools.PerAgent {
		policy.SetAgentRule(agentID, tools.AgentRule{
			Profile: rule.Profile,
			Allow:   rule.Allow,
			Deny:    rule.Deny,
		})
	}

	executor := tools.NewExecutor(registry, policy, tools.ExecutorConfig{
		Enforce:        config.BoolOr(cfg.Tools.EnforcePolicy, true),
		DefaultTimeout: seconds(cfg.Tools.DefaultTimeoutSeconds),
		ParallelLimit:  cfg.Tools.ParallelLimit,
	})

	provider := o.provider
	if provider == nil {
		provider = buildProvider(cfg, logger)
	}

	var summarizer compaction.Summarizer
	if provider != nil {
		summarizer = &providerSummarizer{provider: provider, model: cfg.LLM.Model}
	}
	compactor := compaction.NewCompactor(compaction.Config{
		ContextWindow:         cfg.Compaction.ContextWindow,
		ReserveTokensFloor:    cfg.Compaction.ReserveTokensFloor,
		SoftThresholdTokens:   cfg.Compaction.SoftThresholdTokens,
		PruneOldToolResults:   config.BoolOr(cfg.Compaction.PruneOldToolResults, true),
		ToolResultMaxAgeTurns: cfg.Compaction.ToolResultMaxAgeTurns,
		ToolResultMaxChars:    cfg.Compaction.ToolResultMaxChars,
		CompactionRatio:       cfg.Compaction.CompactionRatio,
		SummaryMaxTokens:      cfg.Compaction.SummaryMaxTokens,
	}, summarizer)

	builder := agent.NewContextBuilder(agent.ContextConfig{
		SystemPrompt:       cfg.Agent.SystemPrompt,
		MaxHistoryMessages: cfg.Agent.MaxHistoryMessages,
		IncludeToolResults: true,
		MaxContextTokens:   cfg.Compaction.ContextWindow,
		ReserveTokens:      cfg.Compaction.ReserveTokensFloor,
		InjectBootstrap:    config.BoolOr(cfg.Agent.InjectBootstrap, true),
		InjectMemory:       config.BoolOr(cfg.Agent.InjectMemory, true),
		BootstrapFiles:     cfg.Agent.BootstrapFiles,
		BootstrapMaxChars:  cfg.Agent.BootstrapMaxChars,
		Workspace:          cfg.WorkspacePath(),
	}, memories)

	loop := agent.NewLoop(agent.LoopConfig{
		AgentID:             cfg.Agent.ID,
		Model:               cfg.LLM.Model,
		MaxIterations:       cfg.Agent.MaxIterations,
		MaxToolCallsPerTurn: cfg.Agent.MaxToolCallsPerTurn,
		Timeout:             seconds(cfg.Agent.AgentTimeout),
		QueueMode:           agent.ParseQueueMode(cfg.Agent.QueueMode),
		ResultHistory:       cfg.Agent.ResultHistory,
		Sessions:            store,
		Builder:             builder,
		Compactor:           compactor,
		Provider:            provider,
		Executor:            executor,
		Registry:            registry,
		OnEvent:             o.onEvent,
	})

	spawner := subagent.NewSpawner(loop, store, subagent.Config{
		MaxConcurrent:  cfg.Subagents.MaxConcurrent,
		MaxPerParent:   cfg.Subagents.MaxChildrenPerAgent,
		ArchiveAfter:   time.Duration(cfg.Subagents.ArchiveAfterMinutes) * time.Minute,
		DefaultCleanup: cfg.Subagents.Cleanup,
		DefaultModel:   cfg.Subagents.Model,
	})

	br := bridge.New(nil, bridge.Config{
		Mock:          cfg.BridgeMock(),
		RatePerSecond: cfg.Bridge.RatePerSecond,
		Burst:         cfg.Bridge.Burst,
		WaitTimeout:   seconds(cfg.Bridge.WaitTimeoutSeconds),
	})

	caster := broadcast.New(broadcast.Config{
		Host:         cfg.Broadcast.Host,
		Port:         cfg.Broadcast.Port,
		MaxClients:   cfg.Broadcast.MaxClients,
		WriteTimeout: seconds(cfg.Broadcast.WriteTimeoutSeconds),
		ServerID:     cfg.Agent.ID,
		Version:      o.version,
	})

	var runner behavior.Runner
	if provider != nil {
		runner = loop
	}
	fallback := behavior.NewFallback(runner, behavior.FallbackConfig{
		Confidence: cfg.Behavior.FallbackConfidence,
		Mode:       cfg.Behavior.Mode,
	})
	matcher := behavior.NewMatcher(cfg.Behavior.ConfidenceThreshold, fallback)

	c := &Core{
		cfg:             cfg,
		Sessions:        store,
		Memories:        memories,
		Ranker:          ranker,
		Embedder:        embedder,
		Registry:        registry,
		Policy:          policy,
		Executor:        executor,
		Compactor:       compactor,
		Provider:        provider,
		Builder:         builder,
		Loop:            loop,
		Spawner:         spawner,
		Bridge:          br,
		Broadcaster:     caster,
		Matcher:         matcher,
		logger:          logger,
		spawnParents:    make(map[string]string),
		shutdownTracing: shutdown,
	}

	spawner.RegisterAnnounce(c.handleAnnounce)
	c.registerRobotTools()
	c.registerSessionTools()

	logger.Info("brain assembled",
		"agent", cfg.Agent.ID,
		"provider", providerName(provider),
		"tools", len(registry.Names()),
		"bridge_mock", cfg.BridgeMock(),
		"sessions", len(store.List()),
		"memories", memories.Stats().Count)
	return c, nil
}

// Config returns the config the Core was assembled from.
func (c *Core) Config() *config.Config { return c.cfg }

// AgentID returns the primary agent id.
func (c *Core) AgentID() string { return c.cfg.Agent.ID }

// RegisterBehavior adds a domain behavior ahead of the fallback.
func (c *Core) RegisterBehavior(b behavior.Behavior) {
	c.Matcher.Register(b)
}

// ConnectBridge dials the motion controller when one is configured.
// In mock mode it is a no-op.
func (c *Core) ConnectBridge(ctx context.Context) error {
	if c.cfg.BridgeMock() || c.cfg.Bridge.ControllerURL == "" {
		return nil
	}
	return c.Bridge.ConnectWS(ctx, c.cfg.Bridge.ControllerURL)
}

// Close stops background work: running spawns, the bootstrap watcher,
// the controller transport, and the telemetry exporter.
func (c *Core) Close() error {
	c.Spawner.Close()
	c.Builder.Close()
	err := c.Bridge.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := c.shutdownTracing(sctx); terr != nil && err == nil {
		err = terr
	}
	return err
}

// buildProvider constructs the inference provider the config names.
// Empty provider, or a hosted provider with no API key, selects
// rule-only operation (nil provider).
func buildProvider(cfg *config.Config, logger *slog.Logger) providers.Provider {
	switch cfg.LLM.Provider {
	case "", "none", "rule":
		return nil
	case "scripted":
		return providers.NewScripted()
	default:
		if cfg.LLM.APIKey == "" {
			logger.Warn("no API key set, running rule-only",
				"provider", cfg.LLM.Provider, "hint", "set ORB_API_KEY")
			return nil
		}
		return providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
	}
}

func providerName(p providers.Provider) string {
	if p == nil {
		return "rule-only"
	}
	return p.Name()
}

// providerSummarizer lets the compactor summarize through the chat
// provider.
type providerSummarizer struct {
	provider providers.Provider
	model    string
}

func (p *providerSummarizer) Summarize(ctx context.Context, req compaction.SummaryRequest) (string, error) {
	resp, err := providers.Collect(ctx, p.provider, providers.Request{
		Model: p.model,
		Messages: []providers.Message{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.Transcript},
		},
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// rememberSpawn records which parent session should receive a spawn's
// announce.
func (c *Core) rememberSpawn(spawnID, parentSessionID string) {
	if spawnID == "" || parentSessionID == "" {
		return
	}
	c.spawnMu.Lock()
	c.spawnParents[spawnID] = parentSessionID
	c.spawnMu.Unlock()
}

func (c *Core) takeSpawnParent(spawnID string) string {
	c.spawnMu.Lock()
	defer c.spawnMu.Unlock()
	parent := c.spawnParents[spawnID]
	delete(c.spawnParents, spawnID)
	return parent
}

// handleAnnounce lands a finished spawn's result in the parent
// transcript as a system message, so the next turn sees it.
func (c *Core) handleAnnounce(msg subagent.AnnounceMessage) {
	parent := c.takeSpawnParent(msg.SpawnID)
	if parent == "" {
		c.logger.Debug("announce with no parent recorded", "spawn_id", msg.SpawnID)
		return
	}
	content := fmt.Sprintf("[subagent %s] %s", msg.Status, msg.Summary)
	if msg.Error != "" {
		content += ": " + msg.Error
	}
	err := c.Sessions.AppendMessage(parent, sessions.Message{
		ID:        uuid.NewString(),
		Role:      sessions.RoleSystem,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"announce":     true,
			"spawn_id":     msg.SpawnID,
			"spawn_status": string(msg.Status),
		},
	})
	if err != nil {
		c.logger.Warn("announce delivery failed",
			"spawn_id", msg.SpawnID, "parent_session", parent, "error", err)
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
