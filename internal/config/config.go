package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// StringList accepts both "str" and ["str", 123] in JSON, so config
// authors can write `"triggers": "/reset"` as well as a full array.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*s = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*s = result
	return nil
}

// Config is the root configuration for the brain runtime.
type Config struct {
	StateDir  string `json:"state_dir,omitempty"`
	Workspace string `json:"workspace,omitempty"`

	LLM           LLMConfig        `json:"llm"`
	Data          DataConfig       `json:"data,omitempty"`
	BrainPipeline PipelineConfig   `json:"brain_pipeline,omitempty"`
	Agent         AgentConfig      `json:"agent"`
	Sessions      SessionsConfig   `json:"sessions"`
	Compaction    CompactionConfig `json:"compaction"`
	Memory        MemoryConfig     `json:"memory"`
	Tools         ToolsConfig      `json:"tools"`
	Behavior      BehaviorConfig   `json:"behavior"`
	Subagents     SubagentsConfig  `json:"subagents"`
	Bridge        BridgeConfig     `json:"bridge"`
	Broadcast     BroadcastConfig  `json:"broadcast"`
	Telemetry     TelemetryConfig  `json:"telemetry,omitempty"`
}

// LLMConfig selects the inference provider.
// APIKey is NEVER read from config files (secret) — only from env ORB_API_KEY.
type LLMConfig struct {
	Provider    string  `json:"provider,omitempty"` // "openai", "scripted", "" = rule-only
	Model       string  `json:"model,omitempty"`
	APIKey      string  `json:"-"`
	BaseURL     string  `json:"base_url,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// DataConfig is accepted for compatibility with the wider deployment's
// config file. The core persists to append-only text files; database_url
// is surfaced by `orb doctor` and otherwise unused here.
type DataConfig struct {
	DatabaseURL string `json:"database_url,omitempty"`
}

// PipelineConfig tunes the internal event stream.
type PipelineConfig struct {
	MessageBusType string  `json:"message_bus_type,omitempty"` // only "memory" is in-core
	MaxQueueSize   int     `json:"max_queue_size,omitempty"`
	MessageTimeout float64 `json:"message_timeout,omitempty"` // seconds
}

// AgentConfig governs the agent loop.
type AgentConfig struct {
	ID                  string     `json:"id,omitempty"`
	SystemPrompt        string     `json:"system_prompt,omitempty"`
	MaxConcurrentAgents int        `json:"max_concurrent_agents,omitempty"`
	AgentTimeout        float64    `json:"agent_timeout,omitempty"`         // seconds, per-run hard deadline
	HealthCheckInterval float64    `json:"health_check_interval,omitempty"` // seconds, serve heartbeat
	MaxIterations       int        `json:"max_iterations,omitempty"`
	MaxToolCallsPerTurn int        `json:"max_tool_calls_per_turn,omitempty"`
	QueueMode           string     `json:"queue_mode,omitempty"` // collect | steer | followup
	MaxHistoryMessages  int        `json:"max_history_messages,omitempty"`
	InjectBootstrap     *bool      `json:"inject_bootstrap,omitempty"`
	InjectMemory        *bool      `json:"inject_memory,omitempty"`
	BootstrapFiles      StringList `json:"bootstrap_files,omitempty"`
	BootstrapMaxChars   int        `json:"bootstrap_max_chars,omitempty"`
	ResultHistory       int        `json:"result_history,omitempty"` // recent run results kept per session
}

// ResetConfig selects when a session transcript is recycled.
type ResetConfig struct {
	Policy      string     `json:"policy,omitempty"` // daily | idle | manual | never
	AtHour      int        `json:"at_hour,omitempty"`
	IdleMinutes int        `json:"idle_minutes,omitempty"`
	Triggers    StringList `json:"triggers,omitempty"`
}

// SessionsConfig governs the session store.
type SessionsConfig struct {
	Storage         string      `json:"storage,omitempty"` // default <state_dir>/sessions
	Reset           ResetConfig `json:"reset,omitempty"`
	PruneMaxAgeDays int         `json:"prune_max_age_days,omitempty"`
	PruneMaxCount   int         `json:"prune_max_count,omitempty"`
}

// CompactionConfig tunes transcript pruning and summarization.
type CompactionConfig struct {
	ContextWindow         int     `json:"context_window,omitempty"`
	ReserveTokensFloor    int     `json:"reserve_tokens_floor,omitempty"`
	SoftThresholdTokens   int     `json:"soft_threshold_tokens,omitempty"`
	PruneOldToolResults   *bool   `json:"prune_old_tool_results,omitempty"`
	ToolResultMaxAgeTurns int     `json:"tool_result_max_age_turns,omitempty"`
	ToolResultMaxChars    int     `json:"tool_result_max_chars,omitempty"`
	CompactionRatio       float64 `json:"compaction_ratio,omitempty"`
	SummaryMaxTokens      int     `json:"summary_max_tokens,omitempty"`
}

// MemoryConfig tunes the memory stream and its retrieval ranker.
type MemoryConfig struct {
	TopK             int     `json:"top_k,omitempty"`
	ActivationWindow int     `json:"activation_window,omitempty"`
	BoostBase        float64 `json:"boost_base,omitempty"`
	BoostScale       float64 `json:"boost_scale,omitempty"`
	EmbeddingDim     int     `json:"embedding_dim,omitempty"`
	Journal          *bool   `json:"journal,omitempty"`

	WeightRecency         float64 `json:"weight_recency,omitempty"`
	WeightImportance      float64 `json:"weight_importance,omitempty"`
	WeightRelevance       float64 `json:"weight_relevance,omitempty"`
	WeightFrequency       float64 `json:"weight_frequency,omitempty"`
	WeightContextAffinity float64 `json:"weight_context_affinity,omitempty"`
}

// ShellConfig governs the optional shell tool.
type ShellConfig struct {
	Enabled         bool       `json:"enabled,omitempty"`
	Mode            string     `json:"mode,omitempty"` // deny | allowlist | full
	Allowlist       StringList `json:"allowlist,omitempty"`
	DenyPatterns    StringList `json:"deny_patterns,omitempty"`
	TimeoutSeconds  float64    `json:"timeout_seconds,omitempty"`
	AllowBackground bool       `json:"allow_background,omitempty"`
	SensitiveDirs   StringList `json:"sensitive_dirs,omitempty"`
}

// ToolsConfig governs the registry, policy, and executor.
type ToolsConfig struct {
	EnforcePolicy         *bool                  `json:"enforce_policy,omitempty"`
	Profile               string                 `json:"profile,omitempty"`
	Allow                 StringList             `json:"allow,omitempty"`
	Deny                  StringList             `json:"deny,omitempty"`
	PerAgent              map[string]AgentPolicy `json:"per_agent,omitempty"`
	DefaultTimeoutSeconds float64                `json:"default_timeout_seconds,omitempty"`
	ParallelLimit         int                    `json:"parallel_limit,omitempty"`
	Shell                 ShellConfig            `json:"shell,omitempty"`
}

// AgentPolicy fully overrides the global allow/deny for one agent id.
type AgentPolicy struct {
	Profile string     `json:"profile,omitempty"`
	Allow   StringList `json:"allow,omitempty"`
	Deny    StringList `json:"deny,omitempty"`
}

// BehaviorConfig tunes intent matching.
type BehaviorConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	FallbackConfidence  float64 `json:"fallback_confidence,omitempty"`
	Mode                string  `json:"mode,omitempty"` // auto | rule | llm
}

// SubagentsConfig governs spawned background tasks.
type SubagentsConfig struct {
	MaxConcurrent       int    `json:"max_concurrent,omitempty"`
	MaxChildrenPerAgent int    `json:"max_children_per_agent,omitempty"`
	Cleanup             string `json:"cleanup,omitempty"` // keep | delete
	ArchiveAfterMinutes int    `json:"archive_after_minutes,omitempty"`
	Model               string `json:"model,omitempty"`
}

// BridgeConfig governs the brain–cerebellum bridge.
type BridgeConfig struct {
	Mock               *bool   `json:"mock,omitempty"` // default true until a controller URL is set
	ControllerURL      string  `json:"controller_url,omitempty"`
	RatePerSecond      float64 `json:"rate_per_second,omitempty"`
	Burst              int     `json:"burst,omitempty"`
	WaitTimeoutSeconds float64 `json:"wait_timeout_seconds,omitempty"`
}

// BroadcastConfig governs the downstream command broadcaster.
type BroadcastConfig struct {
	Host                string  `json:"host,omitempty"`
	Port                int     `json:"port,omitempty"`
	MaxClients          int     `json:"max_clients,omitempty"`
	WriteTimeoutSeconds float64 `json:"write_timeout_seconds,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces.
// When enabled, spans are exported to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// StateDirPath returns the expanded state directory.
func (c *Config) StateDirPath() string { return ExpandHome(c.StateDir) }

// WorkspacePath returns the expanded agent workspace root.
func (c *Config) WorkspacePath() string { return ExpandHome(c.Workspace) }

// SessionsDir returns the transcript directory, honoring an explicit
// sessions.storage override.
func (c *Config) SessionsDir() string {
	if c.Sessions.Storage != "" {
		return ExpandHome(c.Sessions.Storage)
	}
	return filepath.Join(c.StateDirPath(), "sessions")
}

// MemoryDir returns the memory journal directory.
func (c *Config) MemoryDir() string {
	return filepath.Join(c.StateDirPath(), "memory")
}

// BoolOr dereferences an optional bool with a default.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
