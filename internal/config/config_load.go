package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// DefaultAgentID is the agent used when none is configured.
const DefaultAgentID = "robot"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		StateDir:  "~/.OpenRoboBrain",
		Workspace: "~/OpenRoboBrain",
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		BrainPipeline: PipelineConfig{
			MessageBusType: "memory",
			MaxQueueSize:   256,
			MessageTimeout: 30,
		},
		Agent: AgentConfig{
			ID:                  DefaultAgentID,
			MaxConcurrentAgents: 8,
			AgentTimeout:        300,
			HealthCheckInterval: 30,
			MaxIterations:       10,
			MaxToolCallsPerTurn: 8,
			QueueMode:           "collect",
			MaxHistoryMessages:  50,
			BootstrapMaxChars:   20000,
			ResultHistory:       10,
		},
		Sessions: SessionsConfig{
			Reset: ResetConfig{
				Policy:      "daily",
				AtHour:      4,
				IdleMinutes: 30,
				Triggers:    StringList{"/reset", "/new"},
			},
			PruneMaxAgeDays: 30,
			PruneMaxCount:   500,
		},
		Compaction: CompactionConfig{
			ContextWindow:         32768,
			ReserveTokensFloor:    1024,
			SoftThresholdTokens:   2048,
			ToolResultMaxAgeTurns: 3,
			ToolResultMaxChars:    2000,
			CompactionRatio:       0.5,
			SummaryMaxTokens:      1024,
		},
		Memory: MemoryConfig{
			TopK:                  5,
			ActivationWindow:      20,
			BoostBase:             0.1,
			BoostScale:            0.5,
			EmbeddingDim:          256,
			WeightRecency:         1.0,
			WeightImportance:      1.5,
			WeightRelevance:       2.0,
			WeightFrequency:       0.3,
			WeightContextAffinity: 1.0,
		},
		Tools: ToolsConfig{
			Profile:               "robot_basic",
			DefaultTimeoutSeconds: 30,
			ParallelLimit:         4,
			Shell: ShellConfig{
				Mode:           "deny",
				TimeoutSeconds: 60,
			},
		},
		Behavior: BehaviorConfig{
			ConfidenceThreshold: 0.5,
			FallbackConfidence:  0.1,
			Mode:                "auto",
		},
		Subagents: SubagentsConfig{
			MaxConcurrent:       8,
			MaxChildrenPerAgent: 5,
			Cleanup:             "keep",
			ArchiveAfterMinutes: 60,
		},
		Bridge: BridgeConfig{
			RatePerSecond:      20,
			Burst:              40,
			WaitTimeoutSeconds: 30,
		},
		Broadcast: BroadcastConfig{
			Host:                "0.0.0.0",
			Port:                8765,
			MaxClients:          32,
			WriteTimeoutSeconds: 5,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "orb-brain",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("ORB_STATE_DIR", &c.StateDir)
	envStr("ORB_WORKSPACE", &c.Workspace)

	// Provider selection and secrets. ORB_API_KEY wins over OPENAI_API_KEY.
	envStr("ORB_PROVIDER", &c.LLM.Provider)
	envStr("ORB_MODEL", &c.LLM.Model)
	envStr("ORB_BASE_URL", &c.LLM.BaseURL)
	envStr("OPENAI_API_KEY", &c.LLM.APIKey)
	envStr("ORB_API_KEY", &c.LLM.APIKey)

	envStr("ORB_DATABASE_URL", &c.Data.DatabaseURL)
	envStr("ORB_AGENT_ID", &c.Agent.ID)
	envStr("ORB_QUEUE_MODE", &c.Agent.QueueMode)
	envStr("ORB_SESSIONS_STORAGE", &c.Sessions.Storage)

	// Bridge and broadcaster
	envStr("ORB_BRIDGE_URL", &c.Bridge.ControllerURL)
	if v := os.Getenv("ORB_BRIDGE_MOCK"); v != "" {
		mock := v == "true" || v == "1"
		c.Bridge.Mock = &mock
	}
	envStr("ORB_BROADCAST_HOST", &c.Broadcast.Host)
	if v := os.Getenv("ORB_BROADCAST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Broadcast.Port = port
		}
	}

	// Telemetry
	envBool("ORB_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("ORB_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ORB_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ORB_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("ORB_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// normalize clamps invalid enum values and ranges back to safe defaults
// so a bad config never wedges the loop.
func (c *Config) normalize() {
	switch c.Agent.QueueMode {
	case "collect", "steer", "followup":
	default:
		c.Agent.QueueMode = "collect"
	}
	switch c.Sessions.Reset.Policy {
	case "daily", "idle", "manual", "never":
	default:
		c.Sessions.Reset.Policy = "daily"
	}
	if c.Sessions.Reset.AtHour < 0 || c.Sessions.Reset.AtHour > 23 {
		c.Sessions.Reset.AtHour = 4
	}
	if c.Agent.MaxIterations < 1 {
		c.Agent.MaxIterations = 1
	}
	if c.Compaction.CompactionRatio <= 0 || c.Compaction.CompactionRatio >= 1 {
		c.Compaction.CompactionRatio = 0.5
	}
	if c.Compaction.ContextWindow < 1 {
		c.Compaction.ContextWindow = 32768
	}
	switch c.Behavior.Mode {
	case "auto", "rule", "llm":
	default:
		c.Behavior.Mode = "auto"
	}
	switch c.Tools.Shell.Mode {
	case "deny", "allowlist", "full":
	default:
		c.Tools.Shell.Mode = "deny"
	}
	switch c.Subagents.Cleanup {
	case "keep", "delete":
	default:
		c.Subagents.Cleanup = "keep"
	}
}

// BridgeMock reports whether the bridge should run against the in-process
// mock controller. Defaults to true until a controller URL is configured.
func (c *Config) BridgeMock() bool {
	if c.Bridge.Mock != nil {
		return *c.Bridge.Mock
	}
	return c.Bridge.ControllerURL == ""
}

// Save writes the config to a JSON file. Secrets are never persisted;
// the api_key field is excluded from serialization.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// PolicyFor returns the effective tool policy source for an agent id.
// A per-agent entry fully replaces the global allow/deny lists.
func (c *Config) PolicyFor(agentID string) (profile string, allow, deny []string) {
	if p, ok := c.Tools.PerAgent[agentID]; ok {
		prof := p.Profile
		if prof == "" {
			prof = c.Tools.Profile
		}
		return prof, p.Allow, p.Deny
	}
	return c.Tools.Profile, c.Tools.Allow, c.Tools.Deny
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
