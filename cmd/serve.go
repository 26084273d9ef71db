package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openrobobrain/orb/internal/bootstrap"
	"github.com/openrobobrain/orb/internal/bus"
	"github.com/openrobobrain/orb/internal/config"
	"github.com/openrobobrain/orb/internal/runtime"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the brain daemon: broadcaster, heartbeat, session upkeep",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// First run: persist the defaults so the robot boots headless.
	// Rule-only operation needs no API key; `orb onboard` upgrades the
	// setup interactively later.
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		if err := config.Save(cfgPath, cfg); err != nil {
			slog.Warn("could not write default config", "path", cfgPath, "error", err)
		} else {
			slog.Info("wrote default config", "path", cfgPath)
		}
	}

	// Seed workspace templates; inject them unless the config names its
	// own set.
	seeded, seedErr := bootstrap.EnsureWorkspaceFiles(cfg.WorkspacePath())
	if seedErr != nil {
		slog.Warn("workspace template seeding failed", "error", seedErr)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace templates", "files", seeded)
	}
	if len(cfg.Agent.BootstrapFiles) == 0 {
		cfg.Agent.BootstrapFiles = bootstrap.TemplateNames()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := runtime.New(ctx, cfg,
		runtime.WithVersion(Version),
		runtime.WithEventHandler(logRunEvents),
	)
	if err != nil {
		slog.Error("brain assembly failed", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	if err := core.ConnectBridge(ctx); err != nil {
		slog.Warn("controller bridge unavailable, continuing without it", "error", err)
	}

	if err := core.Broadcaster.Bind(); err != nil {
		slog.Error("broadcaster bind failed", "error", err)
		os.Exit(1)
	}

	slog.Info("orb serving",
		"version", Version,
		"agent", core.AgentID(),
		"broadcast", core.Broadcaster.Addr(),
		"config", cfgPath,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Broadcaster.Serve(gctx) })
	g.Go(func() error { heartbeatLoop(gctx, core); return nil })
	g.Go(func() error { sessionUpkeep(gctx, core); return nil })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("serve error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// heartbeatLoop publishes a liveness snapshot on each tick: a heartbeat
// event on the daemon's own stream and a system_status frame to
// broadcast subscribers.
func heartbeatLoop(ctx context.Context, core *runtime.Core) {
	interval := time.Duration(core.Config().Agent.HealthCheckInterval * float64(time.Second))
	if interval <= 0 {
		interval = 30 * time.Second
	}

	hb := bus.NewStream("serve", "")
	defer hb.Close()
	hb.Subscribe(logRunEvents)

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := statusSnapshot(core, start)
			hb.Emit(bus.EventHeartbeat, st, nil)
			core.Broadcaster.BroadcastStatus(st)
		}
	}
}

// statusSnapshot collects the counters from every stats surface.
func statusSnapshot(core *runtime.Core, start time.Time) map[string]any {
	mem := core.Memories.Stats()
	cast := core.Broadcaster.Stats()
	return map[string]any{
		"agent_id":       core.AgentID(),
		"uptime_seconds": int64(time.Since(start).Seconds()),
		"active_runs":    core.Loop.ActiveRuns(),
		"sessions":       len(core.Sessions.List()),
		"memories":       mem.Count,
		"subscribers":    cast.Clients,
		"broadcast_seq":  cast.Seq,
		"messages_sent":  cast.TotalMessages,
		"bridge_pending": core.Bridge.Pending(),
		"actions_sent":   core.Bridge.ActionsSent(),
		"policy_denied":  core.Policy.Denied(),
		"spawns_running": len(core.Spawner.RunningTasks()),
	}
}

// sessionUpkeep archives expired sessions and prunes old ones: shortly
// after each daily reset boundary, or hourly under other policies.
func sessionUpkeep(ctx context.Context, core *runtime.Core) {
	cfg := core.Config()
	expr := fmt.Sprintf("0 %d * * *", cfg.Sessions.Reset.AtHour)
	for {
		wait := time.Hour
		if cfg.Sessions.Reset.Policy == "daily" {
			next, err := gronx.NextTickAfter(expr, time.Now(), false)
			if err != nil {
				slog.Warn("upkeep schedule invalid, falling back to hourly",
					"expr", expr, "error", err)
			} else {
				// a minute past the boundary, so swept sessions are
				// strictly before it
				wait = time.Until(next) + time.Minute
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		swept := core.Sessions.SweepExpired()
		pruned := core.Sessions.PruneOldSessions(cfg.Sessions.PruneMaxAgeDays, cfg.Sessions.PruneMaxCount)
		if swept > 0 || pruned > 0 {
			slog.Info("session upkeep", "swept", swept, "pruned", pruned)
		}
	}
}

// logRunEvents mirrors run and daemon activity into the debug log.
func logRunEvents(ev bus.StreamEvent) {
	switch ev.Type {
	case bus.EventLifecycleStart:
		slog.Debug("run started", "run_id", ev.RunID, "session_id", ev.SessionID)
	case bus.EventLifecycleEnd:
		slog.Debug("run finished", "run_id", ev.RunID, "status", ev.Data["status"])
	case bus.EventToolStart:
		slog.Debug("tool call", "run_id", ev.RunID, "tool", ev.Data["tool_name"])
	case bus.EventToolEnd:
		slog.Debug("tool done", "run_id", ev.RunID,
			"tool", ev.Data["tool_name"], "status", ev.Data["status"],
			"duration_ms", ev.Data["duration_ms"])
	case bus.EventHeartbeat:
		slog.Debug("heartbeat",
			"active_runs", ev.Data["active_runs"],
			"subscribers", ev.Data["subscribers"],
			"sessions", ev.Data["sessions"])
	}
}
