package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openrobobrain/orb/internal/sessions"
	"github.com/openrobobrain/orb/internal/subagent"
	"github.com/openrobobrain/orb/internal/tools"
	"github.com/openrobobrain/orb/internal/tracing"
	"github.com/openrobobrain/orb/pkg/protocol"
)

// registerRobotTools wires the robot group: commands to the bridge and
// broadcaster, the emergency stop, and the status snapshot.
func (c *Core) registerRobotTools() {
	reg := func(t tools.Tool) {
		if err := c.Registry.Register(t); err != nil {
			c.logger.Warn("tool registration failed", "tool", t.Name, "error", err)
		}
	}

	reg(tools.Tool{
		Name: "robot_command",
		Description: "Send one semantic command to the motion controller " +
			"(navigate, move, forward, turn_left, grasp, stop, ...)",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command_type": map[string]any{
					"type":        "string",
					"description": "Command verb, e.g. navigate, forward, turn_left, grasp, stop",
				},
				"parameters": map[string]any{
					"type":        "object",
					"description": "Opaque command parameters: target, duration, speed, direction, vx/vy/wz",
				},
				"priority": map[string]any{
					"type":        "string",
					"description": "EMERGENCY, HIGH, NORMAL, LOW or BACKGROUND (default NORMAL)",
				},
				"wait": map[string]any{
					"type":        "boolean",
					"description": "Block until the controller reports completion",
				},
			},
			"required": []string{"command_type"},
		},
		Tags:    []string{"robot"},
		Handler: c.robotCommand,
	})

	reg(tools.Tool{
		Name:        "robot_stop",
		Description: "Emergency stop: halt motion and cancel every pending command",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Tags:    []string{"robot"},
		Handler: c.robotStop,
	})

	reg(tools.Tool{
		Name:        "robot_status",
		Description: "Snapshot of the robot runtime: bridge, broadcaster, runs, spawns, memories",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Tags:    []string{"robot"},
		Handler: c.robotStatus,
	})
}

func (c *Core) robotCommand(ctx context.Context, args map[string]any) (any, error) {
	cmdType := strings.TrimSpace(argString(args, "command_type", ""))
	if cmdType == "" {
		return nil, fmt.Errorf("command_type is required")
	}
	cmd := c.NewCommand(ctx, cmdType, argObject(args, "parameters"))
	if p := protocol.Priority(strings.ToUpper(argString(args, "priority", ""))); p.Valid() {
		cmd.Priority = p
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	feedback, err := c.Bridge.SendCommand(ctx, cmd, argBool(args, "wait", false), 0)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", cmd.CommandType, err)
	}
	c.Broadcaster.BroadcastCommand(cmd)

	out := map[string]any{
		"command_id":   cmd.CommandID,
		"command_type": cmd.CommandType,
		"status":       string(feedback.Status),
	}
	if feedback.Detail != "" {
		out["detail"] = feedback.Detail
	}
	return out, nil
}

func (c *Core) robotStop(ctx context.Context, _ map[string]any) (any, error) {
	cancelled := c.Bridge.EmergencyStop(ctx)
	stop := c.NewCommand(ctx, "stop", nil)
	stop.Priority = protocol.PriorityEmergency
	c.Broadcaster.BroadcastCommand(stop)
	return map[string]any{"stopped": true, "cancelled_commands": cancelled}, nil
}

func (c *Core) robotStatus(context.Context, map[string]any) (any, error) {
	memStats := c.Memories.Stats()
	castStats := c.Broadcaster.Stats()
	return map[string]any{
		"agent_id": c.cfg.Agent.ID,
		"bridge": map[string]any{
			"mock":         c.cfg.BridgeMock(),
			"pending":      c.Bridge.Pending(),
			"actions_sent": c.Bridge.ActionsSent(),
		},
		"broadcast": map[string]any{
			"clients":        castStats.Clients,
			"total_messages": castStats.TotalMessages,
		},
		"active_runs":    c.Loop.ActiveRuns(),
		"running_spawns": len(c.Spawner.RunningTasks()),
		"sessions":       len(c.Sessions.List()),
		"memories":       memStats.Count,
	}, nil
}

// registerSessionTools wires the sessions group: listing, history,
// spawning background tasks, and spawn/session status.
func (c *Core) registerSessionTools() {
	reg := func(t tools.Tool) {
		if err := c.Registry.Register(t); err != nil {
			c.logger.Warn("tool registration failed", "tool", t.Name, "error", err)
		}
	}

	reg(tools.Tool{
		Name:        "sessions_list",
		Description: "List known sessions, most recently active first",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum rows to return (default 20)",
				},
			},
		},
		Tags:    []string{"sessions"},
		Handler: c.sessionsList,
	})

	reg(tools.Tool{
		Name:        "sessions_history",
		Description: "Read the recent transcript of one session",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session id; defaults to the calling session",
				},
				"session_key": map[string]any{
					"type":        "string",
					"description": "Session key, used when session_id is absent",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Messages to return from the tail (default 20)",
				},
			},
		},
		Tags:    []string{"sessions"},
		Handler: c.sessionsHistory,
	})

	reg(tools.Tool{
		Name: "sessions_spawn",
		Description: "Run a task in a background sub-agent with its own session; " +
			"the result is announced back here when it finishes",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "What the sub-agent should do",
				},
				"agent_id": map[string]any{
					"type":        "string",
					"description": "Agent to run as (default: the calling agent)",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Model override for the sub-agent",
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Hard deadline for the background run",
				},
				"announce": map[string]any{
					"type":        "boolean",
					"description": "Deliver the result to this session when done (default true)",
				},
			},
			"required": []string{"task"},
		},
		Tags:    []string{"sessions"},
		Handler: c.sessionsSpawn,
	})

	reg(tools.Tool{
		Name:        "session_status",
		Description: "Status of a spawned task or a session",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"spawn_id": map[string]any{
					"type":        "string",
					"description": "Spawn id returned by sessions_spawn",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session id; defaults to the calling session",
				},
			},
		},
		Tags:    []string{"sessions"},
		Handler: c.sessionStatus,
	})
}

func (c *Core) sessionsList(_ context.Context, args map[string]any) (any, error) {
	limit := argInt(args, "limit", 20)
	all := c.Sessions.List()
	rows := make([]map[string]any, 0, min(limit, len(all)))
	for _, sess := range all {
		if len(rows) >= limit {
			break
		}
		rows = append(rows, map[string]any{
			"session_id":    sess.ID,
			"session_key":   sess.Key,
			"state":         string(sess.State),
			"message_count": sess.MessageCount,
			"last_activity": sess.LastActivity.Format(time.RFC3339),
		})
	}
	return map[string]any{"sessions": rows, "total": len(all)}, nil
}

func (c *Core) sessionsHistory(ctx context.Context, args map[string]any) (any, error) {
	id, err := c.resolveSessionID(ctx, args)
	if err != nil {
		return nil, err
	}
	limit := argInt(args, "limit", 20)
	msgs, err := c.Sessions.GetRecentMessages(id, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		row := map[string]any{
			"role":      string(m.Role),
			"content":   m.Content,
			"timestamp": m.Timestamp.Format(time.RFC3339),
		}
		if m.ToolName != "" {
			row["tool_name"] = m.ToolName
		}
		rows = append(rows, row)
	}
	return map[string]any{"session_id": id, "messages": rows}, nil
}

func (c *Core) sessionsSpawn(ctx context.Context, args map[string]any) (any, error) {
	task := strings.TrimSpace(argString(args, "task", ""))
	if task == "" {
		return nil, subagent.ErrEmptyTask
	}
	execCtx, _ := tools.ExecContextFrom(ctx)
	agentID := argString(args, "agent_id", execCtx.AgentID)
	if agentID == "" {
		agentID = c.cfg.Agent.ID
	}

	res, err := c.Spawner.Spawn(ctx, subagent.SpawnRequest{
		Task:              task,
		ParentSessionID:   execCtx.SessionID,
		ParentAgentID:     execCtx.AgentID,
		TargetAgentID:     agentID,
		Model:             argString(args, "model", ""),
		RunTimeoutSeconds: argInt(args, "timeout_seconds", 0),
		Announce:          argBool(args, "announce", true),
	})
	if err != nil {
		return nil, err
	}
	c.rememberSpawn(res.SpawnID, execCtx.SessionID)
	return map[string]any{
		"spawn_id":    res.SpawnID,
		"session_id":  res.SessionID,
		"session_key": res.SessionKey,
		"status":      string(res.Status),
	}, nil
}

func (c *Core) sessionStatus(ctx context.Context, args map[string]any) (any, error) {
	if spawnID := argString(args, "spawn_id", ""); spawnID != "" {
		if res, ok := c.Spawner.Result(spawnID); ok {
			return res, nil
		}
		for _, task := range c.Spawner.RunningTasks() {
			if task.SpawnID == spawnID {
				return task, nil
			}
		}
		return nil, subagent.ErrUnknownSpawn
	}

	id, err := c.resolveSessionID(ctx, args)
	if err != nil {
		return nil, err
	}
	sess, err := c.Sessions.GetSession(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id":    sess.ID,
		"session_key":   sess.Key,
		"state":         string(sess.State),
		"message_count": sess.MessageCount,
		"input_tokens":  sess.InputTokens,
		"output_tokens": sess.OutputTokens,
		"created_at":    sess.CreatedAt.Format(time.RFC3339),
		"last_activity": sess.LastActivity.Format(time.RFC3339),
	}, nil
}

// resolveSessionID picks the target session: explicit id, then key,
// then the calling session.
func (c *Core) resolveSessionID(ctx context.Context, args map[string]any) (string, error) {
	if id := argString(args, "session_id", ""); id != "" {
		return id, nil
	}
	if key := argString(args, "session_key", ""); key != "" {
		sess, err := c.Sessions.FindSessionByKey(key)
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	}
	if execCtx, ok := tools.ExecContextFrom(ctx); ok && execCtx.SessionID != "" {
		return execCtx.SessionID, nil
	}
	return "", sessions.ErrNotFound
}

// NewCommand stamps identity onto a semantic command: fresh id, the
// configured source agent, and the trace id when the context has one.
func (c *Core) NewCommand(ctx context.Context, cmdType string, params map[string]any) *protocol.Command {
	cmd := &protocol.Command{
		CommandID:   uuid.NewString(),
		CommandType: cmdType,
		Parameters:  params,
		Priority:    protocol.PriorityNormal,
		SourceAgent: c.cfg.Agent.ID,
		CreatedAt:   time.Now().UTC(),
	}
	if cmd.Parameters == nil {
		cmd.Parameters = map[string]any{}
	}
	if id := tracing.TraceIDFromContext(ctx); id != uuid.Nil {
		cmd.Metadata = map[string]any{"trace_id": id.String()}
	}
	return cmd
}

// --- argument coercion, mirroring the builtin tools ---

func argString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func argFloat(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	return int(argFloat(args, key, float64(def)))
}

func argBool(args map[string]any, key string, def bool) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func argObject(args map[string]any, key string) map[string]any {
	if v, ok := args[key].(map[string]any); ok {
		return v
	}
	return nil
}
