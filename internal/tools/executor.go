package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ExecContext carries caller identity into policy checks.
type ExecContext struct {
	AgentID    string
	SessionID  string
	RunID      string
	IsSubagent bool
}

type execCtxKey struct{}

// WithExecContext stores the caller identity on a context. The executor
// does this before dispatch so handlers that need to know who is
// calling, such as the session tools, can recover it.
func WithExecContext(ctx context.Context, execCtx ExecContext) context.Context {
	return context.WithValue(ctx, execCtxKey{}, execCtx)
}

// ExecContextFrom recovers the caller identity stored by the executor.
func ExecContextFrom(ctx context.Context) (ExecContext, bool) {
	execCtx, ok := ctx.Value(execCtxKey{}).(ExecContext)
	return execCtx, ok
}

// ExecutorConfig tunes the executor. Zero values select the defaults.
type ExecutorConfig struct {
	// Enforce turns policy checking on.
	Enforce bool
	// DefaultTimeout bounds handlers whose Tool.Timeout is zero.
	DefaultTimeout time.Duration
	// ParallelLimit caps concurrent handlers in parallel batches.
	ParallelLimit int
}

// Executor resolves calls against the registry, enforces the policy,
// and runs handlers under per-call deadlines. A handler that outlives
// its deadline is abandoned, never joined.
type Executor struct {
	registry       *Registry
	policy         *Policy
	enforce        bool
	defaultTimeout time.Duration
	parallelLimit  int
	logger         *slog.Logger
}

// NewExecutor builds an executor. policy may be nil, which disables
// enforcement regardless of cfg.Enforce.
func NewExecutor(registry *Registry, policy *Policy, cfg ExecutorConfig) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.ParallelLimit <= 0 {
		cfg.ParallelLimit = 4
	}
	return &Executor{
		registry:       registry,
		policy:         policy,
		enforce:        cfg.Enforce && policy != nil,
		defaultTimeout: cfg.DefaultTimeout,
		parallelLimit:  cfg.ParallelLimit,
		logger:         slog.Default().With("component", "tools"),
	}
}

// Execute runs one call to completion and never returns an error: every
// failure mode is folded into the result status.
func (e *Executor) Execute(ctx context.Context, call ToolCall, execCtx ExecContext) ToolResult {
	if e.enforce {
		decision := e.checkPolicy(call.ToolName, execCtx)
		if !decision.Allowed {
			e.policy.denied.Add(1)
			e.logger.Info("tool call denied",
				"tool", call.ToolName, "agent", execCtx.AgentID, "reason", decision.Reason)
			return DenyToolCall(call, decision.Reason)
		}
	}

	tool, ok := e.registry.Get(call.ToolName)
	if !ok {
		return ToolResult{
			CallID:   call.CallID,
			ToolName: call.ToolName,
			Status:   StatusError,
			Error:    fmt.Sprintf("unknown tool %q", call.ToolName),
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	hctx, cancel := context.WithTimeout(WithExecContext(ctx, execCtx), timeout)
	defer cancel()

	start := time.Now()
	result := e.invoke(hctx, ctx, tool, call, timeout)
	result.DurationMS = time.Since(start).Milliseconds()

	e.logger.Debug("tool executed",
		"tool", call.ToolName, "status", string(result.Status), "duration_ms", result.DurationMS)
	return result
}

type handlerOut struct {
	value any
	err   error
}

// invoke runs the handler in its own goroutine so a stuck handler can
// be abandoned at the deadline. The result channel is buffered: the
// late send completes and is discarded with the goroutine.
func (e *Executor) invoke(hctx, parent context.Context, tool Tool, call ToolCall, timeout time.Duration) ToolResult {
	out := make(chan handlerOut, 1)
	go func() {
		value, err := tool.Handler(hctx, call.Arguments)
		out <- handlerOut{value: value, err: err}
	}()

	base := ToolResult{CallID: call.CallID, ToolName: call.ToolName}
	select {
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			base.Status = StatusTimeout
			base.Error = fmt.Sprintf("tool %q timed out after %s", call.ToolName, timeout)
			return base
		}
		base.Status = StatusError
		base.Error = "cancelled"
		return base
	case got := <-out:
		if got.err != nil {
			base.Status = StatusError
			base.Error = got.err.Error()
			return base
		}
		base.Status = StatusSuccess
		base.Result = stringify(got.value)
		return base
	}
}

func (e *Executor) checkPolicy(toolName string, execCtx ExecContext) Decision {
	if execCtx.IsSubagent {
		return e.policy.CheckSubagent(toolName, execCtx.AgentID)
	}
	return e.policy.Check(toolName, execCtx.AgentID)
}

// ExecuteBatch runs the calls and returns results in input order. With
// parallel set, handlers run concurrently under the parallel limit;
// otherwise strictly one after another.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []ToolCall, parallel bool, execCtx ExecContext) []ToolResult {
	results := make([]ToolResult, len(calls))
	if !parallel {
		for i, call := range calls {
			results[i] = e.Execute(ctx, call, execCtx)
		}
		return results
	}

	sem := make(chan struct{}, e.parallelLimit)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ToolResult{
					CallID: c.CallID, ToolName: c.ToolName,
					Status: StatusError, Error: "cancelled",
				}
				return
			}
			results[idx] = e.Execute(ctx, c, execCtx)
		}(i, call)
	}
	wg.Wait()
	return results
}

// SkipToolCall produces a synthetic SKIPPED result without dispatching.
func SkipToolCall(call ToolCall, reason string) ToolResult {
	return ToolResult{
		CallID:   call.CallID,
		ToolName: call.ToolName,
		Status:   StatusSkipped,
		Result:   reason,
	}
}

// DenyToolCall produces a synthetic DENIED result without dispatching.
func DenyToolCall(call ToolCall, reason string) ToolResult {
	return ToolResult{
		CallID:   call.CallID,
		ToolName: call.ToolName,
		Status:   StatusDenied,
		Error:    reason,
	}
}

// stringify renders a handler value for the transcript: strings pass
// through, everything else is JSON.
func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case error:
		return s.Error()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
