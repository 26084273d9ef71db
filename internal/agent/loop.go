// Package agent implements the phased agent loop: intake, context
// assembly, inference, tool execution, persistence. Runs on one session
// are serialized; distinct sessions run independently.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openrobobrain/orb/internal/bus"
	"github.com/openrobobrain/orb/internal/compaction"
	"github.com/openrobobrain/orb/internal/providers"
	"github.com/openrobobrain/orb/internal/sessions"
	"github.com/openrobobrain/orb/internal/tools"
)

// Phase is the loop's current stage, visible to hooks and introspection.
type Phase string

const (
	PhaseIntake          Phase = "INTAKE"
	PhaseContextAssembly Phase = "CONTEXT_ASSEMBLY"
	PhaseInference       Phase = "INFERENCE"
	PhaseToolExecution   Phase = "TOOL_EXECUTION"
	PhasePersistence     Phase = "PERSISTENCE"
	PhaseCompleted       Phase = "COMPLETED"
	PhaseError           Phase = "ERROR"
)

// Status is the terminal state of one run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// QueueMode governs how messages arriving mid-run are handled.
type QueueMode string

const (
	// QueueCollect parks queued messages until the current run finishes.
	QueueCollect QueueMode = "collect"
	// QueueSteer lets a queued message abort remaining tool calls and
	// replace the next intake.
	QueueSteer QueueMode = "steer"
	// QueueFollowup starts a fresh run per queued message after the
	// current one completes.
	QueueFollowup QueueMode = "followup"
)

// ParseQueueMode maps a config string to a QueueMode, defaulting to
// collect.
func ParseQueueMode(s string) QueueMode {
	switch QueueMode(s) {
	case QueueSteer:
		return QueueSteer
	case QueueFollowup:
		return QueueFollowup
	default:
		return QueueCollect
	}
}

var (
	// ErrNoProvider is returned when a run needs inference but the loop
	// has no provider configured.
	ErrNoProvider = errors.New("no inference provider configured")
	// ErrNoSession is returned when a run request names no session.
	ErrNoSession = errors.New("run request names no session")
)

// RunRequest is the input for one run.
type RunRequest struct {
	SessionID  string
	SessionKey string
	AgentID    string
	UserInput  string
	Model      string
	Stream     bool
	Metadata   map[string]any
}

// RunContext is the mutable state of one run in flight. Hooks receive
// it and may inspect every field; the loop owns all mutation.
type RunContext struct {
	RunID             string
	SessionID         string
	SessionKey        string
	AgentID           string
	UserInput         string
	Model             string
	Phase             Phase
	Iteration         int
	ToolCallsCount    int
	TokensUsed        int64
	PendingToolCalls  []providers.ToolCall
	ToolResults       []tools.ToolResult
	AssistantResponse string
	StreamingChunks   []string
	Compacted         bool

	userInputs       []string
	executedCalls    []providers.ToolCall
	promptTokens     int64
	completionTokens int64
}

// ToolCallSummary is the per-call digest kept on a RunResult.
type ToolCallSummary struct {
	ToolName   string       `json:"tool_name"`
	Status     tools.Status `json:"status"`
	DurationMS int64        `json:"duration_ms"`
}

// RunResult is the outcome of one run, kept in a bounded ring for
// introspection.
type RunResult struct {
	RunID      string            `json:"run_id"`
	SessionID  string            `json:"session_id"`
	Status     Status            `json:"status"`
	Response   string            `json:"response"`
	ToolCalls  []ToolCallSummary `json:"tool_calls,omitempty"`
	TokensUsed int64             `json:"tokens_used"`
	Iterations int               `json:"iterations"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// QueuedMessage is one mid-run input waiting in a session queue.
type QueuedMessage struct {
	Input    string
	QueuedAt time.Time
}

const maxQueuedMessages = 32

// LoopConfig wires a Loop.
type LoopConfig struct {
	AgentID             string
	Model               string
	MaxIterations       int
	MaxToolCallsPerTurn int
	Timeout             time.Duration
	QueueMode           QueueMode
	ResultHistory       int
	CompactMinMessages  int

	Sessions  *sessions.Store
	Builder   *ContextBuilder
	Compactor *compaction.Compactor
	Provider  providers.Provider
	Executor  *tools.Executor
	Registry  *tools.Registry
	Hooks     *Hooks

	// OnEvent, when set, is subscribed to every run's event stream.
	OnEvent bus.EventHandler
}

// Loop drives runs through the phases. One Loop serves many sessions;
// a per-session mutex keeps at most one run per session in flight.
type Loop struct {
	cfg       LoopConfig
	sessions  *sessions.Store
	builder   *ContextBuilder
	compactor *compaction.Compactor
	provider  providers.Provider
	executor  *tools.Executor
	registry  *tools.Registry
	hooks     *Hooks
	logger    *slog.Logger

	lockMu   sync.Mutex
	runLocks map[string]*sync.Mutex

	queueMu sync.Mutex
	queues  map[string][]QueuedMessage

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
	streams  map[string]*bus.Stream

	resultMu sync.Mutex
	results  []RunResult

	active atomic.Int32
}

// NewLoop fills defaults and returns a ready loop.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxToolCallsPerTurn <= 0 {
		cfg.MaxToolCallsPerTurn = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.QueueMode == "" {
		cfg.QueueMode = QueueCollect
	}
	if cfg.ResultHistory <= 0 {
		cfg.ResultHistory = 50
	}
	if cfg.CompactMinMessages <= 0 {
		cfg.CompactMinMessages = 24
	}
	if cfg.Hooks == nil {
		cfg.Hooks = NewHooks()
	}
	return &Loop{
		cfg:       cfg,
		sessions:  cfg.Sessions,
		builder:   cfg.Builder,
		compactor: cfg.Compactor,
		provider:  cfg.Provider,
		executor:  cfg.Executor,
		registry:  cfg.Registry,
		hooks:     cfg.Hooks,
		logger:    slog.Default().With("component", "agent"),
		runLocks:  make(map[string]*sync.Mutex),
		queues:    make(map[string][]QueuedMessage),
		cancels:   make(map[string]context.CancelFunc),
		streams:   make(map[string]*bus.Stream),
	}
}

// Hooks exposes the hook registry for callers that wire hooks after
// construction.
func (l *Loop) Hooks() *Hooks { return l.hooks }

// ActiveRuns reports how many runs are currently executing.
func (l *Loop) ActiveRuns() int { return int(l.active.Load()) }

func (l *Loop) sessionLock(sessionID string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	mu, ok := l.runLocks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		l.runLocks[sessionID] = mu
	}
	return mu
}

// Enqueue parks a message for a session whose run is in flight. What
// happens to it depends on the queue mode: collect leaves it for the
// caller, steer feeds it into the running turn, followup runs it after
// the current run.
func (l *Loop) Enqueue(sessionID, input string) {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	q := l.queues[sessionID]
	if len(q) >= maxQueuedMessages {
		l.logger.Warn("session queue full, dropping oldest",
			"session_id", sessionID, "dropped", q[0].Input)
		q = q[1:]
	}
	l.queues[sessionID] = append(q, QueuedMessage{Input: input, QueuedAt: time.Now()})
}

// QueueLen reports how many messages wait for a session.
func (l *Loop) QueueLen(sessionID string) int {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	return len(l.queues[sessionID])
}

// DrainQueue removes and returns every queued message for a session.
func (l *Loop) DrainQueue(sessionID string) []QueuedMessage {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	q := l.queues[sessionID]
	delete(l.queues, sessionID)
	return q
}

func (l *Loop) dequeue(sessionID string) (QueuedMessage, bool) {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	q := l.queues[sessionID]
	if len(q) == 0 {
		return QueuedMessage{}, false
	}
	msg := q[0]
	l.queues[sessionID] = q[1:]
	return msg, true
}

// Abort cancels a run in flight. It reports whether the run was found.
func (l *Loop) Abort(runID string) bool {
	l.cancelMu.Lock()
	cancel, ok := l.cancels[runID]
	l.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// EventStream returns the live event stream of a run in flight, or nil.
func (l *Loop) EventStream(runID string) *bus.Stream {
	l.cancelMu.Lock()
	defer l.cancelMu.Unlock()
	return l.streams[runID]
}

// RecentResults returns up to n of the most recent run results, oldest
// first.
func (l *Loop) RecentResults(n int) []RunResult {
	l.resultMu.Lock()
	defer l.resultMu.Unlock()
	if n <= 0 || n > len(l.results) {
		n = len(l.results)
	}
	out := make([]RunResult, n)
	copy(out, l.results[len(l.results)-n:])
	return out
}

func (l *Loop) recordResult(res RunResult) {
	l.resultMu.Lock()
	defer l.resultMu.Unlock()
	l.results = append(l.results, res)
	if len(l.results) > l.cfg.ResultHistory {
		n := copy(l.results, l.results[len(l.results)-l.cfg.ResultHistory:])
		l.results = l.results[:n]
	}
}

// Run executes one run for the request's session, blocking until the
// run (and, in followup mode, any queued follow-up runs) completes.
// The returned error is nil exactly when the result status is success.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.SessionID == "" && req.SessionKey != "" {
		sess, err := l.sessions.FindSessionByKey(req.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("resolve session %q: %w", req.SessionKey, err)
		}
		req.SessionID = sess.ID
	}
	if req.SessionID == "" {
		return nil, ErrNoSession
	}
	if req.AgentID == "" {
		req.AgentID = l.cfg.AgentID
	}

	lock := l.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	res, err := l.runOnce(ctx, req)

	if l.cfg.QueueMode == QueueFollowup {
		for {
			next, ok := l.dequeue(req.SessionID)
			if !ok {
				break
			}
			follow := req
			follow.UserInput = next.Input
			if _, ferr := l.runOnce(ctx, follow); ferr != nil {
				l.logger.Warn("followup run failed",
					"session_id", req.SessionID, "error", ferr)
				break
			}
		}
	}
	return res, err
}

func (l *Loop) runOnce(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.active.Add(1)
	defer l.active.Add(-1)

	runID := uuid.NewString()
	rc := &RunContext{
		RunID:      runID,
		SessionID:  req.SessionID,
		SessionKey: req.SessionKey,
		AgentID:    req.AgentID,
		UserInput:  req.UserInput,
		Model:      l.resolveModel(req.Model),
		Phase:      PhaseIntake,
		userInputs: []string{req.UserInput},
	}

	stream := bus.NewStream(runID, req.SessionID)
	if l.cfg.OnEvent != nil {
		stream.Subscribe(l.cfg.OnEvent)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	dctx, dcancel := context.WithTimeout(runCtx, l.cfg.Timeout)
	defer dcancel()

	l.cancelMu.Lock()
	l.cancels[runID] = cancel
	l.streams[runID] = stream
	l.cancelMu.Unlock()
	defer func() {
		l.cancelMu.Lock()
		delete(l.cancels, runID)
		delete(l.streams, runID)
		l.cancelMu.Unlock()
		stream.Close()
	}()

	startedAt := time.Now()
	stream.Emit(bus.EventLifecycleStart, map[string]any{
		"agent_id":   rc.AgentID,
		"user_input": clipRunes(req.UserInput, 200),
		"model":      rc.Model,
	}, req.Metadata)
	l.hooks.Fire(dctx, HookBeforeRun, &HookContext{Run: rc})

	runErr := l.phases(dctx, req, rc, stream)

	status := l.classify(runErr, runCtx, dctx)
	rc.Phase = PhaseCompleted
	if status != StatusSuccess {
		rc.Phase = PhaseError
	}

	res := &RunResult{
		RunID:      runID,
		SessionID:  req.SessionID,
		Status:     status,
		Response:   rc.AssistantResponse,
		ToolCalls:  summarize(rc.ToolResults),
		TokensUsed: rc.TokensUsed,
		Iterations: rc.Iteration,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}

	switch status {
	case StatusError, StatusTimeout:
		l.hooks.Fire(ctx, HookOnError, &HookContext{Run: rc, Err: runErr})
		stream.Emit(bus.EventLifecycleError, map[string]any{
			"status": string(status),
			"error":  res.Error,
		}, nil)
		l.logger.Error("run failed",
			"run_id", runID, "session_id", req.SessionID,
			"status", string(status), "error", runErr)
	case StatusCancelled:
		stream.Emit(bus.EventLifecycleEnd, map[string]any{
			"status": string(status),
			"summary": map[string]any{
				"tokens_used": rc.TokensUsed,
				"iterations":  rc.Iteration,
			},
		}, nil)
		l.logger.Info("run cancelled", "run_id", runID, "session_id", req.SessionID)
	default:
		stream.Emit(bus.EventLifecycleEnd, map[string]any{
			"status": string(status),
			"summary": map[string]any{
				"tokens_used": rc.TokensUsed,
				"iterations":  rc.Iteration,
				"tool_calls":  rc.ToolCallsCount,
			},
		}, nil)
	}
	l.hooks.Fire(ctx, HookAfterRun, &HookContext{Run: rc, Err: runErr})
	l.recordResult(*res)

	if runErr != nil {
		return res, fmt.Errorf("run %s: %w", runID, runErr)
	}
	return res, nil
}

// phases runs the iteration loop and persistence for one run. The
// returned error, if any, decides the run status.
func (l *Loop) phases(ctx context.Context, req RunRequest, rc *RunContext, stream *bus.Stream) error {
	if l.provider == nil {
		return ErrNoProvider
	}

	execCtx := tools.ExecContext{
		AgentID:    rc.AgentID,
		SessionID:  req.SessionID,
		RunID:      rc.RunID,
		IsSubagent: sessions.IsSubagentKey(req.SessionKey) || boolMeta(req.Metadata, "is_subagent"),
	}

iterations:
	for rc.Iteration < l.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc.Iteration++

		// INTAKE
		rc.Phase = PhaseIntake
		if rc.Iteration > 1 && l.cfg.QueueMode == QueueSteer {
			if next, ok := l.dequeue(req.SessionID); ok {
				rc.UserInput = next.Input
				rc.userInputs = append(rc.userInputs, next.Input)
				l.logger.Info("run steered by queued message",
					"run_id", rc.RunID, "session_id", req.SessionID)
			}
		}
		l.hooks.Fire(ctx, HookAfterIntake, &HookContext{Run: rc})

		// CONTEXT_ASSEMBLY
		rc.Phase = PhaseContextAssembly
		history, err := l.sessions.GetMessages(req.SessionID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		var schemas []map[string]any
		if l.registry != nil {
			schemas = l.registry.Schemas()
		}
		actx, err := l.builder.Build(BuildInput{
			History:     history,
			UserInput:   rc.UserInput,
			ToolCalls:   rc.executedCalls,
			ToolResults: rc.ToolResults,
			ToolSchemas: schemas,
		})
		if err != nil {
			return fmt.Errorf("assemble context: %w", err)
		}
		rc.Compacted = rc.Compacted || actx.Compacted
		l.hooks.Fire(ctx, HookBeforeInference, &HookContext{Run: rc})

		// INFERENCE
		rc.Phase = PhaseInference
		rc.PendingToolCalls = rc.PendingToolCalls[:0]
		segment := ""
		perr := l.provider.Stream(ctx, providers.Request{
			Messages: actx.Messages,
			Tools:    actx.ToolSchemas,
			Model:    rc.Model,
		}, func(item providers.Item) {
			switch item.Type {
			case providers.ItemDelta:
				rc.StreamingChunks = append(rc.StreamingChunks, item.Content)
				rc.AssistantResponse += item.Content
				segment += item.Content
				if req.Stream {
					stream.Emit(bus.EventAssistantDelta, map[string]any{
						"content":   item.Content,
						"iteration": rc.Iteration,
					}, nil)
				}
			case providers.ItemToolCall:
				if item.ToolCall != nil {
					rc.PendingToolCalls = append(rc.PendingToolCalls, *item.ToolCall)
				}
			case providers.ItemUsage:
				if item.Usage != nil {
					rc.TokensUsed += item.Usage.TotalTokens
					rc.promptTokens += item.Usage.PromptTokens
					rc.completionTokens += item.Usage.CompletionTokens
				}
			case providers.ItemFinish:
				// terminates the stream; no behavioral effect here
			}
		})
		if perr != nil {
			return fmt.Errorf("inference (iteration %d): %w", rc.Iteration, perr)
		}
		stream.Emit(bus.EventAssistantEnd, map[string]any{
			"content":   segment,
			"iteration": rc.Iteration,
		}, nil)
		l.hooks.Fire(ctx, HookAfterInference, &HookContext{Run: rc})

		if len(rc.PendingToolCalls) == 0 || l.executor == nil {
			break
		}

		// TOOL_EXECUTION
		rc.Phase = PhaseToolExecution
		for i := range rc.PendingToolCalls {
			if rc.ToolCallsCount >= l.cfg.MaxToolCallsPerTurn {
				l.logger.Warn("tool call budget exhausted",
					"run_id", rc.RunID, "dropped", len(rc.PendingToolCalls)-i)
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			pc := rc.PendingToolCalls[i]
			if pc.ID == "" {
				pc.ID = uuid.NewString()
			}
			call := tools.ToolCall{CallID: pc.ID, ToolName: pc.Name, Arguments: pc.Arguments}

			l.hooks.Fire(ctx, HookBeforeToolCall, &HookContext{Run: rc, ToolCall: &call})
			stream.Emit(bus.EventToolStart, map[string]any{
				"call_id":   call.CallID,
				"tool_name": call.ToolName,
			}, nil)

			result := l.executor.Execute(ctx, call, execCtx)

			rc.executedCalls = append(rc.executedCalls, pc)
			rc.ToolResults = append(rc.ToolResults, result)
			rc.ToolCallsCount++
			stream.Emit(bus.EventToolEnd, map[string]any{
				"call_id":     result.CallID,
				"tool_name":   result.ToolName,
				"status":      string(result.Status),
				"duration_ms": result.DurationMS,
			}, nil)
			l.hooks.Fire(ctx, HookAfterToolCall, &HookContext{Run: rc, ToolCall: &call, ToolResult: &result})

			if l.cfg.QueueMode == QueueSteer && l.QueueLen(req.SessionID) > 0 {
				l.logger.Info("steer: new input queued, abandoning remaining tool calls",
					"run_id", rc.RunID, "remaining", len(rc.PendingToolCalls)-i-1)
				continue iterations
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// PERSISTENCE
	rc.Phase = PhasePersistence
	l.hooks.Fire(ctx, HookBeforePersistence, &HookContext{Run: rc})
	if err := l.persist(req.SessionID, rc); err != nil {
		return fmt.Errorf("persist run: %w", err)
	}
	l.maybeCompact(ctx, req.SessionID, stream)
	return nil
}

// persist appends the run's messages in order: user input(s), one tool
// message per result, then the assistant reply.
func (l *Loop) persist(sessionID string, rc *RunContext) error {
	now := time.Now()
	batch := make([]sessions.Message, 0, len(rc.userInputs)+len(rc.ToolResults)+1)
	for _, input := range rc.userInputs {
		if input == "" {
			continue
		}
		batch = append(batch, sessions.Message{
			ID:        uuid.NewString(),
			Role:      sessions.RoleUser,
			Content:   input,
			Timestamp: now,
		})
	}
	for i := range rc.ToolResults {
		r := &rc.ToolResults[i]
		batch = append(batch, sessions.Message{
			ID:         uuid.NewString(),
			Role:       sessions.RoleTool,
			Content:    r.Text(),
			Timestamp:  now,
			ToolCallID: r.CallID,
			ToolName:   r.ToolName,
			Metadata: map[string]any{
				"status":      string(r.Status),
				"duration_ms": r.DurationMS,
			},
		})
	}
	meta := map[string]any{"run_id": rc.RunID, "iterations": rc.Iteration}
	if rc.Compacted {
		meta["context_compacted"] = true
	}
	batch = append(batch, sessions.Message{
		ID:        uuid.NewString(),
		Role:      sessions.RoleAssistant,
		Content:   rc.AssistantResponse,
		Timestamp: now,
		Metadata:  meta,
	})

	if err := l.sessions.AppendMessages(sessionID, batch); err != nil {
		return err
	}
	if rc.promptTokens > 0 || rc.completionTokens > 0 {
		if err := l.sessions.UpdateTokenUsage(sessionID, rc.promptTokens, rc.completionTokens); err != nil {
			l.logger.Warn("token usage update failed", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// maybeCompact considers compaction after persistence. The message
// count gates the cheap check; the token estimate gates the real work.
func (l *Loop) maybeCompact(ctx context.Context, sessionID string, stream *bus.Stream) {
	if l.compactor == nil {
		return
	}
	sess, err := l.sessions.GetSession(sessionID)
	if err != nil || sess.MessageCount < l.cfg.CompactMinMessages {
		return
	}
	msgs, err := l.sessions.GetMessages(sessionID)
	if err != nil || !l.compactor.ShouldCompact(compaction.EstimateMessages(msgs)) {
		return
	}

	stream.Emit(bus.EventCompactionStart, map[string]any{"messages": len(msgs)}, nil)
	res, err := l.compactor.AutoCompactIfNeeded(ctx, l.sessions, sessionID)
	if err != nil {
		l.logger.Warn("compaction failed", "session_id", sessionID, "error", err)
	}
	stream.Emit(bus.EventCompactionEnd, map[string]any{
		"compacted":    res.Compacted,
		"messages":     res.Messages,
		"tokens_after": res.TokensAfter,
	}, nil)
}

func (l *Loop) resolveModel(reqModel string) string {
	if reqModel != "" {
		return reqModel
	}
	if l.cfg.Model != "" {
		return l.cfg.Model
	}
	if l.provider != nil {
		return l.provider.DefaultModel()
	}
	return ""
}

// classify maps the loop error onto a run status. An aborted run is
// cancelled even when the failure surfaced as a deadline error.
func (l *Loop) classify(runErr error, runCtx, dctx context.Context) Status {
	switch {
	case runErr == nil:
		return StatusSuccess
	case runCtx.Err() != nil:
		return StatusCancelled
	case dctx.Err() == context.DeadlineExceeded || errors.Is(runErr, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(runErr, context.Canceled):
		return StatusCancelled
	default:
		return StatusError
	}
}

func summarize(results []tools.ToolResult) []ToolCallSummary {
	if len(results) == 0 {
		return nil
	}
	out := make([]ToolCallSummary, len(results))
	for i := range results {
		out[i] = ToolCallSummary{
			ToolName:   results[i].ToolName,
			Status:     results[i].Status,
			DurationMS: results[i].DurationMS,
		}
	}
	return out
}

func boolMeta(meta map[string]any, key string) bool {
	if meta == nil {
		return false
	}
	v, _ := meta[key].(bool)
	return v
}
