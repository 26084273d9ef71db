// Package subagent spawns background agent runs in their own
// sub-sessions and tracks them to completion.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openrobobrain/orb/internal/agent"
	"github.com/openrobobrain/orb/internal/sessions"
)

// Status is the lifecycle state of a spawned task.
type Status string

const (
	StatusAccepted  Status = "ACCEPTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
	StatusSkipped   Status = "SKIPPED"
)

// AnnounceSkip suppresses the completion announcement when a sub-agent
// replies with it verbatim.
const AnnounceSkip = "ANNOUNCE_SKIP"

// terminal results kept for status queries after the handle is gone
const maxResultHistory = 256

var (
	// ErrEmptyTask rejects a spawn with nothing to do.
	ErrEmptyTask = errors.New("spawn task is empty")
	// ErrTooManySpawns rejects a spawn over the concurrency limit.
	ErrTooManySpawns = errors.New("too many concurrent spawns")
	// ErrTooManyChildren rejects a spawn over the per-parent limit.
	ErrTooManyChildren = errors.New("too many spawns for this session")
	// ErrSpawnDepth rejects a spawn that would nest deeper than allowed.
	ErrSpawnDepth = errors.New("spawn depth limit exceeded")
	// ErrUnknownSpawn is returned for spawn ids this spawner never ran
	// or has already forgotten.
	ErrUnknownSpawn = errors.New("unknown spawn id")
)

// SpawnRequest describes one background task.
type SpawnRequest struct {
	Task              string         `json:"task"`
	ParentSessionID   string         `json:"parent_session_id,omitempty"`
	ParentAgentID     string         `json:"parent_agent_id,omitempty"`
	TargetAgentID     string         `json:"target_agent_id,omitempty"`
	Model             string         `json:"model,omitempty"`
	RunTimeoutSeconds int            `json:"run_timeout_seconds,omitempty"` // 0 = no deadline
	Cleanup           string         `json:"cleanup,omitempty"`             // keep | delete
	Announce          bool           `json:"announce,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// SpawnResult is the externally visible state of a spawn. Spawn returns
// it with status ACCEPTED; the terminal snapshot is available through
// Result, Await, or the announce callback.
type SpawnResult struct {
	SpawnID        string    `json:"spawn_id"`
	SessionID      string    `json:"session_id"`
	SessionKey     string    `json:"session_key"`
	Status         Status    `json:"status"`
	Response       string    `json:"response,omitempty"`
	Error          string    `json:"error,omitempty"`
	TokensUsed     int64     `json:"tokens_used,omitempty"`
	RuntimeSeconds float64   `json:"runtime_seconds,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// AnnounceMessage is delivered to registered callbacks when a task
// finishes.
type AnnounceMessage struct {
	SpawnID        string  `json:"spawn_id"`
	Status         Status  `json:"status"`
	Summary        string  `json:"summary"`
	Result         string  `json:"result,omitempty"`
	Error          string  `json:"error,omitempty"`
	RuntimeSeconds float64 `json:"runtime_seconds"`
	TokensUsed     int64   `json:"tokens_used,omitempty"`
	SessionKey     string  `json:"session_key"`
	SessionID      string  `json:"session_id"`
}

// AnnounceFunc receives completion announcements.
type AnnounceFunc func(msg AnnounceMessage)

// TaskInfo is one row in the running-task listing.
type TaskInfo struct {
	SpawnID         string    `json:"spawn_id"`
	SessionID       string    `json:"session_id"`
	SessionKey      string    `json:"session_key"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	Task            string    `json:"task"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
}

// Runner is the narrow slice of the agent loop the spawner needs.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// Config bounds spawn activity. Zero values take the defaults.
type Config struct {
	MaxConcurrent  int           // running tasks across all parents (default 8)
	MaxPerParent   int           // running tasks per parent session (default 5)
	MaxSpawnDepth  int           // nesting depth, 1 = only main sessions may spawn (default 1)
	ArchiveAfter   time.Duration // delay before archiving kept sub-sessions (default 1h)
	DefaultCleanup string        // keep | delete (default keep)
	DefaultModel   string        // model for requests that name none
}

// Spawner creates sub-sessions, runs tasks on them in the background,
// and manages their lifecycle through to archival.
type Spawner struct {
	runner Runner
	store  *sessions.Store
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	handles     map[string]*Handle
	results     map[string]SpawnResult
	resultOrder []string
	announceFns []AnnounceFunc
	timers      map[string]*time.Timer

	cancelled atomic.Int64
	wg        sync.WaitGroup
}

// NewSpawner builds a spawner over the runner and session store.
func NewSpawner(runner Runner, store *sessions.Store, cfg Config) *Spawner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxPerParent <= 0 {
		cfg.MaxPerParent = 5
	}
	if cfg.MaxSpawnDepth <= 0 {
		cfg.MaxSpawnDepth = 1
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = time.Hour
	}
	if cfg.DefaultCleanup != "delete" {
		cfg.DefaultCleanup = "keep"
	}
	return &Spawner{
		runner:  runner,
		store:   store,
		cfg:     cfg,
		logger:  slog.Default().With("component", "subagent"),
		handles: make(map[string]*Handle),
		results: make(map[string]SpawnResult),
		timers:  make(map[string]*time.Timer),
	}
}

// RegisterAnnounce adds a completion callback. Callbacks run on the
// task's goroutine after its result is recorded.
func (s *Spawner) RegisterAnnounce(fn AnnounceFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.announceFns = append(s.announceFns, fn)
	s.mu.Unlock()
}

// Spawn creates a sub-session for the task and starts it in the
// background, returning immediately with status ACCEPTED. ctx covers
// only the setup; the task itself runs detached and is bounded by the
// request's run timeout and the spawner's stop operations.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if req.Task == "" {
		return nil, ErrEmptyTask
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := req.TargetAgentID
	if target == "" {
		target = req.ParentAgentID
	}
	if target == "" {
		target = "main"
	}
	if req.Model == "" {
		req.Model = s.cfg.DefaultModel
	}
	if req.Cleanup == "" {
		req.Cleanup = s.cfg.DefaultCleanup
	}

	if err := s.admit(req.ParentSessionID); err != nil {
		return nil, err
	}

	spawnID := uuid.NewString()
	key := sessions.BuildSubagentKey(target, spawnID)
	meta := map[string]any{"is_subagent": true, "spawn_id": spawnID}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	sess, err := s.store.CreateSession(sessions.CreateOptions{
		Key:             key,
		Model:           req.Model,
		Origin:          "spawn",
		ParentSessionID: req.ParentSessionID,
		Metadata:        meta,
	})
	if err != nil {
		return nil, fmt.Errorf("create sub-session: %w", err)
	}

	// Detached from the caller: the parent run finishing must not kill
	// the task.
	runCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		spawnID:    spawnID,
		sessionID:  sess.ID,
		sessionKey: key,
		parentID:   req.ParentSessionID,
		task:       req.Task,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	h.state.Store(statePending)

	accepted := SpawnResult{
		SpawnID:    spawnID,
		SessionID:  sess.ID,
		SessionKey: key,
		Status:     StatusAccepted,
		StartedAt:  h.startedAt,
	}

	s.mu.Lock()
	s.handles[spawnID] = h
	s.recordLocked(accepted)
	s.mu.Unlock()

	s.logger.Info("spawn accepted",
		"spawn_id", spawnID, "session_key", key, "agent", target)

	s.wg.Add(1)
	go s.execute(runCtx, h, target, req)

	return &accepted, nil
}

// admit enforces the concurrency, per-parent, and depth limits.
func (s *Spawner) admit(parentID string) error {
	s.mu.Lock()
	if len(s.handles) >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return fmt.Errorf("%w (limit %d)", ErrTooManySpawns, s.cfg.MaxConcurrent)
	}
	if parentID != "" {
		children := 0
		for _, h := range s.handles {
			if h.parentID == parentID {
				children++
			}
		}
		if children >= s.cfg.MaxPerParent {
			s.mu.Unlock()
			return fmt.Errorf("%w (limit %d)", ErrTooManyChildren, s.cfg.MaxPerParent)
		}
	}
	s.mu.Unlock()

	if parentID != "" && s.depthOf(parentID)+1 > s.cfg.MaxSpawnDepth {
		return ErrSpawnDepth
	}
	return nil
}

// depthOf counts how many sub-agent sessions sit above the parent.
func (s *Spawner) depthOf(parentID string) int {
	depth := 0
	id := parentID
	for id != "" {
		sess, err := s.store.GetSession(id)
		if err != nil || !sessions.IsSubagentKey(sess.Key) {
			break
		}
		depth++
		id = sess.ParentSessionID
	}
	return depth
}

func (s *Spawner) execute(ctx context.Context, h *Handle, target string, req SpawnRequest) {
	defer s.wg.Done()
	defer h.cancel()

	h.state.Store(stateRunning)
	s.setStatus(h.spawnID, StatusRunning)

	rctx := ctx
	if req.RunTimeoutSeconds > 0 {
		var rcancel context.CancelFunc
		rctx, rcancel = context.WithTimeout(ctx, time.Duration(req.RunTimeoutSeconds)*time.Second)
		defer rcancel()
	}

	res, runErr := s.runner.Run(rctx, agent.RunRequest{
		SessionID:  h.sessionID,
		SessionKey: h.sessionKey,
		AgentID:    target,
		UserInput:  req.Task,
		Model:      req.Model,
		Metadata:   map[string]any{"is_subagent": true, "spawn_id": h.spawnID},
	})

	now := time.Now()
	final := SpawnResult{
		SpawnID:        h.spawnID,
		SessionID:      h.sessionID,
		SessionKey:     h.sessionKey,
		StartedAt:      h.startedAt,
		FinishedAt:     now,
		RuntimeSeconds: now.Sub(h.startedAt).Seconds(),
	}
	if res != nil {
		final.Response = res.Response
		final.TokensUsed = res.TokensUsed
	}

	switch {
	case ctx.Err() != nil:
		final.Status = StatusCancelled
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		final.Status = StatusTimeout
	case runErr != nil:
		final.Status = StatusError
		final.Error = runErr.Error()
		if res != nil {
			switch res.Status {
			case agent.StatusTimeout:
				final.Status = StatusTimeout
			case agent.StatusCancelled:
				final.Status = StatusCancelled
			}
		}
	default:
		final.Status = StatusCompleted
		if final.Response == AnnounceSkip {
			final.Status = StatusSkipped
		}
	}
	if final.Status == StatusCancelled {
		s.cancelled.Add(1)
	}
	if final.Error == "" && runErr != nil {
		final.Error = runErr.Error()
	}

	if err := s.store.UpdateSessionState(h.sessionID, sessions.StateClosed); err != nil {
		s.logger.Warn("close sub-session failed",
			"spawn_id", h.spawnID, "session_id", h.sessionID, "error", err)
	}

	s.mu.Lock()
	delete(s.handles, h.spawnID)
	s.recordLocked(final)
	fns := append([]AnnounceFunc(nil), s.announceFns...)
	s.mu.Unlock()
	h.finish(final)

	s.logger.Info("spawn finished",
		"spawn_id", h.spawnID, "status", string(final.Status),
		"runtime_s", fmt.Sprintf("%.1f", final.RuntimeSeconds))

	if req.Announce && final.Status != StatusSkipped {
		msg := AnnounceMessage{
			SpawnID:        final.SpawnID,
			Status:         final.Status,
			Summary:        summaryLine(final),
			Result:         final.Response,
			Error:          final.Error,
			RuntimeSeconds: final.RuntimeSeconds,
			TokensUsed:     final.TokensUsed,
			SessionKey:     final.SessionKey,
			SessionID:      final.SessionID,
		}
		for _, fn := range fns {
			s.announce(fn, msg)
		}
	}

	s.scheduleCleanup(h.sessionID, req.Cleanup)
}

func (s *Spawner) announce(fn AnnounceFunc, msg AnnounceMessage) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("announce callback panicked",
				"spawn_id", msg.SpawnID, "panic", fmt.Sprintf("%v", p))
		}
	}()
	fn(msg)
}

func summaryLine(res SpawnResult) string {
	id := res.SpawnID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("background task %s finished with status %s in %.1fs",
		id, res.Status, res.RuntimeSeconds)
}

// scheduleCleanup archives the sub-session per the cleanup mode:
// "delete" archives immediately, "keep" after the configured delay.
func (s *Spawner) scheduleCleanup(sessionID, mode string) {
	if mode == "delete" {
		if err := s.store.ArchiveSession(sessionID); err != nil {
			s.logger.Warn("archive sub-session failed", "session_id", sessionID, "error", err)
		}
		return
	}
	timer := time.AfterFunc(s.cfg.ArchiveAfter, func() {
		if err := s.store.ArchiveSession(sessionID); err != nil && !errors.Is(err, sessions.ErrAlreadyArchived) {
			s.logger.Warn("scheduled archive failed", "session_id", sessionID, "error", err)
		}
		s.mu.Lock()
		delete(s.timers, sessionID)
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.timers[sessionID] = timer
	s.mu.Unlock()
}

// StopSpawn cancels a running task and waits up to timeout for it to
// finish. With force set, a task that does not stop in time is still
// recorded as CANCELLED and dropped from the running set.
func (s *Spawner) StopSpawn(spawnID string, timeout time.Duration, force bool) error {
	s.mu.Lock()
	h, ok := s.handles[spawnID]
	s.mu.Unlock()
	if !ok {
		if _, found := s.Result(spawnID); found {
			return nil // already terminal
		}
		return ErrUnknownSpawn
	}

	h.cancel()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
	}
	if !force {
		return fmt.Errorf("spawn %s did not stop within %s", spawnID, timeout)
	}

	s.logger.Warn("force-dropping unresponsive spawn", "spawn_id", spawnID)
	s.mu.Lock()
	delete(s.handles, spawnID)
	res, ok := s.results[spawnID]
	if !ok {
		res = SpawnResult{
			SpawnID:    h.spawnID,
			SessionID:  h.sessionID,
			SessionKey: h.sessionKey,
			StartedAt:  h.startedAt,
		}
	}
	res.Status = StatusCancelled
	res.FinishedAt = time.Now()
	res.RuntimeSeconds = res.FinishedAt.Sub(h.startedAt).Seconds()
	s.recordLocked(res)
	s.mu.Unlock()
	s.cancelled.Add(1)
	return nil
}

// setStatus rewrites the recorded snapshot's status in place.
func (s *Spawner) setStatus(spawnID string, status Status) {
	s.mu.Lock()
	if res, ok := s.results[spawnID]; ok {
		res.Status = status
		s.results[spawnID] = res
	}
	s.mu.Unlock()
}

// StopAllForSession cancels every running task spawned from the parent
// session and returns how many it signalled.
func (s *Spawner) StopAllForSession(parentSessionID string) int {
	s.mu.Lock()
	var targets []*Handle
	for _, h := range s.handles {
		if h.parentID == parentSessionID {
			targets = append(targets, h)
		}
	}
	s.mu.Unlock()
	for _, h := range targets {
		h.Cancel()
	}
	return len(targets)
}

// StopAll cancels every running task and returns how many it signalled.
func (s *Spawner) StopAll() int {
	s.mu.Lock()
	targets := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		targets = append(targets, h)
	}
	s.mu.Unlock()
	for _, h := range targets {
		h.Cancel()
	}
	return len(targets)
}

// Close stops everything, cancels pending archival timers, and waits
// for the task goroutines to drain.
func (s *Spawner) Close() {
	s.StopAll()
	s.mu.Lock()
	for id, tm := range s.timers {
		tm.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Handle returns the live handle for a running spawn.
func (s *Spawner) Handle(spawnID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[spawnID]
	return h, ok
}

// Result returns the latest recorded snapshot for a spawn id.
func (s *Spawner) Result(spawnID string) (SpawnResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[spawnID]
	return res, ok
}

// RunningTasks lists tasks that have not finished, oldest first.
func (s *Spawner) RunningTasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.handles))
	for _, h := range s.handles {
		status := StatusRunning
		if h.state.Load() == statePending {
			status = StatusAccepted
		}
		out = append(out, TaskInfo{
			SpawnID:         h.spawnID,
			SessionID:       h.sessionID,
			SessionKey:      h.sessionKey,
			ParentSessionID: h.parentID,
			Task:            h.task,
			Status:          status,
			StartedAt:       h.startedAt,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Cancelled returns how many tasks ended CANCELLED.
func (s *Spawner) Cancelled() int64 { return s.cancelled.Load() }

// recordLocked upserts a result snapshot; the caller holds s.mu. The
// history is bounded, oldest snapshots fall off first.
func (s *Spawner) recordLocked(res SpawnResult) {
	if _, seen := s.results[res.SpawnID]; !seen {
		s.resultOrder = append(s.resultOrder, res.SpawnID)
		if len(s.resultOrder) > maxResultHistory {
			evict := s.resultOrder[0]
			s.resultOrder = s.resultOrder[1:]
			delete(s.results, evict)
		}
	}
	s.results[res.SpawnID] = res
}
