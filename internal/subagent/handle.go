package subagent

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	statePending int32 = iota
	stateRunning
	stateDone
)

// Handle tracks one spawned task. All methods are safe for concurrent
// use.
type Handle struct {
	spawnID    string
	sessionID  string
	sessionKey string
	parentID   string
	task       string
	startedAt  time.Time

	state  atomic.Int32
	result SpawnResult
	done   chan struct{}
	cancel context.CancelFunc
}

func (h *Handle) SpawnID() string    { return h.spawnID }
func (h *Handle) SessionID() string  { return h.sessionID }
func (h *Handle) SessionKey() string { return h.sessionKey }

// Done returns a channel closed when the task reaches a terminal
// status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Running reports whether the task has started and not yet finished.
func (h *Handle) Running() bool { return h.state.Load() == stateRunning }

// Cancel requests cancellation without blocking. The task reports
// CANCELLED once its run returns.
func (h *Handle) Cancel() { h.cancel() }

// Await blocks until the task finishes or ctx is done. The result is
// valid only when the returned error is nil.
func (h *Handle) Await(ctx context.Context) (SpawnResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return SpawnResult{}, ctx.Err()
	}
}

// Result returns the terminal result, or false while the task is still
// in flight.
func (h *Handle) Result() (SpawnResult, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return SpawnResult{}, false
	}
}

// finish stores the terminal result. The channel close publishes the
// write: readers that observed the closed channel see the result.
func (h *Handle) finish(res SpawnResult) {
	h.result = res
	h.state.Store(stateDone)
	close(h.done)
}
