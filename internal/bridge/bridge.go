// Package bridge translates high-level semantic commands into action
// sequences for the real-time motion controller (the cerebellum side)
// and aggregates the controller's per-action status reports.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/openrobobrain/orb/pkg/protocol"
)

// Status is the outcome of a command or a single action.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// Feedback is the aggregated outcome of one command. A command is
// COMPLETED only when every action completed; the first failing action
// decides a failure status.
type Feedback struct {
	CommandID string         `json:"command_id"`
	Status    Status         `json:"status"`
	Detail    string         `json:"detail,omitempty"`
	Actions   []ActionStatus `json:"actions,omitempty"`
}

type pendingCmd struct {
	cmd      *protocol.Command
	total    int
	statuses map[int]ActionStatus
	resolved bool
	feedback Feedback
	done     chan struct{}
}

func (p *pendingCmd) snapshotLocked() []ActionStatus {
	out := make([]ActionStatus, 0, len(p.statuses))
	for seq := 0; seq < p.total; seq++ {
		if st, ok := p.statuses[seq]; ok {
			out = append(out, st)
		}
	}
	return out
}

// NotifyFunc receives bridge lifecycle notifications (currently only
// emergency stops) for fan-out to broadcast subscribers.
type NotifyFunc func(event string, data map[string]any)

// Config wires a Bridge. Zero values take the defaults.
type Config struct {
	Mock          bool          // record commands, ack synthetically
	RatePerSecond float64       // action publish rate (default 20)
	Burst         int           // publish burst (default 40)
	WaitTimeout   time.Duration // default SendCommand wait bound (default 30s)
	Notify        NotifyFunc
}

// Bridge owns the translator registry, the controller transport, and
// the table of commands awaiting completion.
type Bridge struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	mu          sync.Mutex
	transport   Transport
	translators []Translator
	pending     map[string]*pendingCmd
	mockLog     []protocol.Command

	actionsSent atomic.Int64
}

// New builds a Bridge with the built-in translators registered. The
// specialized ones (Mover, Grasper, Speaker, Driver) come first; the
// Passthrough catches the rest of the command vocabulary.
func New(transport Transport, cfg Config) *Bridge {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	return &Bridge{
		cfg:         cfg,
		transport:   transport,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:      slog.Default().With("component", "bridge"),
		translators: []Translator{Mover{}, Grasper{}, NewSpeaker(0), Driver{}, Passthrough{}},
		pending:     make(map[string]*pendingCmd),
	}
}

// ConnectWS dials the motion controller and routes its status reports
// back into the bridge.
func (b *Bridge) ConnectWS(ctx context.Context, url string) error {
	tr, err := DialWS(ctx, url, b.HandleActionStatus)
	if err != nil {
		return fmt.Errorf("connect controller: %w", err)
	}
	b.mu.Lock()
	b.transport = tr
	b.mu.Unlock()
	b.logger.Info("controller connected", "url", url)
	return nil
}

// RegisterTranslator adds a translator behind the built-ins. Since the
// built-ins cover the whole command vocabulary, registered translators
// extend the bridge to new command types rather than override.
func (b *Bridge) RegisterTranslator(tr Translator) {
	if tr == nil {
		return
	}
	b.mu.Lock()
	b.translators = append(b.translators, tr)
	b.mu.Unlock()
}

func (b *Bridge) transportRef() Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport
}

func (b *Bridge) findTranslator(cmd *protocol.Command) Translator {
	b.mu.Lock()
	trs := b.translators
	b.mu.Unlock()
	for _, tr := range trs {
		if tr.CanTranslate(cmd) {
			return tr
		}
	}
	return nil
}

// SendCommand translates and publishes one command. In mock mode the
// command is recorded and acknowledged immediately. With wait set the
// call blocks until every action reports completion, the timeout
// passes (0 = the configured default), or ctx is done. Translation
// misses and transport failures are folded into the feedback; the
// error return is reserved for invalid input and caller cancellation.
func (b *Bridge) SendCommand(ctx context.Context, cmd *protocol.Command, wait bool, timeout time.Duration) (*Feedback, error) {
	if cmd == nil {
		return nil, errors.New("bridge: nil command")
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	if b.cfg.Mock {
		b.mu.Lock()
		b.mockLog = append(b.mockLog, *cmd)
		b.mu.Unlock()
		b.logger.Debug("mock command recorded",
			"command_id", cmd.CommandID, "type", cmd.CommandType)
		return &Feedback{
			CommandID: cmd.CommandID,
			Status:    StatusCompleted,
			Detail:    "mock controller",
		}, nil
	}
	transport := b.transportRef()
	if transport == nil {
		return &Feedback{
			CommandID: cmd.CommandID,
			Status:    StatusError,
			Detail:    "no controller transport configured",
		}, nil
	}

	tr := b.findTranslator(cmd)
	if tr == nil {
		return &Feedback{
			CommandID: cmd.CommandID,
			Status:    StatusError,
			Detail:    fmt.Sprintf("no translator for command type %q", cmd.CommandType),
		}, nil
	}
	actions := tr.Translate(cmd)
	if len(actions) == 0 {
		return &Feedback{
			CommandID: cmd.CommandID,
			Status:    StatusError,
			Detail:    "translator produced no actions",
		}, nil
	}

	pend := &pendingCmd{
		cmd:      cmd,
		total:    len(actions),
		statuses: make(map[int]ActionStatus, len(actions)),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.pending[cmd.CommandID] = pend
	b.mu.Unlock()

	for i := range actions {
		if err := b.limiter.Wait(ctx); err != nil {
			fb := b.resolvePending(pend, StatusCancelled, "publish interrupted")
			return fb, err
		}
		if err := transport.Publish(ctx, actions[i]); err != nil {
			fb := b.resolvePending(pend, StatusError, err.Error())
			return fb, nil
		}
		b.actionsSent.Add(1)

		// a synchronous ack (mock transport) may already have decided
		// the command; publishing the rest would be noise
		b.mu.Lock()
		decided := pend.resolved
		b.mu.Unlock()
		if decided {
			break
		}
	}

	b.mu.Lock()
	if pend.resolved {
		fb := pend.feedback
		b.mu.Unlock()
		return &fb, nil
	}
	if !wait {
		fb := Feedback{
			CommandID: cmd.CommandID,
			Status:    StatusPending,
			Actions:   pend.snapshotLocked(),
		}
		b.mu.Unlock()
		return &fb, nil
	}
	b.mu.Unlock()

	if timeout <= 0 {
		timeout = b.cfg.WaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-pend.done:
		b.mu.Lock()
		fb := pend.feedback
		b.mu.Unlock()
		return &fb, nil
	case <-timer.C:
		fb := b.resolvePending(pend, StatusTimeout, fmt.Sprintf("no completion within %s", timeout))
		return fb, nil
	case <-ctx.Done():
		fb := b.resolvePending(pend, StatusCancelled, "caller cancelled")
		return fb, ctx.Err()
	}
}

// HandleActionStatus ingests one controller report and resolves the
// owning command once its outcome is decided. Reports for unknown or
// already-resolved commands are dropped.
func (b *Bridge) HandleActionStatus(st ActionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pend, ok := b.pending[st.CommandID]
	if !ok {
		b.logger.Debug("status for unknown command",
			"command_id", st.CommandID, "seq", st.Seq, "status", string(st.Status))
		return
	}
	pend.statuses[st.Seq] = st

	switch st.Status {
	case StatusError, StatusTimeout, StatusCancelled:
		b.resolveLocked(pend, st.Status,
			fmt.Sprintf("action %q (seq %d): %s", st.Name, st.Seq, st.Detail))
	case StatusCompleted:
		completed := 0
		for _, s := range pend.statuses {
			if s.Status == StatusCompleted {
				completed++
			}
		}
		if completed == pend.total {
			b.resolveLocked(pend, StatusCompleted, "")
		}
	}
}

// EmergencyStop publishes the controller stop signal, resolves every
// pending command as CANCELLED, and notifies the broadcaster. Returns
// how many commands were cancelled.
func (b *Bridge) EmergencyStop(ctx context.Context) int {
	if tr := b.transportRef(); !b.cfg.Mock && tr != nil {
		if err := tr.PublishStop(ctx); err != nil {
			b.logger.Error("emergency stop publish failed", "error", err)
		}
	}

	b.mu.Lock()
	targets := make([]*pendingCmd, 0, len(b.pending))
	for _, p := range b.pending {
		targets = append(targets, p)
	}
	for _, p := range targets {
		b.resolveLocked(p, StatusCancelled, "emergency stop")
	}
	n := len(targets)
	b.mu.Unlock()

	b.logger.Warn("emergency stop", "cancelled_commands", n)
	if b.cfg.Notify != nil {
		b.cfg.Notify("emergency_stop", map[string]any{"cancelled_commands": n})
	}
	return n
}

// resolvePending finishes a command the caller holds a pointer to. A
// concurrent earlier resolution wins; its feedback is returned.
func (b *Bridge) resolvePending(pend *pendingCmd, status Status, detail string) *Feedback {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !pend.resolved {
		b.resolveLocked(pend, status, detail)
	}
	fb := pend.feedback
	return &fb
}

// resolveLocked finalizes the feedback, removes the command from the
// pending table, and wakes the waiters. Caller holds b.mu.
func (b *Bridge) resolveLocked(pend *pendingCmd, status Status, detail string) {
	pend.resolved = true
	pend.feedback = Feedback{
		CommandID: pend.cmd.CommandID,
		Status:    status,
		Detail:    detail,
		Actions:   pend.snapshotLocked(),
	}
	delete(b.pending, pend.cmd.CommandID)
	close(pend.done)
}

// Pending returns how many commands await completion.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ActionsSent returns how many actions were published to the
// controller.
func (b *Bridge) ActionsSent() int64 { return b.actionsSent.Load() }

// MockLog returns the commands recorded in mock mode.
func (b *Bridge) MockLog() []protocol.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Command(nil), b.mockLog...)
}

// Close shuts down the transport, if any.
func (b *Bridge) Close() error {
	tr := b.transportRef()
	if tr == nil {
		return nil
	}
	return tr.Close()
}
