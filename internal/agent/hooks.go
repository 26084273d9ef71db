package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/openrobobrain/orb/internal/tools"
)

// HookPoint names a place in the run where registered hooks fire.
type HookPoint string

const (
	HookBeforeRun         HookPoint = "before_run"
	HookAfterIntake       HookPoint = "after_intake"
	HookBeforeInference   HookPoint = "before_inference"
	HookAfterInference    HookPoint = "after_inference"
	HookBeforeToolCall    HookPoint = "before_tool_call"
	HookAfterToolCall     HookPoint = "after_tool_call"
	HookBeforePersistence HookPoint = "before_persistence"
	HookAfterRun          HookPoint = "after_run"
	HookOnError           HookPoint = "on_error"
)

// HookContext is what a hook sees. Run is always set; ToolCall and
// ToolResult are set around tool execution, Err at on_error.
type HookContext struct {
	Point      HookPoint
	Run        *RunContext
	ToolCall   *tools.ToolCall
	ToolResult *tools.ToolResult
	Err        error
}

// HookFunc is one hook body. A returned error is logged, never
// propagated into the run.
type HookFunc func(ctx context.Context, hc *HookContext) error

type hookEntry struct {
	name     string
	priority int
	order    int
	async    bool
	fn       HookFunc
}

// Hooks is the named-hook registry. Hooks at one point run in priority
// order (lower first), registration order breaking ties. Sync hooks run
// inline; async hooks run on their own goroutine and never delay the
// run.
type Hooks struct {
	mu      sync.RWMutex
	order   int
	entries map[HookPoint][]hookEntry
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewHooks() *Hooks {
	return &Hooks{
		entries: make(map[HookPoint][]hookEntry),
		logger:  slog.Default().With("component", "hooks"),
	}
}

// Register adds a synchronous hook at a point.
func (h *Hooks) Register(point HookPoint, name string, priority int, fn HookFunc) {
	h.add(point, hookEntry{name: name, priority: priority, fn: fn})
}

// RegisterAsync adds a hook that runs on its own goroutine.
func (h *Hooks) RegisterAsync(point HookPoint, name string, priority int, fn HookFunc) {
	h.add(point, hookEntry{name: name, priority: priority, async: true, fn: fn})
}

func (h *Hooks) add(point HookPoint, e hookEntry) {
	if e.fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order++
	e.order = h.order
	list := append(h.entries[point], e)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].order < list[j].order
	})
	h.entries[point] = list
}

// Unregister removes every hook with the given name at the point.
func (h *Hooks) Unregister(point HookPoint, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.entries[point]
	kept := list[:0]
	for _, e := range list {
		if e.name != name {
			kept = append(kept, e)
		}
	}
	h.entries[point] = kept
}

// Fire runs the hooks registered at the point. Failures and panics are
// logged and swallowed so a bad hook cannot abort a run.
func (h *Hooks) Fire(ctx context.Context, point HookPoint, hc *HookContext) {
	h.mu.RLock()
	list := make([]hookEntry, len(h.entries[point]))
	copy(list, h.entries[point])
	h.mu.RUnlock()
	if len(list) == 0 {
		return
	}

	if hc == nil {
		hc = &HookContext{}
	}
	hc.Point = point

	for _, e := range list {
		if e.async {
			h.wg.Add(1)
			go func(e hookEntry) {
				defer h.wg.Done()
				h.run(ctx, point, e, hc)
			}(e)
			continue
		}
		h.run(ctx, point, e, hc)
	}
}

func (h *Hooks) run(ctx context.Context, point HookPoint, e hookEntry, hc *HookContext) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook panicked", "point", string(point), "hook", e.name, "panic", r)
		}
	}()
	if err := e.fn(ctx, hc); err != nil {
		h.logger.Warn("hook failed", "point", string(point), "hook", e.name, "error", err)
	}
}

// Wait blocks until all in-flight async hooks return.
func (h *Hooks) Wait() { h.wg.Wait() }
