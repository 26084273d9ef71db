package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openrobobrain/orb/internal/bus"
	"github.com/openrobobrain/orb/internal/providers"
	"github.com/openrobobrain/orb/internal/sessions"
	"github.com/openrobobrain/orb/internal/tools"
)

type loopFixture struct {
	loop    *Loop
	store   *sessions.Store
	session *sessions.Session

	mu     sync.Mutex
	events []bus.StreamEvent
}

func newLoopFixture(t *testing.T, provider providers.Provider, mutate func(*LoopConfig)) *loopFixture {
	t.Helper()
	store, err := sessions.NewStore(t.TempDir(), sessions.ResetPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := store.CreateSession(sessions.CreateOptions{Key: "agent:main:main"})
	if err != nil {
		t.Fatal(err)
	}

	f := &loopFixture{store: store, session: sess}
	cfg := LoopConfig{
		AgentID:  "main",
		Model:    "test-model",
		Sessions: store,
		Builder:  NewContextBuilder(ContextConfig{}, nil),
		Provider: provider,
		OnEvent: func(ev bus.StreamEvent) {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.loop = NewLoop(cfg)
	return f
}

func (f *loopFixture) request(input string) RunRequest {
	return RunRequest{
		SessionID:  f.session.ID,
		SessionKey: f.session.Key,
		UserInput:  input,
		Stream:     true,
	}
}

func (f *loopFixture) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i := range f.events {
		out[i] = string(f.events[i].Type)
	}
	return out
}

func (f *loopFixture) messages(t *testing.T) []sessions.Message {
	t.Helper()
	msgs, err := f.store.GetMessages(f.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

// echoTool returns a registry+executor with one tool that records its
// invocations.
func echoTool(t *testing.T, name string, calls *atomic.Int32) (*tools.Registry, *tools.Executor, *tools.Policy) {
	t.Helper()
	registry := tools.NewRegistry()
	err := registry.Register(tools.Tool{
		Name:        name,
		Description: "test tool",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			if calls != nil {
				calls.Add(1)
			}
			return "ok", nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	policy := tools.NewPolicy(registry)
	executor := tools.NewExecutor(registry, policy, tools.ExecutorConfig{Enforce: true})
	return registry, executor, policy
}

func TestRunPlainReply(t *testing.T) {
	provider := providers.NewScripted(providers.Turn{
		Deltas: []string{"你好", "！"},
		Usage:  &providers.Usage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10},
	})
	f := newLoopFixture(t, provider, nil)

	res, err := f.loop.Run(context.Background(), f.request("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("Status = %s, want success", res.Status)
	}
	if res.Response != "你好！" {
		t.Errorf("Response = %q", res.Response)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if res.TokensUsed != 10 {
		t.Errorf("TokensUsed = %d, want 10", res.TokensUsed)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user+assistant: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != sessions.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("first persisted = %+v", msgs[0])
	}
	if msgs[1].Role != sessions.RoleAssistant || msgs[1].Content != "你好！" {
		t.Errorf("second persisted = %+v", msgs[1])
	}

	types := f.eventTypes()
	if types[0] != "lifecycle:start" || types[len(types)-1] != "lifecycle:end" {
		t.Errorf("event envelope = %v", types)
	}

	sess, err := f.store.GetSession(f.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.InputTokens != 8 || sess.OutputTokens != 2 {
		t.Errorf("session token counters = %d/%d", sess.InputTokens, sess.OutputTokens)
	}
}

func TestRunToolCycle(t *testing.T) {
	provider := providers.NewScripted(
		providers.Turn{ToolCalls: []providers.ToolCall{{
			ID:        "call-1",
			Name:      "memory_search",
			Arguments: map[string]any{"query": "cup"},
		}}},
		providers.Turn{
			Deltas: []string{"我记得", "杯子在厨房。"},
			Usage:  &providers.Usage{TotalTokens: 25},
		},
	)
	var calls atomic.Int32
	registry, executor, _ := echoTool(t, "memory_search", &calls)
	f := newLoopFixture(t, provider, func(cfg *LoopConfig) {
		cfg.Registry = registry
		cfg.Executor = executor
	})

	res, err := f.loop.Run(context.Background(), f.request("杯子在哪?"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.Error)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}
	if !strings.HasPrefix(res.Response, "我记得") {
		t.Errorf("Response = %q", res.Response)
	}
	if res.TokensUsed != 25 {
		t.Errorf("TokensUsed = %d, want 25", res.TokensUsed)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("tool handler invoked %d times, want 1", got)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].ToolName != "memory_search" {
		t.Errorf("ToolCalls summary = %+v", res.ToolCalls)
	}

	msgs := f.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("persisted %d messages, want user+tool+assistant: %+v", len(msgs), msgs)
	}
	toolMsg := msgs[1]
	if toolMsg.Role != sessions.RoleTool || toolMsg.ToolCallID != "call-1" || toolMsg.ToolName != "memory_search" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if !strings.HasPrefix(msgs[2].Content, "我记得") {
		t.Errorf("assistant message = %q", msgs[2].Content)
	}

	want := []string{
		"lifecycle:start",
		"assistant:end",
		"tool:start",
		"tool:end",
		"assistant:delta",
		"assistant:delta",
		"assistant:end",
		"lifecycle:end",
	}
	types := f.eventTypes()
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	// the provider saw the tool exchange on the second request
	second := provider.Requests()[1]
	var sawTool bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "call-1" {
			sawTool = true
		}
	}
	if !sawTool {
		t.Error("second inference request missing the tool result message")
	}
}

func TestRunDeniedToolNeverInvokesHandler(t *testing.T) {
	provider := providers.NewScripted(
		providers.Turn{ToolCalls: []providers.ToolCall{{ID: "c-exec", Name: "exec"}}},
		providers.Turn{Deltas: []string{"I cannot run that."}},
	)
	var calls atomic.Int32
	registry, executor, policy := echoTool(t, "exec", &calls)
	policy.SetGlobal("", []string{"*"}, []string{"exec"})

	f := newLoopFixture(t, provider, func(cfg *LoopConfig) {
		cfg.Registry = registry
		cfg.Executor = executor
	})

	res, err := f.loop.Run(context.Background(), f.request("run exec"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("Status = %s, denial must not fail the run", res.Status)
	}
	if calls.Load() != 0 {
		t.Error("denied handler was invoked")
	}
	if policy.Denied() != 1 {
		t.Errorf("denied counter = %d, want 1", policy.Denied())
	}

	var toolMsg *sessions.Message
	for _, m := range f.messages(t) {
		if m.Role == sessions.RoleTool {
			m := m
			toolMsg = &m
		}
	}
	if toolMsg == nil {
		t.Fatal("denied tool result not persisted")
	}
	if status, _ := toolMsg.Metadata["status"].(string); status != string(tools.StatusDenied) {
		t.Errorf("persisted tool status = %v", toolMsg.Metadata["status"])
	}
}

func TestRunTimeout(t *testing.T) {
	provider := providers.NewScripted(providers.Turn{
		Deltas:   []string{"a", "b", "c", "d", "e", "f"},
		DelayPer: 50 * time.Millisecond,
	})
	f := newLoopFixture(t, provider, func(cfg *LoopConfig) {
		cfg.Timeout = 80 * time.Millisecond
	})

	res, err := f.loop.Run(context.Background(), f.request("slow"))
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if res.Status != StatusTimeout {
		t.Errorf("Status = %s, want timeout", res.Status)
	}
	if len(f.messages(t)) != 0 {
		t.Error("timed-out run persisted messages")
	}
	types := f.eventTypes()
	if types[len(types)-1] != "lifecycle:error" {
		t.Errorf("final event = %s, want lifecycle:error", types[len(types)-1])
	}
}

func TestAbortCancelsRun(t *testing.T) {
	provider := providers.NewScripted(providers.Turn{
		Deltas:   []string{"one", "two", "three", "four"},
		DelayPer: 100 * time.Millisecond,
	})

	runID := make(chan string, 1)
	f := newLoopFixture(t, provider, nil)
	base := f.loop.cfg.OnEvent
	f.loop.cfg.OnEvent = func(ev bus.StreamEvent) {
		if ev.Type == bus.EventLifecycleStart {
			select {
			case runID <- ev.RunID:
			default:
			}
		}
		base(ev)
	}

	type outcome struct {
		res *RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.loop.Run(context.Background(), f.request("long job"))
		done <- outcome{res, err}
	}()

	id := <-runID
	time.Sleep(120 * time.Millisecond) // let at least one delta through
	if !f.loop.Abort(id) {
		t.Fatal("Abort did not find the run")
	}

	out := <-done
	if out.err == nil {
		t.Fatal("expected a cancellation error")
	}
	if out.res.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", out.res.Status)
	}
	if len(f.messages(t)) != 0 {
		t.Error("cancelled run persisted messages")
	}
	if f.loop.Abort(id) {
		t.Error("cancel registry entry survived the run")
	}
}

func TestSteerModeReplacesIntake(t *testing.T) {
	provider := providers.NewScripted(
		providers.Turn{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo"},
			{ID: "c2", Name: "echo"},
		}},
		providers.Turn{Deltas: []string{"changed topic"}},
	)
	var calls atomic.Int32
	registry, executor, _ := echoTool(t, "echo", &calls)
	f := newLoopFixture(t, provider, func(cfg *LoopConfig) {
		cfg.QueueMode = QueueSteer
		cfg.Registry = registry
		cfg.Executor = executor
	})

	f.loop.Enqueue(f.session.ID, "actually, stop that")
	res, err := f.loop.Run(context.Background(), f.request("original ask"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("steer executed %d tool calls, want 1 before yielding", got)
	}
	if res.Response != "changed topic" {
		t.Errorf("Response = %q", res.Response)
	}

	var userContents []string
	for _, m := range f.messages(t) {
		if m.Role == sessions.RoleUser {
			userContents = append(userContents, m.Content)
		}
	}
	if len(userContents) != 2 || userContents[0] != "original ask" || userContents[1] != "actually, stop that" {
		t.Errorf("persisted user inputs = %v", userContents)
	}
}

func TestFollowupModeRunsQueuedMessages(t *testing.T) {
	provider := providers.NewScripted(
		providers.Turn{Deltas: []string{"first answer"}},
		providers.Turn{Deltas: []string{"second answer"}},
	)
	f := newLoopFixture(t, provider, func(cfg *LoopConfig) {
		cfg.QueueMode = QueueFollowup
	})

	f.loop.Enqueue(f.session.ID, "and a follow-up")
	res, err := f.loop.Run(context.Background(), f.request("first ask"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "first answer" {
		t.Errorf("primary Response = %q", res.Response)
	}

	results := f.loop.RecentResults(10)
	if len(results) != 2 {
		t.Fatalf("recorded %d results, want 2", len(results))
	}
	if results[1].Response != "second answer" {
		t.Errorf("follow-up response = %q", results[1].Response)
	}

	msgs := f.messages(t)
	if len(msgs) != 4 {
		t.Fatalf("persisted %d messages, want 4: %+v", len(msgs), msgs)
	}
	if msgs[2].Content != "and a follow-up" {
		t.Errorf("follow-up user message = %q", msgs[2].Content)
	}
}

func TestMaxToolCallsPerTurn(t *testing.T) {
	provider := providers.NewScripted(
		providers.Turn{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo"},
			{ID: "c2", Name: "echo"},
			{ID: "c3", Name: "echo"},
		}},
		providers.Turn{Deltas: []string{"done"}},
	)
	var calls atomic.Int32
	registry, executor, _ := echoTool(t, "echo", &calls)
	f := newLoopFixture(t, provider, func(cfg *LoopConfig) {
		cfg.MaxToolCallsPerTurn = 1
		cfg.Registry = registry
		cfg.Executor = executor
	})

	res, err := f.loop.Run(context.Background(), f.request("busy work"))
	if err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("executed %d calls, want 1", got)
	}
	if len(res.ToolCalls) != 1 {
		t.Errorf("ToolCalls summary = %+v", res.ToolCalls)
	}
}

func TestResultRingIsBounded(t *testing.T) {
	provider := providers.NewScripted(
		providers.Turn{Deltas: []string{"r1"}},
		providers.Turn{Deltas: []string{"r2"}},
		providers.Turn{Deltas: []string{"r3"}},
		providers.Turn{Deltas: []string{"r4"}},
	)
	f := newLoopFixture(t, provider, func(cfg *LoopConfig) {
		cfg.ResultHistory = 2
	})

	for i := 0; i < 4; i++ {
		if _, err := f.loop.Run(context.Background(), f.request("again")); err != nil {
			t.Fatal(err)
		}
	}

	results := f.loop.RecentResults(10)
	if len(results) != 2 {
		t.Fatalf("ring holds %d results, want 2", len(results))
	}
	if results[0].Response != "r3" || results[1].Response != "r4" {
		t.Errorf("ring = %q, %q", results[0].Response, results[1].Response)
	}
}

// gatedProvider blocks inside Stream until released, counting
// concurrent calls.
type gatedProvider struct {
	concurrent atomic.Int32
	peak       atomic.Int32
}

func (g *gatedProvider) Name() string         { return "gated" }
func (g *gatedProvider) DefaultModel() string { return "gated-1" }

func (g *gatedProvider) Stream(ctx context.Context, _ providers.Request, emit func(providers.Item)) error {
	n := g.concurrent.Add(1)
	defer g.concurrent.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(30 * time.Millisecond)
	emit(providers.Item{Type: providers.ItemDelta, Content: "ok"})
	emit(providers.Item{Type: providers.ItemFinish, Reason: "stop"})
	return nil
}

func TestRunsOnOneSessionAreSerial(t *testing.T) {
	provider := &gatedProvider{}
	f := newLoopFixture(t, provider, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.loop.Run(context.Background(), f.request("ping")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := provider.peak.Load(); got != 1 {
		t.Errorf("peak concurrent inferences on one session = %d, want 1", got)
	}
	if got := len(f.messages(t)); got != 8 {
		t.Errorf("persisted %d messages, want 8", got)
	}
}

func TestRunWithoutProviderFails(t *testing.T) {
	f := newLoopFixture(t, nil, nil)
	res, err := f.loop.Run(context.Background(), f.request("hi"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if res.Status != StatusError {
		t.Errorf("Status = %s, want error", res.Status)
	}
}

func TestParseQueueMode(t *testing.T) {
	cases := map[string]QueueMode{
		"steer":    QueueSteer,
		"followup": QueueFollowup,
		"collect":  QueueCollect,
		"":         QueueCollect,
		"bogus":    QueueCollect,
	}
	for in, want := range cases {
		if got := ParseQueueMode(in); got != want {
			t.Errorf("ParseQueueMode(%q) = %s, want %s", in, got, want)
		}
	}
}
