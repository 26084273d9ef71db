package providers

import (
	"context"
	"sync"
	"time"
)

// Turn is one scripted model reply.
type Turn struct {
	Deltas    []string
	ToolCalls []ToolCall
	Usage     *Usage
	Reason    string        // default "stop", or "tool_calls" when calls are present
	Err       error         // fail the turn instead of emitting
	DelayPer  time.Duration // pause before each delta, for streaming tests
}

// Scripted replays a fixed sequence of turns, one per Stream call, and
// records every request it sees. Exhausted scripts emit a bare finish.
// Used by tests and `doctor --selftest`.
type Scripted struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	requests []Request
}

// NewScripted builds a provider that plays the turns in order.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

func (s *Scripted) Name() string         { return "scripted" }
func (s *Scripted) DefaultModel() string { return "scripted-1" }

// Append adds turns to the end of the script.
func (s *Scripted) Append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// Requests returns a copy of every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns how many turns have been consumed.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scripted) Stream(ctx context.Context, req Request, emit func(Item)) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var turn Turn
	if s.next < len(s.turns) {
		turn = s.turns[s.next]
	}
	s.next++
	s.mu.Unlock()

	if turn.Err != nil {
		return turn.Err
	}
	for _, delta := range turn.Deltas {
		if turn.DelayPer > 0 {
			select {
			case <-time.After(turn.DelayPer):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(Item{Type: ItemDelta, Content: delta})
	}
	for i := range turn.ToolCalls {
		tc := turn.ToolCalls[i]
		emit(Item{Type: ItemToolCall, ToolCall: &tc})
	}
	if turn.Usage != nil {
		emit(Item{Type: ItemUsage, Usage: turn.Usage})
	}
	reason := turn.Reason
	if reason == "" {
		reason = "stop"
		if len(turn.ToolCalls) > 0 {
			reason = "tool_calls"
		}
	}
	emit(Item{Type: ItemFinish, Reason: reason})
	return nil
}
