package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBufferSize = 256
	defaultQueueSize  = 64
)

type subscription struct {
	id string
	ch chan StreamEvent
}

type callback struct {
	id string
	fn EventHandler
}

// Stream is a per-run event bus. Events carry a strictly increasing
// sequence number. A bounded ring buffer replays recent events to late
// subscribers; when a subscriber queue is full the oldest queued event
// is dropped so the producer never blocks.
type Stream struct {
	runID      string
	sessionID  string
	bufferSize int
	queueSize  int

	mu        sync.Mutex
	seq       uint64
	buffer    []StreamEvent
	subs      []*subscription
	callbacks []callback
	closed    bool

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// NewStream creates a stream for one run with default buffer sizes.
func NewStream(runID, sessionID string) *Stream {
	return NewStreamSized(runID, sessionID, defaultBufferSize, defaultQueueSize)
}

// NewStreamSized creates a stream with explicit ring and queue capacity.
func NewStreamSized(runID, sessionID string, bufferSize, queueSize int) *Stream {
	if bufferSize < 1 {
		bufferSize = defaultBufferSize
	}
	if queueSize < 1 {
		queueSize = defaultQueueSize
	}
	return &Stream{
		runID:      runID,
		sessionID:  sessionID,
		bufferSize: bufferSize,
		queueSize:  queueSize,
	}
}

// RunID returns the run this stream belongs to.
func (s *Stream) RunID() string { return s.runID }

// Emit records and fans out one event. The returned event carries the
// assigned sequence number. Emitting on a closed stream assigns a
// sequence but delivers nothing.
func (s *Stream) Emit(t EventType, data map[string]any, metadata map[string]any) StreamEvent {
	s.mu.Lock()
	s.seq++
	ev := StreamEvent{
		ID:        uuid.NewString(),
		Type:      t,
		RunID:     s.runID,
		SessionID: s.sessionID,
		Timestamp: time.Now().UTC(),
		Sequence:  s.seq,
		Data:      data,
		Metadata:  metadata,
	}
	if s.closed {
		s.mu.Unlock()
		return ev
	}

	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > s.bufferSize {
		n := copy(s.buffer, s.buffer[len(s.buffer)-s.bufferSize:])
		s.buffer = s.buffer[:n]
	}

	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			// queue full: drop the oldest, then retry once
			select {
			case <-sub.ch:
				s.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				s.dropped.Add(1)
			}
		}
	}
	cbs := make([]callback, len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()

	s.emitted.Add(1)
	for _, cb := range cbs {
		s.invoke(cb, ev)
	}
	return ev
}

func (s *Stream) invoke(cb callback, ev StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stream callback panicked",
				"run_id", s.runID, "event_type", ev.Type, "panic", r)
		}
	}()
	cb.fn(ev)
}

// Subscribe registers a synchronous callback and returns its id.
func (s *Stream) Subscribe(fn EventHandler) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.callbacks = append(s.callbacks, callback{id: id, fn: fn})
	s.mu.Unlock()
	return id
}

// Unsubscribe removes a callback registered via Subscribe.
func (s *Stream) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cb := range s.callbacks {
		if cb.id == id {
			s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
			return
		}
	}
}

// Events returns a channel that first replays buffered events, then
// yields live events until a terminal lifecycle event or ctx ends.
// The channel is closed once the stream terminates.
func (s *Stream) Events(ctx context.Context) <-chan StreamEvent {
	out := make(chan StreamEvent)

	s.mu.Lock()
	replay := make([]StreamEvent, len(s.buffer))
	copy(replay, s.buffer)
	sub := &subscription{id: uuid.NewString(), ch: make(chan StreamEvent, s.queueSize)}
	if s.closed {
		sub = nil
	} else {
		s.subs = append(s.subs, sub)
	}
	s.mu.Unlock()

	go func() {
		defer close(out)
		if sub != nil {
			defer s.removeSub(sub.id)
		}
		for _, ev := range replay {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
		if sub == nil {
			return
		}
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Stream) removeSub(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// Close detaches all subscribers. Subsequent emits are not delivered.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, sub := range s.subs {
		close(sub.ch)
	}
	s.subs = nil
	s.callbacks = nil
}

// Stats reports emit and drop counters for introspection.
type Stats struct {
	Emitted     uint64 `json:"emitted"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	n := len(s.subs) + len(s.callbacks)
	s.mu.Unlock()
	return Stats{
		Emitted:     s.emitted.Load(),
		Dropped:     s.dropped.Load(),
		Subscribers: n,
	}
}
