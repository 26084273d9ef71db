// Package bus provides the sequenced stream-event fan-out used by the
// agent loop. Each run gets its own Stream; subscribers attach either a
// callback or a channel iterator and observe events in emission order.
package bus

import "time"

// EventType identifies a stream event. Types are partitioned into
// families: lifecycle, assistant, tool, compaction, plus two standalone
// types for status and heartbeat.
type EventType string

const (
	EventLifecycleStart EventType = "lifecycle:start"
	EventLifecycleEnd   EventType = "lifecycle:end"
	EventLifecycleError EventType = "lifecycle:error"

	EventAssistantDelta EventType = "assistant:delta"
	EventAssistantEnd   EventType = "assistant:end"

	EventToolStart  EventType = "tool:start"
	EventToolUpdate EventType = "tool:update"
	EventToolEnd    EventType = "tool:end"

	EventCompactionStart EventType = "compaction:start"
	EventCompactionEnd   EventType = "compaction:end"

	EventStatus    EventType = "status"
	EventHeartbeat EventType = "heartbeat"
)

// Terminal reports whether the event ends a run's event stream.
func (t EventType) Terminal() bool {
	return t == EventLifecycleEnd || t == EventLifecycleError
}

// StreamEvent is one sequenced event on a run's stream.
type StreamEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether this event ends the stream.
func (e StreamEvent) Terminal() bool { return e.Type.Terminal() }

// EventHandler receives events synchronously as they are emitted.
type EventHandler func(StreamEvent)
