// Package memory implements the agent's long-term memory: an
// insertion-ordered stream with spaced-repetition strengthening, an
// append-only journal, and a multi-signal ranker over the stream.
package memory

import (
	"errors"
	"time"
)

// Type classifies what a memory records.
type Type string

const (
	TypeObservation Type = "observation"
	TypeReflection  Type = "reflection"
	TypePlan        Type = "plan"
	TypeFact        Type = "fact"
	TypePreference  Type = "preference"
	TypeSpatial     Type = "spatial"
	TypeSafety      Type = "safety"
)

// Valid reports whether t is one of the known memory types.
func (t Type) Valid() bool {
	switch t {
	case TypeObservation, TypeReflection, TypePlan, TypeFact, TypePreference, TypeSpatial, TypeSafety:
		return true
	}
	return false
}

// Memory is one unit of recollection. Strength never drops below 1 and
// only grows; access count and last-accessed time move together on
// every retrieve.
type Memory struct {
	ID             string    `json:"memory_id"`
	Description    string    `json:"description"`
	Type           Type      `json:"memory_type"`
	Importance     float64   `json:"importance"`
	AccessCount    int       `json:"access_count"`
	Strength       float64   `json:"memory_strength"`
	Embedding      []float32 `json:"embedding,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Tags           []string  `json:"tags,omitempty"`
}

// HasTag reports whether the memory carries the tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

var (
	// ErrUnknownMemory is returned for ids the stream has never seen.
	ErrUnknownMemory = errors.New("unknown memory id")
	// ErrDuplicateMemory is returned when adding an id that already exists.
	ErrDuplicateMemory = errors.New("duplicate memory id")
)
