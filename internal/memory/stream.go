package memory

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamConfig tunes one agent's memory stream. Zero values select the
// defaults used by NewStream.
type StreamConfig struct {
	// ActivationWindow caps the recently-activated deque.
	ActivationWindow int
	// BoostBase and BoostScale set the retrieve-time strength boost
	// base + scale*ln(1+hours_since_last_access).
	BoostBase  float64
	BoostScale float64
	// Dir enables the append-only journal when non-empty.
	Dir string
}

// Stream holds every memory of one agent in insertion order and tracks
// which memories were activated recently. All operations are safe for
// concurrent use.
type Stream struct {
	cfg    StreamConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries []*Memory
	byID    map[string]*Memory
	recent  []*Memory // head = most recently activated
	journal *journal
}

// NewStream builds a stream and, when cfg.Dir is set, replays the
// journal found there.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.ActivationWindow <= 0 {
		cfg.ActivationWindow = 20
	}
	if cfg.BoostBase <= 0 {
		cfg.BoostBase = 0.1
	}
	if cfg.BoostScale <= 0 {
		cfg.BoostScale = 0.5
	}
	s := &Stream{
		cfg:    cfg,
		logger: slog.Default().With("component", "memory"),
		byID:   make(map[string]*Memory),
	}
	if cfg.Dir != "" {
		j, err := openJournal(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open memory journal: %w", err)
		}
		s.journal = j
		if err := s.loadJournal(); err != nil {
			return nil, fmt.Errorf("replay memory journal: %w", err)
		}
	}
	return s, nil
}

// Add stores a new memory. Missing fields are defaulted: id, creation
// times, strength floor of 1; importance is clamped to [0,10]. The
// stored copy is returned.
func (s *Stream) Add(m Memory) (Memory, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastAccessedAt.Before(m.CreatedAt) {
		m.LastAccessedAt = m.CreatedAt
	}
	if m.Strength < 1 {
		m.Strength = 1
	}
	m.Importance = math.Max(0, math.Min(10, m.Importance))
	if !m.Type.Valid() {
		m.Type = TypeObservation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[m.ID]; exists {
		return Memory{}, fmt.Errorf("memory %s: %w", m.ID, ErrDuplicateMemory)
	}
	stored := m
	s.entries = append(s.entries, &stored)
	s.byID[stored.ID] = &stored
	if s.journal != nil {
		if err := s.journal.appendMemory(&stored); err != nil {
			s.logger.Warn("journal memory write failed", "memory_id", stored.ID, "error", err)
		}
	}
	return stored, nil
}

// Retrieve returns the memory and strengthens it: access count and
// last-accessed move, strength grows with the time since last access
// (spaced repetition), and the memory moves to the head of the
// recently-activated deque.
func (s *Stream) Retrieve(id string) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return Memory{}, fmt.Errorf("memory %s: %w", id, ErrUnknownMemory)
	}

	now := time.Now().UTC()
	hours := now.Sub(m.LastAccessedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	m.AccessCount++
	m.Strength += s.cfg.BoostBase + s.cfg.BoostScale*math.Log(1+hours)
	m.LastAccessedAt = now
	s.touchRecentLocked(m)

	if s.journal != nil {
		rec := accessRecord{
			MemoryID:    m.ID,
			AccessedAt:  now,
			AccessCount: m.AccessCount,
			Strength:    m.Strength,
		}
		if err := s.journal.appendAccess(rec); err != nil {
			s.logger.Warn("journal access write failed", "memory_id", m.ID, "error", err)
		}
	}
	return *m, nil
}

// Get returns the memory without strengthening it.
func (s *Stream) Get(id string) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return Memory{}, fmt.Errorf("memory %s: %w", id, ErrUnknownMemory)
	}
	return *m, nil
}

// All returns every memory in insertion order.
func (s *Stream) All() []Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Memory, len(s.entries))
	for i, m := range s.entries {
		out[i] = *m
	}
	return out
}

// ByType returns memories of one type in insertion order.
func (s *Stream) ByType(t Type) []Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for _, m := range s.entries {
		if m.Type == t {
			out = append(out, *m)
		}
	}
	return out
}

// ByTag returns memories carrying the tag in insertion order.
func (s *Stream) ByTag(tag string) []Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for _, m := range s.entries {
		if m.HasTag(tag) {
			out = append(out, *m)
		}
	}
	return out
}

// RecentlyActivated returns the activation deque, most recent first.
func (s *Stream) RecentlyActivated() []Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Memory, len(s.recent))
	for i, m := range s.recent {
		out[i] = *m
	}
	return out
}

// Stats summarizes the stream.
type Stats struct {
	Count         int          `json:"count"`
	TotalAccesses int          `json:"total_accesses"`
	AvgStrength   float64      `json:"avg_strength"`
	AvgImportance float64      `json:"avg_importance"`
	ByType        map[Type]int `json:"by_type"`
}

// Stats computes aggregate counters over the stream.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{ByType: make(map[Type]int)}
	var strength, importance float64
	for _, m := range s.entries {
		st.Count++
		st.TotalAccesses += m.AccessCount
		strength += m.Strength
		importance += m.Importance
		st.ByType[m.Type]++
	}
	if st.Count > 0 {
		st.AvgStrength = strength / float64(st.Count)
		st.AvgImportance = importance / float64(st.Count)
	}
	return st
}

// touchRecentLocked moves m to the deque head, dropping the tail past
// the activation window. Caller holds s.mu.
func (s *Stream) touchRecentLocked(m *Memory) {
	for i, r := range s.recent {
		if r.ID == m.ID {
			s.recent = append(s.recent[:i], s.recent[i+1:]...)
			break
		}
	}
	s.recent = append([]*Memory{m}, s.recent...)
	if len(s.recent) > s.cfg.ActivationWindow {
		s.recent = s.recent[:s.cfg.ActivationWindow]
	}
}
