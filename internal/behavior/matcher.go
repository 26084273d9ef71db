package behavior

import (
	"log/slog"
	"sync"
)

// Matcher picks the behavior for an utterance: the best confidence at
// or above the threshold wins, otherwise the fallback runs.
type Matcher struct {
	threshold float64
	fallback  Behavior
	logger    *slog.Logger

	mu        sync.RWMutex
	behaviors []Behavior
}

// NewMatcher builds a matcher around the given fallback. A threshold
// of 0 takes the 0.5 default.
func NewMatcher(threshold float64, fallback Behavior) *Matcher {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Matcher{
		threshold: threshold,
		fallback:  fallback,
		logger:    slog.Default().With("component", "behavior"),
	}
}

// Register adds a behavior to the candidate set.
func (m *Matcher) Register(b Behavior) {
	if b == nil {
		return
	}
	m.mu.Lock()
	m.behaviors = append(m.behaviors, b)
	m.mu.Unlock()
}

// Match returns the behavior to run and its confidence. Ties go to the
// earliest registered behavior.
func (m *Matcher) Match(utterance string) (Behavior, float64) {
	m.mu.RLock()
	candidates := m.behaviors
	m.mu.RUnlock()

	var best Behavior
	bestScore := 0.0
	for _, b := range candidates {
		score := b.CanHandle(utterance)
		if score > bestScore {
			best, bestScore = b, score
		}
	}
	if best != nil && bestScore >= m.threshold {
		m.logger.Debug("behavior matched",
			"behavior", best.Info().Name, "confidence", bestScore)
		return best, bestScore
	}
	if m.fallback == nil {
		return best, bestScore
	}
	return m.fallback, m.fallback.CanHandle(utterance)
}

// Behaviors lists the registered behaviors plus the fallback.
func (m *Matcher) Behaviors() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.behaviors)+1)
	for _, b := range m.behaviors {
		out = append(out, b.Info())
	}
	if m.fallback != nil {
		out = append(out, m.fallback.Info())
	}
	return out
}
