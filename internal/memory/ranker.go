package memory

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"
)

// Signal names used in RankedMemory.Signals.
const (
	SignalRecency         = "recency"
	SignalImportance      = "importance"
	SignalRelevance       = "relevance"
	SignalFrequency       = "frequency"
	SignalContextAffinity = "context_affinity"
)

// Weights are the per-signal fusion weights.
type Weights struct {
	Recency         float64
	Importance      float64
	Relevance       float64
	Frequency       float64
	ContextAffinity float64
}

// DefaultWeights returns the tuned default fusion weights.
func DefaultWeights() Weights {
	return Weights{
		Recency:         1.0,
		Importance:      1.5,
		Relevance:       2.0,
		Frequency:       0.3,
		ContextAffinity: 1.0,
	}
}

// RankedMemory is one ranking result. Signals holds the raw per-signal
// scores before min-max normalization; FinalScore is the weighted sum
// of the normalized scores.
type RankedMemory struct {
	Memory     Memory             `json:"memory"`
	FinalScore float64            `json:"final_score"`
	Signals    map[string]float64 `json:"signals"`
}

// Ranker scores candidate memories against a query with five fused
// signals: forgetting-curve recency, importance, embedding relevance,
// log-scaled access frequency, and spreading activation from the
// recently-activated deque.
type Ranker struct {
	weights  Weights
	embedder Embedder
	logger   *slog.Logger
}

// NewRanker builds a ranker. embedder may be nil; it is only used to
// embed the query when the caller does not pass an embedding.
func NewRanker(w Weights, embedder Embedder) *Ranker {
	zero := Weights{}
	if w == zero {
		w = DefaultWeights()
	}
	return &Ranker{
		weights:  w,
		embedder: embedder,
		logger:   slog.Default().With("component", "memory"),
	}
}

// Rank scores the candidates and returns the top k, best first. Ties
// keep candidate order. queryEmbedding may be nil; with an embedder
// configured the query text is embedded on the fly.
func (r *Ranker) Rank(ctx context.Context, query string, candidates []Memory, queryEmbedding []float32, recentlyActivated []Memory, topK int) []RankedMemory {
	if len(candidates) == 0 {
		return nil
	}
	if queryEmbedding == nil && r.embedder != nil && query != "" {
		emb, err := r.embedder.Embed(ctx, query)
		if err != nil {
			r.logger.Warn("query embedding failed, relevance disabled", "error", err)
		} else {
			queryEmbedding = emb
		}
	}

	now := time.Now().UTC()
	maxAccess := 0
	for i := range candidates {
		if candidates[i].AccessCount > maxAccess {
			maxAccess = candidates[i].AccessCount
		}
	}

	raw := make([]map[string]float64, len(candidates))
	for i := range candidates {
		m := &candidates[i]
		raw[i] = map[string]float64{
			SignalRecency:         recencyScore(m, now),
			SignalImportance:      math.Max(0, math.Min(10, m.Importance)) / 10,
			SignalRelevance:       Cosine(queryEmbedding, m.Embedding),
			SignalFrequency:       frequencyScore(m.AccessCount, maxAccess),
			SignalContextAffinity: affinityScore(m, recentlyActivated),
		}
	}

	normalized := minMaxNormalize(raw)
	out := make([]RankedMemory, len(candidates))
	for i := range candidates {
		n := normalized[i]
		out[i] = RankedMemory{
			Memory:  candidates[i],
			Signals: raw[i],
			FinalScore: r.weights.Recency*n[SignalRecency] +
				r.weights.Importance*n[SignalImportance] +
				r.weights.Relevance*n[SignalRelevance] +
				r.weights.Frequency*n[SignalFrequency] +
				r.weights.ContextAffinity*n[SignalContextAffinity],
		}
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].FinalScore > out[b].FinalScore })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// recencyScore is the forgetting curve: exp(-ln2 * ageHours / (24 * S)).
// A strength-1 memory halves every 24 hours; strength lengthens the
// half-life proportionally.
func recencyScore(m *Memory, now time.Time) float64 {
	hours := now.Sub(m.LastAccessedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	strength := m.Strength
	if strength < 1 {
		strength = 1
	}
	return math.Exp(-math.Ln2 * hours / (24 * strength))
}

// frequencyScore is log(1+n)/log(1+max(N,1)): zero accesses score 0,
// the most-accessed candidate scores 1, marginal utility decays.
func frequencyScore(n, maxN int) float64 {
	if n <= 0 {
		return 0
	}
	if maxN < 1 {
		maxN = 1
	}
	return math.Log(1+float64(n)) / math.Log(1+float64(maxN))
}

// affinityScore spreads activation from the recently-activated deque:
// each deque entry contributes cosine similarity weighted by 0.5^i
// (head first), normalized over the entries that actually have
// embeddings and are not the candidate itself.
func affinityScore(m *Memory, recent []Memory) float64 {
	if len(m.Embedding) == 0 {
		return 0
	}
	var num, den float64
	for i := range recent {
		if recent[i].ID == m.ID || len(recent[i].Embedding) == 0 {
			continue
		}
		w := math.Pow(0.5, float64(i))
		num += w * Cosine(m.Embedding, recent[i].Embedding)
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// minMaxNormalize rescales each signal across candidates to [0,1]; a
// constant signal normalizes to all zeros.
func minMaxNormalize(raw []map[string]float64) []map[string]float64 {
	if len(raw) == 0 {
		return nil
	}
	signals := []string{SignalRecency, SignalImportance, SignalRelevance, SignalFrequency, SignalContextAffinity}
	out := make([]map[string]float64, len(raw))
	for i := range out {
		out[i] = make(map[string]float64, len(signals))
	}
	for _, sig := range signals {
		lo, hi := raw[0][sig], raw[0][sig]
		for i := 1; i < len(raw); i++ {
			v := raw[i][sig]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi == lo {
			continue // zero value already in place
		}
		for i := range raw {
			out[i][sig] = (raw[i][sig] - lo) / (hi - lo)
		}
	}
	return out
}
