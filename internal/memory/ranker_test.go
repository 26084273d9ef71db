package memory

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestRecencyScore(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name     string
		ago      time.Duration
		strength float64
		want     float64
	}{
		{"fresh", 0, 1, 1},
		{"half life at one day", 24 * time.Hour, 1, 0.5},
		{"strength doubles half life", 48 * time.Hour, 2, 0.5},
		{"one day at strength two", 24 * time.Hour, 2, math.Exp(-math.Ln2 / 2)},
		{"future clamped to fresh", -time.Hour, 1, 1},
		{"strength floored at one", 24 * time.Hour, 0.2, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Memory{LastAccessedAt: now.Add(-tt.ago), Strength: tt.strength}
			got := recencyScore(m, now)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("recencyScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrequencyScore(t *testing.T) {
	tests := []struct {
		name string
		n    int
		max  int
		want float64
	}{
		{"never accessed", 0, 10, 0},
		{"most accessed", 10, 10, 1},
		{"mid pack", 3, 10, math.Log(4) / math.Log(11)},
		{"sole candidate", 1, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := frequencyScore(tt.n, tt.max)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("frequencyScore(%d, %d) = %v, want %v", tt.n, tt.max, got, tt.want)
			}
		})
	}

	// Log scaling: marginal accesses matter less and less.
	gain1 := frequencyScore(2, 100) - frequencyScore(1, 100)
	gain2 := frequencyScore(100, 100) - frequencyScore(99, 100)
	if gain1 <= gain2 {
		t.Errorf("frequency gain did not decay: +1 at low count %v, at high count %v", gain1, gain2)
	}
}

func TestAffinityScore(t *testing.T) {
	e1 := []float32{1, 0}
	e2 := []float32{0, 1}

	m := &Memory{ID: "cand", Embedding: e1}
	recent := []Memory{
		{ID: "r1", Embedding: e1},
		{ID: "r2", Embedding: e2},
	}
	// Head weight 1, next 0.5: (1*1 + 0.5*0) / 1.5.
	got := affinityScore(m, recent)
	if math.Abs(got-2.0/3.0) > 1e-9 {
		t.Errorf("affinityScore = %v, want %v", got, 2.0/3.0)
	}

	if got := affinityScore(&Memory{ID: "cand"}, recent); got != 0 {
		t.Errorf("affinity without embedding = %v, want 0", got)
	}
	self := []Memory{{ID: "cand", Embedding: e1}}
	if got := affinityScore(m, self); got != 0 {
		t.Errorf("affinity against itself = %v, want 0", got)
	}
	blank := []Memory{{ID: "r3"}}
	if got := affinityScore(m, blank); got != 0 {
		t.Errorf("affinity against embedding-less deque = %v, want 0", got)
	}
}

func TestMinMaxNormalize(t *testing.T) {
	raw := []map[string]float64{
		{SignalRecency: 0.2, SignalImportance: 0.5},
		{SignalRecency: 0.4, SignalImportance: 0.5},
		{SignalRecency: 1.0, SignalImportance: 0.5},
	}
	norm := minMaxNormalize(raw)
	wantRecency := []float64{0, 0.25, 1}
	for i, want := range wantRecency {
		if math.Abs(norm[i][SignalRecency]-want) > 1e-9 {
			t.Errorf("recency[%d] = %v, want %v", i, norm[i][SignalRecency], want)
		}
	}
	for i := range norm {
		if norm[i][SignalImportance] != 0 {
			t.Errorf("constant importance[%d] = %v, want 0", i, norm[i][SignalImportance])
		}
	}
	if got := minMaxNormalize(nil); got != nil {
		t.Errorf("minMaxNormalize(nil) = %v, want nil", got)
	}
}

func TestRankOrdersByFusedScore(t *testing.T) {
	now := time.Now().UTC()
	candidates := []Memory{
		{ID: "stale", Importance: 1, AccessCount: 0, Strength: 1, LastAccessedAt: now.Add(-100 * time.Hour)},
		{ID: "hot", Importance: 10, AccessCount: 5, Strength: 1, LastAccessedAt: now},
		{ID: "mid", Importance: 5, AccessCount: 2, Strength: 1, LastAccessedAt: now.Add(-10 * time.Hour)},
	}

	r := NewRanker(DefaultWeights(), nil)
	ranked := r.Rank(context.Background(), "", candidates, nil, nil, 0)
	if len(ranked) != 3 {
		t.Fatalf("Rank returned %d results, want 3", len(ranked))
	}
	wantOrder := []string{"hot", "mid", "stale"}
	for i, id := range wantOrder {
		if ranked[i].Memory.ID != id {
			t.Errorf("ranked[%d] = %s, want %s", i, ranked[i].Memory.ID, id)
		}
	}
	if ranked[0].FinalScore <= ranked[1].FinalScore || ranked[1].FinalScore <= ranked[2].FinalScore {
		t.Errorf("scores not strictly decreasing: %v %v %v",
			ranked[0].FinalScore, ranked[1].FinalScore, ranked[2].FinalScore)
	}

	// Signals carries the raw, pre-normalization values.
	if got := ranked[0].Signals[SignalImportance]; got != 1 {
		t.Errorf("raw importance signal = %v, want 1", got)
	}
	if got := ranked[0].Signals[SignalRecency]; math.Abs(got-1) > 1e-3 {
		t.Errorf("raw recency signal = %v, want ~1", got)
	}
	if got := ranked[0].Signals[SignalFrequency]; got != 1 {
		t.Errorf("raw frequency signal = %v, want 1", got)
	}

	top := r.Rank(context.Background(), "", candidates, nil, nil, 2)
	if len(top) != 2 || top[0].Memory.ID != "hot" || top[1].Memory.ID != "mid" {
		t.Errorf("topK=2 = %v, want [hot mid]", rankedIDs(top))
	}
}

func TestRankRelevanceDecidesWhenOtherSignalsTie(t *testing.T) {
	ctx := context.Background()
	emb := NewHashEmbedder(256)
	embed := func(text string) []float32 {
		v, err := emb.Embed(ctx, text)
		if err != nil {
			t.Fatalf("Embed(%q): %v", text, err)
		}
		return v
	}

	at := time.Now().UTC().Add(-time.Hour)
	candidates := []Memory{
		{ID: "offtopic", Description: "the weather is sunny today", Embedding: embed("the weather is sunny today"), Importance: 5, Strength: 1, LastAccessedAt: at},
		{ID: "ontopic", Description: "dish soap lives under the kitchen sink", Embedding: embed("dish soap lives under the kitchen sink"), Importance: 5, Strength: 1, LastAccessedAt: at},
	}

	r := NewRanker(DefaultWeights(), emb)
	ranked := r.Rank(ctx, "kitchen sink", candidates, nil, nil, 0)
	if len(ranked) != 2 {
		t.Fatalf("Rank returned %d results, want 2", len(ranked))
	}
	if ranked[0].Memory.ID != "ontopic" {
		t.Fatalf("ranked[0] = %s, want ontopic", ranked[0].Memory.ID)
	}
	if ranked[0].Signals[SignalRelevance] <= ranked[1].Signals[SignalRelevance] {
		t.Errorf("relevance did not separate candidates: %v vs %v",
			ranked[0].Signals[SignalRelevance], ranked[1].Signals[SignalRelevance])
	}
}

func TestRankSpreadingActivation(t *testing.T) {
	at := time.Now().UTC()
	e1 := []float32{1, 0}
	e2 := []float32{0, 1}
	candidates := []Memory{
		{ID: "far", Embedding: e2, Importance: 5, Strength: 1, LastAccessedAt: at},
		{ID: "near", Embedding: e1, Importance: 5, Strength: 1, LastAccessedAt: at},
	}
	recent := []Memory{{ID: "activated", Embedding: e1}}

	r := NewRanker(DefaultWeights(), nil)
	ranked := r.Rank(context.Background(), "", candidates, nil, recent, 0)
	if ranked[0].Memory.ID != "near" {
		t.Fatalf("ranked[0] = %s, want near", ranked[0].Memory.ID)
	}
	if got := ranked[0].Signals[SignalContextAffinity]; math.Abs(got-1) > 1e-9 {
		t.Errorf("affinity signal = %v, want 1", got)
	}
	if got := ranked[1].Signals[SignalContextAffinity]; got != 0 {
		t.Errorf("affinity signal = %v, want 0", got)
	}
}

func TestRankTiesKeepCandidateOrder(t *testing.T) {
	at := time.Now().UTC()
	candidates := []Memory{
		{ID: "first", Importance: 5, Strength: 1, LastAccessedAt: at},
		{ID: "second", Importance: 5, Strength: 1, LastAccessedAt: at},
	}
	r := NewRanker(DefaultWeights(), nil)
	ranked := r.Rank(context.Background(), "", candidates, nil, nil, 0)
	if ranked[0].Memory.ID != "first" || ranked[1].Memory.ID != "second" {
		t.Errorf("tie order = %v, want [first second]", rankedIDs(ranked))
	}
	// Every signal constant across candidates: scores collapse to zero.
	if ranked[0].FinalScore != 0 || ranked[1].FinalScore != 0 {
		t.Errorf("tied scores = %v %v, want 0 0", ranked[0].FinalScore, ranked[1].FinalScore)
	}
}

func TestRankEmptyCandidates(t *testing.T) {
	r := NewRanker(DefaultWeights(), nil)
	if got := r.Rank(context.Background(), "anything", nil, nil, nil, 5); got != nil {
		t.Errorf("Rank(nil candidates) = %v, want nil", got)
	}
}

type failEmbedder struct{}

func (failEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding service down")
}

func TestRankSurvivesEmbedderFailure(t *testing.T) {
	now := time.Now().UTC()
	candidates := []Memory{
		{ID: "a", Embedding: []float32{1, 0}, Importance: 8, Strength: 1, LastAccessedAt: now},
		{ID: "b", Embedding: []float32{0, 1}, Importance: 2, Strength: 1, LastAccessedAt: now},
	}
	r := NewRanker(DefaultWeights(), failEmbedder{})
	ranked := r.Rank(context.Background(), "kitchen", candidates, nil, nil, 0)
	if len(ranked) != 2 {
		t.Fatalf("Rank returned %d results, want 2", len(ranked))
	}
	// Relevance drops out; importance still decides.
	if ranked[0].Memory.ID != "a" {
		t.Errorf("ranked[0] = %s, want a", ranked[0].Memory.ID)
	}
	for _, rm := range ranked {
		if rm.Signals[SignalRelevance] != 0 {
			t.Errorf("relevance for %s = %v, want 0 after embed failure", rm.Memory.ID, rm.Signals[SignalRelevance])
		}
	}
}

func TestNewRankerDefaultsZeroWeights(t *testing.T) {
	r := NewRanker(Weights{}, nil)
	if r.weights != DefaultWeights() {
		t.Errorf("weights = %+v, want defaults", r.weights)
	}
	custom := Weights{Recency: 2, Importance: 1, Relevance: 1, Frequency: 1, ContextAffinity: 1}
	if got := NewRanker(custom, nil).weights; got != custom {
		t.Errorf("weights = %+v, want %+v", got, custom)
	}
}

func rankedIDs(rs []RankedMemory) []string {
	out := make([]string, len(rs))
	for i := range rs {
		out[i] = rs[i].Memory.ID
	}
	return out
}
