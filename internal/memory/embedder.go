package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder turns text into a vector for relevance scoring.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is the built-in embedder: character trigrams hashed into
// a fixed-dimension bag, L2-normalized. It is deterministic and needs
// no external service; identical texts always embed identically and
// texts sharing trigrams land near each other.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a hash embedder of the given dimension
// (default 256).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// Dim returns the embedding dimension.
func (h *HashEmbedder) Dim() int { return h.dim }

// Embed never fails; empty text embeds to the zero vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	runes := []rune(strings.ToLower(strings.TrimSpace(text)))
	if len(runes) == 0 {
		return vec, nil
	}
	if len(runes) < 3 {
		vec[h.bucket(string(runes))]++
	}
	for i := 0; i+3 <= len(runes); i++ {
		vec[h.bucket(string(runes[i:i+3]))]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := 1 / math.Sqrt(norm)
		for i := range vec {
			vec[i] = float32(float64(vec[i]) * inv)
		}
	}
	return vec, nil
}

func (h *HashEmbedder) bucket(s string) int {
	f := fnv.New32a()
	f.Write([]byte(s))
	return int(f.Sum32() % uint32(h.dim))
}

// Cosine returns the cosine similarity of two vectors, clamped to
// [-1,1]. Mismatched lengths or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, c))
}
