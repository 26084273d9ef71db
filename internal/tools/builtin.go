package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openrobobrain/orb/internal/memory"
)

// MemoryWriteTool stores a new memory on behalf of the model. When an
// embedder is supplied the description is embedded so the memory ranks
// on relevance later; embedding failures are ignored because the other
// four signals still work without a vector.
func MemoryWriteTool(stream *memory.Stream, embedder memory.Embedder) Tool {
	return Tool{
		Name:        "memory_write",
		Description: "Store a new long-term memory with importance and tags",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{
					"type":        "string",
					"description": "What to remember, one or two sentences",
				},
				"importance": map[string]any{
					"type":        "number",
					"description": "Importance from 0 (trivial) to 10 (critical)",
				},
				"memory_type": map[string]any{
					"type":        "string",
					"description": "observation, reflection, plan, fact, preference, spatial or safety",
				},
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Free-form labels for later filtering",
				},
			},
			"required": []string{"description"},
		},
		Tags: []string{"memory"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			description := strings.TrimSpace(stringArg(args, "description", ""))
			if description == "" {
				return nil, fmt.Errorf("description is required")
			}
			var embedding []float32
			if embedder != nil {
				if emb, err := embedder.Embed(ctx, description); err == nil {
					embedding = emb
				}
			}
			stored, err := stream.Add(memory.Memory{
				Description: description,
				Importance:  floatArg(args, "importance", 5),
				Type:        memory.Type(stringArg(args, "memory_type", string(memory.TypeObservation))),
				Tags:        stringsArg(args, "tags"),
				Embedding:   embedding,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"memory_id":   stored.ID,
				"memory_type": string(stored.Type),
				"importance":  stored.Importance,
				"created_at":  stored.CreatedAt.Format(time.RFC3339),
			}, nil
		},
	}
}

// MemorySearchTool ranks all memories against a query and strengthens
// every returned hit.
func MemorySearchTool(stream *memory.Stream, ranker *memory.Ranker, defaultTopK int) Tool {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return Tool{
		Name:        "memory_search",
		Description: "Search long-term memory; returns the best matches with score breakdowns",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for",
				},
				"top_k": map[string]any{
					"type":        "integer",
					"description": "How many matches to return",
				},
				"memory_type": map[string]any{
					"type":        "string",
					"description": "Restrict to one memory type",
				},
			},
			"required": []string{"query"},
		},
		Tags: []string{"memory"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query := strings.TrimSpace(stringArg(args, "query", ""))
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			candidates := stream.All()
			if mt := stringArg(args, "memory_type", ""); mt != "" {
				candidates = stream.ByType(memory.Type(mt))
			}
			topK := intArg(args, "top_k", defaultTopK)
			ranked := ranker.Rank(ctx, query, candidates, nil, stream.RecentlyActivated(), topK)

			hits := make([]map[string]any, 0, len(ranked))
			for _, hit := range ranked {
				// Reading a memory strengthens it.
				if _, err := stream.Retrieve(hit.Memory.ID); err != nil {
					return nil, fmt.Errorf("retrieve %s: %w", hit.Memory.ID, err)
				}
				hits = append(hits, map[string]any{
					"memory_id":   hit.Memory.ID,
					"description": hit.Memory.Description,
					"memory_type": string(hit.Memory.Type),
					"final_score": hit.FinalScore,
					"signals":     hit.Signals,
				})
			}
			return map[string]any{"query": query, "results": hits}, nil
		},
	}
}

// MemoryGetTool returns one full memory record without strengthening it.
func MemoryGetTool(stream *memory.Stream) Tool {
	return Tool{
		Name:        "memory_get",
		Description: "Fetch a single memory record by id",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"memory_id": map[string]any{
					"type":        "string",
					"description": "Id returned by memory_write or memory_search",
				},
			},
			"required": []string{"memory_id"},
		},
		Tags: []string{"memory"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id := stringArg(args, "memory_id", "")
			if id == "" {
				return nil, fmt.Errorf("memory_id is required")
			}
			m, err := stream.Get(id)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	}
}

// --- argument coercion ---
// Arguments arrive from JSON, so numbers are float64 and arrays are
// []any; models also like sending numbers as strings.

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func floatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	return int(floatArg(args, key, float64(def)))
}

func boolArg(args map[string]any, key string, def bool) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func stringsArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
