package inmem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/monetahq/moneta/pkg/memory"
)

// defaultQueryLimit is applied when a [memory.ChunkQuery] has Limit == 0.
const defaultQueryLimit = 10

// Compile-time assertion that KnowledgeStore satisfies the interface.
var _ memory.KnowledgeStore = (*KnowledgeStore)(nil)

// KnowledgeStore is a thread-safe, in-memory implementation of
// [memory.KnowledgeStore]. Cosine similarity is computed exactly (no ANN
// index), which is fine for the corpus sizes used in tests and single-user
// deployments.
type KnowledgeStore struct {
	mu     sync.RWMutex
	chunks map[string]memory.KnowledgeChunk
}

// NewKnowledgeStore returns an initialised [KnowledgeStore].
func NewKnowledgeStore() *KnowledgeStore {
	return &KnowledgeStore{chunks: make(map[string]memory.KnowledgeChunk)}
}

// Insert implements [memory.KnowledgeStore]. Last write wins by UpdatedAt;
// a write whose UpdatedAt is not strictly newer than the stored row's is
// rejected with [memory.ErrStaleWrite].
func (s *KnowledgeStore) Insert(_ context.Context, chunk memory.KnowledgeChunk) error {
	if chunk.ID == "" {
		return fmt.Errorf("knowledge store: insert: chunk id must not be empty")
	}
	if chunk.Domain == "" {
		chunk.Domain = memory.DomainGeneral
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.chunks[chunk.ID]; ok {
		if !chunk.UpdatedAt.After(existing.UpdatedAt) {
			return fmt.Errorf("knowledge store: insert %q: %w", chunk.ID, memory.ErrStaleWrite)
		}
	}

	// Copy the embedding so the stored chunk owns its vector exclusively.
	emb := make([]float32, len(chunk.Embedding))
	copy(emb, chunk.Embedding)
	chunk.Embedding = emb

	s.chunks[chunk.ID] = chunk
	return nil
}

// Query implements [memory.KnowledgeStore].
func (s *KnowledgeStore) Query(_ context.Context, embedding []float32, q memory.ChunkQuery) ([]memory.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := []memory.ScoredChunk{}
	for _, c := range s.chunks {
		if !matchesQuery(c, q) {
			continue
		}
		sim, ok := cosineSimilarity(embedding, c.Embedding)
		if !ok || sim < q.MinSimilarity {
			continue
		}
		results = append(results, memory.ScoredChunk{Chunk: c, Score: sim})
	}

	sortScored(results)
	return truncate(results, q.Limit), nil
}

// Search implements [memory.KnowledgeStore]. Chunks are scored by the
// fraction of query terms found among the chunk's keywords and text tokens.
func (s *KnowledgeStore) Search(_ context.Context, terms []string, q memory.ChunkQuery) ([]memory.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := []memory.ScoredChunk{}
	for _, c := range s.chunks {
		if !matchesQuery(c, q) {
			continue
		}
		score := keywordScore(terms, c)
		if score <= 0 {
			continue
		}
		results = append(results, memory.ScoredChunk{Chunk: c, Score: score})
	}

	sortScored(results)
	return truncate(results, q.Limit), nil
}

// Count implements [memory.KnowledgeStore].
func (s *KnowledgeStore) Count(_ context.Context, domain memory.Domain) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if domain == "" {
		return len(s.chunks), nil
	}
	n := 0
	for _, c := range s.chunks {
		if c.Domain == domain {
			n++
		}
	}
	return n, nil
}

// matchesQuery applies the non-score filters of a [memory.ChunkQuery].
func matchesQuery(c memory.KnowledgeChunk, q memory.ChunkQuery) bool {
	if q.Domain != "" && c.Domain != q.Domain {
		return false
	}
	if q.ConceptType != "" && c.ConceptType != q.ConceptType {
		return false
	}
	if q.Complexity != "" && c.Complexity != q.Complexity {
		return false
	}
	return true
}

// sortScored orders results by descending score with the deterministic
// tie-breaks required by [memory.KnowledgeStore]: confidence desc, updated_at
// desc, id asc.
func sortScored(results []memory.ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.Confidence != b.Chunk.Confidence {
			return a.Chunk.Confidence > b.Chunk.Confidence
		}
		if !a.Chunk.UpdatedAt.Equal(b.Chunk.UpdatedAt) {
			return a.Chunk.UpdatedAt.After(b.Chunk.UpdatedAt)
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

func truncate(results []memory.ScoredChunk, limit int) []memory.ScoredChunk {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// cosineSimilarity returns the cosine of the angle between a and b.
// ok is false when the vectors differ in length or either has zero norm.
func cosineSimilarity(a, b []float32) (sim float64, ok bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}

// keywordScore returns the fraction of terms present in the chunk's keyword
// set or text, in [0, 1].
func keywordScore(terms []string, c memory.KnowledgeChunk) float64 {
	if len(terms) == 0 {
		return 0
	}
	keywords := make(map[string]bool, len(c.Keywords))
	for _, k := range c.Keywords {
		keywords[strings.ToLower(k)] = true
	}
	text := strings.ToLower(c.Text)

	hits := 0
	for _, t := range terms {
		t = strings.ToLower(t)
		if keywords[t] || strings.Contains(text, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
