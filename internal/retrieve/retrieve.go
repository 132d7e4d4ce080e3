// Package retrieve implements hybrid knowledge retrieval: dense vector search
// and sparse keyword search run in parallel, their rankings are fused with
// reciprocal rank fusion, and the fused candidates are re-ranked with Maximum
// Marginal Relevance so near-duplicate chunks do not crowd out distinct ones.
//
// All exported types are safe for concurrent use.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/monetahq/moneta/internal/observe"
	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/provider/classifier"
	"github.com/monetahq/moneta/pkg/provider/embeddings"
)

// ErrEmbeddingUnavailable is returned when the embedding provider fails after
// retries. It is surfaced rather than degraded to an empty result so callers
// can disclose that retrieval did not happen.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// Config tunes a [Retriever]. The fusion and diversity constants are
// heuristics with no empirical tuning behind them; they are configuration, not
// fixed behaviour.
type Config struct {
	// K is the default number of results per retrieval. Defaults to 5.
	K int

	// OverfetchFactor multiplies K for the per-leg candidate pools before
	// fusion. Defaults to 3.
	OverfetchFactor int

	// RRFConstant is the rank smoothing constant in the reciprocal rank
	// fusion formula 1/(rank + constant). Defaults to 60.
	RRFConstant float64

	// MMRLambda trades relevance (1.0) against diversity (0.0) during
	// re-ranking. Defaults to 0.5.
	MMRLambda float64

	// DomainConfidenceThreshold is the minimum classifier confidence required
	// to scope retrieval to the predicted domain. Below it, all domains are
	// searched. Defaults to 0.7.
	DomainConfidenceThreshold float64

	// MinSimilarity drops dense candidates below this cosine similarity.
	MinSimilarity float64

	// Metrics receives retrieval and embedding latency. Nil uses the
	// package-level default instruments.
	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.K <= 0 {
		c.K = 5
	}
	if c.OverfetchFactor <= 0 {
		c.OverfetchFactor = 3
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = 60
	}
	if c.MMRLambda <= 0 {
		c.MMRLambda = 0.5
	}
	if c.DomainConfidenceThreshold <= 0 {
		c.DomainConfidenceThreshold = 0.7
	}
	return c
}

// Request parameterises one retrieval.
type Request struct {
	// Query is the text to retrieve knowledge for. Must not be empty.
	Query string

	// DomainHint scopes the search to one domain. When empty the domain
	// classifier decides, falling back to all domains below the confidence
	// threshold.
	DomainHint memory.Domain

	// K overrides the configured result count when positive.
	K int

	// ConceptType and Complexity are optional metadata filters applied to
	// both retrieval legs.
	ConceptType memory.ConceptType
	Complexity  memory.Complexity
}

// Result is one retrieved chunk with its scores. Results are ephemeral and
// ordered by MMR selection, not raw similarity.
type Result struct {
	// Chunk is the retrieved knowledge unit.
	Chunk memory.KnowledgeChunk

	// Relevance is the cosine similarity between the chunk and the query.
	Relevance float64

	// FinalScore is the fused reciprocal-rank score after deduplication.
	FinalScore float64
}

// Retriever runs hybrid retrieval over a knowledge store.
type Retriever struct {
	store      memory.KnowledgeStore
	embedder   embeddings.Provider
	classifier classifier.Classifier
	metrics    *observe.Metrics
	cfg        Config
}

// New constructs a Retriever. The classifier may be nil, in which case
// requests without a domain hint search all domains.
func New(store memory.KnowledgeStore, embedder embeddings.Provider, cls classifier.Classifier, cfg Config) (*Retriever, error) {
	if store == nil {
		return nil, fmt.Errorf("retrieve: knowledge store must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("retrieve: embedding provider must not be nil")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Retriever{
		store:      store,
		embedder:   embedder,
		classifier: cls,
		metrics:    metrics,
		cfg:        cfg.withDefaults(),
	}, nil
}

// Retrieve returns up to req.K chunks for req.Query, in MMR selection order.
// An empty or fully filtered store yields an empty slice, not an error; a
// failed embedding yields [ErrEmbeddingUnavailable].
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("retrieve: query must not be empty")
	}
	start := time.Now()
	defer func() {
		r.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
	}()

	k := req.K
	if k <= 0 {
		k = r.cfg.K
	}
	poolSize := k * r.cfg.OverfetchFactor

	queryVec, err := r.embedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	domain := r.resolveDomain(ctx, req)

	baseQuery := memory.ChunkQuery{
		Domain:      domain,
		ConceptType: req.ConceptType,
		Complexity:  req.Complexity,
		Limit:       poolSize,
	}

	var dense, sparse []memory.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q := baseQuery
		q.MinSimilarity = r.cfg.MinSimilarity
		var err error
		dense, err = r.store.Query(gctx, queryVec, q)
		if err != nil {
			return fmt.Errorf("dense retrieval: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		sparse, err = r.store.Search(gctx, queryTerms(req.Query), baseQuery)
		if err != nil {
			return fmt.Errorf("sparse retrieval: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	candidates := r.fuse(dense, sparse, queryVec)
	selected := r.selectMMR(candidates, k)

	results := make([]Result, len(selected))
	for i, c := range selected {
		results[i] = Result{Chunk: c.chunk, Relevance: c.relevance, FinalScore: c.fused}
	}
	return results, nil
}

// embedQuery embeds the query text, retrying once before giving up with
// [ErrEmbeddingUnavailable].
func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	start := time.Now()
	defer func() {
		r.metrics.EmbeddingDuration.Record(ctx, time.Since(start).Seconds())
	}()

	vec, err := r.embedder.Embed(ctx, query)
	if err == nil {
		return vec, nil
	}
	slog.Warn("query embedding failed, retrying", "err", err)
	vec, err = r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieve: embed query: %w: %w", ErrEmbeddingUnavailable, err)
	}
	return vec, nil
}

// resolveDomain decides the domain scope for a request: an explicit hint wins,
// otherwise the classifier's prediction is used when confident enough.
func (r *Retriever) resolveDomain(ctx context.Context, req Request) memory.Domain {
	if req.DomainHint != "" {
		return req.DomainHint
	}
	if r.classifier == nil {
		return ""
	}
	res, err := r.classifier.Classify(ctx, req.Query)
	if err != nil {
		slog.Warn("domain classification failed, searching all domains", "err", err)
		return ""
	}
	if res.Confidence < r.cfg.DomainConfidenceThreshold {
		return ""
	}
	return res.Domain
}

// candidate is a chunk with its fused rank score and query relevance.
type candidate struct {
	chunk     memory.KnowledgeChunk
	fused     float64
	relevance float64
}

// fuse combines the dense and sparse rankings with reciprocal rank fusion,
// deduplicating by chunk id. Relevance is the cosine similarity to the query;
// for sparse-only candidates it is computed directly from the stored
// embedding.
func (r *Retriever) fuse(dense, sparse []memory.ScoredChunk, queryVec []float32) []candidate {
	byID := make(map[string]*candidate)

	for rank, sc := range dense {
		byID[sc.Chunk.ID] = &candidate{
			chunk:     sc.Chunk,
			fused:     1.0 / (float64(rank+1) + r.cfg.RRFConstant),
			relevance: sc.Score,
		}
	}
	for rank, sc := range sparse {
		score := 1.0 / (float64(rank+1) + r.cfg.RRFConstant)
		if c, ok := byID[sc.Chunk.ID]; ok {
			c.fused += score
			continue
		}
		byID[sc.Chunk.ID] = &candidate{
			chunk:     sc.Chunk,
			fused:     score,
			relevance: cosineSimilarity(queryVec, sc.Chunk.Embedding),
		}
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sortCandidates(out)
	return out
}

// sortCandidates orders by fused score descending with the same deterministic
// tie-breaks the knowledge store uses, so repeated retrievals over an
// unchanged store return identical orderings.
func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.fused != b.fused {
			return a.fused > b.fused
		}
		if a.chunk.Confidence != b.chunk.Confidence {
			return a.chunk.Confidence > b.chunk.Confidence
		}
		if !a.chunk.UpdatedAt.Equal(b.chunk.UpdatedAt) {
			return a.chunk.UpdatedAt.After(b.chunk.UpdatedAt)
		}
		return a.chunk.ID < b.chunk.ID
	})
}

// selectMMR picks up to k candidates by Maximum Marginal Relevance:
// iteratively take the candidate maximizing
// λ·relevance − (1−λ)·maxSimilarityToSelected, where relevance is the fused
// score normalised to [0, 1] so both terms share a scale. With λ < 1 this
// keeps near-duplicate chunks (the same formula restated across sources) from
// filling the result set.
func (r *Retriever) selectMMR(cands []candidate, k int) []candidate {
	if len(cands) <= 1 || k <= 0 {
		if k < len(cands) {
			cands = cands[:k]
		}
		return cands
	}

	// cands is sorted by fused score, so the first entry holds the maximum.
	maxFused := cands[0].fused

	lambda := r.cfg.MMRLambda
	selected := make([]candidate, 0, k)
	remaining := make([]candidate, len(cands))
	copy(remaining, cands)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		bestScore := 0.0
		for i, c := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				if sim := cosineSimilarity(c.chunk.Embedding, s.chunk.Embedding); sim > maxSim {
					maxSim = sim
				}
			}
			relevance := 0.0
			if maxFused > 0 {
				relevance = c.fused / maxFused
			}
			score := lambda*relevance - (1-lambda)*maxSim
			// remaining preserves the deterministic candidate order, so on a
			// tie the earlier (higher fused score) candidate wins.
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// queryTerms tokenises the query for the sparse retrieval leg: lower-cased
// alphanumeric tokens with trivial stopwords removed.
func queryTerms(query string) []string {
	var stopwords = map[string]bool{
		"a": true, "an": true, "the": true, "is": true, "are": true,
		"was": true, "what": true, "which": true, "for": true, "of": true,
		"in": true, "on": true, "to": true, "and": true, "or": true,
		"how": true, "do": true, "does": true, "it": true, "this": true,
		"i": true, "we": true, "my": true,
	}

	var b strings.Builder
	b.Grow(len(query))
	for _, r := range strings.ToLower(query) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	var terms []string
	for _, tok := range strings.Fields(b.String()) {
		if !stopwords[tok] {
			terms = append(terms, tok)
		}
	}
	return terms
}
