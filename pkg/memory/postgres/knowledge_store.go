package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/monetahq/moneta/pkg/memory"
)

// defaultQueryLimit is applied when a [memory.ChunkQuery] has Limit == 0.
const defaultQueryLimit = 10

// KnowledgeStoreImpl is the knowledge store backed by a PostgreSQL chunks
// table with a pgvector HNSW index for the dense leg and a GIN full-text
// index for the sparse leg.
//
// Obtain one via [Store.Knowledge] rather than constructing directly.
// All methods are safe for concurrent use.
type KnowledgeStoreImpl struct {
	pool *pgxpool.Pool
}

// chunkColumns is the column list shared by all chunk SELECTs.
const chunkColumns = "id, text, embedding, domain, concept_type, complexity, keywords, confidence, created_at, updated_at"

// Insert implements [memory.KnowledgeStore]. The last-write-wins check runs
// inside the upsert's WHERE clause, so concurrent corrections from different
// sources cannot clobber a newer row.
func (s *KnowledgeStoreImpl) Insert(ctx context.Context, chunk memory.KnowledgeChunk) error {
	if chunk.ID == "" {
		return fmt.Errorf("knowledge store: insert: chunk id must not be empty")
	}
	if chunk.Domain == "" {
		chunk.Domain = memory.DomainGeneral
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}
	if chunk.UpdatedAt.IsZero() {
		chunk.UpdatedAt = chunk.CreatedAt
	}

	const q = `
		INSERT INTO chunks
		    (id, text, embedding, domain, concept_type, complexity, keywords, confidence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    text         = EXCLUDED.text,
		    embedding    = EXCLUDED.embedding,
		    domain       = EXCLUDED.domain,
		    concept_type = EXCLUDED.concept_type,
		    complexity   = EXCLUDED.complexity,
		    keywords     = EXCLUDED.keywords,
		    confidence   = EXCLUDED.confidence,
		    updated_at   = EXCLUDED.updated_at
		WHERE chunks.updated_at < EXCLUDED.updated_at`

	tag, err := s.pool.Exec(ctx, q,
		chunk.ID,
		chunk.Text,
		pgvector.NewVector(chunk.Embedding),
		string(chunk.Domain),
		string(chunk.ConceptType),
		string(chunk.Complexity),
		chunk.Keywords,
		chunk.Confidence,
		chunk.CreatedAt,
		chunk.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("knowledge store: insert %q: %w", chunk.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("knowledge store: insert %q: %w", chunk.ID, memory.ErrStaleWrite)
	}
	return nil
}

// Query implements [memory.KnowledgeStore]. pgvector's <=> operator yields
// cosine distance; similarity is 1 - distance, so ascending distance order is
// descending similarity order.
func (s *KnowledgeStoreImpl) Query(ctx context.Context, embedding []float32, q memory.ChunkQuery) ([]memory.ScoredChunk, error) {
	args := []any{pgvector.NewVector(embedding)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"embedding IS NOT NULL"}
	appendFilters(&conditions, next, q)
	if q.MinSimilarity != 0 {
		conditions = append(conditions, "1 - (embedding <=> $1) >= "+next(q.MinSimilarity))
	}

	args = append(args, limitOf(q))
	limitArg := fmt.Sprintf("$%d", len(args))

	sql := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1) AS similarity
		FROM   chunks
		WHERE  %s
		ORDER  BY embedding <=> $1, confidence DESC, updated_at DESC, id
		LIMIT  %s`, chunkColumns, strings.Join(conditions, "\n  AND  "), limitArg)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: query: %w", err)
	}
	return collectScoredChunks(rows)
}

// Search implements [memory.KnowledgeStore]. Terms are matched via PostgreSQL
// full-text search over the chunk text and keywords; the score is ts_rank.
func (s *KnowledgeStoreImpl) Search(ctx context.Context, terms []string, q memory.ChunkQuery) ([]memory.ScoredChunk, error) {
	if len(terms) == 0 {
		return []memory.ScoredChunk{}, nil
	}

	args := []any{strings.Join(terms, " ")} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	const document = "to_tsvector('english', text || ' ' || array_to_string(keywords, ' '))"

	conditions := []string{document + " @@ plainto_tsquery('english', $1)"}
	appendFilters(&conditions, next, q)

	args = append(args, limitOf(q))
	limitArg := fmt.Sprintf("$%d", len(args))

	sql := fmt.Sprintf(`
		SELECT %s, ts_rank(%s, plainto_tsquery('english', $1)) AS rank
		FROM   chunks
		WHERE  %s
		ORDER  BY rank DESC, confidence DESC, updated_at DESC, id
		LIMIT  %s`, chunkColumns, document, strings.Join(conditions, "\n  AND  "), limitArg)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: search: %w", err)
	}
	return collectScoredChunks(rows)
}

// Count implements [memory.KnowledgeStore].
func (s *KnowledgeStoreImpl) Count(ctx context.Context, domain memory.Domain) (int, error) {
	var (
		n   int
		err error
	)
	if domain == "" {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM chunks`).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE domain = $1`, string(domain)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("knowledge store: count: %w", err)
	}
	return n, nil
}

// appendFilters adds the shared ChunkQuery filters as AND conditions.
func appendFilters(conditions *[]string, next func(any) string, q memory.ChunkQuery) {
	if q.Domain != "" {
		*conditions = append(*conditions, "domain = "+next(string(q.Domain)))
	}
	if q.ConceptType != "" {
		*conditions = append(*conditions, "concept_type = "+next(string(q.ConceptType)))
	}
	if q.Complexity != "" {
		*conditions = append(*conditions, "complexity = "+next(string(q.Complexity)))
	}
}

func limitOf(q memory.ChunkQuery) int {
	if q.Limit > 0 {
		return q.Limit
	}
	return defaultQueryLimit
}

// collectScoredChunks scans pgx rows into a slice of ScoredChunk values.
func collectScoredChunks(rows pgx.Rows) ([]memory.ScoredChunk, error) {
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ScoredChunk, error) {
		var (
			sc                            memory.ScoredChunk
			vec                           pgvector.Vector
			domain, conceptType, complexity string
		)
		if err := row.Scan(
			&sc.Chunk.ID,
			&sc.Chunk.Text,
			&vec,
			&domain,
			&conceptType,
			&complexity,
			&sc.Chunk.Keywords,
			&sc.Chunk.Confidence,
			&sc.Chunk.CreatedAt,
			&sc.Chunk.UpdatedAt,
			&sc.Score,
		); err != nil {
			return memory.ScoredChunk{}, err
		}
		sc.Chunk.Embedding = vec.Slice()
		sc.Chunk.Domain = memory.Domain(domain)
		sc.Chunk.ConceptType = memory.ConceptType(conceptType)
		sc.Chunk.Complexity = memory.Complexity(complexity)
		return sc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge store: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.ScoredChunk{}
	}
	return results, nil
}
