// Package postgres provides a PostgreSQL-backed implementation of the Moneta
// memory layers (event log and knowledge store).
//
// Both layers share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	// Event log
//	ev, _ := store.Events().Append(ctx, sessionID, event)
//
//	// Knowledge store
//	_ = store.Knowledge().Insert(ctx, chunk)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — sessions and events
// ─────────────────────────────────────────────────────────────────────────────

const ddlEvents = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS events (
    id           TEXT         PRIMARY KEY,
    seq          BIGSERIAL,
    session_id   TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    domain       TEXT         NOT NULL DEFAULT '',
    thinking_ns  BIGINT       NOT NULL DEFAULT 0,
    condensation JSONB,
    active       BOOLEAN      NOT NULL DEFAULT true,
    archived_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_events_session_active
    ON events (session_id, active);

CREATE INDEX IF NOT EXISTS idx_events_session_order
    ON events (session_id, created_at, seq);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — knowledge chunks
// ─────────────────────────────────────────────────────────────────────────────

// ddlChunks returns the knowledge chunk DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
    id           TEXT              PRIMARY KEY,
    text         TEXT              NOT NULL,
    embedding    vector(%d),
    domain       TEXT              NOT NULL DEFAULT 'general',
    concept_type TEXT              NOT NULL DEFAULT '',
    complexity   TEXT              NOT NULL DEFAULT '',
    keywords     TEXT[]            NOT NULL DEFAULT '{}',
    confidence   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chunks_domain
    ON chunks (domain);

CREATE INDEX IF NOT EXISTS idx_chunks_embedding
    ON chunks USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_chunks_fts
    ON chunks USING GIN (to_tsvector('english', text || ' ' || array_to_string(keywords, ' ')));
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires a
// manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlEvents,
		ddlChunks(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
