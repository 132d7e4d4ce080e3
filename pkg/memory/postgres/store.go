package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/monetahq/moneta/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.EventLog       = (*EventLogImpl)(nil)
	_ memory.KnowledgeStore = (*KnowledgeStoreImpl)(nil)
)

// Store is the central PostgreSQL-backed memory store for Moneta. It holds a
// single [pgxpool.Pool] and exposes the two memory layers:
//
//   - [Store.Events] returns an [EventLogImpl] implementing [memory.EventLog]
//   - [Store.Knowledge] returns a [KnowledgeStoreImpl] implementing
//     [memory.KnowledgeStore]
//
// All operations are safe for concurrent use.
type Store struct {
	pool      *pgxpool.Pool
	events    *EventLogImpl
	knowledge *KnowledgeStoreImpl
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithAutoCreateSessions makes [EventLogImpl.Append] create unknown sessions
// on first use instead of failing with [memory.ErrSessionNotFound].
func WithAutoCreateSessions() StoreOption {
	return func(s *Store) { s.events.autoCreate = true }
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [memory.KnowledgeChunk.Embedding] values (e.g., 1536 for
// OpenAI text-embedding-3-small). Changing this value after the first
// migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int, opts ...StoreOption) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{
		pool:      pool,
		events:    &EventLogImpl{pool: pool},
		knowledge: &KnowledgeStoreImpl{pool: pool},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Events returns the event log implementation which satisfies [memory.EventLog].
func (s *Store) Events() *EventLogImpl { return s.events }

// Knowledge returns the knowledge store implementation which satisfies
// [memory.KnowledgeStore].
func (s *Store) Knowledge() *KnowledgeStoreImpl { return s.knowledge }

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}
