// Package memory defines the two storage layers of the Moneta conversational
// memory engine:
//
//   - Event Log ([EventLog]): an append-only, session-scoped sequence of typed
//     conversational events. It is the ground truth for what was said in a
//     session and the substrate the condenser rewrites when a session grows
//     past its budget.
//   - Knowledge Store ([KnowledgeStore]): a persistent, domain-partitioned
//     collection of embedded text chunks with metadata, supporting cosine
//     similarity queries and keyword search for hybrid retrieval.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, in-memory, …) without depending on
// moneta internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Events
// ─────────────────────────────────────────────────────────────────────────────

// Role classifies an [Event] within a session.
type Role string

const (
	// RoleUser is a turn spoken by the end user.
	RoleUser Role = "user"

	// RoleAssistant is a turn generated by the completion provider.
	RoleAssistant Role = "assistant"

	// RoleSystem is a tool or system note injected by the application.
	RoleSystem Role = "system"

	// RoleCondensation is a synthetic summary event emitted by the condenser.
	// Events of this role must carry a non-nil [Event.Condensation].
	RoleCondensation Role = "condensation"
)

// IsValid reports whether r is one of the recognised roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleCondensation:
		return true
	}
	return false
}

// CondensationInfo records what a condensation event replaced. It is attached
// to events with [RoleCondensation] so that the accounting invariant — every
// event id is either individually present or covered by exactly one
// condensation record — is checkable from the outside.
type CondensationInfo struct {
	// SummarizedEventIDs lists, in original order, the ids of the events this
	// summary replaces.
	SummarizedEventIDs []string

	// SummarizedCount is len(SummarizedEventIDs). Stored explicitly so the
	// count survives serialisation formats that elide the id list.
	SummarizedCount int

	// Degraded is true when the summary was produced by the truncation
	// fallback rather than the completion provider.
	Degraded bool
}

// Event is one turn or system note in a session. Events are immutable once
// created; they are never mutated, only superseded. When the condenser
// replaces a run of events with a summary, the originals move to the archival
// view (see [EventLog.ListArchived]) rather than being deleted.
type Event struct {
	// ID is the process-wide unique identifier for this event (a UUID).
	ID string

	// SessionID is the session this event belongs to.
	SessionID string

	// Role classifies the event.
	Role Role

	// Content is the text of the turn or summary.
	Content string

	// CreatedAt orders events within a session. Implementations must assign
	// monotonically non-decreasing timestamps per session.
	CreatedAt time.Time

	// Domain is the financial domain detected for this event, if any.
	Domain Domain

	// ThinkingTime is how long the assistant took to produce this event.
	// Zero for user and system events.
	ThinkingTime time.Duration

	// Condensation is non-nil exactly when Role is [RoleCondensation].
	Condensation *CondensationInfo
}

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge chunks
// ─────────────────────────────────────────────────────────────────────────────

// Domain is a financial subject-matter partition used to scope retrieval.
type Domain string

const (
	DomainLBO     Domain = "lbo"
	DomainMA      Domain = "ma"
	DomainDebt    Domain = "debt"
	DomainLending Domain = "lending"
	DomainGeneral Domain = "general"
)

// IsValid reports whether d is one of the recognised domains.
func (d Domain) IsValid() bool {
	switch d {
	case DomainLBO, DomainMA, DomainDebt, DomainLending, DomainGeneral:
		return true
	}
	return false
}

// ConceptType classifies what kind of knowledge a chunk carries.
type ConceptType string

const (
	ConceptFormula    ConceptType = "formula"
	ConceptProcess    ConceptType = "process"
	ConceptPrinciple  ConceptType = "principle"
	ConceptDefinition ConceptType = "definition"
	ConceptExample    ConceptType = "example"
)

// IsValid reports whether c is one of the recognised concept types.
func (c ConceptType) IsValid() bool {
	switch c {
	case ConceptFormula, ConceptProcess, ConceptPrinciple, ConceptDefinition, ConceptExample:
		return true
	}
	return false
}

// Complexity grades a chunk's intended audience.
type Complexity string

const (
	ComplexityBeginner     Complexity = "beginner"
	ComplexityIntermediate Complexity = "intermediate"
	ComplexityAdvanced     Complexity = "advanced"
)

// IsValid reports whether c is one of the recognised complexity grades.
func (c Complexity) IsValid() bool {
	switch c {
	case ComplexityBeginner, ComplexityIntermediate, ComplexityAdvanced:
		return true
	}
	return false
}

// KnowledgeChunk is one retrievable unit of domain knowledge. A chunk carries
// its pre-computed embedding so the store does not need to re-embed on
// insertion. The embedding's dimension is fixed per deployment and must match
// the configured embedding model.
type KnowledgeChunk struct {
	// ID is the unique identifier for this chunk (e.g., a UUID or a stable
	// slug assigned at ingestion).
	ID string

	// Text is the chunk content.
	Text string

	// Embedding is the vector representation of Text. Owned exclusively by
	// this chunk; callers must not share the backing array between chunks.
	Embedding []float32

	// Domain partitions the store. Defaults to [DomainGeneral] when unset.
	Domain Domain

	// ConceptType classifies the knowledge (formula, process, …).
	ConceptType ConceptType

	// Complexity grades the chunk (beginner, intermediate, advanced).
	Complexity Complexity

	// Keywords are normalised terms used by the sparse retrieval leg.
	Keywords []string

	// Confidence is the ingestion pipeline's confidence in this chunk,
	// in [0.0, 1.0]. Used as the first similarity tie-breaker.
	Confidence float64

	// CreatedAt is when the chunk was first ingested.
	CreatedAt time.Time

	// UpdatedAt is bumped by explicit corrections. Insert applies
	// last-write-wins by this timestamp.
	UpdatedAt time.Time
}

// ScoredChunk pairs a retrieved chunk with its retrieval score.
type ScoredChunk struct {
	// Chunk is the retrieved knowledge unit.
	Chunk KnowledgeChunk

	// Score is the retrieval relevance. For [KnowledgeStore.Query] it is the
	// cosine similarity to the query embedding in [-1, 1]; for
	// [KnowledgeStore.Search] it is a keyword relevance score whose scale is
	// implementation-defined (only the ordering is meaningful).
	Score float64
}

// ChunkQuery narrows a knowledge store lookup. All non-zero fields are applied
// as AND conditions.
type ChunkQuery struct {
	// Domain restricts results to a single domain. Empty searches all domains.
	Domain Domain

	// ConceptType restricts results to a single concept type.
	ConceptType ConceptType

	// Complexity restricts results to a single complexity grade.
	Complexity Complexity

	// MinSimilarity drops Query results whose cosine similarity is below this
	// value. Ignored by Search. Zero means no floor beyond the store default.
	MinSimilarity float64

	// Limit caps the number of results. A value of 0 means the implementation
	// may apply its own default.
	Limit int
}

// ─────────────────────────────────────────────────────────────────────────────
// Event Log interface
// ─────────────────────────────────────────────────────────────────────────────

// EventLog is the append-only, session-scoped event store.
//
// Events within a session are totally ordered by CreatedAt; ids are unique
// process-wide. Implementations must be safe for concurrent use, and
// ReplaceRange must be atomic with respect to readers: a concurrent List never
// observes a half-condensed sequence.
type EventLog interface {
	// CreateSession registers sessionID. Creating an existing session is not
	// an error. Implementations configured for auto-creation may treat this
	// as a no-op.
	CreateSession(ctx context.Context, sessionID string) error

	// Append validates ev.Role, assigns ID and CreatedAt when unset, and
	// appends the event to the session's active sequence.
	// Fails with [ErrInvalidRole] when the role is not recognised and with
	// [ErrSessionNotFound] when sessionID is unknown and auto-creation is
	// disabled.
	Append(ctx context.Context, sessionID string, ev Event) (Event, error)

	// List returns the session's active events in creation order. A non-empty
	// sinceID returns only events created after the event with that id,
	// supporting incremental reads. Returns an empty (non-nil) slice when no
	// events match.
	List(ctx context.Context, sessionID string, sinceID string) ([]Event, error)

	// ActiveCount returns the number of events in the session's active view.
	ActiveCount(ctx context.Context, sessionID string) (int, error)

	// ReplaceRange atomically removes the events identified by oldIDs from
	// the active view, archives them, and inserts newEvents in their place,
	// preserving relative order. Used exclusively by the condenser.
	// Fails with [ErrStaleRange] when any id in oldIDs is no longer present
	// in the active view (concurrent modification); in that case no change
	// is made.
	ReplaceRange(ctx context.Context, sessionID string, oldIDs []string, newEvents []Event) error

	// ListArchived returns events superseded by ReplaceRange, oldest first.
	// Returns an empty (non-nil) slice when nothing has been archived.
	ListArchived(ctx context.Context, sessionID string) ([]Event, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge Store interface
// ─────────────────────────────────────────────────────────────────────────────

// KnowledgeStore is the shared, read-mostly store of embedded knowledge
// chunks. It is written only by ingestion and explicit corrections.
//
// Implementations must be safe for concurrent use.
type KnowledgeStore interface {
	// Insert upserts a chunk, idempotent on ID: re-inserting the same id
	// overwrites only when chunk.UpdatedAt is strictly newer than the stored
	// row's; otherwise the write is rejected with [ErrStaleWrite] and the
	// store is unchanged. Chunks with an empty Domain are stored under
	// [DomainGeneral].
	Insert(ctx context.Context, chunk KnowledgeChunk) error

	// Query returns at most q.Limit chunks ordered by descending cosine
	// similarity to embedding. Ties are broken by Confidence descending,
	// then UpdatedAt descending, then ID ascending, so repeated calls over
	// an unchanged store return identical orderings. Results below
	// q.MinSimilarity are dropped. An empty store or no matches yields an
	// empty (non-nil) slice, not an error.
	Query(ctx context.Context, embedding []float32, q ChunkQuery) ([]ScoredChunk, error)

	// Search is the sparse retrieval leg: it scores chunks by keyword
	// relevance against terms and returns at most q.Limit results in
	// descending score order, with the same deterministic tie-breaks as
	// Query. Returns an empty (non-nil) slice when nothing matches.
	Search(ctx context.Context, terms []string, q ChunkQuery) ([]ScoredChunk, error)

	// Count returns the number of stored chunks, optionally scoped to a
	// domain (empty counts all).
	Count(ctx context.Context, domain Domain) (int, error)
}
