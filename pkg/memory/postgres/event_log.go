package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/monetahq/moneta/pkg/memory"
)

// EventLogImpl is the event log backed by the PostgreSQL events table.
// Replaced events are flagged inactive rather than deleted, so the archival
// view needed by the accounting invariant comes for free.
//
// Obtain one via [Store.Events] rather than constructing directly.
// All methods are safe for concurrent use.
type EventLogImpl struct {
	pool       *pgxpool.Pool
	autoCreate bool
}

// eventColumns is the column list shared by all event SELECTs.
const eventColumns = "id, session_id, role, content, created_at, domain, thinking_ns, condensation"

// CreateSession implements [memory.EventLog].
func (l *EventLogImpl) CreateSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("event log: session id must not be empty")
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO sessions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, sessionID)
	if err != nil {
		return fmt.Errorf("event log: create session %q: %w", sessionID, err)
	}
	return nil
}

// Append implements [memory.EventLog].
func (l *EventLogImpl) Append(ctx context.Context, sessionID string, ev memory.Event) (memory.Event, error) {
	if !ev.Role.IsValid() {
		return memory.Event{}, fmt.Errorf("event log: append role %q: %w", ev.Role, memory.ErrInvalidRole)
	}

	if err := l.ensureSession(ctx, sessionID); err != nil {
		return memory.Event{}, err
	}

	ev.SessionID = sessionID
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	condensation, err := marshalCondensation(ev.Condensation)
	if err != nil {
		return memory.Event{}, fmt.Errorf("event log: append: %w", err)
	}

	const q = `
		INSERT INTO events (id, session_id, role, content, created_at, domain, thinking_ns, condensation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = l.pool.Exec(ctx, q,
		ev.ID, ev.SessionID, string(ev.Role), ev.Content, ev.CreatedAt,
		string(ev.Domain), ev.ThinkingTime.Nanoseconds(), condensation,
	)
	if err != nil {
		return memory.Event{}, fmt.Errorf("event log: append: %w", err)
	}
	return ev, nil
}

// List implements [memory.EventLog].
func (l *EventLogImpl) List(ctx context.Context, sessionID string, sinceID string) ([]memory.Event, error) {
	if err := l.checkSession(ctx, sessionID); err != nil {
		return nil, err
	}

	q := `
		SELECT ` + eventColumns + `
		FROM   events
		WHERE  session_id = $1 AND active`
	args := []any{sessionID}

	if sinceID != "" {
		q += `
		  AND  (created_at, seq) > (SELECT created_at, seq FROM events WHERE id = $2)`
		args = append(args, sinceID)
	}
	q += `
		ORDER  BY created_at, seq`

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("event log: list: %w", err)
	}
	return collectEvents(rows)
}

// ActiveCount implements [memory.EventLog].
func (l *EventLogImpl) ActiveCount(ctx context.Context, sessionID string) (int, error) {
	if err := l.checkSession(ctx, sessionID); err != nil {
		return 0, err
	}

	var n int
	err := l.pool.QueryRow(ctx,
		`SELECT count(*) FROM events WHERE session_id = $1 AND active`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("event log: active count: %w", err)
	}
	return n, nil
}

// ReplaceRange implements [memory.EventLog]. The removal, archival, and
// insertion happen in one transaction, so concurrent readers observe either
// the old or the new active sequence, never an intermediate state.
func (l *EventLogImpl) ReplaceRange(ctx context.Context, sessionID string, oldIDs []string, newEvents []memory.Event) error {
	if err := l.checkSession(ctx, sessionID); err != nil {
		return err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("event log: replace range: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Verify every old id is still active and find the position the new
	// events should take over.
	var present int
	var anchor time.Time
	err = tx.QueryRow(ctx, `
		SELECT count(*), coalesce(min(created_at), now())
		FROM   events
		WHERE  session_id = $1 AND active AND id = ANY($2)`,
		sessionID, oldIDs,
	).Scan(&present, &anchor)
	if err != nil {
		return fmt.Errorf("event log: replace range: %w", err)
	}
	if present != len(oldIDs) {
		return fmt.Errorf("event log: replace range in %q: %w", sessionID, memory.ErrStaleRange)
	}

	_, err = tx.Exec(ctx, `
		UPDATE events
		SET    active = false, archived_at = now()
		WHERE  session_id = $1 AND id = ANY($2)`,
		sessionID, oldIDs,
	)
	if err != nil {
		return fmt.Errorf("event log: replace range: archive: %w", err)
	}

	for i, ev := range newEvents {
		ev.SessionID = sessionID
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		// New events inherit the position of the earliest replaced event so
		// the summary sits where the summarised run used to be.
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = anchor.Add(time.Duration(i) * time.Microsecond)
		}

		condensation, err := marshalCondensation(ev.Condensation)
		if err != nil {
			return fmt.Errorf("event log: replace range: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO events (id, session_id, role, content, created_at, domain, thinking_ns, condensation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.ID, ev.SessionID, string(ev.Role), ev.Content, ev.CreatedAt,
			string(ev.Domain), ev.ThinkingTime.Nanoseconds(), condensation,
		)
		if err != nil {
			return fmt.Errorf("event log: replace range: insert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("event log: replace range: commit: %w", err)
	}
	return nil
}

// ListArchived implements [memory.EventLog].
func (l *EventLogImpl) ListArchived(ctx context.Context, sessionID string) ([]memory.Event, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM   events
		WHERE  session_id = $1 AND NOT active
		ORDER  BY created_at, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("event log: list archived: %w", err)
	}
	return collectEvents(rows)
}

// ensureSession creates the session when auto-creation is enabled, otherwise
// verifies it exists.
func (l *EventLogImpl) ensureSession(ctx context.Context, sessionID string) error {
	if l.autoCreate {
		return l.CreateSession(ctx, sessionID)
	}
	return l.checkSession(ctx, sessionID)
}

// checkSession returns [memory.ErrSessionNotFound] when sessionID is unknown.
func (l *EventLogImpl) checkSession(ctx context.Context, sessionID string) error {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("event log: check session: %w", err)
	}
	if !exists {
		return fmt.Errorf("event log: session %q: %w", sessionID, memory.ErrSessionNotFound)
	}
	return nil
}

// marshalCondensation encodes info as JSONB, or nil for non-condensation events.
func marshalCondensation(info *memory.CondensationInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal condensation info: %w", err)
	}
	return b, nil
}

// collectEvents scans pgx rows into a slice of Event values.
func collectEvents(rows pgx.Rows) ([]memory.Event, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Event, error) {
		var (
			e            memory.Event
			role, domain string
			thinkingNS   int64
			condensation []byte
		)
		if err := row.Scan(
			&e.ID, &e.SessionID, &role, &e.Content, &e.CreatedAt,
			&domain, &thinkingNS, &condensation,
		); err != nil {
			return memory.Event{}, err
		}
		e.Role = memory.Role(role)
		e.Domain = memory.Domain(domain)
		e.ThinkingTime = time.Duration(thinkingNS)
		if len(condensation) > 0 {
			info := &memory.CondensationInfo{}
			if err := json.Unmarshal(condensation, info); err != nil {
				return memory.Event{}, fmt.Errorf("unmarshal condensation info: %w", err)
			}
			e.Condensation = info
		}
		return e, nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return []memory.Event{}, nil
		}
		return nil, fmt.Errorf("event log: scan rows: %w", err)
	}
	if events == nil {
		events = []memory.Event{}
	}
	return events, nil
}
