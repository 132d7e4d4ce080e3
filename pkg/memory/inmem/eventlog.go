// Package inmem provides in-memory implementations of the Moneta memory
// interfaces. They back unit tests and single-process deployments that do not
// need durability; production deployments use the postgres package.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/monetahq/moneta/pkg/memory"
)

// Compile-time assertion that EventLog satisfies the interface.
var _ memory.EventLog = (*EventLog)(nil)

// EventLog is a thread-safe, in-memory implementation of [memory.EventLog].
type EventLog struct {
	autoCreate bool

	mu       sync.RWMutex
	active   map[string][]memory.Event
	archived map[string][]memory.Event
	// lastAt tracks the newest CreatedAt per session so assigned timestamps
	// stay monotonic even when the wall clock does not advance between
	// appends.
	lastAt map[string]time.Time
}

// Option configures an [EventLog].
type Option func(*EventLog)

// WithAutoCreate makes Append create unknown sessions on first use instead of
// failing with [memory.ErrSessionNotFound].
func WithAutoCreate() Option {
	return func(l *EventLog) { l.autoCreate = true }
}

// NewEventLog returns an initialised [EventLog].
func NewEventLog(opts ...Option) *EventLog {
	l := &EventLog{
		active:   make(map[string][]memory.Event),
		archived: make(map[string][]memory.Event),
		lastAt:   make(map[string]time.Time),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CreateSession implements [memory.EventLog].
func (l *EventLog) CreateSession(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("event log: session id must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.active[sessionID]; !ok {
		l.active[sessionID] = []memory.Event{}
	}
	return nil
}

// Append implements [memory.EventLog].
func (l *EventLog) Append(_ context.Context, sessionID string, ev memory.Event) (memory.Event, error) {
	if !ev.Role.IsValid() {
		return memory.Event{}, fmt.Errorf("event log: append role %q: %w", ev.Role, memory.ErrInvalidRole)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.active[sessionID]; !ok {
		if !l.autoCreate {
			return memory.Event{}, fmt.Errorf("event log: append to %q: %w", sessionID, memory.ErrSessionNotFound)
		}
		l.active[sessionID] = []memory.Event{}
	}

	ev.SessionID = sessionID
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	// Keep per-session CreatedAt strictly non-decreasing.
	if last := l.lastAt[sessionID]; ev.CreatedAt.Before(last) {
		ev.CreatedAt = last
	}
	l.lastAt[sessionID] = ev.CreatedAt

	l.active[sessionID] = append(l.active[sessionID], ev)
	return ev, nil
}

// List implements [memory.EventLog].
func (l *EventLog) List(_ context.Context, sessionID string, sinceID string) ([]memory.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events, ok := l.active[sessionID]
	if !ok {
		return nil, fmt.Errorf("event log: list %q: %w", sessionID, memory.ErrSessionNotFound)
	}

	start := 0
	if sinceID != "" {
		for i, e := range events {
			if e.ID == sinceID {
				start = i + 1
				break
			}
		}
	}

	out := make([]memory.Event, len(events)-start)
	copy(out, events[start:])
	return out, nil
}

// ActiveCount implements [memory.EventLog].
func (l *EventLog) ActiveCount(_ context.Context, sessionID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events, ok := l.active[sessionID]
	if !ok {
		return 0, fmt.Errorf("event log: count %q: %w", sessionID, memory.ErrSessionNotFound)
	}
	return len(events), nil
}

// ReplaceRange implements [memory.EventLog]. The whole operation happens under
// the write lock, so concurrent readers observe either the old or the new
// sequence, never an intermediate state.
func (l *EventLog) ReplaceRange(_ context.Context, sessionID string, oldIDs []string, newEvents []memory.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, ok := l.active[sessionID]
	if !ok {
		return fmt.Errorf("event log: replace range in %q: %w", sessionID, memory.ErrSessionNotFound)
	}

	present := make(map[string]int, len(events))
	for i, e := range events {
		present[e.ID] = i
	}

	remove := make(map[string]bool, len(oldIDs))
	insertAt := len(events)
	for _, id := range oldIDs {
		idx, ok := present[id]
		if !ok {
			return fmt.Errorf("event log: replace range in %q: event %q: %w", sessionID, id, memory.ErrStaleRange)
		}
		remove[id] = true
		// New events take the position of the earliest removed event.
		if idx < insertAt {
			insertAt = idx
		}
	}

	// New events inherit the position of the earliest replaced event so the
	// summary sits where the summarised run used to be. Stamping time.Now()
	// here would place it mid-sequence with a timestamp newer than the tail,
	// breaking the CreatedAt ordering of the active view.
	anchor := time.Now()
	if insertAt < len(events) {
		anchor = events[insertAt].CreatedAt
	} else if last := l.lastAt[sessionID]; anchor.Before(last) {
		anchor = last
	}
	for i := range newEvents {
		newEvents[i].SessionID = sessionID
		if newEvents[i].ID == "" {
			newEvents[i].ID = uuid.NewString()
		}
		if newEvents[i].CreatedAt.IsZero() {
			newEvents[i].CreatedAt = anchor.Add(time.Duration(i) * time.Microsecond)
		}
		if newEvents[i].CreatedAt.After(l.lastAt[sessionID]) {
			l.lastAt[sessionID] = newEvents[i].CreatedAt
		}
	}

	result := make([]memory.Event, 0, len(events)-len(oldIDs)+len(newEvents))
	inserted := false
	for i, e := range events {
		if i == insertAt {
			result = append(result, newEvents...)
			inserted = true
		}
		if remove[e.ID] {
			l.archived[sessionID] = append(l.archived[sessionID], e)
			continue
		}
		result = append(result, e)
	}
	if !inserted {
		result = append(result, newEvents...)
	}

	l.active[sessionID] = result
	return nil
}

// ListArchived implements [memory.EventLog].
func (l *EventLog) ListArchived(_ context.Context, sessionID string) ([]memory.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]memory.Event, len(l.archived[sessionID]))
	copy(out, l.archived[sessionID])
	return out, nil
}
