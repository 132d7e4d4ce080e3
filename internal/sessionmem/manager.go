// Package sessionmem orchestrates the per-session memory pipeline: every turn
// is appended to the event log, the condenser keeps the active log within
// budget, and the retriever assembles relevant knowledge for the completion
// provider. The [Manager] is the component the rest of the system calls; it
// owns no global state and serialises turns per session so the log is never
// rewritten concurrently.
package sessionmem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/monetahq/moneta/internal/condense"
	"github.com/monetahq/moneta/internal/observe"
	"github.com/monetahq/moneta/internal/retrieve"
	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/provider/classifier"
)

// ErrCompletionUnavailable is the typed failure for an exhausted completion
// provider. The manager does not call the provider itself; callers that do
// (the turn handler) wrap provider failures in this sentinel so a failed
// reply is always disclosed, never replaced by a silent empty one.
var ErrCompletionUnavailable = errors.New("completion provider unavailable")

// Phase is the explicit state of a session's turn pipeline.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseCondensing    Phase = "condensing"
	PhaseRetrieving    Phase = "retrieving"
	PhaseAwaitingReply Phase = "awaiting_reply"
)

// State is the typed per-session metadata the manager tracks across turns.
type State struct {
	// CurrentDomain is the most recently detected financial domain, used as
	// the retrieval hint for subsequent turns.
	CurrentDomain memory.Domain

	// DomainConfidence is the classifier confidence behind CurrentDomain.
	DomainConfidence float64

	// LastCondensedAt is when the session's log was last condensed.
	LastCondensedAt time.Time

	// Phase is where the session currently is in its turn pipeline.
	Phase Phase

	// Turns counts completed HandleTurn calls.
	Turns int
}

// ContextPackage is what a turn handler needs to prompt the completion
// provider: the active conversation and the retrieved knowledge.
type ContextPackage struct {
	// SessionID identifies the session this package was assembled for.
	SessionID string

	// RecentEvents is the session's full active view, oldest first, including
	// the just-appended user event and any condensation summaries.
	RecentEvents []memory.Event

	// RetrievedChunks holds the knowledge retrieved for the user's text, in
	// MMR order. Empty when nothing matched or retrieval was degraded.
	RetrievedChunks []retrieve.Result

	// RetrievalDegraded is true when retrieval failed and the turn proceeded
	// without knowledge context. Callers should disclose this rather than
	// let the model answer as if retrieval had happened.
	RetrievalDegraded bool

	// Domain is the session's current domain at the time of the turn.
	Domain memory.Domain
}

// Config tunes a [Manager].
type Config struct {
	// DomainConfidenceThreshold is the minimum classifier confidence required
	// to update a session's current domain. Defaults to 0.7.
	DomainConfidenceThreshold float64

	// Metrics receives the session and active-event gauges. Nil uses the
	// package-level default instruments.
	Metrics *observe.Metrics
}

// Manager coordinates the event log, condenser and retriever for all
// sessions. Safe for concurrent use; turns within one session are serialised.
type Manager struct {
	log       memory.EventLog
	condenser *condense.Condenser
	retriever *retrieve.Retriever
	cls       classifier.Classifier
	metrics   *observe.Metrics
	threshold float64

	mu       sync.Mutex
	sessions map[string]*session
}

// session pairs a per-session lock with the session's tracked state.
type session struct {
	mu    sync.Mutex
	state State
}

// New constructs a Manager. The classifier may be nil, in which case sessions
// never acquire a domain and retrieval is unscoped.
func New(log memory.EventLog, cond *condense.Condenser, ret *retrieve.Retriever, cls classifier.Classifier, cfg Config) (*Manager, error) {
	if log == nil {
		return nil, fmt.Errorf("sessionmem: event log must not be nil")
	}
	if cond == nil {
		return nil, fmt.Errorf("sessionmem: condenser must not be nil")
	}
	if ret == nil {
		return nil, fmt.Errorf("sessionmem: retriever must not be nil")
	}
	threshold := cfg.DomainConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Manager{
		log:       log,
		condenser: cond,
		retriever: ret,
		cls:       cls,
		metrics:   metrics,
		threshold: threshold,
		sessions:  make(map[string]*session),
	}, nil
}

// HandleTurn processes one user turn: it appends the user event, condenses
// the log if it has grown past budget, and retrieves knowledge for the turn.
// The returned package is what the caller feeds to the completion provider;
// the manager itself never calls it.
//
// The user event is appended before anything that can fail afterwards, so a
// cancelled or degraded turn still leaves the user's words in the log. A
// retrieval failure does not fail the turn; it is reported via
// [ContextPackage.RetrievalDegraded].
func (m *Manager) HandleTurn(ctx context.Context, sessionID, userText string) (*ContextPackage, error) {
	s := m.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	m.trackDomain(ctx, s, userText)

	if _, err := m.log.Append(ctx, sessionID, memory.Event{
		Role:    memory.RoleUser,
		Content: userText,
		Domain:  s.state.CurrentDomain,
	}); err != nil {
		return nil, fmt.Errorf("sessionmem: append user turn: %w", err)
	}
	m.metrics.ActiveEvents.Add(ctx, 1)

	if err := m.condenseIfOverBudget(ctx, s, sessionID); err != nil {
		s.state.Phase = PhaseIdle
		return nil, err
	}

	s.state.Phase = PhaseRetrieving
	chunks, degraded := m.retrieveForTurn(ctx, s, sessionID, userText)

	events, err := m.log.List(ctx, sessionID, "")
	if err != nil {
		s.state.Phase = PhaseIdle
		return nil, fmt.Errorf("sessionmem: list events: %w", err)
	}

	s.state.Phase = PhaseAwaitingReply
	s.state.Turns++
	return &ContextPackage{
		SessionID:         sessionID,
		RecentEvents:      events,
		RetrievedChunks:   chunks,
		RetrievalDegraded: degraded,
		Domain:            s.state.CurrentDomain,
	}, nil
}

// RecordReply appends the assistant's reply for the session's pending turn.
// thinkingTime is how long the completion took and may be zero.
func (m *Manager) RecordReply(ctx context.Context, sessionID, replyText string, thinkingTime time.Duration) error {
	s := m.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := m.log.Append(ctx, sessionID, memory.Event{
		Role:         memory.RoleAssistant,
		Content:      replyText,
		Domain:       s.state.CurrentDomain,
		ThinkingTime: thinkingTime,
	}); err != nil {
		return fmt.Errorf("sessionmem: append reply: %w", err)
	}
	m.metrics.ActiveEvents.Add(ctx, 1)

	s.state.Phase = PhaseIdle
	return nil
}

// State returns a snapshot of the session's tracked state.
func (m *Manager) State(sessionID string) State {
	s := m.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveSessions returns the number of sessions the manager has seen.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// session returns the per-session record, creating it on first use.
func (m *Manager) session(sessionID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{state: State{Phase: PhaseIdle}}
		m.sessions[sessionID] = s
		m.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return s
}

// trackDomain updates the session's current domain when the classifier is
// confident about the new turn. Low-confidence or failed classifications keep
// the previous domain, so a clarifying follow-up ("and the exit year?") does
// not reset an established LBO session to general.
func (m *Manager) trackDomain(ctx context.Context, s *session, userText string) {
	if m.cls == nil {
		return
	}
	res, err := m.cls.Classify(ctx, userText)
	if err != nil {
		slog.Warn("session domain classification failed", "err", err)
		return
	}
	if res.Confidence >= m.threshold {
		s.state.CurrentDomain = res.Domain
		s.state.DomainConfidence = res.Confidence
	}
}

// condenseIfOverBudget runs the condenser when the active view exceeds the
// budget. Storage-level failures propagate; provider failures are absorbed
// inside the condenser's truncation fallback.
func (m *Manager) condenseIfOverBudget(ctx context.Context, s *session, sessionID string) error {
	count, err := m.log.ActiveCount(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("sessionmem: count events: %w", err)
	}
	if count <= m.condenser.MaxEvents() {
		return nil
	}

	s.state.Phase = PhaseCondensing
	res, err := m.condenser.Condense(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("sessionmem: condense: %w", err)
	}
	if res.Condensed {
		s.state.LastCondensedAt = time.Now()
		m.metrics.ActiveEvents.Add(ctx, int64(res.ActiveAfter-res.ActiveBefore))
		slog.Info("session condensed",
			"session", sessionID,
			"before", res.ActiveBefore,
			"after", res.ActiveAfter,
			"summarized", res.SummarizedCount,
			"degraded", res.Degraded)
	}
	return nil
}

// retrieveForTurn fetches knowledge for the turn, degrading to an empty
// result rather than failing the turn when retrieval is unavailable.
func (m *Manager) retrieveForTurn(ctx context.Context, s *session, sessionID, userText string) (chunks []retrieve.Result, degraded bool) {
	results, err := m.retriever.Retrieve(ctx, retrieve.Request{
		Query:      userText,
		DomainHint: s.state.CurrentDomain,
	})
	if err != nil {
		slog.Warn("retrieval degraded for turn", "session", sessionID, "err", err)
		return nil, true
	}
	return results, false
}
