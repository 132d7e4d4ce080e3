package memory

import "errors"

// Sentinel errors returned by [EventLog] and [KnowledgeStore]
// implementations. Callers should test with [errors.Is] since
// implementations wrap these with contextual detail.
var (
	// ErrInvalidRole is returned by Append when the event role is not one of
	// the enumerated [Role] values. Not recoverable by retry.
	ErrInvalidRole = errors.New("memory: invalid event role")

	// ErrSessionNotFound is returned when a session id is unknown and the
	// implementation has auto-creation disabled. Not recoverable by retry.
	ErrSessionNotFound = errors.New("memory: session not found")

	// ErrStaleRange is returned by ReplaceRange when one of the ids it was
	// asked to replace has already left the active view — a concurrent
	// condensation or replacement got there first. Never retried
	// automatically; the caller must re-read the log and decide.
	ErrStaleRange = errors.New("memory: stale replace range")

	// ErrStaleWrite is returned by Insert when the incoming chunk's
	// UpdatedAt is not newer than the stored row's. The store is unchanged.
	ErrStaleWrite = errors.New("memory: stale chunk write")
)
