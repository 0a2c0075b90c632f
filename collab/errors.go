package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a code or document has no active session.
	ErrSessionNotFound = errors.New("session not found or expired")
	// ErrSessionConflict is returned when a document already has an active session.
	ErrSessionConflict = errors.New("an active session already exists for this document")
	// ErrNotHost is returned when a non-host tries to end a session.
	ErrNotHost = errors.New("only the session host can end the session")
	// ErrNotInSession is returned when an operation needs a joined session and there is none,
	// or the session id does not match the one currently joined.
	ErrNotInSession = errors.New("not joined to this session")
	// ErrParticipantNotFound is returned when reactivating or deactivating an unknown participant.
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrLockNotHeld         = errors.New("lock not held")
)

// ConflictError carries the session that blocked a create, so callers can offer to join it.
type ConflictError struct {
	Existing *SessionSummary
}

func (e *ConflictError) Error() string {
	if e.Existing == nil {
		return ErrSessionConflict.Error()
	}
	return fmt.Sprintf("%s: %s hosted by %s", ErrSessionConflict, e.Existing.SessionCode, e.Existing.HostLabel())
}

func (e *ConflictError) Unwrap() error {
	return ErrSessionConflict
}

// ValidationError names the offending field of a request.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidRequest, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
