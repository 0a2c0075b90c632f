package collab

import (
	"context"
	"time"
)

// SessionStore is the persistence layer for sessions and participants.
// Implementations must reject a second active session for the same document with an error
// wrapping ErrSessionConflict.
type SessionStore interface {
	FindActiveSession(ctx context.Context, documentID string) (*Session, error)
	// FindSessionByCode looks up an active session by its case-insensitive code.
	FindSessionByCode(ctx context.Context, code string) (*Session, error)
	CreateSession(ctx context.Context, documentID string, host User, initial WorkspaceState) (*Session, error)
	DeactivateSession(ctx context.Context, sessionID string) error
	SaveWorkspaceState(ctx context.Context, sessionID string, state WorkspaceState) error
	// AddParticipant inserts the participant, or reactivates the existing record for this user.
	AddParticipant(ctx context.Context, sessionID string, user User, isHost bool) (*Participant, error)
	ReactivateParticipant(ctx context.Context, sessionID, userID string) (*Participant, error)
	DeactivateParticipant(ctx context.Context, sessionID, userID string) error
	ListParticipants(ctx context.Context, sessionID string, activeOnly bool) ([]Participant, error)
}

// LockStore is the lease store. AcquireLock must be linearizable per unit: at most one
// holder has a valid lease at any instant.
type LockStore interface {
	// AcquireLock grants or renews the lease for holder. Re-acquiring a lease you already hold
	// succeeds and extends it. If someone else holds a valid lease, Success is false and
	// LockedBy names them.
	AcquireLock(ctx context.Context, unit UnitKey, holder User, ttl time.Duration) (*AcquireResult, error)
	// RefreshLock extends a lease. It returns false if the lease was lost.
	RefreshLock(ctx context.Context, unit UnitKey, holderID string, ttl time.Duration) (bool, error)
	// ReleaseLock drops the lease if holderID holds it. Releasing a lease you do not hold is a no-op.
	ReleaseLock(ctx context.Context, unit UnitKey, holderID string) error
	// ListLocks returns every valid lease in scope.
	ListLocks(ctx context.Context, scope string) ([]Lock, error)
}
