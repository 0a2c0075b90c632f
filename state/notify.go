package state

import (
	"context"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/pubsub"
)

// Notifying wraps a session store and a lock store and publishes coordination payloads after
// mutations that other processes care about. Notification failures are logged and never fail
// the mutation: subscribers fall back to polling.
type Notifying struct {
	collab.SessionStore
	Locks    collab.LockStore
	Notifier pubsub.Notifier
}

func NewNotifying(sessions collab.SessionStore, locks collab.LockStore, n pubsub.Notifier) *Notifying {
	return &Notifying{
		SessionStore: sessions,
		Locks:        locks,
		Notifier:     n,
	}
}

func (n *Notifying) notify(p pubsub.Payload) {
	if err := n.Notifier.Notify(pubsub.ChanCoord, p); err != nil {
		logger.Warn().Err(err).Str("type", p.Type()).Msg("failed to publish coordination payload")
	}
}

func (n *Notifying) DeactivateSession(ctx context.Context, sessionID string) error {
	// look the session up first so subscribers can be told which document it belonged to
	var documentID string
	if s, err := n.findByID(ctx, sessionID); err == nil && s != nil {
		documentID = s.DocumentID
	}
	if err := n.SessionStore.DeactivateSession(ctx, sessionID); err != nil {
		return err
	}
	n.notify(&pubsub.SessionEnded{SessionID: sessionID, DocumentID: documentID})
	return nil
}

// findByID is best effort: only stores that can look sessions up by id provide it.
func (n *Notifying) findByID(ctx context.Context, sessionID string) (*collab.Session, error) {
	type byID interface {
		SessionByID(ctx context.Context, sessionID string) (*collab.Session, error)
	}
	if f, ok := n.SessionStore.(byID); ok {
		return f.SessionByID(ctx, sessionID)
	}
	return nil, nil
}

func (n *Notifying) AcquireLock(ctx context.Context, unit collab.UnitKey, holder collab.User, ttl time.Duration) (*collab.AcquireResult, error) {
	res, err := n.Locks.AcquireLock(ctx, unit, holder, ttl)
	if err != nil {
		return nil, err
	}
	if res.Success {
		n.notify(&pubsub.LockChanged{Unit: unit, Lock: res.Holder})
	}
	return res, nil
}

// RefreshLock publishes the renewed lease so other clients move its expiry forward.
func (n *Notifying) RefreshLock(ctx context.Context, unit collab.UnitKey, holderID string, ttl time.Duration) (bool, error) {
	ok, err := n.Locks.RefreshLock(ctx, unit, holderID, ttl)
	if err != nil || !ok {
		return ok, err
	}
	locks, err := n.Locks.ListLocks(ctx, unit.Scope)
	if err != nil {
		logger.Warn().Err(err).Str("unit", unit.String()).Msg("failed to reload refreshed lease")
		return true, nil
	}
	for i := range locks {
		if locks[i].Unit == unit && locks[i].HolderID == holderID {
			n.notify(&pubsub.LockChanged{Unit: unit, Lock: &locks[i]})
			break
		}
	}
	return true, nil
}

func (n *Notifying) ReleaseLock(ctx context.Context, unit collab.UnitKey, holderID string) error {
	if err := n.Locks.ReleaseLock(ctx, unit, holderID); err != nil {
		return err
	}
	n.notify(&pubsub.LockChanged{Unit: unit, ReleasedBy: holderID})
	return nil
}

func (n *Notifying) ListLocks(ctx context.Context, scope string) ([]collab.Lock, error) {
	return n.Locks.ListLocks(ctx, scope)
}
