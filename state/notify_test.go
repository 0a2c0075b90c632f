package state

import (
	"context"
	"testing"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/pubsub"
	"github.com/matrix-org/complement/must"
)

func nextPayload(t *testing.T, ch <-chan pubsub.Payload) pubsub.Payload {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for payload")
	}
	return nil
}

func TestNotifyingPublishesLockAndSessionChanges(t *testing.T) {
	ctx := context.Background()
	ps := pubsub.NewPubSub(10)
	defer ps.Close()
	payloads := make(chan pubsub.Payload, 10)
	go ps.Listen(pubsub.ChanCoord, func(p pubsub.Payload) {
		payloads <- p
	})

	mem := NewMemoryStore()
	store := NewNotifying(mem, mem, ps)
	unit := collab.UnitKey{Scope: "doc-1", Kind: collab.UnitField, Name: "duty_title"}

	res, err := store.AcquireLock(ctx, unit, alice, time.Minute)
	must.NotError(t, "AcquireLock", err)
	must.Equal(t, res.Success, true, "acquire")
	granted := nextPayload(t, payloads).(*pubsub.LockChanged)
	must.Equal(t, granted.Lock.HolderID, alice.ID, "grant payload holder")

	// a renewal carries the new expiry; a refresh by a non-holder publishes nothing
	ok, err := store.RefreshLock(ctx, unit, alice.ID, time.Hour)
	must.NotError(t, "RefreshLock", err)
	must.Equal(t, ok, true, "refreshed")
	renewed := nextPayload(t, payloads).(*pubsub.LockChanged)
	must.Equal(t, renewed.Lock.HolderID, alice.ID, "renewal payload holder")
	must.Equal(t, renewed.Lock.ExpiresAt.After(granted.Lock.ExpiresAt), true, "renewal moves the expiry")
	ok, err = store.RefreshLock(ctx, unit, bob.ID, time.Hour)
	must.NotError(t, "RefreshLock by non-holder", err)
	must.Equal(t, ok, false, "not refreshed")

	// a failed acquire changes nothing so nothing is published
	res, err = store.AcquireLock(ctx, unit, bob, time.Minute)
	must.NotError(t, "AcquireLock contended", err)
	must.Equal(t, res.Success, false, "contended")

	must.NotError(t, "ReleaseLock", store.ReleaseLock(ctx, unit, alice.ID))
	released := nextPayload(t, payloads).(*pubsub.LockChanged)
	if released.Lock != nil {
		t.Fatalf("release payload should have no lock")
	}
	must.Equal(t, released.ReleasedBy, alice.ID, "release payload names the holder")

	s, err := store.CreateSession(ctx, "doc-1", alice, collab.WorkspaceState{})
	must.NotError(t, "CreateSession", err)
	must.NotError(t, "DeactivateSession", store.DeactivateSession(ctx, s.ID))
	ended := nextPayload(t, payloads).(*pubsub.SessionEnded)
	must.Equal(t, ended.SessionID, s.ID, "ended session id")
	must.Equal(t, ended.DocumentID, "doc-1", "ended session document")

	select {
	case p := <-payloads:
		t.Fatalf("unexpected extra payload %T", p)
	case <-time.After(50 * time.Millisecond):
	}
}
