package state

import (
	"context"
	"errors"
	"testing"

	"github.com/epbforge/shellsync/collab"
	"github.com/matrix-org/complement/must"
	"github.com/segmentio/ksuid"
)

func TestStorageSessionStore(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	testSessionStore(t, NewStorageWithDB(db, false))
}

func TestStorageLockStore(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	clock := newFakeClock()
	store := NewStorageWithDB(db, false).WithClock(clock.Now)
	testLockStore(t, store, clock.Advance)
}

func TestStorageLockStoreMutualExclusion(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	testLockStoreMutualExclusion(t, NewStorageWithDB(db, false))
}

// Concurrent creates for one document race on the partial unique index; exactly one wins.
func TestStorageConcurrentCreateSession(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	store := NewStorageWithDB(db, false)
	ctx := context.Background()
	documentID := "doc-" + ksuid.New().String()

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := store.CreateSession(ctx, documentID, alice, collab.WorkspaceState{})
			errs <- err
		}()
	}
	created := 0
	for i := 0; i < 5; i++ {
		err := <-errs
		if err == nil {
			created++
		} else if !errors.Is(err, collab.ErrSessionConflict) {
			t.Errorf("CreateSession: unexpected error %s", err)
		}
	}
	must.Equal(t, created, 1, "exactly one session created")
}

func TestStorageCleanup(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	clock := newFakeClock()
	store := NewStorageWithDB(db, false).WithClock(clock.Now)
	ctx := context.Background()
	unit := collab.UnitKey{Scope: "doc-" + ksuid.New().String(), Kind: collab.UnitSection, Name: "duties"}
	_, err := store.AcquireLock(ctx, unit, alice, 60e9)
	must.NotError(t, "AcquireLock", err)
	clock.Advance(120e9)
	must.NotError(t, "Cleanup", store.Cleanup(0))
	row, err := store.LocksTable.Select(unit, clock.Now().Add(-1e12))
	must.NotError(t, "Select", err)
	if row != nil {
		t.Fatalf("expired lease was not cleaned up")
	}
}
