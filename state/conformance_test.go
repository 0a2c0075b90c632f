package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/matrix-org/complement/must"
	"github.com/segmentio/ksuid"
)

var (
	alice = collab.User{ID: "alice", DisplayName: "Alice", Rank: "SSgt"}
	bob   = collab.User{ID: "bob", DisplayName: "Bob", Rank: "Capt"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testSessionStore runs the behaviour every collab.SessionStore must have.
func testSessionStore(t *testing.T, store collab.SessionStore) {
	ctx := context.Background()
	documentID := "doc-" + ksuid.New().String()

	existing, err := store.FindActiveSession(ctx, documentID)
	must.NotError(t, "FindActiveSession", err)
	if existing != nil {
		t.Fatalf("new document has an active session: %+v", existing)
	}

	initial := collab.WorkspaceState{
		Sections: map[string]collab.SectionDraft{"duties": {Content: "initial", Mode: "edit"}},
	}
	s, err := store.CreateSession(ctx, documentID, alice, initial)
	must.NotError(t, "CreateSession", err)
	must.Equal(t, len(s.Code), collab.SessionCodeLength, "session code length")
	must.Equal(t, s.IsActive, true, "new session is active")
	must.Equal(t, s.HostID, alice.ID, "host id")
	must.Equal(t, s.WorkspaceState.Sections["duties"].Content, "initial", "initial state")
	must.Equal(t, s.WorkspaceState.Sections["duties"].Mode, "edit", "initial section mode")

	// the host is a participant from the start
	participants, err := store.ListParticipants(ctx, s.ID, true)
	must.NotError(t, "ListParticipants", err)
	must.Equal(t, len(participants), 1, "host participant")
	must.Equal(t, participants[0].IsHost, true, "host flag")

	// only one active session per document
	_, err = store.CreateSession(ctx, documentID, bob, collab.WorkspaceState{})
	if !errors.Is(err, collab.ErrSessionConflict) {
		t.Fatalf("second CreateSession: want ErrSessionConflict, got %v", err)
	}
	var conflict *collab.ConflictError
	if errors.As(err, &conflict) && conflict.Existing != nil {
		must.Equal(t, conflict.Existing.SessionCode, s.Code, "conflict names the existing session")
		must.Equal(t, conflict.Existing.ParticipantCount, 1, "conflict participant count")
	}

	// codes are case-insensitive
	byCode, err := store.FindSessionByCode(ctx, "  "+strings.ToLower(s.Code)+" ")
	must.NotError(t, "FindSessionByCode", err)
	if byCode == nil {
		t.Fatalf("FindSessionByCode did not find %s", s.Code)
	}
	must.Equal(t, byCode.ID, s.ID, "session found by code")
	missing, err := store.FindSessionByCode(ctx, "ZZZZZZ9")
	must.NotError(t, "FindSessionByCode missing", err)
	if missing != nil {
		t.Fatalf("unknown code matched a session")
	}

	// join, leave and rejoin reuses the participant record
	_, err = store.AddParticipant(ctx, s.ID, bob, false)
	must.NotError(t, "AddParticipant", err)
	must.NotError(t, "DeactivateParticipant", store.DeactivateParticipant(ctx, s.ID, bob.ID))
	participants, err = store.ListParticipants(ctx, s.ID, true)
	must.NotError(t, "ListParticipants", err)
	must.Equal(t, len(participants), 1, "active participants after leave")
	// leaving twice is harmless
	must.NotError(t, "DeactivateParticipant again", store.DeactivateParticipant(ctx, s.ID, bob.ID))

	p, err := store.ReactivateParticipant(ctx, s.ID, bob.ID)
	must.NotError(t, "ReactivateParticipant", err)
	must.Equal(t, p.Active(), true, "reactivated participant is active")
	_, err = store.AddParticipant(ctx, s.ID, bob, false)
	must.NotError(t, "AddParticipant again", err)
	participants, err = store.ListParticipants(ctx, s.ID, false)
	must.NotError(t, "ListParticipants all", err)
	must.Equal(t, len(participants), 2, "rejoin does not duplicate participants")

	_, err = store.ReactivateParticipant(ctx, s.ID, "nobody")
	if !errors.Is(err, collab.ErrParticipantNotFound) {
		t.Errorf("ReactivateParticipant unknown user: want ErrParticipantNotFound, got %v", err)
	}

	// state snapshots
	active := "awards"
	saved := collab.WorkspaceState{
		Sections:          map[string]collab.SectionDraft{"duties": {Content: "saved", UpdatedBy: "bob", Mode: "preview"}},
		CollapsedSections: map[string]bool{"summary": true},
		ActiveSection:     &active,
	}
	must.NotError(t, "SaveWorkspaceState", store.SaveWorkspaceState(ctx, s.ID, saved))
	reloaded, err := store.FindActiveSession(ctx, documentID)
	must.NotError(t, "FindActiveSession", err)
	must.Equal(t, reloaded.WorkspaceState.Sections["duties"].Content, "saved", "saved section")
	must.Equal(t, reloaded.WorkspaceState.Sections["duties"].UpdatedBy, "bob", "saved section author")
	must.Equal(t, reloaded.WorkspaceState.Sections["duties"].Mode, "preview", "saved section mode")
	must.Equal(t, reloaded.WorkspaceState.CollapsedSections["summary"], true, "saved collapsed")
	must.Equal(t, *reloaded.WorkspaceState.ActiveSection, "awards", "saved active section")

	// ending the session
	must.NotError(t, "DeactivateSession", store.DeactivateSession(ctx, s.ID))
	existing, err = store.FindActiveSession(ctx, documentID)
	must.NotError(t, "FindActiveSession after end", err)
	if existing != nil {
		t.Fatalf("ended session still active")
	}
	byCode, err = store.FindSessionByCode(ctx, s.Code)
	must.NotError(t, "FindSessionByCode after end", err)
	if byCode != nil {
		t.Fatalf("ended session still joinable by code")
	}
	participants, err = store.ListParticipants(ctx, s.ID, true)
	must.NotError(t, "ListParticipants after end", err)
	must.Equal(t, len(participants), 0, "ending a session removes everyone")
	if err := store.SaveWorkspaceState(ctx, s.ID, saved); !errors.Is(err, collab.ErrSessionNotFound) {
		t.Errorf("SaveWorkspaceState on ended session: want ErrSessionNotFound, got %v", err)
	}
	if err := store.DeactivateSession(ctx, s.ID); !errors.Is(err, collab.ErrSessionNotFound) {
		t.Errorf("DeactivateSession twice: want ErrSessionNotFound, got %v", err)
	}

	// the document is free for a new session
	s2, err := store.CreateSession(ctx, documentID, bob, collab.WorkspaceState{})
	must.NotError(t, "CreateSession after end", err)
	must.NotEqual(t, s2.ID, s.ID, "new session id")
}

// testLockStore runs the behaviour every collab.LockStore must have. advance moves the
// store's notion of time forward.
func testLockStore(t *testing.T, store collab.LockStore, advance func(d time.Duration)) {
	ctx := context.Background()
	scope := "doc-" + ksuid.New().String()
	unit := collab.UnitKey{Scope: scope, Kind: collab.UnitField, Name: "duty_title"}
	ttl := 6 * time.Minute

	res, err := store.AcquireLock(ctx, unit, alice, ttl)
	must.NotError(t, "AcquireLock", err)
	must.Equal(t, res.Success, true, "first acquire succeeds")
	firstAcquiredAt := res.Holder.AcquiredAt

	// re-acquiring is idempotent and keeps the original acquisition time
	advance(time.Minute)
	res, err = store.AcquireLock(ctx, unit, alice, ttl)
	must.NotError(t, "AcquireLock again", err)
	must.Equal(t, res.Success, true, "re-acquire succeeds")
	must.Equal(t, res.Holder.AcquiredAt.UnixMilli(), firstAcquiredAt.UnixMilli(), "re-acquire keeps acquiredAt")

	// someone else is told who holds it
	res, err = store.AcquireLock(ctx, unit, bob, ttl)
	must.NotError(t, "AcquireLock contended", err)
	must.Equal(t, res.Success, false, "contended acquire fails")
	must.Equal(t, res.LockedBy, "SSgt Alice", "lockedBy")

	ok, err := store.RefreshLock(ctx, unit, bob.ID, ttl)
	must.NotError(t, "RefreshLock by non-holder", err)
	must.Equal(t, ok, false, "non-holder cannot refresh")
	ok, err = store.RefreshLock(ctx, unit, alice.ID, ttl)
	must.NotError(t, "RefreshLock", err)
	must.Equal(t, ok, true, "holder refreshes")

	// releasing someone else's lease does nothing
	must.NotError(t, "ReleaseLock by non-holder", store.ReleaseLock(ctx, unit, bob.ID))
	locks, err := store.ListLocks(ctx, scope)
	must.NotError(t, "ListLocks", err)
	must.Equal(t, len(locks), 1, "lease survives foreign release")
	must.Equal(t, locks[0].HolderID, alice.ID, "listed holder")
	must.Equal(t, locks[0].Unit, unit, "listed unit")

	other, err := store.ListLocks(ctx, "other-"+scope)
	must.NotError(t, "ListLocks other scope", err)
	must.Equal(t, len(other), 0, "scopes are isolated")

	// expiry frees the unit without any release
	advance(ttl + time.Second)
	ok, err = store.RefreshLock(ctx, unit, alice.ID, ttl)
	must.NotError(t, "RefreshLock after expiry", err)
	must.Equal(t, ok, false, "expired lease is lost")
	locks, err = store.ListLocks(ctx, scope)
	must.NotError(t, "ListLocks after expiry", err)
	must.Equal(t, len(locks), 0, "expired lease is not listed")

	res, err = store.AcquireLock(ctx, unit, bob, ttl)
	must.NotError(t, "AcquireLock after expiry", err)
	must.Equal(t, res.Success, true, "expired lease can be taken over")
	must.Equal(t, res.Holder.HolderID, bob.ID, "new holder")

	must.NotError(t, "ReleaseLock", store.ReleaseLock(ctx, unit, bob.ID))
	locks, err = store.ListLocks(ctx, scope)
	must.NotError(t, "ListLocks after release", err)
	must.Equal(t, len(locks), 0, "released lease is not listed")
	res, err = store.AcquireLock(ctx, unit, alice, ttl)
	must.NotError(t, "AcquireLock after release", err)
	must.Equal(t, res.Success, true, "released unit is free")
}

// testLockStoreMutualExclusion races many holders for one unit: exactly one wins.
func testLockStoreMutualExclusion(t *testing.T, store collab.LockStore) {
	ctx := context.Background()
	unit := collab.UnitKey{Scope: "doc-" + ksuid.New().String(), Kind: collab.UnitSection, Name: "duties"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := collab.User{ID: ksuid.New().String(), DisplayName: "racer"}
			res, err := store.AcquireLock(ctx, unit, holder, time.Minute)
			if err != nil {
				t.Errorf("AcquireLock: %s", err)
				return
			}
			if res.Success {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	must.Equal(t, winners, 1, "exactly one concurrent acquirer wins")
}
