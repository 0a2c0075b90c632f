package lock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/state"
	"github.com/matrix-org/complement/must"
)

func TestLeaderCampaign(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store := state.NewMemoryStore().WithClock(clock.Now)
	tab1 := NewLeader(store, "doc-1", alice.ID, alice, time.Minute)
	tab2 := NewLeader(store, "doc-1", alice.ID, alice, time.Minute)
	must.NotEqual(t, tab1.ID(), tab2.ID(), "instances have their own ids")

	won, err := tab1.Campaign(ctx)
	must.NotError(t, "Campaign", err)
	must.Equal(t, won, true, "first tab leads")
	won, err = tab2.Campaign(ctx)
	must.NotError(t, "Campaign", err)
	must.Equal(t, won, false, "second tab follows")

	// renewing keeps leadership
	clock.Advance(30 * time.Second)
	won, _ = tab1.Campaign(ctx)
	must.Equal(t, won, true, "renewed")
	clock.Advance(45 * time.Second)
	won, _ = tab2.Campaign(ctx)
	must.Equal(t, won, false, "renewed lease still exclusive")

	// a leader that stops renewing is replaced
	clock.Advance(2 * time.Minute)
	won, _ = tab2.Campaign(ctx)
	must.Equal(t, won, true, "takeover after expiry")
	won, _ = tab1.Campaign(ctx)
	must.Equal(t, won, false, "old leader notices")
	must.Equal(t, tab1.IsLeader(), false, "old leader stepped down")

	// resigning hands over immediately
	must.NotError(t, "Resign", tab2.Resign(ctx))
	won, _ = tab1.Campaign(ctx)
	must.Equal(t, won, true, "handover after resign")

	locks, err := store.ListLocks(ctx, "doc-1")
	must.NotError(t, "ListLocks", err)
	must.Equal(t, len(locks), 1, "one leader lease")
	must.Equal(t, locks[0].Unit.Kind, collab.UnitLeader, "leader kind")
	must.Equal(t, locks[0].HolderID, tab1.ID(), "held by instance id")
}

func TestLeaderRun(t *testing.T) {
	store := state.NewMemoryStore()
	tab1 := NewLeader(store, "doc-1", "poll", alice, 60*time.Millisecond)
	tab2 := NewLeader(store, "doc-1", "poll", alice, 60*time.Millisecond)

	var leading int32
	lead := func(ctx context.Context) {
		atomic.AddInt32(&leading, 1)
		<-ctx.Done()
		atomic.AddInt32(&leading, -1)
	}
	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := make(chan struct{})
	go func() {
		tab1.Run(ctx1, lead)
		close(done1)
	}()
	waitFor(t, "tab1 leads", tab1.IsLeader)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go tab2.Run(ctx2, lead)
	time.Sleep(50 * time.Millisecond)
	must.Equal(t, tab2.IsLeader(), false, "one leader at a time")
	must.Equal(t, atomic.LoadInt32(&leading), int32(1), "one lead func running")

	// stopping the leader resigns, the follower takes over on its next campaign
	cancel1()
	<-done1
	must.Equal(t, tab1.IsLeader(), false, "resigned")
	waitFor(t, "tab2 takes over", tab2.IsLeader)
	waitFor(t, "single lead func", func() bool { return atomic.LoadInt32(&leading) == 1 })
}
