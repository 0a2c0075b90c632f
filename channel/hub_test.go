package channel

import (
	"context"
	"testing"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/pubsub"
	"github.com/matrix-org/complement/must"
)

func nextEvent(t *testing.T, c Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("%s: events closed while waiting for an event", c.Key())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: timed out waiting for event", c.Key())
	}
	return Event{}
}

func assertNoEvent(t *testing.T, c Conn) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if ok {
			t.Fatalf("%s: unexpected event %+v", c.Key(), ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func join(t *testing.T, d Dialer, topic, key string) Conn {
	t.Helper()
	c, err := d.Join(context.Background(), topic, key)
	must.NotError(t, "Join", err)
	return c
}

func TestHubPresenceSyncJoinLeave(t *testing.T) {
	hub := NewHub(0)
	ctx := context.Background()
	alice := join(t, hub, "session:1", "alice")
	sync := nextEvent(t, alice)
	must.Equal(t, sync.Kind, KindPresenceSync, "first event is a sync")
	must.Equal(t, len(sync.Presence), 0, "empty topic")

	must.NotError(t, "Track", alice.Track(ctx, collab.PresenceMeta{ParticipantID: "alice", DisplayName: "Alice", OnlineAt: time.Now()}))
	// the tracker sees its own join
	ev := nextEvent(t, alice)
	must.Equal(t, ev.Kind, KindPresenceJoin, "own join")

	// a late subscriber gets the full state first
	bob := join(t, hub, "session:1", "bob")
	sync = nextEvent(t, bob)
	must.Equal(t, sync.Kind, KindPresenceSync, "late subscriber sync")
	must.Equal(t, sync.Presence["alice"].DisplayName, "Alice", "sync contains alice")

	must.NotError(t, "Track", bob.Track(ctx, collab.PresenceMeta{ParticipantID: "bob", DisplayName: "Bob", OnlineAt: time.Now()}))
	ev = nextEvent(t, alice)
	must.Equal(t, ev.Kind, KindPresenceJoin, "alice sees bob join")
	must.Equal(t, ev.Presence["bob"].DisplayName, "Bob", "join delta")
	nextEvent(t, bob) // own join

	// leaving is symmetric with joining
	must.NotError(t, "Close", bob.Close())
	ev = nextEvent(t, alice)
	must.Equal(t, ev.Kind, KindPresenceLeave, "alice sees bob leave")
	must.Equal(t, ev.Presence["bob"].DisplayName, "Bob", "leave delta")
	must.Equal(t, len(hub.Presence("session:1")), 1, "only alice present")

	// closing twice is fine and bob's stream is finished
	must.NotError(t, "Close again", bob.Close())
	if _, ok := <-bob.Events(); ok {
		// drain anything buffered before close
		for range bob.Events() {
		}
	}
	if err := bob.Publish(ctx, "x", nil); err != ErrClosed {
		t.Fatalf("Publish after Close: want ErrClosed got %v", err)
	}
}

func TestHubUntrackKeepsSubscription(t *testing.T) {
	hub := NewHub(0)
	ctx := context.Background()
	alice := join(t, hub, "t", "alice")
	bob := join(t, hub, "t", "bob")
	nextEvent(t, alice)
	nextEvent(t, bob)

	must.NotError(t, "Track", bob.Track(ctx, collab.PresenceMeta{ParticipantID: "bob"}))
	nextEvent(t, alice)
	nextEvent(t, bob)
	must.NotError(t, "Untrack", bob.Untrack(ctx))
	ev := nextEvent(t, alice)
	must.Equal(t, ev.Kind, KindPresenceLeave, "untrack is a leave")
	nextEvent(t, bob)

	// bob still receives broadcasts
	must.NotError(t, "Publish", alice.Publish(ctx, EventCursor, map[string]int{"x": 1}))
	ev = nextEvent(t, bob)
	must.Equal(t, ev.Name, EventCursor, "broadcast after untrack")
}

func TestHubSameKeyTwoTabs(t *testing.T) {
	hub := NewHub(0)
	ctx := context.Background()
	watcher := join(t, hub, "t", "watcher")
	nextEvent(t, watcher)
	tab1 := join(t, hub, "t", "alice")
	tab2 := join(t, hub, "t", "alice")
	must.NotError(t, "Track", tab1.Track(ctx, collab.PresenceMeta{ParticipantID: "alice"}))
	must.NotError(t, "Track", tab2.Track(ctx, collab.PresenceMeta{ParticipantID: "alice"}))
	nextEvent(t, watcher)
	nextEvent(t, watcher)

	// closing one tab does not make alice leave
	must.NotError(t, "Close", tab1.Close())
	assertNoEvent(t, watcher)
	must.NotError(t, "Close", tab2.Close())
	ev := nextEvent(t, watcher)
	must.Equal(t, ev.Kind, KindPresenceLeave, "last tab leaves")
}

func TestHubBroadcastExcludesSenderAndKeepsOrder(t *testing.T) {
	hub := NewHub(0)
	ctx := context.Background()
	alice := join(t, hub, "t", "alice")
	bob := join(t, hub, "t", "bob")
	nextEvent(t, alice)
	nextEvent(t, bob)

	for i := 0; i < 10; i++ {
		must.NotError(t, "Publish", alice.Publish(ctx, EventStateUpdate, map[string]int{"seq": i}))
	}
	for i := 0; i < 10; i++ {
		ev := nextEvent(t, bob)
		must.Equal(t, ev.Sender, "alice", "sender")
		var body struct{ Seq int }
		must.NotError(t, "Decode", ev.Decode(&body))
		must.Equal(t, body.Seq, i, "per-sender order")
	}
	assertNoEvent(t, alice)
}

func TestHubDropsEventsForSlowSubscribers(t *testing.T) {
	hub := NewHub(2)
	ctx := context.Background()
	alice := join(t, hub, "t", "alice")
	bob := join(t, hub, "t", "bob") // buffer holds the sync plus one event
	for i := 0; i < 5; i++ {
		must.NotError(t, "Publish never blocks", alice.Publish(ctx, EventCursor, i))
	}
	must.Equal(t, nextEvent(t, bob).Kind, KindPresenceSync, "sync")
	must.Equal(t, nextEvent(t, bob).Kind, KindBroadcast, "first broadcast")
	assertNoEvent(t, bob)
}

func TestHubTopicsAreIsolated(t *testing.T) {
	hub := NewHub(0)
	ctx := context.Background()
	a := join(t, hub, "session:1", "alice")
	b := join(t, hub, "session:2", "bob")
	nextEvent(t, a)
	nextEvent(t, b)
	must.NotError(t, "Publish", a.Publish(ctx, EventStateUpdate, nil))
	must.NotError(t, "Track", a.Track(ctx, collab.PresenceMeta{}))
	assertNoEvent(t, b)
}

func TestBridgeRelaysCoordinationPayloads(t *testing.T) {
	hub := NewHub(0)
	bridge := NewBridge(hub)
	unit := collab.UnitKey{Scope: "doc-1", Kind: collab.UnitField, Name: "duty_title"}

	locks := join(t, hub, LocksTopic("doc-1"), "watcher")
	nextEvent(t, locks)
	bridge.OnLockChanged(&pubsub.LockChanged{Unit: unit, Lock: &collab.Lock{Unit: unit, HolderID: "alice"}})
	ev := nextEvent(t, locks)
	must.Equal(t, ev.Name, EventLockChanged, "lock change relayed")
	var payload LockChangedPayload
	must.NotError(t, "Decode", ev.Decode(&payload))
	must.Equal(t, payload.Lock.HolderID, "alice", "holder")

	session := join(t, hub, SessionTopic("s1"), "bob")
	nextEvent(t, session)
	bridge.OnSessionEnded(&pubsub.SessionEnded{SessionID: "s1"})
	ev = nextEvent(t, session)
	must.Equal(t, ev.Name, EventSessionEnded, "session end relayed")
	if _, ok := <-session.Events(); ok {
		t.Fatalf("session topic should be closed after the session ends")
	}
	must.Equal(t, hub.NumSubscribers(SessionTopic("s1")), 0, "no subscribers left")
}

func TestHubOnTopicEmpty(t *testing.T) {
	hub := NewHub(0)
	emptied := make(chan string, 4)
	hub.OnTopicEmpty(func(topic string) { emptied <- topic })

	a := join(t, hub, "session:s1", "alice")
	b := join(t, hub, "session:s1", "bob")
	must.NotError(t, "Close a", a.Close())
	select {
	case topic := <-emptied:
		t.Fatalf("%s reported empty with bob still subscribed", topic)
	default:
	}
	must.NotError(t, "Close b", b.Close())
	must.NotError(t, "Close b again", b.Close())
	must.Equal(t, <-emptied, "session:s1", "last subscriber leaving empties the topic")

	// a topic ended by the server is not reported
	join(t, hub, "session:s2", "carol")
	must.NotError(t, "CloseTopic", hub.CloseTopic("session:s2", EventSessionEnded, nil))
	select {
	case topic := <-emptied:
		t.Fatalf("unexpected empty report for %s", topic)
	case <-time.After(50 * time.Millisecond):
	}
}
