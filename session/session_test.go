package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/epbforge/shellsync/channel"
	"github.com/epbforge/shellsync/collab"
	"github.com/matrix-org/complement/must"
)

var (
	alice = collab.User{ID: "@alice", DisplayName: "Alice", Rank: "SSgt"}
	bob   = collab.User{ID: "@bob", DisplayName: "Bob", Rank: "Capt"}
	carol = collab.User{ID: "@carol", DisplayName: "Carol", Rank: "MSgt"}
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// nextBroadcast skips presence events and returns the next broadcast on c.
func nextBroadcast(t *testing.T, c channel.Conn) channel.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("%s: events closed", c.Key())
			}
			if ev.Kind == channel.KindBroadcast {
				return ev
			}
		case <-timeout:
			t.Fatalf("%s: timed out waiting for a broadcast", c.Key())
		}
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func joinTopic(t *testing.T, hub *channel.Hub, topic, key string) channel.Conn {
	t.Helper()
	c, err := hub.Join(context.Background(), topic, key)
	must.NotError(t, "Join", err)
	return c
}

func draft(content string) collab.SectionDraft {
	return collab.SectionDraft{Content: content}
}

func ptr(s string) *string {
	return &s
}


func timeout() <-chan time.Time {
	return time.After(2 * time.Second)
}
