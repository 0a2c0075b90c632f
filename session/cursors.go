package session

import (
	"context"
	"sync"
	"time"

	"github.com/epbforge/shellsync/channel"
	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/exp/slices"
)

// CursorTracker broadcasts this client's cursor and keeps the cursors of everyone else.
// Outgoing updates are throttled; remote cursors not refreshed within the stale window are
// removed by a periodic sweep.
type CursorTracker struct {
	conn     channel.Conn
	self     collab.RemoteCursor
	throttle time.Duration
	clock    internal.Clock
	onChange func([]collab.RemoteCursor)

	mu       sync.Mutex
	lastSent time.Time

	remote   *ttlcache.Cache[string, collab.RemoteCursor]
	done     chan struct{}
	stopOnce sync.Once
}

// NewCursorTracker identifies this client by a fresh ephemeral id, so two tabs of one user
// show two cursors.
func NewCursorTracker(conn channel.Conn, user collab.User, color string, cfg Config) *CursorTracker {
	cfg = cfg.withDefaults()
	t := &CursorTracker{
		conn: conn,
		self: collab.RemoteCursor{
			ID:          uuid.NewString(),
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			Rank:        user.Rank,
			Color:       color,
		},
		throttle: cfg.CursorThrottle,
		clock:    cfg.Clock,
		onChange: cfg.OnCursorsChange,
		remote: ttlcache.New[string, collab.RemoteCursor](
			ttlcache.WithTTL[string, collab.RemoteCursor](cfg.CursorStaleAfter),
			ttlcache.WithDisableTouchOnHit[string, collab.RemoteCursor](),
		),
		done: make(chan struct{}),
	}
	go t.sweepLoop(cfg.CursorSweepInterval)
	return t
}

// ID is this client's ephemeral cursor identity.
func (t *CursorTracker) ID() string {
	return t.self.ID
}

// UpdateCursor broadcasts pos unless the previous broadcast was less than the throttle
// interval ago, in which case the update is dropped and false is returned.
func (t *CursorTracker) UpdateCursor(ctx context.Context, pos collab.CursorPosition) (bool, error) {
	now := t.clock.Now()
	t.mu.Lock()
	if !t.lastSent.IsZero() && now.Sub(t.lastSent) < t.throttle {
		t.mu.Unlock()
		return false, nil
	}
	t.lastSent = now
	t.mu.Unlock()

	c := t.self
	c.Position = pos
	c.SentAt = now
	if err := t.conn.Publish(ctx, channel.EventCursor, c); err != nil {
		return false, err
	}
	return true, nil
}

func (t *CursorTracker) handle(ev channel.Event) {
	var c collab.RemoteCursor
	if err := ev.Decode(&c); err != nil {
		logger.Warn().Err(err).Str("sender", ev.Sender).Msg("dropping malformed cursor")
		return
	}
	if c.ID == "" || c.ID == t.self.ID {
		return
	}
	t.remote.Set(c.ID, c, ttlcache.DefaultTTL)
	t.notify()
}

// RemoveUser drops every cursor belonging to userID, e.g when they leave.
func (t *CursorTracker) RemoveUser(userID string) {
	removed := false
	for id, item := range t.remote.Items() {
		if item.Value().UserID == userID {
			t.remote.Delete(id)
			removed = true
		}
	}
	if removed {
		t.notify()
	}
}

// Cursors returns the live remote cursors ordered by id.
func (t *CursorTracker) Cursors() []collab.RemoteCursor {
	items := t.remote.Items()
	out := make([]collab.RemoteCursor, 0, len(items))
	for _, item := range items {
		if item.IsExpired() {
			continue
		}
		out = append(out, item.Value())
	}
	slices.SortFunc(out, func(a, b collab.RemoteCursor) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (t *CursorTracker) notify() {
	if t.onChange != nil {
		t.onChange(t.Cursors())
	}
}

func (t *CursorTracker) sweep() {
	before := t.remote.Len()
	t.remote.DeleteExpired()
	if t.remote.Len() != before {
		t.notify()
	}
}

func (t *CursorTracker) sweepLoop(every time.Duration) {
	defer internal.ReportPanicsToSentry()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// Close stops the sweep and forgets every remote cursor.
func (t *CursorTracker) Close() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.remote.DeleteAll()
	})
}
