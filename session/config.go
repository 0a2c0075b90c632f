// Package session coordinates live co-editing sessions: discovery, join and leave, the shared
// workspace state, presence and remote cursors.
package session

import (
	"errors"
	"os"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrAlreadyInSession is returned when creating or joining while already in a session.
var ErrAlreadyInSession = errors.New("already in a session, leave it first")

const (
	DefaultPersistInterval     = 2 * time.Second
	DefaultCursorThrottle      = 50 * time.Millisecond
	DefaultCursorStaleAfter    = 5 * time.Second
	DefaultCursorSweepInterval = 3 * time.Second
)

type Config struct {
	User collab.User
	// PersistInterval batches workspace persistence. 0 persists after every broadcast.
	PersistInterval time.Duration
	// CursorThrottle is the minimum gap between two cursor broadcasts from this client.
	CursorThrottle time.Duration
	// CursorStaleAfter is how long a remote cursor survives without an update.
	CursorStaleAfter time.Duration
	// CursorSweepInterval is how often stale remote cursors are removed.
	CursorSweepInterval time.Duration

	// Callbacks are invoked from the session's event goroutine without any manager lock held,
	// except the seed state given to OnStateChange from inside JoinSession. They must not call
	// back into the Manager's lifecycle methods.
	OnStateChange    func(state collab.WorkspaceState)
	OnPresenceChange func(presence []collab.PresenceEntry)
	OnCursorsChange  func(cursors []collab.RemoteCursor)
	// OnSessionEnded fires when the host ends the session this client is in.
	OnSessionEnded func(sessionID string)

	Clock func() time.Time
}

// DefaultConfig returns the production tunables for user.
func DefaultConfig(user collab.User) Config {
	return Config{
		User:                user,
		PersistInterval:     DefaultPersistInterval,
		CursorThrottle:      DefaultCursorThrottle,
		CursorStaleAfter:    DefaultCursorStaleAfter,
		CursorSweepInterval: DefaultCursorSweepInterval,
	}
}

// withDefaults fills in unset cursor tunables. PersistInterval is left alone: 0 is meaningful.
func (c Config) withDefaults() Config {
	if c.CursorThrottle <= 0 {
		c.CursorThrottle = DefaultCursorThrottle
	}
	if c.CursorStaleAfter <= 0 {
		c.CursorStaleAfter = DefaultCursorStaleAfter
	}
	if c.CursorSweepInterval <= 0 {
		c.CursorSweepInterval = DefaultCursorSweepInterval
	}
	return c
}
