// Package editor ties the session and lock layers together for one open document. A document
// is either in lock mode, where sections and fields are leased one editor at a time, or in
// session mode, where everyone edits live and leases are not consulted. Never both.
package editor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/epbforge/shellsync/channel"
	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/lock"
	"github.com/epbforge/shellsync/session"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const DefaultPollInterval = 30 * time.Second

type Mode int

const (
	ModeLock Mode = iota
	ModeSession
)

func (m Mode) String() string {
	switch m {
	case ModeLock:
		return "lock"
	case ModeSession:
		return "session"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

type Config struct {
	User       collab.User
	DocumentID string
	// Session configures the session manager. Its User is replaced by User.
	Session   session.Config
	TTL       time.Duration
	Heartbeat time.Duration
	// PollInterval is how often the elected instance reloads the lock tables.
	PollInterval time.Duration
	OnModeChange func(Mode)
}

// Document is one client's handle on an open document.
type Document struct {
	cfg      Config
	sessions *session.Manager
	sections *lock.Manager
	fields   *lock.Manager
	leader   *lock.Leader

	mu   sync.Mutex
	mode Mode

	stopLeader context.CancelFunc
	leaderDone chan struct{}
	closeOnce  sync.Once
}

// Open prepares doc in lock mode. Lock-change subscriptions are best effort: without them the
// tables still refresh through the elected poller.
func Open(ctx context.Context, sessions collab.SessionStore, locks collab.LockStore, dialer channel.Dialer, cfg Config) (*Document, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	d := &Document{cfg: cfg, mode: ModeLock}

	scfg := cfg.Session
	scfg.User = cfg.User
	onEnded := scfg.OnSessionEnded
	scfg.OnSessionEnded = func(sessionID string) {
		d.setMode(ModeLock)
		if onEnded != nil {
			onEnded(sessionID)
		}
	}
	d.sessions = session.NewManager(sessions, dialer, scfg)

	var err error
	for _, kind := range []collab.UnitKind{collab.UnitSection, collab.UnitField} {
		var m *lock.Manager
		m, err = lock.NewManager(locks, lock.Config{
			User:       cfg.User,
			DocumentID: cfg.DocumentID,
			Kind:       kind,
			TTL:        cfg.TTL,
			Heartbeat:  cfg.Heartbeat,
		})
		if err != nil {
			if d.sections != nil {
				d.sections.Close(ctx)
			}
			d.sessions.Close(ctx)
			return nil, fmt.Errorf("editor.Open: %w", err)
		}
		if serr := m.Subscribe(ctx, dialer); serr != nil {
			logger.Warn().Err(serr).Str("document", cfg.DocumentID).Str("kind", string(kind)).Msg("lock change subscription failed, relying on polling")
		}
		if kind == collab.UnitSection {
			d.sections = m
		} else {
			d.fields = m
		}
	}

	d.leader = lock.NewLeader(locks, cfg.DocumentID, "poll:"+cfg.User.ID, cfg.User, cfg.TTL)
	leaderCtx, cancel := context.WithCancel(context.Background())
	d.stopLeader = cancel
	d.leaderDone = make(chan struct{})
	go func() {
		defer close(d.leaderDone)
		d.leader.Run(leaderCtx, d.poll)
	}()
	return d, nil
}

// poll runs on the one instance of this user that won the leader election.
func (d *Document) poll(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if d.Mode() == ModeLock {
			for _, m := range []*lock.Manager{d.sections, d.fields} {
				if err := m.RefreshAll(ctx); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Str("document", d.cfg.DocumentID).Msg("lock table poll failed")
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Document) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *Document) setMode(mode Mode) {
	d.mu.Lock()
	changed := d.mode != mode
	d.mode = mode
	d.mu.Unlock()
	if changed {
		logger.Info().Str("document", d.cfg.DocumentID).Str("user", d.cfg.User.ID).Stringer("mode", mode).Msg("editing mode changed")
		if d.cfg.OnModeChange != nil {
			d.cfg.OnModeChange(mode)
		}
	}
}

func (d *Document) Sessions() *session.Manager { return d.sessions }
func (d *Document) Sections() *lock.Manager    { return d.sections }
func (d *Document) Fields() *lock.Manager      { return d.fields }

// ActiveSession reports a live session on the document that could be joined, or nil.
func (d *Document) ActiveSession(ctx context.Context) *collab.SessionSummary {
	return d.sessions.CheckForActiveSession(ctx, d.cfg.DocumentID)
}

// StartSession creates a live session hosted by this client and switches to session mode.
func (d *Document) StartSession(ctx context.Context, initial collab.WorkspaceState) (string, error) {
	code, err := d.sessions.CreateSession(ctx, d.cfg.DocumentID, initial)
	if err != nil {
		return "", err
	}
	d.enterSession(ctx)
	return code, nil
}

// JoinSession joins by code, or the document's active session when code is empty.
func (d *Document) JoinSession(ctx context.Context, code string) error {
	target := session.JoinTarget{Code: code}
	if code == "" {
		target.DocumentID = d.cfg.DocumentID
	}
	if err := d.sessions.JoinSession(ctx, target); err != nil {
		return err
	}
	d.enterSession(ctx)
	return nil
}

// enterSession hands every lease back: they mean nothing while editing live.
func (d *Document) enterSession(ctx context.Context) {
	for _, m := range []*lock.Manager{d.sections, d.fields} {
		if err := m.ReleaseAll(ctx); err != nil {
			logger.Warn().Err(err).Str("document", d.cfg.DocumentID).Msg("failed to release leases entering session mode")
		}
	}
	d.setMode(ModeSession)
}

func (d *Document) LeaveSession(ctx context.Context) error {
	cur := d.sessions.Current()
	if cur == nil {
		return collab.ErrNotInSession
	}
	if err := d.sessions.LeaveSession(ctx, cur.ID); err != nil {
		return err
	}
	d.setMode(ModeLock)
	return nil
}

func (d *Document) EndSession(ctx context.Context) error {
	cur := d.sessions.Current()
	if cur == nil {
		return collab.ErrNotInSession
	}
	if err := d.sessions.EndSession(ctx, cur.ID); err != nil {
		return err
	}
	d.setMode(ModeLock)
	return nil
}

func (d *Document) locks(kind collab.UnitKind) *lock.Manager {
	if kind == collab.UnitSection {
		return d.sections
	}
	return d.fields
}

// Acquire leases a section or field. In session mode it always succeeds without touching the
// lease store.
func (d *Document) Acquire(ctx context.Context, kind collab.UnitKind, name string) collab.AcquireResult {
	if d.Mode() == ModeSession {
		return collab.AcquireResult{Success: true}
	}
	return d.locks(kind).Acquire(ctx, name)
}

func (d *Document) Release(ctx context.Context, kind collab.UnitKind, name string) error {
	if d.Mode() == ModeSession {
		return nil
	}
	return d.locks(kind).Release(ctx, name)
}

// IsLockedByOther is always false in session mode.
func (d *Document) IsLockedByOther(kind collab.UnitKind, name string) bool {
	if d.Mode() == ModeSession {
		return false
	}
	return d.locks(kind).IsLockedByOther(name)
}

// LockedByInfo names the other holder of a unit, or nil.
func (d *Document) LockedByInfo(kind collab.UnitKind, name string) *collab.Lock {
	if d.Mode() == ModeSession {
		return nil
	}
	return d.locks(kind).LockedByInfo(name)
}

// Close leaves any session, releases every lease and stops polling.
func (d *Document) Close(ctx context.Context) error {
	var errs []error
	d.closeOnce.Do(func() {
		d.stopLeader()
		<-d.leaderDone
		if err := d.sessions.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, m := range []*lock.Manager{d.sections, d.fields} {
			if err := m.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
