package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/epbforge/shellsync/channel"
	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"golang.org/x/exp/slices"
)

const teardownTimeout = 10 * time.Second

// JoinTarget picks the session to join: by shared code, or the active session of a document.
// Code wins when both are set.
type JoinTarget struct {
	Code       string
	DocumentID string
}

// liveSession is everything owned by one joined session. It is replaced, never reused: late
// events for an old liveSession are discarded by comparing pointers.
type liveSession struct {
	session collab.Session
	isHost  bool
	conn    channel.Conn
	sync    *Synchronizer
	cursors *CursorTracker
	meta    collab.PresenceMeta

	// guarded by Manager.mu
	presence map[string]collab.PresenceMeta
}

// Manager is one client's view of live co-editing. A client is in at most one session at a time.
type Manager struct {
	store  collab.SessionStore
	dialer channel.Dialer
	cfg    Config
	pool   *internal.WorkerPool

	// serialises create, join, leave, end and close
	opMu sync.Mutex

	mu     sync.Mutex
	live   *liveSession
	closed bool
}

func NewManager(store collab.SessionStore, dialer channel.Dialer, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	pool := internal.NewWorkerPool(2)
	pool.Start()
	return &Manager{
		store:  store,
		dialer: dialer,
		cfg:    cfg,
		pool:   pool,
	}
}

// CheckForActiveSession reports the active session of documentID, or nil. Store failures are
// logged and reported as no session so the caller falls back to lock mode.
func (m *Manager) CheckForActiveSession(ctx context.Context, documentID string) *collab.SessionSummary {
	s, err := m.store.FindActiveSession(ctx, documentID)
	if err != nil {
		if !errors.Is(err, collab.ErrSessionNotFound) {
			logger.Warn().Err(err).Str("document", documentID).Msg("active session lookup failed, assuming none")
		}
		return nil
	}
	if s == nil {
		return nil
	}
	participants, err := m.store.ListParticipants(ctx, s.ID, true)
	if err != nil {
		logger.Warn().Err(err).Str("session", s.ID).Msg("failed to count participants")
	}
	return s.Summary(len(participants))
}

// CreateSession starts a session on documentID hosted by this client and joins it. A document
// with an active session yields an error wrapping collab.ErrSessionConflict.
func (m *Manager) CreateSession(ctx context.Context, documentID string, initial collab.WorkspaceState) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.checkIdle(); err != nil {
		return "", err
	}
	if documentID == "" {
		return "", &collab.ValidationError{Field: "documentId", Reason: "is required"}
	}
	s, err := m.store.CreateSession(ctx, documentID, m.cfg.User, initial)
	if err != nil {
		return "", err
	}
	ls, err := m.open(ctx, s, true)
	if err != nil {
		if derr := m.store.DeactivateSession(ctx, s.ID); derr != nil {
			internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(derr)
			logger.Err(derr).Str("session", s.ID).Msg("failed to roll back session after channel failure")
		}
		return "", fmt.Errorf("CreateSession: %w", err)
	}
	logger.Info().Str("session", s.ID).Str("document", documentID).Str("code", s.Code).Msg("session created")
	m.start(ls)
	return s.Code, nil
}

// JoinSession registers this client as a participant and subscribes to the session channel.
// The joiner starts from the session's persisted workspace state, which is also handed to
// OnStateChange, then adopts the live state from the first peer that answers its request.
// An unknown or ended session yields collab.ErrSessionNotFound.
func (m *Manager) JoinSession(ctx context.Context, target JoinTarget) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.checkIdle(); err != nil {
		return err
	}
	s, err := m.resolve(ctx, target)
	if err != nil {
		return err
	}
	user := m.cfg.User
	p, err := m.store.AddParticipant(ctx, s.ID, user, s.HostID == user.ID)
	if err != nil {
		return fmt.Errorf("JoinSession: %w", err)
	}
	ls, err := m.open(ctx, s, p.IsHost)
	if err != nil {
		if derr := m.store.DeactivateParticipant(ctx, s.ID, user.ID); derr != nil {
			logger.Warn().Err(derr).Str("session", s.ID).Msg("failed to deactivate participant after channel failure")
		}
		return fmt.Errorf("JoinSession: %w", err)
	}
	logger.Info().Str("session", s.ID).Str("user", user.ID).Bool("host", p.IsHost).Msg("joined session")
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(ls.sync.State())
	}
	// the answer queues on the conn until the event loop starts
	if err := ls.sync.RequestState(ctx); err != nil {
		logger.Warn().Err(err).Str("session", s.ID).Msg("failed to request live state, starting from the persisted copy")
	}
	m.start(ls)
	return nil
}

func (m *Manager) resolve(ctx context.Context, target JoinTarget) (*collab.Session, error) {
	var (
		s   *collab.Session
		err error
	)
	switch {
	case target.Code != "":
		s, err = m.store.FindSessionByCode(ctx, target.Code)
	case target.DocumentID != "":
		s, err = m.store.FindActiveSession(ctx, target.DocumentID)
	default:
		return nil, &collab.ValidationError{Field: "code", Reason: "or documentId is required"}
	}
	if err != nil {
		return nil, fmt.Errorf("JoinSession: %w", err)
	}
	if s == nil || !s.IsActive {
		return nil, fmt.Errorf("JoinSession %s%s: %w", target.Code, target.DocumentID, collab.ErrSessionNotFound)
	}
	return s, nil
}

// LeaveSession marks this client's participant record inactive and drops the channel. The
// session continues for everyone else.
func (m *Manager) LeaveSession(ctx context.Context, sessionID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.leave(ctx, sessionID)
}

func (m *Manager) leave(ctx context.Context, sessionID string) error {
	ls := m.current()
	if ls == nil || ls.session.ID != sessionID {
		return fmt.Errorf("LeaveSession %s: %w", sessionID, collab.ErrNotInSession)
	}
	if err := ls.sync.Flush(ctx); err != nil {
		logger.Warn().Err(err).Str("session", sessionID).Msg("failed to persist workspace state on leave")
	}
	if !m.detach(ls) {
		// ended underneath us
		return nil
	}
	m.teardown(ctx, ls)
	err := m.store.DeactivateParticipant(ctx, sessionID, m.cfg.User.ID)
	if err != nil && !errors.Is(err, collab.ErrParticipantNotFound) {
		return fmt.Errorf("LeaveSession: %w", err)
	}
	logger.Info().Str("session", sessionID).Str("user", m.cfg.User.ID).Msg("left session")
	m.endIfAbandoned(ctx, sessionID)
	return nil
}

// endIfAbandoned ends a session nobody is left in, so it stops blocking its document. A
// server may already have done so, which is fine.
func (m *Manager) endIfAbandoned(ctx context.Context, sessionID string) {
	active, err := m.store.ListParticipants(ctx, sessionID, true)
	if err != nil {
		logger.Warn().Err(err).Str("session", sessionID).Msg("failed to count remaining participants")
		return
	}
	if len(active) > 0 {
		return
	}
	err = m.store.DeactivateSession(ctx, sessionID)
	switch {
	case err == nil:
		logger.Info().Str("session", sessionID).Msg("last participant left, session ended")
	case !errors.Is(err, collab.ErrSessionNotFound):
		logger.Warn().Err(err).Str("session", sessionID).Msg("failed to end abandoned session")
	}
}

// EndSession terminates the session for everyone. Only the host may end it.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	ls := m.current()
	if ls == nil || ls.session.ID != sessionID {
		return fmt.Errorf("EndSession %s: %w", sessionID, collab.ErrNotInSession)
	}
	if !ls.isHost || ls.session.HostID != m.cfg.User.ID {
		return fmt.Errorf("EndSession %s: %w", sessionID, collab.ErrNotHost)
	}
	if err := ls.sync.Flush(ctx); err != nil {
		logger.Warn().Err(err).Str("session", sessionID).Msg("failed to persist workspace state before ending")
	}
	// detach first so the session_ended echo from the server is not mistaken for a remote end
	if !m.detach(ls) {
		return nil
	}
	err := m.store.DeactivateSession(ctx, sessionID)
	if err != nil && !errors.Is(err, collab.ErrSessionNotFound) {
		m.mu.Lock()
		if m.live == nil {
			m.live = ls
		}
		m.mu.Unlock()
		return fmt.Errorf("EndSession: %w", err)
	}
	err = ls.conn.Publish(ctx, channel.EventSessionEnded, channel.SessionEndedPayload{
		SessionID: sessionID,
		EndedBy:   m.cfg.User.ID,
	})
	if err != nil && !errors.Is(err, channel.ErrClosed) {
		logger.Warn().Err(err).Str("session", sessionID).Msg("failed to broadcast session end")
	}
	m.teardown(ctx, ls)
	logger.Info().Str("session", sessionID).Msg("session ended by host")
	return nil
}

// BroadcastState merges patch into the shared workspace state and sends it to every participant.
func (m *Manager) BroadcastState(ctx context.Context, patch collab.WorkspacePatch) (collab.WorkspaceState, error) {
	ls := m.current()
	if ls == nil {
		return collab.WorkspaceState{}, collab.ErrNotInSession
	}
	return ls.sync.BroadcastState(ctx, patch)
}

// UpdateCursor sends this client's cursor, subject to the throttle. It reports whether the
// update was sent.
func (m *Manager) UpdateCursor(ctx context.Context, pos collab.CursorPosition) (bool, error) {
	ls := m.current()
	if ls == nil {
		return false, collab.ErrNotInSession
	}
	return ls.cursors.UpdateCursor(ctx, pos)
}

// Current returns the joined session, or nil.
func (m *Manager) Current() *collab.Session {
	ls := m.current()
	if ls == nil {
		return nil
	}
	s := ls.session
	s.WorkspaceState = ls.sync.State()
	return &s
}

// IsHost reports whether this client hosts the joined session.
func (m *Manager) IsHost() bool {
	ls := m.current()
	return ls != nil && ls.isHost
}

// State returns the merged workspace state, or an empty state outside a session.
func (m *Manager) State() collab.WorkspaceState {
	ls := m.current()
	if ls == nil {
		return collab.WorkspaceState{}
	}
	return ls.sync.State()
}

// Cursors returns the live cursors of other clients.
func (m *Manager) Cursors() []collab.RemoteCursor {
	ls := m.current()
	if ls == nil {
		return nil
	}
	return ls.cursors.Cursors()
}

// Presence returns everyone currently on the session channel, this client included, ordered
// by display name. Outside a session it is empty.
func (m *Manager) Presence() []collab.PresenceEntry {
	m.mu.Lock()
	ls := m.live
	if ls == nil {
		m.mu.Unlock()
		return nil
	}
	out := presenceEntries(ls.presence)
	m.mu.Unlock()

	latest := make(map[string]collab.RemoteCursor)
	for _, c := range ls.cursors.Cursors() {
		if prev, ok := latest[c.UserID]; !ok || c.SentAt.After(prev.SentAt) {
			latest[c.UserID] = c
		}
	}
	for i := range out {
		if c, ok := latest[out[i].ParticipantID]; ok {
			pos := c.Position
			out[i].Cursor = &pos
		}
	}
	return out
}

func presenceEntries(presence map[string]collab.PresenceMeta) []collab.PresenceEntry {
	out := make([]collab.PresenceEntry, 0, len(presence))
	for _, meta := range presence {
		out = append(out, collab.PresenceEntry{PresenceMeta: meta, IsOnline: true})
	}
	slices.SortFunc(out, func(a, b collab.PresenceEntry) int {
		if a.DisplayName != b.DisplayName {
			if a.DisplayName < b.DisplayName {
				return -1
			}
			return 1
		}
		switch {
		case a.ParticipantID < b.ParticipantID:
			return -1
		case a.ParticipantID > b.ParticipantID:
			return 1
		}
		return 0
	})
	return out
}

// Close leaves the joined session, if any, and stops background persistence. Safe to call
// more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ls := m.live
	m.mu.Unlock()
	var err error
	if ls != nil {
		err = m.leave(ctx, ls.session.ID)
	}
	m.pool.Stop()
	return err
}

func (m *Manager) checkIdle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return channel.ErrClosed
	}
	if m.live != nil {
		return ErrAlreadyInSession
	}
	return nil
}

func (m *Manager) current() *liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// detach clears ls as the current session. Only the caller that detaches tears it down.
func (m *Manager) detach(ls *liveSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != ls {
		return false
	}
	m.live = nil
	return true
}

// open subscribes to the session channel and announces this client's presence.
func (m *Manager) open(ctx context.Context, s *collab.Session, isHost bool) (*liveSession, error) {
	user := m.cfg.User
	conn, err := m.dialer.Join(ctx, channel.SessionTopic(s.ID), user.ID)
	if err != nil {
		return nil, err
	}
	color := collab.PickColor()
	ls := &liveSession{
		session:  *s,
		isHost:   isHost,
		conn:     conn,
		presence: make(map[string]collab.PresenceMeta),
		meta: collab.PresenceMeta{
			ParticipantID: user.ID,
			DisplayName:   user.DisplayName,
			Rank:          user.Rank,
			IsHost:        isHost,
			Color:         color,
			OnlineAt:      internal.Clock(m.cfg.Clock).Now(),
		},
	}
	ls.session.WorkspaceState = collab.WorkspaceState{}
	ls.sync = NewSynchronizer(s.ID, s.WorkspaceState, conn, m.store, m.pool, m.cfg.PersistInterval, m.cfg.OnStateChange)
	ls.cursors = NewCursorTracker(conn, user, color, m.cfg)
	if err := conn.Track(ctx, ls.meta); err != nil {
		ls.sync.Close()
		ls.cursors.Close()
		_ = conn.Close()
		return nil, err
	}
	return ls, nil
}

func (m *Manager) start(ls *liveSession) {
	m.mu.Lock()
	m.live = ls
	m.mu.Unlock()
	go m.loop(ls)
}

func (m *Manager) teardown(ctx context.Context, ls *liveSession) {
	ls.sync.Close()
	ls.cursors.Close()
	if err := ls.conn.Untrack(ctx); err != nil && !errors.Is(err, channel.ErrClosed) {
		logger.Debug().Err(err).Str("session", ls.session.ID).Msg("untrack failed")
	}
	if err := ls.conn.Close(); err != nil {
		logger.Debug().Err(err).Str("session", ls.session.ID).Msg("channel close failed")
	}
}

func (m *Manager) loop(ls *liveSession) {
	defer internal.ReportPanicsToSentry()
	for ev := range ls.conn.Events() {
		if m.current() != ls {
			// detached, possibly only while EndSession waits on the store
			continue
		}
		m.handle(ls, ev)
	}
	// the channel went away without a session_ended event
	if m.current() == ls {
		logger.Warn().Str("session", ls.session.ID).Msg("session channel closed unexpectedly")
		m.ended(ls)
	}
}

func (m *Manager) handle(ls *liveSession, ev channel.Event) {
	switch ev.Kind {
	case channel.KindPresenceSync, channel.KindPresenceJoin, channel.KindPresenceLeave:
		m.applyPresence(ls, ev)
	case channel.KindBroadcast:
		switch ev.Name {
		case channel.EventStateUpdate:
			ls.sync.applyRemote(ev)
		case channel.EventStateRequest:
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			ls.sync.answerRequest(ctx, ev)
			cancel()
		case channel.EventStateSnapshot:
			ls.sync.applySnapshot(ev)
		case channel.EventCursor:
			ls.cursors.handle(ev)
		case channel.EventSessionEnded:
			var p channel.SessionEndedPayload
			if err := ev.Decode(&p); err == nil && p.SessionID != "" && p.SessionID != ls.session.ID {
				return
			}
			logger.Info().Str("session", ls.session.ID).Str("ended_by", p.EndedBy).Msg("session ended")
			m.ended(ls)
		default:
			logger.Trace().Str("event", ev.Name).Msg("ignoring unknown broadcast")
		}
	}
}

func (m *Manager) applyPresence(ls *liveSession, ev channel.Event) {
	m.mu.Lock()
	if m.live != ls {
		m.mu.Unlock()
		return
	}
	switch ev.Kind {
	case channel.KindPresenceSync:
		ls.presence = make(map[string]collab.PresenceMeta, len(ev.Presence))
		for k, v := range ev.Presence {
			ls.presence[k] = v
		}
	case channel.KindPresenceJoin:
		for k, v := range ev.Presence {
			ls.presence[k] = v
		}
	case channel.KindPresenceLeave:
		for k := range ev.Presence {
			delete(ls.presence, k)
		}
	}
	entries := presenceEntries(ls.presence)
	m.mu.Unlock()

	if ev.Kind == channel.KindPresenceLeave {
		for k := range ev.Presence {
			ls.cursors.RemoveUser(k)
		}
	}
	if m.cfg.OnPresenceChange != nil {
		m.cfg.OnPresenceChange(entries)
	}
}

// ended tears down a session someone else terminated. Idempotent per session.
func (m *Manager) ended(ls *liveSession) {
	if !m.detach(ls) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	m.teardown(ctx, ls)
	err := m.store.DeactivateParticipant(ctx, ls.session.ID, m.cfg.User.ID)
	if err != nil && !errors.Is(err, collab.ErrParticipantNotFound) && !errors.Is(err, collab.ErrSessionNotFound) {
		logger.Warn().Err(err).Str("session", ls.session.ID).Msg("failed to deactivate participant after session end")
	}
	if m.cfg.OnSessionEnded != nil {
		m.cfg.OnSessionEnded(ls.session.ID)
	}
}
