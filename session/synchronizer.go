package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/epbforge/shellsync/channel"
	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
)

const (
	persistTimeout = 10 * time.Second
	// catchUpWindow bounds how long a joiner waits for a peer to answer its state request.
	catchUpWindow = 5 * time.Second
)

// Synchronizer owns the shared workspace state of one joined session. Local edits are merged,
// broadcast to peers as patches and persisted in the background; peer patches are merged on
// arrival with the last applied write winning per key. Only the keys a patch names are ever
// sent, so a peer never rewrites keys it did not touch.
type Synchronizer struct {
	sessionID string
	conn      channel.Conn
	store     collab.SessionStore
	pool      *internal.WorkerPool
	interval  time.Duration
	onChange  func(collab.WorkspaceState)

	mu     sync.Mutex
	state  collab.WorkspaceState
	dirty  bool
	closed bool

	// set while waiting for a peer's snapshot after joining; patches applied meanwhile are
	// replayed on top of the snapshot
	catchUpUntil time.Time
	pending      []collab.WorkspacePatch
	pendingLocal bool

	// serialises snapshot+save so an older snapshot never overwrites a newer one
	persistMu sync.Mutex
	done      chan struct{}
	stopOnce  sync.Once
}

func NewSynchronizer(sessionID string, seed collab.WorkspaceState, conn channel.Conn, store collab.SessionStore,
	pool *internal.WorkerPool, interval time.Duration, onChange func(collab.WorkspaceState)) *Synchronizer {
	s := &Synchronizer{
		sessionID: sessionID,
		conn:      conn,
		store:     store,
		pool:      pool,
		interval:  interval,
		onChange:  onChange,
		state:     seed.Clone(),
		done:      make(chan struct{}),
	}
	if interval > 0 {
		go s.run()
	}
	return s
}

// State returns a copy of the current merged state.
func (s *Synchronizer) State() collab.WorkspaceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// BroadcastState merges patch into the local state, sends the patch to every peer and
// schedules persistence. The merged state is returned even if the send fails: the local copy
// is authoritative for this client.
func (s *Synchronizer) BroadcastState(ctx context.Context, patch collab.WorkspacePatch) (collab.WorkspaceState, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return collab.WorkspaceState{}, collab.ErrNotInSession
	}
	s.state = s.state.Merge(patch)
	s.dirty = true
	if s.catchingUpLocked() {
		s.pending = append(s.pending, patch)
		s.pendingLocal = true
	}
	snapshot := s.state.Clone()
	s.mu.Unlock()

	if s.interval == 0 {
		s.schedulePersist()
	}
	if err := s.conn.Publish(ctx, channel.EventStateUpdate, patch); err != nil {
		logger.Warn().Err(err).Str("session", s.sessionID).Msg("failed to broadcast workspace state")
		return snapshot, err
	}
	return snapshot, nil
}

// RequestState asks the peers already in the session for their current state. The persisted
// state a joiner starts from can lag the live one by a persist interval; the first snapshot to
// arrive replaces it.
func (s *Synchronizer) RequestState(ctx context.Context) error {
	s.mu.Lock()
	s.catchUpUntil = time.Now().Add(catchUpWindow)
	s.mu.Unlock()
	return s.conn.Publish(ctx, channel.EventStateRequest, nil)
}

func (s *Synchronizer) catchingUpLocked() bool {
	if s.catchUpUntil.IsZero() {
		return false
	}
	if time.Now().After(s.catchUpUntil) {
		// nobody answered; the persisted state stands
		s.catchUpUntil = time.Time{}
		s.pending = nil
		s.pendingLocal = false
		return false
	}
	return true
}

// answerRequest sends our state to a peer that just joined. A client that is itself still
// catching up stays quiet rather than hand out a stale copy.
func (s *Synchronizer) answerRequest(ctx context.Context, ev channel.Event) {
	s.mu.Lock()
	if s.closed || s.catchingUpLocked() || ev.Sender == "" {
		s.mu.Unlock()
		return
	}
	snapshot := s.state.Clone()
	s.mu.Unlock()
	err := s.conn.Publish(ctx, channel.EventStateSnapshot, channel.StateSnapshotPayload{For: ev.Sender, State: snapshot})
	if err != nil && !errors.Is(err, channel.ErrClosed) {
		logger.Warn().Err(err).Str("session", s.sessionID).Str("for", ev.Sender).Msg("failed to answer state request")
	}
}

// applySnapshot adopts the first snapshot addressed to us while catching up.
func (s *Synchronizer) applySnapshot(ev channel.Event) {
	var p channel.StateSnapshotPayload
	if err := ev.Decode(&p); err != nil {
		logger.Warn().Err(err).Str("session", s.sessionID).Str("sender", ev.Sender).Msg("dropping malformed state snapshot")
		return
	}
	if p.For != s.conn.Key() {
		return
	}
	s.mu.Lock()
	if s.closed || !s.catchingUpLocked() {
		s.mu.Unlock()
		return
	}
	next := p.State.Clone()
	for _, patch := range s.pending {
		next = next.Merge(patch)
	}
	s.state = next
	if s.pendingLocal {
		// anything persisted meanwhile was built on the stale seed
		s.dirty = true
	}
	s.catchUpUntil = time.Time{}
	s.pending = nil
	s.pendingLocal = false
	snapshot := s.state.Clone()
	s.mu.Unlock()
	logger.Debug().Str("session", s.sessionID).Str("from", ev.Sender).Msg("caught up with live state")
	if s.onChange != nil {
		s.onChange(snapshot)
	}
}

// applyRemote merges a peer's patch into ours.
func (s *Synchronizer) applyRemote(ev channel.Event) {
	var patch collab.WorkspacePatch
	if err := ev.Decode(&patch); err != nil {
		logger.Warn().Err(err).Str("session", s.sessionID).Str("sender", ev.Sender).Msg("dropping malformed state update")
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = s.state.Merge(patch)
	if s.catchingUpLocked() {
		s.pending = append(s.pending, patch)
	}
	snapshot := s.state.Clone()
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(snapshot)
	}
}

func (s *Synchronizer) schedulePersist() {
	if !s.pool.TryQueue(s.persist) {
		// a queued job will pick up the latest snapshot, or the next tick will
		logger.Trace().Str("session", s.sessionID).Msg("persist pool saturated")
	}
}

func (s *Synchronizer) persist() {
	defer internal.ReportPanicsToSentry()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		logger.Warn().Err(err).Str("session", s.sessionID).Msg("failed to persist workspace state")
	}
}

// Flush writes the current state if it changed since the last successful write.
func (s *Synchronizer) Flush(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := s.state.Clone()
	s.dirty = false
	s.mu.Unlock()

	err := s.store.SaveWorkspaceState(ctx, s.sessionID, snapshot)
	if err != nil && !errors.Is(err, collab.ErrSessionNotFound) {
		// retry on the next tick or broadcast
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
	return err
}

func (s *Synchronizer) run() {
	defer internal.ReportPanicsToSentry()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			dirty := s.dirty
			s.mu.Unlock()
			if dirty {
				s.schedulePersist()
			}
		}
	}
}

// Close stops background persistence. Unsaved changes are dropped unless Flush is called first.
func (s *Synchronizer) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}
