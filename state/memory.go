package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slices"
)

// MemoryStore keeps sessions, participants and leases in process. It backs single-instance
// deployments without a database and the tests of everything above the store.
type MemoryStore struct {
	mu           sync.Mutex
	clock        internal.Clock
	sessions     map[string]*collab.Session                // session_id -> session
	participants map[string]map[string]*collab.Participant // session_id -> user_id -> participant
	locks        map[collab.UnitKey]collab.Lock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*collab.Session),
		participants: make(map[string]map[string]*collab.Participant),
		locks:        make(map[collab.UnitKey]collab.Lock),
	}
}

// WithClock replaces the time source used for lease expiry and timestamps.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = now
	return m
}

func (m *MemoryStore) activeForDocument(documentID string) *collab.Session {
	for _, s := range m.sessions {
		if s.IsActive && s.DocumentID == documentID {
			return s
		}
	}
	return nil
}

func (m *MemoryStore) activeCodeTaken(code string) bool {
	for _, s := range m.sessions {
		if s.IsActive && s.Code == code {
			return true
		}
	}
	return false
}

func copySession(s *collab.Session) *collab.Session {
	out := *s
	out.WorkspaceState = s.WorkspaceState.Clone()
	return &out
}

func (m *MemoryStore) FindActiveSession(ctx context.Context, documentID string) (*collab.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.activeForDocument(documentID)
	if s == nil {
		return nil, nil
	}
	return copySession(s), nil
}

// SessionByID returns the session whether or not it is still active, or nil.
func (m *MemoryStore) SessionByID(ctx context.Context, sessionID string) (*collab.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

func (m *MemoryStore) FindSessionByCode(ctx context.Context, code string) (*collab.Session, error) {
	code = collab.NormalizeCode(code)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.IsActive && s.Code == code {
			return copySession(s), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, documentID string, host collab.User, initial collab.WorkspaceState) (*collab.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.activeForDocument(documentID); existing != nil {
		return nil, &collab.ConflictError{Existing: existing.Summary(m.countActive(existing.ID))}
	}
	code := collab.NewSessionCode()
	for attempt := 0; m.activeCodeTaken(code); attempt++ {
		if attempt >= maxCodeAttempts {
			return nil, fmt.Errorf("CreateSession: could not allocate a unique session code after %d attempts", maxCodeAttempts)
		}
		code = collab.NewSessionCode()
	}
	now := m.clock.Now()
	s := &collab.Session{
		ID:             ksuid.New().String(),
		Code:           code,
		DocumentID:     documentID,
		HostID:         host.ID,
		HostName:       host.DisplayName,
		HostRank:       host.Rank,
		IsActive:       true,
		WorkspaceState: initial.Clone(),
		CreatedAt:      now,
	}
	m.sessions[s.ID] = s
	m.participants[s.ID] = map[string]*collab.Participant{
		host.ID: {
			SessionID:   s.ID,
			UserID:      host.ID,
			DisplayName: host.DisplayName,
			Rank:        host.Rank,
			IsHost:      true,
			JoinedAt:    now,
		},
	}
	return copySession(s), nil
}

func (m *MemoryStore) DeactivateSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.IsActive {
		return fmt.Errorf("DeactivateSession %s: %w", sessionID, collab.ErrSessionNotFound)
	}
	s.IsActive = false
	now := m.clock.Now()
	for _, p := range m.participants[sessionID] {
		if p.LeftAt == nil {
			left := now
			p.LeftAt = &left
		}
	}
	return nil
}

func (m *MemoryStore) SaveWorkspaceState(ctx context.Context, sessionID string, state collab.WorkspaceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.IsActive {
		return fmt.Errorf("SaveWorkspaceState %s: %w", sessionID, collab.ErrSessionNotFound)
	}
	s.WorkspaceState = state.Clone()
	return nil
}

func (m *MemoryStore) AddParticipant(ctx context.Context, sessionID string, user collab.User, isHost bool) (*collab.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("AddParticipant %s: %w", sessionID, collab.ErrSessionNotFound)
	}
	members := m.participants[sessionID]
	if members == nil {
		members = make(map[string]*collab.Participant)
		m.participants[sessionID] = members
	}
	p, ok := members[user.ID]
	if !ok {
		p = &collab.Participant{SessionID: sessionID, UserID: user.ID}
		members[user.ID] = p
	}
	p.DisplayName = user.DisplayName
	p.Rank = user.Rank
	p.IsHost = p.IsHost || isHost
	p.JoinedAt = m.clock.Now()
	p.LeftAt = nil
	out := *p
	return &out, nil
}

func (m *MemoryStore) ReactivateParticipant(ctx context.Context, sessionID, userID string) (*collab.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[sessionID][userID]
	if !ok {
		return nil, fmt.Errorf("ReactivateParticipant %s in %s: %w", userID, sessionID, collab.ErrParticipantNotFound)
	}
	p.LeftAt = nil
	p.JoinedAt = m.clock.Now()
	out := *p
	return &out, nil
}

func (m *MemoryStore) DeactivateParticipant(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[sessionID][userID]
	if !ok {
		return fmt.Errorf("DeactivateParticipant %s in %s: %w", userID, sessionID, collab.ErrParticipantNotFound)
	}
	if p.LeftAt == nil {
		left := m.clock.Now()
		p.LeftAt = &left
	}
	return nil
}

func (m *MemoryStore) ListParticipants(ctx context.Context, sessionID string, activeOnly bool) ([]collab.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collab.Participant, 0, len(m.participants[sessionID]))
	for _, p := range m.participants[sessionID] {
		if activeOnly && !p.Active() {
			continue
		}
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b collab.Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return compareStrings(a.UserID, b.UserID)
	})
	return out, nil
}

func (m *MemoryStore) countActive(sessionID string) int {
	n := 0
	for _, p := range m.participants[sessionID] {
		if p.Active() {
			n++
		}
	}
	return n
}

func (m *MemoryStore) AcquireLock(ctx context.Context, unit collab.UnitKey, holder collab.User, ttl time.Duration) (*collab.AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	current, ok := m.locks[unit]
	if ok && current.Valid(now) && current.HolderID != holder.ID {
		c := current
		return &collab.AcquireResult{Success: false, LockedBy: c.HolderLabel(), Holder: &c}, nil
	}
	acquiredAt := now
	if ok && current.Valid(now) {
		acquiredAt = current.AcquiredAt
	}
	l := collab.Lock{
		Unit:       unit,
		HolderID:   holder.ID,
		HolderName: holder.DisplayName,
		HolderRank: holder.Rank,
		AcquiredAt: acquiredAt,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[unit] = l
	return &collab.AcquireResult{Success: true, Holder: &l}, nil
}

func (m *MemoryStore) RefreshLock(ctx context.Context, unit collab.UnitKey, holderID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	current, ok := m.locks[unit]
	if !ok || current.HolderID != holderID || !current.Valid(now) {
		return false, nil
	}
	current.ExpiresAt = now.Add(ttl)
	m.locks[unit] = current
	return true, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context, unit collab.UnitKey, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.locks[unit]; ok && current.HolderID == holderID {
		delete(m.locks, unit)
	}
	return nil
}

func (m *MemoryStore) ListLocks(ctx context.Context, scope string) ([]collab.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var out []collab.Lock
	for unit, l := range m.locks {
		if !l.Valid(now) {
			delete(m.locks, unit)
			continue
		}
		if unit.Scope == scope {
			out = append(out, l)
		}
	}
	sortLocks(out)
	return out, nil
}

func sortLocks(locks []collab.Lock) {
	slices.SortFunc(locks, func(a, b collab.Lock) int {
		return compareStrings(a.Unit.String(), b.Unit.String())
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
