// Package lock implements lease locks over document sections and fields, used when a document
// is edited without a live session. Leases expire on their own, are renewed by a heartbeat
// while held, and are released explicitly on completion or teardown.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/epbforge/shellsync/channel"
	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultTTL       = 6 * time.Minute
	DefaultHeartbeat = 2 * time.Minute
	// MinTTLHeartbeats is how many heartbeats a lease must outlive, so one or two missed
	// refreshes do not lose it.
	MinTTLHeartbeats = 3
)

var ErrClosed = errors.New("lock manager closed")

type Config struct {
	User       collab.User
	DocumentID string
	// Kind is the granularity this manager locks: sections or fields.
	Kind      collab.UnitKind
	TTL       time.Duration
	Heartbeat time.Duration
	// OnChange is called when the cached entry for a unit changes. lock is nil when the unit
	// became free.
	OnChange func(name string, lock *collab.Lock)
	Clock    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	return c
}

// ValidateLease checks that ttl outlives MinTTLHeartbeats heartbeats.
func ValidateLease(ttl, heartbeat time.Duration) error {
	if ttl < MinTTLHeartbeats*heartbeat {
		return fmt.Errorf("lease ttl %v must be at least %d x heartbeat %v", ttl, MinTTLHeartbeats, heartbeat)
	}
	return nil
}

func (c Config) validate() error {
	if c.User.ID == "" {
		return fmt.Errorf("lock.Config: user id is required")
	}
	if c.DocumentID == "" {
		return fmt.Errorf("lock.Config: document id is required")
	}
	if c.Kind != collab.UnitSection && c.Kind != collab.UnitField {
		return fmt.Errorf("lock.Config: kind must be %s or %s, got %q", collab.UnitSection, collab.UnitField, c.Kind)
	}
	return ValidateLease(c.TTL, c.Heartbeat)
}

// Manager holds this client's leases of one kind on one document and caches who holds the
// rest. The cache is fed by acquire results, lock-change broadcasts and RefreshAll.
type Manager struct {
	store collab.LockStore
	cfg   Config
	clock internal.Clock

	mu     sync.Mutex
	held   map[string]struct{}
	table  map[string]collab.Lock
	beat   chan struct{} // non-nil while the heartbeat runs
	conn   channel.Conn
	closed bool
}

func NewManager(store collab.LockStore, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		clock: cfg.Clock,
		held:  make(map[string]struct{}),
		table: make(map[string]collab.Lock),
	}, nil
}

// Subscribe listens for lock changes on the document's locks topic so the cached table
// tracks other holders without polling.
func (m *Manager) Subscribe(ctx context.Context, dialer channel.Dialer) error {
	conn, err := dialer.Join(ctx, channel.LocksTopic(m.cfg.DocumentID), uuid.NewString())
	if err != nil {
		return fmt.Errorf("Subscribe: %w", err)
	}
	m.mu.Lock()
	if m.closed || m.conn != nil {
		m.mu.Unlock()
		_ = conn.Close()
		if m.closed {
			return ErrClosed
		}
		return nil
	}
	m.conn = conn
	m.mu.Unlock()
	go m.listen(conn)
	return nil
}

func (m *Manager) unit(name string) collab.UnitKey {
	return collab.UnitKey{Scope: m.cfg.DocumentID, Kind: m.cfg.Kind, Name: name}
}

// Acquire asks for the lease on name. Losing to another holder is a normal outcome: Success is
// false and LockedBy names the holder. Store failures are logged and reported as a failed
// acquire with no holder.
func (m *Manager) Acquire(ctx context.Context, name string) collab.AcquireResult {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return collab.AcquireResult{}
	}
	unit := m.unit(name)
	res, err := m.store.AcquireLock(ctx, unit, m.cfg.User, m.cfg.TTL)
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		logger.Err(err).Str("unit", unit.String()).Str("user", m.cfg.User.ID).Msg("acquire failed")
		return collab.AcquireResult{}
	}
	if res.Success {
		holder := res.Holder
		if holder == nil {
			now := m.clock.Now()
			holder = &collab.Lock{
				Unit: unit, HolderID: m.cfg.User.ID, HolderName: m.cfg.User.DisplayName, HolderRank: m.cfg.User.Rank,
				AcquiredAt: now, ExpiresAt: now.Add(m.cfg.TTL),
			}
		}
		internal.Assert("granted lease is held by this user", holder.HolderID == m.cfg.User.ID)
		m.mu.Lock()
		if m.closed {
			// Close already released everything; hand this grant straight back
			m.mu.Unlock()
			if err := m.store.ReleaseLock(ctx, unit, m.cfg.User.ID); err != nil {
				logger.Warn().Err(err).Str("unit", unit.String()).Msg("failed to release lease granted after close")
			}
			return collab.AcquireResult{}
		}
		m.held[name] = struct{}{}
		m.table[name] = *holder
		m.ensureHeartbeatLocked()
		m.mu.Unlock()
		m.changed(name, holder)
		return *res
	}
	if res.Holder != nil {
		m.mu.Lock()
		m.table[name] = *res.Holder
		m.mu.Unlock()
		m.changed(name, res.Holder)
	}
	return *res
}

// Refresh extends the lease on name. It returns false when the lease was lost, in which case
// name is no longer tracked as held. A store error leaves name held for the next attempt.
func (m *Manager) Refresh(ctx context.Context, name string) (bool, error) {
	unit := m.unit(name)
	ok, err := m.store.RefreshLock(ctx, unit, m.cfg.User.ID, m.cfg.TTL)
	if err != nil {
		return false, fmt.Errorf("Refresh %s: %w", unit, err)
	}
	if ok {
		m.mu.Lock()
		if l, exists := m.table[name]; exists && l.HolderID == m.cfg.User.ID {
			l.ExpiresAt = m.clock.Now().Add(m.cfg.TTL)
			m.table[name] = l
		}
		m.mu.Unlock()
		return true, nil
	}
	logger.Info().Str("unit", unit.String()).Str("user", m.cfg.User.ID).Msg("lease lost")
	m.drop(name)
	return false, nil
}

// Release gives up the lease on name. Releasing a lease that already expired is fine.
func (m *Manager) Release(ctx context.Context, name string) error {
	m.drop(name)
	unit := m.unit(name)
	if err := m.store.ReleaseLock(ctx, unit, m.cfg.User.ID); err != nil {
		return fmt.Errorf("Release %s: %w", unit, err)
	}
	return nil
}

// drop forgets that we hold name.
func (m *Manager) drop(name string) {
	m.mu.Lock()
	delete(m.held, name)
	l, cached := m.table[name]
	mine := cached && l.HolderID == m.cfg.User.ID
	if mine {
		delete(m.table, name)
	}
	m.stopHeartbeatIfIdleLocked()
	m.mu.Unlock()
	if mine {
		m.changed(name, nil)
	}
}

// Held returns the names this client holds.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return internal.SortedKeys(m.held)
}

// IsLockedByOther reports whether someone else holds a valid lease on name, according to
// the cached table.
func (m *Manager) IsLockedByOther(name string) bool {
	return m.LockedByInfo(name) != nil
}

// LockedByInfo returns the other holder of name, or nil when it is free or held by us.
func (m *Manager) LockedByInfo(name string) *collab.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.table[name]
	if !ok || l.HolderID == m.cfg.User.ID || !l.Valid(m.clock.Now()) {
		return nil
	}
	return &l
}

// Locks returns the cached table.
func (m *Manager) Locks() map[string]collab.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	out := make(map[string]collab.Lock, len(m.table))
	for name, l := range m.table {
		if l.Valid(now) {
			out[name] = l
		}
	}
	return out
}

// RefreshAll reloads the cached table from the store. On failure the table is emptied, so
// callers see every unit as free rather than stale holders, and the error is returned.
func (m *Manager) RefreshAll(ctx context.Context) error {
	locks, err := m.store.ListLocks(ctx, m.cfg.DocumentID)
	if err != nil {
		logger.Warn().Err(err).Str("document", m.cfg.DocumentID).Msg("failed to list locks, clearing table")
		m.mu.Lock()
		m.table = make(map[string]collab.Lock)
		m.mu.Unlock()
		return fmt.Errorf("RefreshAll: %w", err)
	}
	table := make(map[string]collab.Lock, len(locks))
	for _, l := range locks {
		if l.Unit.Kind == m.cfg.Kind {
			table[l.Unit.Name] = l
		}
	}
	m.mu.Lock()
	for name := range m.held {
		if l, ok := table[name]; !ok || l.HolderID != m.cfg.User.ID {
			logger.Info().Str("unit", m.unit(name).String()).Msg("held lease no longer in the store")
			delete(m.held, name)
		}
	}
	m.stopHeartbeatIfIdleLocked()
	m.table = table
	m.mu.Unlock()
	return nil
}

// ReleaseAll releases every held lease. Every lease is attempted even if some fail.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.Held() {
		if err := m.Release(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases every held lease and stops listening. Safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	err := m.ReleaseAll(ctx)
	if conn != nil {
		_ = conn.Close()
	}
	return err
}

func (m *Manager) changed(name string, l *collab.Lock) {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(name, l)
	}
}

// HeartbeatRunning reports whether held leases are being renewed.
func (m *Manager) HeartbeatRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beat != nil
}

func (m *Manager) ensureHeartbeatLocked() {
	if m.beat != nil || len(m.held) == 0 {
		return
	}
	m.beat = make(chan struct{})
	go m.heartbeat(m.beat)
}

func (m *Manager) stopHeartbeatIfIdleLocked() {
	if m.beat != nil && len(m.held) == 0 {
		close(m.beat)
		m.beat = nil
	}
}

func (m *Manager) heartbeat(stop chan struct{}) {
	defer internal.ReportPanicsToSentry()
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, name := range m.Held() {
				ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Heartbeat)
				// transient failures retry on the next tick
				if _, err := m.Refresh(ctx, name); err != nil {
					logger.Warn().Err(err).Str("user", m.cfg.User.ID).Msg("heartbeat refresh failed")
				}
				cancel()
			}
		}
	}
}

func (m *Manager) listen(conn channel.Conn) {
	defer internal.ReportPanicsToSentry()
	for ev := range conn.Events() {
		if ev.Kind != channel.KindBroadcast || ev.Name != channel.EventLockChanged {
			continue
		}
		var p channel.LockChangedPayload
		if err := ev.Decode(&p); err != nil {
			logger.Warn().Err(err).Msg("dropping malformed lock change")
			continue
		}
		m.applyChange(p)
	}
}

func (m *Manager) applyChange(p channel.LockChangedPayload) {
	if p.Unit.Scope != m.cfg.DocumentID || p.Unit.Kind != m.cfg.Kind {
		return
	}
	name := p.Unit.Name
	m.mu.Lock()
	if p.Lock != nil {
		m.table[name] = *p.Lock
		if _, held := m.held[name]; held && p.Lock.HolderID != m.cfg.User.ID {
			// someone else won it after our lease lapsed
			delete(m.held, name)
			m.stopHeartbeatIfIdleLocked()
		}
		l := *p.Lock
		m.mu.Unlock()
		m.changed(name, &l)
		return
	}
	cur, ok := m.table[name]
	if !ok || cur.HolderID != p.ReleasedBy {
		m.mu.Unlock()
		return
	}
	delete(m.table, name)
	m.mu.Unlock()
	m.changed(name, nil)
}
