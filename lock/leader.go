package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"github.com/google/uuid"
)

// Leader elects one instance among many, e.g. one of a user's open tabs, to do work that must
// not be duplicated. Leadership is a lease on a leader unit in the same store as section and
// field locks, owned by a random per-instance id.
type Leader struct {
	store collab.LockStore
	unit  collab.UnitKey
	self  collab.User
	ttl   time.Duration
	renew time.Duration

	mu     sync.Mutex
	leader bool
}

// NewLeader campaigns for name within scope on behalf of owner. The lease is renewed every
// ttl/MinTTLHeartbeats.
func NewLeader(store collab.LockStore, scope, name string, owner collab.User, ttl time.Duration) *Leader {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Leader{
		store: store,
		unit:  collab.UnitKey{Scope: scope, Kind: collab.UnitLeader, Name: name},
		self: collab.User{
			ID:          uuid.NewString(),
			DisplayName: owner.DisplayName,
			Rank:        owner.Rank,
		},
		ttl:   ttl,
		renew: ttl / MinTTLHeartbeats,
	}
}

// ID is the owner id this instance campaigns with.
func (l *Leader) ID() string {
	return l.self.ID
}

func (l *Leader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

func (l *Leader) set(leader bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := l.leader != leader
	l.leader = leader
	return changed
}

// Campaign tries to become or stay leader and reports whether this instance now leads.
func (l *Leader) Campaign(ctx context.Context) (bool, error) {
	if l.IsLeader() {
		ok, err := l.store.RefreshLock(ctx, l.unit, l.self.ID, l.ttl)
		if err != nil {
			return true, fmt.Errorf("Campaign %s: %w", l.unit, err)
		}
		if ok {
			return true, nil
		}
		logger.Info().Str("unit", l.unit.String()).Str("instance", l.self.ID).Msg("leadership lost")
		l.set(false)
	}
	res, err := l.store.AcquireLock(ctx, l.unit, l.self, l.ttl)
	if err != nil {
		return false, fmt.Errorf("Campaign %s: %w", l.unit, err)
	}
	if res.Success && l.set(true) {
		logger.Info().Str("unit", l.unit.String()).Str("instance", l.self.ID).Msg("elected leader")
	}
	return res.Success, nil
}

// Resign gives up leadership so another instance can take over without waiting for expiry.
func (l *Leader) Resign(ctx context.Context) error {
	if !l.set(false) {
		return nil
	}
	return l.store.ReleaseLock(ctx, l.unit, l.self.ID)
}

// Run campaigns until ctx is done. While this instance leads, lead runs with a context that is
// cancelled when leadership is lost or Run returns. Leadership is resigned on return.
func (l *Leader) Run(ctx context.Context, lead func(ctx context.Context)) {
	defer internal.ReportPanicsToSentry()
	var (
		cancelLead context.CancelFunc
		wg         sync.WaitGroup
	)
	stopLeading := func() {
		if cancelLead != nil {
			cancelLead()
			cancelLead = nil
			wg.Wait()
		}
	}
	defer func() {
		stopLeading()
		rctx, cancel := context.WithTimeout(context.Background(), l.renew)
		defer cancel()
		if err := l.Resign(rctx); err != nil {
			logger.Warn().Err(err).Str("unit", l.unit.String()).Msg("failed to resign")
		}
	}()

	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	for {
		leading, err := l.Campaign(ctx)
		if err != nil {
			// keep the current role and try again on the next tick
			logger.Warn().Err(err).Str("unit", l.unit.String()).Msg("campaign failed")
		}
		switch {
		case leading && cancelLead == nil:
			var leadCtx context.Context
			leadCtx, cancelLead = context.WithCancel(ctx)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer internal.ReportPanicsToSentry()
				lead(leadCtx)
			}()
		case !leading:
			stopLeading()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
