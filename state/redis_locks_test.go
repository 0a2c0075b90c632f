package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/epbforge/shellsync/collab"
	"github.com/matrix-org/complement/must"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLockStore(t *testing.T) (*RedisLockStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLockStoreWithClient(client), mr
}

func TestRedisLockStore(t *testing.T) {
	store, mr := newTestRedisLockStore(t)
	clock := newFakeClock()
	store.WithClock(clock.Now)
	testLockStore(t, store, func(d time.Duration) {
		clock.Advance(d)
		mr.FastForward(d)
	})
}

func TestRedisLockStoreMutualExclusion(t *testing.T) {
	store, _ := newTestRedisLockStore(t)
	testLockStoreMutualExclusion(t, store)
}

func TestRedisLockStoreKeysExpire(t *testing.T) {
	store, mr := newTestRedisLockStore(t)
	ctx := context.Background()
	unit := collab.UnitKey{Scope: "doc-1", Kind: collab.UnitField, Name: "duty_title"}

	res, err := store.AcquireLock(ctx, unit, alice, 10*time.Second)
	must.NotError(t, "AcquireLock", err)
	must.Equal(t, res.Success, true, "acquire")
	key := store.lockKey(unit)
	if !mr.Exists(key) {
		t.Fatalf("lease key %s not written", key)
	}
	ttl := mr.TTL(key)
	if ttl <= 0 || ttl > 10*time.Second {
		t.Fatalf("lease key has TTL %v, want (0, 10s]", ttl)
	}

	mr.FastForward(11 * time.Second)
	if mr.Exists(key) {
		t.Fatalf("lease key outlived its TTL")
	}
	// listing prunes the dead entry from the scope index
	locks, err := store.ListLocks(ctx, "doc-1")
	must.NotError(t, "ListLocks", err)
	must.Equal(t, len(locks), 0, "no locks listed")
	members, err := mr.Members(store.indexKey("doc-1"))
	if err == nil && len(members) != 0 {
		t.Fatalf("expired lease still indexed: %v", members)
	}
}
