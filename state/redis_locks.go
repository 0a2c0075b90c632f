package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"github.com/redis/go-redis/v9"
)

// acquire grants the lease if the unit is free or already held by ARGV[1].
// KEYS[1] lock hash, KEYS[2] scope index set.
// ARGV: holder_id, holder_name, holder_rank, acquired_at, expires_at, ttl_ms, scope, kind, name
var acquireScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder_id')
if holder and holder ~= ARGV[1] then
  local cur = redis.call('HMGET', KEYS[1], 'holder_id', 'holder_name', 'holder_rank', 'acquired_at', 'expires_at')
  return {0, cur[1], cur[2], cur[3], cur[4], cur[5]}
end
if not holder then
  redis.call('HSET', KEYS[1], 'holder_id', ARGV[1], 'acquired_at', ARGV[4], 'scope', ARGV[7], 'kind', ARGV[8], 'name', ARGV[9])
end
redis.call('HSET', KEYS[1], 'holder_name', ARGV[2], 'holder_rank', ARGV[3], 'expires_at', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
redis.call('SADD', KEYS[2], KEYS[1])
local cur = redis.call('HMGET', KEYS[1], 'holder_id', 'holder_name', 'holder_rank', 'acquired_at', 'expires_at')
return {1, cur[1], cur[2], cur[3], cur[4], cur[5]}
`)

// KEYS[1] lock hash. ARGV: holder_id, expires_at, ttl_ms
var refreshScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder_id') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'expires_at', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return 1
end
return 0
`)

// KEYS[1] lock hash, KEYS[2] scope index set. ARGV: holder_id
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder_id') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], KEYS[1])
  return 1
end
return 0
`)

// RedisLockStore implements collab.LockStore on Redis. Each lease is a hash whose key TTL is
// the lease TTL, so an abandoned lease disappears without any sweeper. Keys for one scope
// share a hash tag so the scripts stay on one cluster slot.
type RedisLockStore struct {
	client *redis.Client
	prefix string
	clock  internal.Clock
}

func NewRedisLockStore(redisURL string) (*RedisLockStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisLockStoreWithClient(client), nil
}

func NewRedisLockStoreWithClient(client *redis.Client) *RedisLockStore {
	return &RedisLockStore{
		client: client,
		prefix: "shellsync:",
	}
}

// WithClock replaces the time source used for the acquired/expiry timestamps reported to callers.
// Expiry itself is enforced by Redis key TTLs.
func (s *RedisLockStore) WithClock(now func() time.Time) *RedisLockStore {
	s.clock = now
	return s
}

func (s *RedisLockStore) lockKey(unit collab.UnitKey) string {
	return fmt.Sprintf("%slock:{%s}:%s:%s", s.prefix, unit.Scope, unit.Kind, unit.Name)
}

func (s *RedisLockStore) indexKey(scope string) string {
	return fmt.Sprintf("%slocks:{%s}", s.prefix, scope)
}

func (s *RedisLockStore) AcquireLock(ctx context.Context, unit collab.UnitKey, holder collab.User, ttl time.Duration) (*collab.AcquireResult, error) {
	now := s.clock.Now()
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.lockKey(unit), s.indexKey(unit.Scope)},
		holder.ID, holder.DisplayName, holder.Rank,
		now.UnixMilli(), now.Add(ttl).UnixMilli(), ttl.Milliseconds(),
		unit.Scope, string(unit.Kind), unit.Name,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("AcquireLock %s: %w", unit, err)
	}
	if len(res) != 6 {
		return nil, fmt.Errorf("AcquireLock %s: unexpected script reply %v", unit, res)
	}
	granted, _ := res[0].(int64)
	l := collab.Lock{
		Unit:       unit,
		HolderID:   replyString(res[1]),
		HolderName: replyString(res[2]),
		HolderRank: replyString(res[3]),
		AcquiredAt: replyMillis(res[4]),
		ExpiresAt:  replyMillis(res[5]),
	}
	if granted == 1 {
		return &collab.AcquireResult{Success: true, Holder: &l}, nil
	}
	return &collab.AcquireResult{Success: false, LockedBy: l.HolderLabel(), Holder: &l}, nil
}

func (s *RedisLockStore) RefreshLock(ctx context.Context, unit collab.UnitKey, holderID string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	n, err := refreshScript.Run(ctx, s.client, []string{s.lockKey(unit)},
		holderID, now.Add(ttl).UnixMilli(), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("RefreshLock %s: %w", unit, err)
	}
	return n == 1, nil
}

func (s *RedisLockStore) ReleaseLock(ctx context.Context, unit collab.UnitKey, holderID string) error {
	err := releaseScript.Run(ctx, s.client, []string{s.lockKey(unit), s.indexKey(unit.Scope)}, holderID).Err()
	if err != nil {
		return fmt.Errorf("ReleaseLock %s: %w", unit, err)
	}
	return nil
}

func (s *RedisLockStore) ListLocks(ctx context.Context, scope string) ([]collab.Lock, error) {
	index := s.indexKey(scope)
	keys, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("ListLocks %s: %w", scope, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ListLocks %s: %w", scope, err)
	}
	var stale []interface{}
	locks := make([]collab.Lock, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// the lease expired, drop it from the index
			stale = append(stale, keys[i])
			continue
		}
		locks = append(locks, collab.Lock{
			Unit: collab.UnitKey{
				Scope: fields["scope"],
				Kind:  collab.UnitKind(fields["kind"]),
				Name:  fields["name"],
			},
			HolderID:   fields["holder_id"],
			HolderName: fields["holder_name"],
			HolderRank: fields["holder_rank"],
			AcquiredAt: replyMillis(fields["acquired_at"]),
			ExpiresAt:  replyMillis(fields["expires_at"]),
		})
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, index, stale...).Err(); err != nil {
			logger.Warn().Err(err).Str("scope", scope).Msg("failed to prune expired leases from index")
		}
	}
	sortLocks(locks)
	return locks, nil
}

func (s *RedisLockStore) Close() error {
	return s.client.Close()
}

func replyString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func replyMillis(v interface{}) time.Time {
	ms, err := strconv.ParseInt(replyString(v), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
