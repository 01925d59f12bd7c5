package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS: live:<id>, owner set. ARGV: owner, ttl ms, id.
var registerRefreshScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[2]) then
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return 1
`)

// KEYS: live:<old>, revoked:<old>, live:<new>, owner set.
// ARGV: owner, old revoked ttl ms, new ttl ms, old id, new id.
var rotateRefreshScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if not owner then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[4], ARGV[4])
if owner ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[2])
end
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[3])
redis.call('SADD', KEYS[4], ARGV[5])
if redis.call('PTTL', KEYS[4]) < tonumber(ARGV[3]) then
  redis.call('PEXPIRE', KEYS[4], ARGV[3])
end
return 1
`)

// KEYS: owner set. ARGV: live key prefix, revoked key prefix.
var revokeOwnerScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local count = 0
for _, id in ipairs(ids) do
  local ttl = redis.call('PTTL', ARGV[1] .. id)
  if ttl > 0 then
    redis.call('DEL', ARGV[1] .. id)
    redis.call('SET', ARGV[2] .. id, '1', 'PX', ttl)
    count = count + 1
  end
end
redis.call('DEL', KEYS[1])
return count
`)

// RedisLedger keeps the revoked set and live refresh index in Redis so that
// several instances share one logical store. Entries expire with their token.
// revokeOwnerScript touches keys derived inside Lua, which Redis Cluster
// rejects, so only a single-node client is accepted.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) liveKey(id string) string    { return l.prefix + "ledger:live:" + id }
func (l *RedisLedger) revokedKey(id string) string { return l.prefix + "ledger:revoked:" + id }
func (l *RedisLedger) ownerKey(owner Owner) string { return l.prefix + "ledger:owner:" + owner.String() }

func (l *RedisLedger) RegisterRefresh(ctx context.Context, id string, owner Owner, expiresAt, now time.Time) error {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}

	keys := []string{l.liveKey(id), l.ownerKey(owner)}
	if err := registerRefreshScript.Run(ctx, l.client, keys, owner.String(), ttl.Milliseconds(), id).Err(); err != nil {
		return fmt.Errorf("register refresh token: %w", err)
	}
	return nil
}

func (l *RedisLedger) Rotate(ctx context.Context, oldID string, oldExpiresAt time.Time, newID string, owner Owner, newExpiresAt, now time.Time) (bool, error) {
	newTTL := newExpiresAt.Sub(now)
	if newTTL <= 0 {
		return false, fmt.Errorf("rotate refresh token: replacement already expired")
	}
	oldTTL := oldExpiresAt.Sub(now)
	if oldTTL < 0 {
		oldTTL = 0
	}

	keys := []string{l.liveKey(oldID), l.revokedKey(oldID), l.liveKey(newID), l.ownerKey(owner)}
	rotated, err := rotateRefreshScript.Run(ctx, l.client, keys,
		owner.String(),
		oldTTL.Milliseconds(),
		newTTL.Milliseconds(),
		oldID,
		newID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rotate refresh token: %w", err)
	}
	return rotated == 1, nil
}

func (l *RedisLedger) Revoke(ctx context.Context, id string, expiresAt, now time.Time) error {
	ttl := expiresAt.Sub(now)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, l.liveKey(id))
		if ttl > 0 {
			pipe.Set(ctx, l.revokedKey(id), "1", ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (l *RedisLedger) IsRevoked(ctx context.Context, id string, _ time.Time) (bool, error) {
	n, err := l.client.Exists(ctx, l.revokedKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) RevokeOwner(ctx context.Context, owner Owner, _ time.Time) (int, error) {
	count, err := revokeOwnerScript.Run(ctx, l.client, []string{l.ownerKey(owner)},
		l.prefix+"ledger:live:",
		l.prefix+"ledger:revoked:",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens for %s: %w", owner, err)
	}
	return count, nil
}

// Sweep is a no-op: Redis expires entries with their tokens.
func (l *RedisLedger) Sweep(context.Context, time.Time) (int, int, error) {
	return 0, 0, nil
}
