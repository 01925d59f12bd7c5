package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var recordFailureScript = redis.NewScript(`
local locked = redis.call('GET', KEYS[1])
if locked and tonumber(locked) > tonumber(ARGV[1]) then
  return locked
end
local count = redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
if count >= tonumber(ARGV[2]) then
  redis.call('SET', KEYS[1], ARGV[5], 'PX', ARGV[3])
  redis.call('DEL', KEYS[2])
  return ARGV[5]
end
return ''
`)

// RedisGuard shares failure counters across instances. The lock key stores
// the lock end in unix milliseconds and expires with it.
type RedisGuard struct {
	client redis.UniversalClient
	config GuardConfig
	prefix string
}

func NewRedisGuard(client redis.UniversalClient, config GuardConfig, prefix string) *RedisGuard {
	return &RedisGuard{
		client: client,
		config: config.withDefaults(),
		prefix: prefix,
	}
}

func (g *RedisGuard) lockKey(source string) string    { return g.prefix + "guard:lock:" + source }
func (g *RedisGuard) failuresKey(source string) string { return g.prefix + "guard:fail:" + source }

func (g *RedisGuard) LockedUntil(ctx context.Context, source string, now time.Time) (*time.Time, error) {
	raw, err := g.client.Get(ctx, g.lockKey(source)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read login lock: %w", err)
	}

	until, err := parseUnixMilli(raw)
	if err != nil {
		return nil, err
	}
	if !now.Before(until) {
		return nil, nil
	}
	return &until, nil
}

func (g *RedisGuard) RecordFailure(ctx context.Context, source string, now time.Time) (*time.Time, error) {
	keys := []string{g.lockKey(source), g.failuresKey(source)}
	raw, err := recordFailureScript.Run(ctx, g.client, keys,
		now.UnixMilli(),
		g.config.MaxAttempts,
		g.config.LockDuration.Milliseconds(),
		g.config.Retention.Milliseconds(),
		now.Add(g.config.LockDuration).UnixMilli(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("record failed login: %w", err)
	}
	if raw == "" {
		return nil, nil
	}

	until, err := parseUnixMilli(raw)
	if err != nil {
		return nil, err
	}
	return &until, nil
}

func (g *RedisGuard) Reset(ctx context.Context, source string) error {
	if err := g.client.Del(ctx, g.lockKey(source), g.failuresKey(source)).Err(); err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	return nil
}

// Sweep is a no-op: counters and locks carry their own TTL.
func (g *RedisGuard) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func parseUnixMilli(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse lock timestamp %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
