package auth

import (
	"context"
	"sync"
	"time"
)

const (
	defaultMaxAttempts      = 5
	defaultLockDuration     = 60 * time.Second
	defaultFailureRetention = 15 * time.Minute
)

// Guard throttles login attempts per source identifier (usually the client IP).
type Guard interface {
	// LockedUntil returns the end of the active lock, or nil when source may attempt a login.
	LockedUntil(ctx context.Context, source string, now time.Time) (*time.Time, error)
	// RecordFailure counts a failed attempt. It returns the lock end when the
	// failure reached the threshold or a lock was already active.
	RecordFailure(ctx context.Context, source string, now time.Time) (*time.Time, error)
	Reset(ctx context.Context, source string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type GuardConfig struct {
	MaxAttempts  int
	LockDuration time.Duration
	// Retention bounds how long an idle, unlocked failure counter is kept.
	Retention time.Duration
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.LockDuration <= 0 {
		c.LockDuration = defaultLockDuration
	}
	if c.Retention <= 0 {
		c.Retention = defaultFailureRetention
	}
	return c
}

type failureCounter struct {
	count       int
	lockedUntil time.Time
	lastFailure time.Time
}

type MemoryGuard struct {
	mu       sync.Mutex
	config   GuardConfig
	counters map[string]*failureCounter
}

func NewMemoryGuard(config GuardConfig) *MemoryGuard {
	return &MemoryGuard{
		config:   config.withDefaults(),
		counters: make(map[string]*failureCounter),
	}
}

func (g *MemoryGuard) LockedUntil(_ context.Context, source string, now time.Time) (*time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	counter, ok := g.counters[source]
	if !ok || !now.Before(counter.lockedUntil) {
		return nil, nil
	}
	until := counter.lockedUntil
	return &until, nil
}

func (g *MemoryGuard) RecordFailure(_ context.Context, source string, now time.Time) (*time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	counter, ok := g.counters[source]
	if !ok {
		counter = &failureCounter{}
		g.counters[source] = counter
	}
	if now.Before(counter.lockedUntil) {
		until := counter.lockedUntil
		return &until, nil
	}

	counter.count++
	counter.lastFailure = now
	if counter.count >= g.config.MaxAttempts {
		counter.lockedUntil = now.Add(g.config.LockDuration)
		counter.count = 0
		until := counter.lockedUntil
		return &until, nil
	}

	return nil, nil
}

func (g *MemoryGuard) Reset(_ context.Context, source string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.counters, source)
	return nil
}

func (g *MemoryGuard) Sweep(_ context.Context, now time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for source, counter := range g.counters {
		if now.Before(counter.lockedUntil) {
			continue
		}
		if counter.count > 0 && now.Sub(counter.lastFailure) < g.config.Retention {
			continue
		}
		delete(g.counters, source)
		removed++
	}
	return removed, nil
}
