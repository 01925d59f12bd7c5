package auth

import (
	"context"
	"sync"
	"time"
)

// Ledger records revoked token ids and the live refresh index. A refresh
// token id is usable exactly while it is live; consuming or revoking it moves
// it to the revoked set until its natural expiry.
type Ledger interface {
	RegisterRefresh(ctx context.Context, id string, owner Owner, expiresAt, now time.Time) error
	// Rotate consumes oldID and registers newID in one step. It reports false
	// when oldID is not live, which callers treat as a replay.
	Rotate(ctx context.Context, oldID string, oldExpiresAt time.Time, newID string, owner Owner, newExpiresAt, now time.Time) (bool, error)
	Revoke(ctx context.Context, id string, expiresAt, now time.Time) error
	IsRevoked(ctx context.Context, id string, now time.Time) (bool, error)
	// RevokeOwner revokes every live refresh token of owner and returns how many.
	RevokeOwner(ctx context.Context, owner Owner, now time.Time) (int, error)
	Sweep(ctx context.Context, now time.Time) (revoked int, live int, err error)
}

type liveRefresh struct {
	owner     Owner
	expiresAt time.Time
}

// MemoryLedger is the in-process Ledger. One mutex guards both maps so that
// Rotate is a single critical section.
type MemoryLedger struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	live    map[string]liveRefresh
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		revoked: make(map[string]time.Time),
		live:    make(map[string]liveRefresh),
	}
}

func (l *MemoryLedger) RegisterRefresh(_ context.Context, id string, owner Owner, expiresAt, now time.Time) error {
	if !now.Before(expiresAt) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.live[id] = liveRefresh{owner: owner, expiresAt: expiresAt}
	return nil
}

func (l *MemoryLedger) Rotate(_ context.Context, oldID string, oldExpiresAt time.Time, newID string, owner Owner, newExpiresAt, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.live[oldID]
	if !ok {
		return false, nil
	}
	delete(l.live, oldID)
	if !now.Before(entry.expiresAt) || entry.owner != owner {
		return false, nil
	}

	l.revoked[oldID] = oldExpiresAt
	l.live[newID] = liveRefresh{owner: owner, expiresAt: newExpiresAt}
	return true, nil
}

func (l *MemoryLedger) Revoke(_ context.Context, id string, expiresAt, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.live, id)
	if now.Before(expiresAt) {
		l.revoked[id] = expiresAt
	}
	return nil
}

func (l *MemoryLedger) IsRevoked(_ context.Context, id string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt, ok := l.revoked[id]
	if !ok {
		return false, nil
	}
	if !now.Before(expiresAt) {
		delete(l.revoked, id)
		return false, nil
	}
	return true, nil
}

func (l *MemoryLedger) RevokeOwner(_ context.Context, owner Owner, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for id, entry := range l.live {
		if entry.owner != owner {
			continue
		}
		delete(l.live, id)
		if now.Before(entry.expiresAt) {
			l.revoked[id] = entry.expiresAt
			count++
		}
	}
	return count, nil
}

func (l *MemoryLedger) Sweep(_ context.Context, now time.Time) (int, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	revoked := 0
	for id, expiresAt := range l.revoked {
		if !now.Before(expiresAt) {
			delete(l.revoked, id)
			revoked++
		}
	}

	live := 0
	for id, entry := range l.live {
		if !now.Before(entry.expiresAt) {
			delete(l.live, id)
			live++
		}
	}

	return revoked, live, nil
}
