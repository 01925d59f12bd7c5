package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"session-auth/internal/audit"
	"session-auth/internal/token"
)

const (
	testSecret   = "auth-test-secret-0123456789abcdefghij"
	testPassword = "correct-horse-42"
	testSource   = "10.0.0.1"
)

var testEpoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryDirectory struct {
	mu         sync.RWMutex
	principals map[string]Principal
	lookups    atomic.Int64
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{principals: make(map[string]Principal)}
}

func directoryKey(tenant, username string) string {
	return tenant + "\x00" + username
}

func (d *memoryDirectory) LookupPrincipal(_ context.Context, tenant, username string) (Principal, error) {
	d.lookups.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()

	principal, ok := d.principals[directoryKey(tenant, normalizeUsername(username))]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return principal, nil
}

func (d *memoryDirectory) UpsertPrincipal(_ context.Context, tenant, username, passwordHash string, role Role) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := "p-" + tenant + "-" + username
	d.principals[directoryKey(tenant, username)] = Principal{
		ID:           id,
		Tenant:       tenant,
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
	}
	return id, nil
}

// put stores principal under key (tenant, username), which may differ from
// principal.Tenant to simulate a moved account.
func (d *memoryDirectory) put(tenant, username string, principal Principal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[directoryKey(tenant, username)] = principal
}

func (d *memoryDirectory) get(tenant, username string) Principal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.principals[directoryKey(tenant, username)]
}

func (d *memoryDirectory) remove(tenant, username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.principals, directoryKey(tenant, username))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(_ context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) ofType(eventType audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []audit.Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type testEnv struct {
	service   *Service
	directory *memoryDirectory
	clock     *testClock
	events    *recordingEmitter
	ledger    *MemoryLedger
	guard     *MemoryGuard
	codec     *token.Codec
	hasher    *BcryptHasher
}

type testOption func(*testEnv)

func withMultiTenant() testOption {
	return func(env *testEnv) { env.service.WithMultiTenant(true) }
}

func withFamilyRevocation() testOption {
	return func(env *testEnv) { env.service.WithRevokeFamilyOnReplay(true) }
}

func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()

	ring, err := token.NewKeyRing([]string{testSecret})
	require.NoError(t, err)

	env := &testEnv{
		directory: newMemoryDirectory(),
		clock:     newTestClock(),
		events:    &recordingEmitter{},
		ledger:    NewMemoryLedger(),
		guard:     NewMemoryGuard(GuardConfig{}),
		codec:     token.NewCodec(ring, "session-auth-test"),
		hasher:    &BcryptHasher{Cost: bcrypt.MinCost},
	}
	env.service = NewService(env.directory, env.codec, env.ledger, env.guard)
	env.service.WithSecurityConfig(15*time.Minute, 24*time.Hour)
	env.service.WithHasher(env.hasher)
	env.service.WithEvents(env.events)
	env.service.WithClock(env.clock.Now)

	for _, opt := range opts {
		opt(env)
	}
	return env
}

func (env *testEnv) addPrincipal(t *testing.T, tenant, username, password string, role Role) {
	t.Helper()
	_, err := ProvisionPrincipal(context.Background(), env.directory, env.hasher, tenant, username, password, role)
	require.NoError(t, err)
}
