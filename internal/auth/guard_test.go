package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardContract(t *testing.T) {
	ctx := context.Background()
	config := GuardConfig{MaxAttempts: 3, LockDuration: time.Minute}

	backends := map[string]func(t *testing.T) Guard{
		"memory": func(*testing.T) Guard { return NewMemoryGuard(config) },
		"redis": func(t *testing.T) Guard {
			_, client := newMiniredisClient(t)
			return NewRedisGuard(client, config, "test:")
		},
	}

	for name, newGuard := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("locks at the threshold", func(t *testing.T) {
				guard := newGuard(t)
				now := testEpoch

				for i := 0; i < 2; i++ {
					until, err := guard.RecordFailure(ctx, "1.2.3.4", now)
					require.NoError(t, err)
					assert.Nil(t, until)
					now = now.Add(time.Second)
				}

				until, err := guard.RecordFailure(ctx, "1.2.3.4", now)
				require.NoError(t, err)
				require.NotNil(t, until)
				expected := now.Add(time.Minute)
				assert.True(t, expected.Equal(*until), "got %s", until)

				locked, err := guard.LockedUntil(ctx, "1.2.3.4", now.Add(30*time.Second))
				require.NoError(t, err)
				require.NotNil(t, locked)
				assert.True(t, expected.Equal(*locked))

				other, err := guard.LockedUntil(ctx, "5.6.7.8", now)
				require.NoError(t, err)
				assert.Nil(t, other)
			})

			t.Run("failures during a lock do not extend it", func(t *testing.T) {
				guard := newGuard(t)
				for i := 0; i < 3; i++ {
					_, err := guard.RecordFailure(ctx, "1.2.3.4", testEpoch)
					require.NoError(t, err)
				}

				until, err := guard.RecordFailure(ctx, "1.2.3.4", testEpoch.Add(50*time.Second))
				require.NoError(t, err)
				require.NotNil(t, until)
				assert.True(t, testEpoch.Add(time.Minute).Equal(*until))
			})

			t.Run("lock elapses and counting restarts", func(t *testing.T) {
				guard := newGuard(t)
				for i := 0; i < 3; i++ {
					_, err := guard.RecordFailure(ctx, "1.2.3.4", testEpoch)
					require.NoError(t, err)
				}

				after := testEpoch.Add(time.Minute)
				locked, err := guard.LockedUntil(ctx, "1.2.3.4", after)
				require.NoError(t, err)
				assert.Nil(t, locked)

				until, err := guard.RecordFailure(ctx, "1.2.3.4", after)
				require.NoError(t, err)
				assert.Nil(t, until, "the counter resets when the lock is set")
			})

			t.Run("reset clears the counter", func(t *testing.T) {
				guard := newGuard(t)
				for i := 0; i < 2; i++ {
					_, err := guard.RecordFailure(ctx, "1.2.3.4", testEpoch)
					require.NoError(t, err)
				}
				require.NoError(t, guard.Reset(ctx, "1.2.3.4"))

				for i := 0; i < 2; i++ {
					until, err := guard.RecordFailure(ctx, "1.2.3.4", testEpoch)
					require.NoError(t, err)
					assert.Nil(t, until)
				}
			})
		})
	}
}

func TestMemoryGuardSweep(t *testing.T) {
	ctx := context.Background()
	guard := NewMemoryGuard(GuardConfig{MaxAttempts: 2, LockDuration: time.Minute, Retention: 10 * time.Minute})

	_, err := guard.RecordFailure(ctx, "idle", testEpoch)
	require.NoError(t, err)
	_, err = guard.RecordFailure(ctx, "locked", testEpoch.Add(5*time.Minute))
	require.NoError(t, err)
	_, err = guard.RecordFailure(ctx, "locked", testEpoch.Add(5*time.Minute))
	require.NoError(t, err)

	removed, err := guard.Sweep(ctx, testEpoch.Add(5*time.Minute+30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = guard.Sweep(ctx, testEpoch.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "idle counter and elapsed lock are both dropped")
}

func TestRedisGuardKeysCarryTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	guard := NewRedisGuard(client, GuardConfig{MaxAttempts: 2, LockDuration: time.Minute, Retention: 10 * time.Minute}, "test:")

	_, err := guard.RecordFailure(ctx, "1.2.3.4", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, mr.TTL("test:guard:fail:1.2.3.4"))

	_, err = guard.RecordFailure(ctx, "1.2.3.4", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("test:guard:lock:1.2.3.4"))
	assert.False(t, mr.Exists("test:guard:fail:1.2.3.4"))

	require.NoError(t, guard.Reset(ctx, "1.2.3.4"))
	assert.False(t, mr.Exists("test:guard:lock:1.2.3.4"))
}
