package lockfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Timeout:          500 * time.Millisecond,
		RetryInterval:    10 * time.Millisecond,
		MaxRetryInterval: 50 * time.Millisecond,
	}
}

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op-1.lock")
	lk := New(path, "op-1", testOptions())

	require.NoError(t, lk.Acquire(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var o owner
	require.NoError(t, json.Unmarshal(data, &o))
	assert.Equal(t, os.Getpid(), o.PID)
	assert.Equal(t, "op-1", o.Operation)
	assert.NotEmpty(t, o.InstanceID)

	require.NoError(t, lk.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Release is idempotent.
	require.NoError(t, lk.Release())
}

func TestContentionTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op-1.lock")
	holder := New(path, "op-1", Options{Timeout: 10 * time.Second})
	require.NoError(t, holder.Acquire(context.Background()))
	defer holder.Release()

	waiter := New(path, "op-1", testOptions())
	err := waiter.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestSequentialAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op-1.lock")
	first := New(path, "op-1", testOptions())
	require.NoError(t, first.Acquire(context.Background()))
	require.NoError(t, first.Release())

	second := New(path, "op-1", testOptions())
	require.NoError(t, second.Acquire(context.Background()))
	require.NoError(t, second.Release())
}

func TestReclaimsDeadHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op-1.lock")
	// A pid far beyond pid_max never maps to a live process.
	dead := owner{InstanceID: "stale", PID: 1 << 30, AcquiredAt: time.Now().UTC(), Operation: "op-1"}
	data, err := json.Marshal(dead)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	lk := New(path, "op-1", testOptions())
	require.NoError(t, lk.Acquire(context.Background()))
	require.NoError(t, lk.Release())
}

func TestReclaimsExpiredHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op-1.lock")
	// Alive pid (ourselves) but acquired far past the timeout.
	expired := owner{
		InstanceID: "expired",
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC().Add(-time.Minute),
		Operation:  "op-1",
	}
	data, err := json.Marshal(expired)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	lk := New(path, "op-1", testOptions())
	require.NoError(t, lk.Acquire(context.Background()))
	require.NoError(t, lk.Release())
}

func TestAcquireHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op-1.lock")
	holder := New(path, "op-1", Options{Timeout: 10 * time.Second})
	require.NoError(t, holder.Acquire(context.Background()))
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	waiter := New(path, "op-1", Options{Timeout: 10 * time.Second, RetryInterval: 10 * time.Millisecond})
	err := waiter.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPidAlive(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
	assert.False(t, pidAlive(1<<30))
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-5))
}
