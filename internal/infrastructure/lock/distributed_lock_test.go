package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestDistributedLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)

	a := NewJobLock(client, "outbox", "replica-a", time.Minute)
	b := NewJobLock(client, "outbox", "replica-b", time.Minute)
	assert.Equal(t, "job:lock:outbox", a.Key())

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLock_UnlockDoesNotReleaseOthers(t *testing.T) {
	ctx := context.Background()
	client, mr := newClient(t)

	a := NewJobLock(client, "audit", "replica-a", time.Minute)
	b := NewJobLock(client, "audit", "replica-b", time.Minute)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Unlock(ctx))

	v, err := mr.Get("job:lock:audit")
	require.NoError(t, err)
	assert.Equal(t, "replica-a", v)
}

func TestDistributedLock_ExpiresAutomatically(t *testing.T) {
	ctx := context.Background()
	client, mr := newClient(t)

	a := NewJobLock(client, "audit", "replica-a", 5*time.Second)
	b := NewJobLock(client, "audit", "replica-b", 5*time.Second)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLock_LockGivesUp(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)

	holder := NewJobLock(client, "busy", "holder", time.Minute)
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	waiter := NewJobLock(client, "busy", "waiter", time.Minute)
	err = waiter.Lock(ctx, time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrLockFailed)
}
