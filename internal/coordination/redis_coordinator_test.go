package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCoordinator(t *testing.T) (*RedisCoordinator, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCoordinator(client, nil), mr
}

func TestTryLockAcquiresWhenFree(t *testing.T) {
	c, mr := setupTestCoordinator(t)
	defer mr.Close()

	unlock, ok, err := c.TryLock(context.Background(), "cfg:bucket1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, unlock)
}

func TestTryLockFailsWhenAlreadyHeld(t *testing.T) {
	c, mr := setupTestCoordinator(t)
	defer mr.Close()

	_, ok, err := c.TryLock(context.Background(), "cfg:bucket1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.TryLock(context.Background(), "cfg:bucket1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a second TryLock on the same key must fail while the first holder's TTL is live")
}

func TestUnlockReleasesLockForOtherHolders(t *testing.T) {
	c, mr := setupTestCoordinator(t)
	defer mr.Close()

	unlock, ok, err := c.TryLock(context.Background(), "cfg:bucket1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	unlock()

	_, ok, err = c.TryLock(context.Background(), "cfg:bucket1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "after unlock the key must be acquirable again")
}

func TestUnlockDoesNotReleaseAnotherHoldersLock(t *testing.T) {
	c, mr := setupTestCoordinator(t)
	defer mr.Close()

	unlock, ok, err := c.TryLock(context.Background(), "cfg:bucket1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(100 * time.Millisecond) // TTL expires, a new holder can take over

	_, ok, err = c.TryLock(context.Background(), "cfg:bucket1", time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expired lock must be acquirable by a new holder")

	unlock() // stale unlock from the expired holder must not clobber the new holder's lock

	_, ok, err = c.TryLock(context.Background(), "cfg:bucket1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "the new holder's lock must survive the expired holder's stale unlock")
}

func TestTryLockDifferentKeysAreIndependent(t *testing.T) {
	c, mr := setupTestCoordinator(t)
	defer mr.Close()

	_, ok1, err := c.TryLock(context.Background(), "cfg:bucket1", time.Second)
	require.NoError(t, err)
	require.True(t, ok1)

	_, ok2, err := c.TryLock(context.Background(), "cfg:bucket2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok2)
}
