package gocbcorex

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/gocbcorex/internal/metrics"
)

// pipeDialer gives the pool something to hold that satisfies the shape of
// *KvClient without dialing a socket. Since KvClientPool is typed to
// *KvClient directly, tests exercise it through a dialer that constructs a
// real (never-bootstrapped) KvClient wrapping an in-memory pipe.
func pipeDialer(t *testing.T, fail atomic.Bool, dialCount *atomic.Int32) KvClientDialer {
	t.Helper()
	return func(ctx context.Context, cfg KvClientConfig, logger *slog.Logger, m *metrics.Registry) (*KvClient, error) {
		dialCount.Add(1)
		if fail.Load() {
			return nil, errors.New("dial refused")
		}
		return newTestKvClient(t, cfg), nil
	}
}

func TestKvClientPoolReachesConfiguredSize(t *testing.T) {
	var dialCount atomic.Int32
	var fail atomic.Bool
	pool := NewKvClientPool("10.0.0.1:11210", KvClientConfig{Address: "10.0.0.1:11210"}, KvClientPoolOptions{
		Size:                  3,
		ConnectThrottlePeriod: time.Millisecond,
		Dialer:                pipeDialer(t, fail, &dialCount),
	})
	defer pool.Close()

	require.Eventually(t, func() bool { return pool.Size() == 3 }, time.Second, time.Millisecond)
}

func TestKvClientPoolGetClientRoundRobins(t *testing.T) {
	var dialCount atomic.Int32
	var fail atomic.Bool
	pool := NewKvClientPool("10.0.0.1:11210", KvClientConfig{Address: "10.0.0.1:11210"}, KvClientPoolOptions{
		Size:                  3,
		ConnectThrottlePeriod: time.Millisecond,
		Dialer:                pipeDialer(t, fail, &dialCount),
	})
	defer pool.Close()

	require.Eventually(t, func() bool { return pool.Size() == 3 }, time.Second, time.Millisecond)

	seen := make(map[*KvClient]bool)
	for i := 0; i < 12; i++ {
		c, err := pool.GetClient()
		require.NoError(t, err)
		seen[c] = true
	}
	assert.Equal(t, 3, len(seen), "round robin must eventually hit every live client")
}

func TestKvClientPoolGetClientErrorsWhenEmpty(t *testing.T) {
	var dialCount atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	pool := NewKvClientPool("10.0.0.1:11210", KvClientConfig{Address: "10.0.0.1:11210"}, KvClientPoolOptions{
		Size:                  1,
		ConnectThrottlePeriod: time.Millisecond,
		Dialer:                pipeDialer(t, fail, &dialCount),
	})
	defer pool.Close()

	_, err := pool.GetClient()
	require.Error(t, err)
	var routingErr *RoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.Equal(t, RoutingErrorNoEndpointsAvailable, routingErr.Kind)
}

func TestKvClientPoolReconnectsAfterClientCloses(t *testing.T) {
	var dialCount atomic.Int32
	var fail atomic.Bool
	pool := NewKvClientPool("10.0.0.1:11210", KvClientConfig{Address: "10.0.0.1:11210"}, KvClientPoolOptions{
		Size:                  1,
		ConnectThrottlePeriod: time.Millisecond,
		Dialer:                pipeDialer(t, fail, &dialCount),
	})
	defer pool.Close()

	require.Eventually(t, func() bool { return pool.Size() == 1 }, time.Second, time.Millisecond)

	c, err := pool.GetClient()
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return pool.Size() == 1 }, time.Second, time.Millisecond)
	require.Greater(t, int(dialCount.Load()), 1)
}

func TestKvClientPoolReconfigureIsNoOpWhenConfigEqual(t *testing.T) {
	var dialCount atomic.Int32
	var fail atomic.Bool
	cfg := KvClientConfig{Address: "10.0.0.1:11210", ClientName: "test"}
	pool := NewKvClientPool("10.0.0.1:11210", cfg, KvClientPoolOptions{
		Size:                  1,
		ConnectThrottlePeriod: time.Millisecond,
		Dialer:                pipeDialer(t, fail, &dialCount),
	})
	defer pool.Close()

	require.Eventually(t, func() bool { return pool.Size() == 1 }, time.Second, time.Millisecond)
	before := dialCount.Load()

	pool.Reconfigure(cfg)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, dialCount.Load(), "reconfigure with an equal config must not redial")
}

func TestKvClientPoolReconfigureRedialsOnChange(t *testing.T) {
	var dialCount atomic.Int32
	var fail atomic.Bool
	pool := NewKvClientPool("10.0.0.1:11210", KvClientConfig{Address: "10.0.0.1:11210"}, KvClientPoolOptions{
		Size:                  1,
		ConnectThrottlePeriod: time.Millisecond,
		Dialer:                pipeDialer(t, fail, &dialCount),
	})
	defer pool.Close()

	require.Eventually(t, func() bool { return pool.Size() == 1 }, time.Second, time.Millisecond)

	pool.Reconfigure(KvClientConfig{Address: "10.0.0.1:11210", ClientName: "changed"})

	require.Eventually(t, func() bool { return dialCount.Load() >= 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return pool.Size() == 1 }, time.Second, time.Millisecond)
}
