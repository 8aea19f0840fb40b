package gocbcorex

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKvClientManagerReconfigureAddsAndRemoves(t *testing.T) {
	var dialCount atomic.Int32
	var fail atomic.Bool
	m := NewKvClientManager(KvClientManagerOptions{
		PoolSize:              1,
		ConnectThrottlePeriod: time.Millisecond,
		RemovalGracePeriod:    10 * time.Millisecond,
		Dialer:                pipeDialer(t, fail, &dialCount),
	})
	defer m.Close()

	build := func(target KvTarget) KvClientConfig { return KvClientConfig{Address: target.Address} }

	m.Reconfigure([]KvTarget{{NodeID: "n1", Address: "10.0.0.1:11210"}}, build)
	_, ok := m.Pool("n1")
	require.True(t, ok)

	m.Reconfigure([]KvTarget{
		{NodeID: "n1", Address: "10.0.0.1:11210"},
		{NodeID: "n2", Address: "10.0.0.2:11210"},
	}, build)
	_, ok = m.Pool("n2")
	require.True(t, ok)

	m.Reconfigure([]KvTarget{{NodeID: "n2", Address: "10.0.0.2:11210"}}, build)
	_, ok = m.Pool("n1")
	assert.True(t, ok, "removed endpoint's pool survives until the grace period elapses")

	require.Eventually(t, func() bool {
		_, ok := m.Pool("n1")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestKvClientManagerFetchClusterConfigUnknownEndpoint(t *testing.T) {
	m := NewKvClientManager(KvClientManagerOptions{})
	defer m.Close()

	_, err := m.FetchClusterConfig(context.Background(), "unknown")
	require.Error(t, err)
	var routingErr *RoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.Equal(t, RoutingErrorEndpointNotKnown, routingErr.Kind)
}

func TestKvClientManagerEndpointsReflectsPools(t *testing.T) {
	var dialCount atomic.Int32
	var fail atomic.Bool
	m := NewKvClientManager(KvClientManagerOptions{
		PoolSize:              1,
		ConnectThrottlePeriod: time.Millisecond,
		Dialer:                pipeDialer(t, fail, &dialCount),
	})
	defer m.Close()

	m.Reconfigure([]KvTarget{
		{NodeID: "n1", Address: "10.0.0.1:11210"},
		{NodeID: "n2", Address: "10.0.0.2:11210"},
	}, func(target KvTarget) KvClientConfig { return KvClientConfig{Address: target.Address} })

	endpoints := m.Endpoints()
	assert.ElementsMatch(t, []string{"n1", "n2"}, endpoints)
}
