package gocbcorex

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/couchbase/gocbcorex/internal/metrics"
)

// KvClientManagerOptions configures a KvClientManager.
type KvClientManagerOptions struct {
	PoolSize              int
	ConnectThrottlePeriod time.Duration
	// RemovalGracePeriod is how long a pool for a removed endpoint is kept
	// open after reconfigure, so in-flight operations drain (spec.md §4.5).
	RemovalGracePeriod time.Duration
	Logger             *slog.Logger
	Metrics            *metrics.Registry
	Dialer             KvClientDialer
}

// KvClientManager holds one KvClientPool per endpoint and reconciles the set
// on every config change (spec.md §4.5).
type KvClientManager struct {
	opts   KvClientManagerOptions
	logger *slog.Logger

	mu    sync.Mutex
	pools map[string]*KvClientPool
}

// NewKvClientManager constructs an empty manager; call Reconfigure to
// populate it from a set of KvTargets.
func NewKvClientManager(opts KvClientManagerOptions) *KvClientManager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RemovalGracePeriod <= 0 {
		opts.RemovalGracePeriod = 10 * time.Second
	}

	return &KvClientManager{
		opts:   opts,
		logger: logger.With("component", "kv_client_manager"),
		pools:  make(map[string]*KvClientPool),
	}
}

// Reconfigure diffs targets against the current endpoint set: unchanged
// endpoints have their pool reconfigured (a no-op if the resulting
// KvClientConfig compares equal), added endpoints get a new pool, and
// removed endpoints have their pool closed after RemovalGracePeriod so
// in-flight operations drain (spec.md §4.5).
func (m *KvClientManager) Reconfigure(targets []KvTarget, build func(KvTarget) KvClientConfig) {
	wanted := make(map[string]KvTarget, len(targets))
	for _, t := range targets {
		wanted[t.NodeID] = t
	}

	m.mu.Lock()
	var toRemove []*KvClientPool
	for nodeID, pool := range m.pools {
		if _, ok := wanted[nodeID]; !ok {
			toRemove = append(toRemove, pool)
			delete(m.pools, nodeID)
		}
	}
	for nodeID, target := range wanted {
		cfg := build(target)
		if pool, ok := m.pools[nodeID]; ok {
			pool.Reconfigure(cfg)
			continue
		}
		m.pools[nodeID] = NewKvClientPool(target.Address, cfg, KvClientPoolOptions{
			Size:                  m.opts.PoolSize,
			ConnectThrottlePeriod: m.opts.ConnectThrottlePeriod,
			Logger:                m.logger,
			Metrics:               m.opts.Metrics,
			Dialer:                m.opts.Dialer,
		})
	}
	m.mu.Unlock()

	for _, pool := range toRemove {
		pool := pool
		time.AfterFunc(m.opts.RemovalGracePeriod, func() {
			_ = pool.Close()
		})
	}
}

// Pool returns the pool for nodeID, if known.
func (m *KvClientManager) Pool(nodeID string) (*KvClientPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[nodeID]
	return pool, ok
}

// Endpoints returns the currently known node ids, implementing the
// ConfigFetcher interface consumed by the Config Manager's watcher.
func (m *KvClientManager) Endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pools))
	for nodeID := range m.pools {
		ids = append(ids, nodeID)
	}
	return ids
}

// FetchClusterConfig implements ConfigFetcher by issuing GET-CLUSTER-CONFIG
// against nodeID's pool.
func (m *KvClientManager) FetchClusterConfig(ctx context.Context, nodeID string) ([]byte, error) {
	pool, ok := m.Pool(nodeID)
	if !ok {
		return nil, &RoutingError{Kind: RoutingErrorEndpointNotKnown, Detail: nodeID}
	}
	client, err := pool.GetClient()
	if err != nil {
		return nil, err
	}
	return client.GetClusterConfig(ctx)
}

// OrchestrateMemdClient acquires a client for nodeID, runs op, and on a
// dispatch-level failure shuts the client down and retries once on a fresh
// one (spec.md §4.5 orchestrate_memd_client). If the retry also fails with a
// dispatch error, a DispatchError for nodeID is returned.
func (m *KvClientManager) OrchestrateMemdClient(ctx context.Context, nodeID string, op func(*KvClient) error) error {
	pool, ok := m.Pool(nodeID)
	if !ok {
		return &RoutingError{Kind: RoutingErrorEndpointNotKnown, Detail: nodeID}
	}

	for attempt := 0; attempt < 2; attempt++ {
		client, err := pool.GetClient()
		if err != nil {
			return err
		}

		err = op(client)
		var dispatchErr *DispatchError
		if err == nil || !isDispatchError(err, &dispatchErr) {
			return err
		}

		m.logger.Debug("dispatch error from KV client, closing and retrying on a fresh client", "endpoint", nodeID, "error", err)
		_ = client.Close()
	}

	return &DispatchError{Endpoint: nodeID, Cause: context.DeadlineExceeded}
}

func isDispatchError(err error, target **DispatchError) bool {
	de, ok := err.(*DispatchError)
	if ok {
		*target = de
	}
	return ok
}

// Close closes every pool.
func (m *KvClientManager) Close() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*KvClientPool)
	m.mu.Unlock()

	for _, pool := range pools {
		_ = pool.Close()
	}
	return nil
}
