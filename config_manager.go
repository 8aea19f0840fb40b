package gocbcorex

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/couchbase/gocbcorex/internal/metrics"
)

// ConfigFetcher is the Config Manager's view of the KV fabric: enough to
// list candidate endpoints and fetch a cluster config blob from one
// (spec.md §4.6 Config Watcher).
type ConfigFetcher interface {
	Endpoints() []string
	FetchClusterConfig(ctx context.Context, endpointID string) ([]byte, error)
}

// DistributedCoordinator lets multiple Agent processes against the same
// cluster coalesce out-of-band config fetches across the fleet, not just
// within one process (SPEC_FULL.md §4.14). It is additive: a nil
// DistributedCoordinator preserves single-process behavior exactly, and
// correctness never depends on it succeeding.
type DistributedCoordinator interface {
	// TryLock attempts to acquire key for ttl. ok is false if another holder
	// currently has it; unlock is nil in that case.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// ConfigManagerOptions configures a ConfigManager.
type ConfigManagerOptions struct {
	Logger       *slog.Logger
	Metrics      *metrics.Registry
	Coordinator  DistributedCoordinator
	PollInterval time.Duration // not read by NewConfigManager; no default is applied
	BucketName   string        // used as the distributed lock key scope
}

// ConfigManager is the authoritative holder of the current parsed cluster
// configuration (spec.md §4.6). latest_config is an atomically swapped
// pointer; writers take a short mutex only to compare-and-swap, matching the
// "shared-mutable config" design note in spec.md §9.
type ConfigManager struct {
	logger      *slog.Logger
	metrics     *metrics.Registry
	coordinator DistributedCoordinator
	fetcher     ConfigFetcher
	bucketName  string

	latest atomic.Pointer[ParsedConfig]
	mu     sync.Mutex // guards compare-and-swap of latest and the fetcher

	sf singleflight.Group

	subsMu sync.Mutex
	subs   []chan *ParsedConfig

	watcher *configWatcher
}

// NewConfigManager constructs a ConfigManager with no config yet accepted.
// SetFetcher must be called (directly or via StartWatcher) before
// OutOfBandVersion can perform a network fetch.
func NewConfigManager(opts ConfigManagerOptions) *ConfigManager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		logger:      logger.With("component", "config_manager"),
		metrics:     opts.Metrics,
		coordinator: opts.Coordinator,
		bucketName:  opts.BucketName,
	}
}

// SetFetcher installs the KV-backed config fetcher used for polling and
// out-of-band network fetches.
func (cm *ConfigManager) SetFetcher(fetcher ConfigFetcher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.fetcher = fetcher
}

// LatestConfig returns the current accepted config, or nil if none has been
// accepted yet. Lock-free: a single atomic load.
func (cm *ConfigManager) LatestConfig() *ParsedConfig {
	return cm.latest.Load()
}

// Subscribe returns a channel that receives every subsequently accepted
// config. The channel is buffered (capacity 1); a slow subscriber observes
// only the most recent update, never blocking the broadcaster.
func (cm *ConfigManager) Subscribe() <-chan *ParsedConfig {
	ch := make(chan *ParsedConfig, 1)
	cm.subsMu.Lock()
	cm.subs = append(cm.subs, ch)
	cm.subsMu.Unlock()
	return ch
}

func (cm *ConfigManager) broadcast(cfg *ParsedConfig) {
	cm.subsMu.Lock()
	defer cm.subsMu.Unlock()
	for _, ch := range cm.subs {
		select {
		case ch <- cfg:
		default:
			// Drain the stale pending value, then deliver the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// tryAccept applies the compare-and-swap described in spec.md's "Config
// monotonicity" invariant (and the bucket-takeover exception). Returns true
// if cfg was accepted as the new latest_config.
func (cm *ConfigManager) tryAccept(cfg *ParsedConfig) bool {
	cm.mu.Lock()
	cur := cm.latest.Load()
	if cur != nil && !cur.SupersededBy(cfg) {
		cm.mu.Unlock()
		return false
	}
	cm.latest.Store(cfg)
	cm.mu.Unlock()

	cm.broadcast(cfg)
	if cm.metrics != nil {
		bucket := ""
		if cfg.Bucket != nil {
			bucket = cfg.Bucket.Name
		}
		cm.metrics.SetConfigVersion(bucket, cfg.Version.ID)
	}
	cm.logger.Debug("accepted cluster config", "epoch", cfg.Version.Epoch, "id", cfg.Version.ID)
	return true
}

// OutOfBandConfig applies cfg directly, without a network fetch — used by
// the NMV handler, which already holds a fresh config blob from the
// server's response (spec.md §4.6 out_of_band_config).
func (cm *ConfigManager) OutOfBandConfig(cfg *ParsedConfig) bool {
	return cm.tryAccept(cfg)
}

// OutOfBandVersion coalesces concurrent out-of-band fetches for configs
// newer than (epoch, id) (spec.md §4.6 out_of_band_version, invariant 4).
// Concurrent callers requesting a fetch share exactly one network round
// trip via singleflight, per SPEC_FULL.md §4.16.
func (cm *ConfigManager) OutOfBandVersion(ctx context.Context, want ConfigVersion) (*ParsedConfig, error) {
	cur := cm.LatestConfig()
	if cur != nil && !cur.Version.Less(want) {
		return nil, nil
	}

	role := "leader"
	v, err, shared := cm.sf.Do("out-of-band-fetch", func() (interface{}, error) {
		return cm.fetchNewerConfig(ctx)
	})
	if shared {
		role = "follower"
	}

	if err != nil {
		if cm.metrics != nil {
			cm.metrics.RecordConfigOutOfBandFetch(role, "error")
		}
		return nil, err
	}

	cfg, _ := v.(*ParsedConfig)
	if cfg == nil {
		if cm.metrics != nil {
			cm.metrics.RecordConfigOutOfBandFetch(role, "no_update")
		}
		return nil, nil
	}
	if cm.metrics != nil {
		cm.metrics.RecordConfigOutOfBandFetch(role, "updated")
	}
	return cfg, nil
}

func (cm *ConfigManager) fetchNewerConfig(ctx context.Context) (*ParsedConfig, error) {
	if cm.coordinator != nil {
		unlock, ok, err := cm.coordinator.TryLock(ctx, "gocbcorex:config:"+cm.bucketName, 5*time.Second)
		if err != nil {
			cm.logger.Warn("distributed coordinator lock attempt failed, falling back to local fetch", "error", err)
		} else if !ok {
			// Another replica is already fetching fleet-wide; give it a
			// moment then defer to our own watcher's next poll rather than
			// racing it.
			select {
			case <-time.After(250 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, nil
		} else {
			defer unlock()
		}
	}

	cm.mu.Lock()
	fetcher := cm.fetcher
	cm.mu.Unlock()
	if fetcher == nil {
		return nil, nil
	}

	for _, endpointID := range fetcher.Endpoints() {
		blob, err := fetcher.FetchClusterConfig(ctx, endpointID)
		if err != nil {
			cm.logger.Debug("out-of-band config fetch failed", "endpoint", endpointID, "error", err)
			continue
		}
		parsed, err := ParseTerseConfig(blob, endpointID)
		if err != nil {
			cm.logger.Warn("failed to parse cluster config", "endpoint", endpointID, "error", err)
			continue
		}
		if cm.tryAccept(parsed) {
			return parsed, nil
		}
		// Parsed fine but wasn't newer than what another fetch already
		// applied meanwhile; keep trying other endpoints in case this one
		// is itself stale.
	}
	return nil, nil
}

// StartWatcher starts the periodic polling loop (spec.md §4.6 Config
// Watcher) and returns a stop function. Calling StartWatcher twice without
// stopping the first is a caller error.
func (cm *ConfigManager) StartWatcher(ctx context.Context, fetcher ConfigFetcher, pollInterval time.Duration) (stop func()) {
	cm.SetFetcher(fetcher)
	if pollInterval <= 0 {
		pollInterval = 2500 * time.Millisecond
	}

	watcherCtx, cancel := context.WithCancel(ctx)
	w := &configWatcher{cm: cm, fetcher: fetcher, interval: pollInterval, logger: cm.logger.With("subcomponent", "watcher")}
	cm.watcher = w
	go w.run(watcherCtx)

	return cancel
}

// configWatcher periodically polls every endpoint for a fresher config,
// pausing between rounds when every endpoint failed in the previous round
// to avoid busy-looping against an unreachable cluster (spec.md §4.6).
type configWatcher struct {
	cm       *ConfigManager
	fetcher  ConfigFetcher
	interval time.Duration
	logger   *slog.Logger
}

func (w *configWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *configWatcher) pollOnce(ctx context.Context) {
	endpoints := w.fetcher.Endpoints()
	if len(endpoints) == 0 {
		if w.cm.metrics != nil {
			w.cm.metrics.RecordConfigPollOutcome("no_endpoints")
		}
		return
	}

	anySucceeded := false
	for _, endpointID := range endpoints {
		blob, err := w.fetcher.FetchClusterConfig(ctx, endpointID)
		if err != nil {
			w.logger.Debug("poll failed", "endpoint", endpointID, "error", err)
			continue
		}
		anySucceeded = true

		parsed, err := ParseTerseConfig(blob, endpointID)
		if err != nil {
			w.logger.Warn("poll returned unparseable config", "endpoint", endpointID, "error", err)
			continue
		}
		w.cm.tryAccept(parsed)
	}

	if anySucceeded {
		if w.cm.metrics != nil {
			w.cm.metrics.RecordConfigPollOutcome("success")
		}
	} else {
		if w.cm.metrics != nil {
			w.cm.metrics.RecordConfigPollOutcome("all_endpoints_failed")
		}
		w.logger.Warn("all endpoints failed during config poll, backing off to next interval")
	}
}
