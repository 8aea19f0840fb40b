package gocbcorex

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/couchbase/gocbcorex/httpx"
	"github.com/couchbase/gocbcorex/internal/metrics"
)

// AgentOptions configures a new Agent (spec.md §2, §6.4).
type AgentOptions struct {
	// SeedAddresses is the initial KV host:port list used to bootstrap the
	// first cluster config (SPEC_FULL.md §4.18).
	SeedAddresses []string
	BucketName    string

	TLSConfig      *tls.Config
	AcceptAllCerts bool
	Authenticator  Authenticator

	KVPoolSize            int
	ConnectThrottlePeriod time.Duration
	BootstrapTimeoutMillis uint32
	RemovalGracePeriod    time.Duration

	HTTPClient         httpx.ClientConfig
	ConfigPollInterval time.Duration

	// Coordinator is the optional cross-process out-of-band coordination
	// backend (SPEC_FULL.md §4.14); nil preserves single-process behavior.
	Coordinator DistributedCoordinator

	CollectionResolver CollectionResolverConfig

	UserAgent string

	Logger             *slog.Logger
	MetricsRegisterer  prometheus.Registerer
}

// Agent is the top-level façade: KV, query, search, analytics, and
// management entry points over one cluster connection, wired from a Config
// Manager that drives every component's reconfiguration (spec.md §2, §3
// lifecycles).
type Agent struct {
	logger  *slog.Logger
	metrics *metrics.Registry

	bucketName string

	configManager *ConfigManager
	kvManager     *KvClientManager
	router        *VbucketRouter
	nmvHandler    *NMVHandler
	collections   *CollectionResolver
	retry         *RetryOrchestrator

	httpClient *httpx.Client
	queryHTTP  *HTTPServiceComponent
	searchHTTP *HTTPServiceComponent
	cbasHTTP   *HTTPServiceComponent
	mgmtHTTP   *HTTPServiceComponent

	Query     *QueryComponent
	Search    *SearchComponent
	Analytics *AnalyticsComponent
	Mgmt      *MgmtComponent

	stopWatcher  func()
	applyWg      sync.WaitGroup
	applyStopCh  chan struct{}
	closed       atomic.Bool
}

// CreateAgent bootstraps an initial cluster config from opts.SeedAddresses,
// then wires every component and starts the Config Manager's background
// poller (spec.md §3 "Lifecycles").
func CreateAgent(ctx context.Context, opts AgentOptions) (*Agent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")

	if len(opts.SeedAddresses) == 0 {
		return nil, &InvalidArgumentError{Arg: "SeedAddresses", Message: "at least one seed address is required"}
	}

	metricsReg := metrics.NewRegistry(opts.MetricsRegisterer)

	kvPoolSize := opts.KVPoolSize
	if kvPoolSize <= 0 {
		kvPoolSize = 1
	}

	baseKvConfig := func(address string) KvClientConfig {
		return KvClientConfig{
			Address:                address,
			TLSConfig:              opts.TLSConfig,
			AcceptAllCerts:         opts.AcceptAllCerts,
			ClientName:             "gocbcorex",
			Authenticator:          opts.Authenticator,
			SelectedBucket:         opts.BucketName,
			BootstrapTimeoutMillis: opts.BootstrapTimeoutMillis,
		}
	}

	kvManager := NewKvClientManager(KvClientManagerOptions{
		PoolSize:              kvPoolSize,
		ConnectThrottlePeriod: opts.ConnectThrottlePeriod,
		RemovalGracePeriod:    opts.RemovalGracePeriod,
		Logger:                logger,
		Metrics:               metricsReg,
		Dialer: func(ctx context.Context, cfg KvClientConfig) (*KvClient, error) {
			return DialKvClient(ctx, cfg, logger, metricsReg)
		},
	})

	initialCfg, err := bootstrapInitialConfig(ctx, opts.SeedAddresses, baseKvConfig, logger, metricsReg)
	if err != nil {
		_ = kvManager.Close()
		return nil, err
	}

	pollInterval := opts.ConfigPollInterval
	if pollInterval <= 0 {
		pollInterval = 2500 * time.Millisecond
	}

	configManager := NewConfigManager(ConfigManagerOptions{
		Logger:       logger,
		Metrics:      metricsReg,
		Coordinator:  opts.Coordinator,
		PollInterval: pollInterval,
		BucketName:   opts.BucketName,
	})
	configManager.SetFetcher(kvManager)

	router := NewVbucketRouter(configManager)
	nmvHandler := NewNMVHandler(configManager)

	collections := NewCollectionResolver(newKvCollectionResolver(kvManager), opts.CollectionResolver)

	retry := NewRetryOrchestrator(logger, metricsReg)

	httpClient := httpx.NewClient(opts.HTTPClient)

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "gocbcorex"
	}

	newHTTPService := func(svcType HTTPServiceType) *HTTPServiceComponent {
		return NewHTTPServiceComponent(HTTPServiceComponentOptions{
			ServiceType:   svcType,
			Authenticator: opts.Authenticator,
			UserAgent:     userAgent,
			Client:        httpClient,
			Logger:        logger,
			Metrics:       metricsReg,
		})
	}

	queryHTTP := newHTTPService(HTTPServiceQuery)
	searchHTTP := newHTTPService(HTTPServiceSearch)
	cbasHTTP := newHTTPService(HTTPServiceAnalytics)
	mgmtHTTP := newHTTPService(HTTPServiceMgmt)

	a := &Agent{
		logger:        logger,
		metrics:       metricsReg,
		bucketName:    opts.BucketName,
		configManager: configManager,
		kvManager:     kvManager,
		router:        router,
		nmvHandler:    nmvHandler,
		collections:   collections,
		retry:         retry,
		httpClient:    httpClient,
		queryHTTP:     queryHTTP,
		searchHTTP:    searchHTTP,
		cbasHTTP:      cbasHTTP,
		mgmtHTTP:      mgmtHTTP,
		Query:         NewQueryComponent(queryHTTP, logger),
		Search:        NewSearchComponent(searchHTTP, logger),
		Analytics:     NewAnalyticsComponent(cbasHTTP, logger),
		Mgmt:          NewMgmtComponent(mgmtHTTP, logger),
		applyStopCh:   make(chan struct{}),
	}

	configManager.OutOfBandConfig(initialCfg)
	a.applyConfig(initialCfg, opts.TLSConfig, opts.AcceptAllCerts)

	updates := configManager.Subscribe()
	a.applyWg.Add(1)
	go a.watchConfigUpdates(updates, opts.TLSConfig, opts.AcceptAllCerts)

	a.stopWatcher = configManager.StartWatcher(ctx, kvManager, pollInterval)

	return a, nil
}

// bootstrapInitialConfig dials each seed address in turn (spec.md §3
// Lifecycles "agent creation"), keeping the first successfully bootstrapped
// connection's GET-CLUSTER-CONFIG response as the starting topology.
func bootstrapInitialConfig(ctx context.Context, seeds []string, baseKvConfig func(string) KvClientConfig, logger *slog.Logger, metricsReg *metrics.Registry) (*ParsedConfig, error) {
	var lastErr error
	for _, seed := range seeds {
		client, err := DialKvClient(ctx, baseKvConfig(seed), logger, metricsReg)
		if err != nil {
			lastErr = err
			logger.Warn("failed to bootstrap from seed address", "seed", seed, "error", err)
			continue
		}

		blob, err := client.GetClusterConfig(ctx)
		closeErr := client.Close()
		if err != nil {
			lastErr = err
			logger.Warn("failed to fetch initial cluster config from seed", "seed", seed, "error", err)
			continue
		}
		if closeErr != nil {
			logger.Debug("error closing bootstrap client", "seed", seed, "error", closeErr)
		}

		cfg, err := ParseTerseConfig(blob, seedHostname(seed))
		if err != nil {
			lastErr = err
			continue
		}
		return cfg, nil
	}

	return nil, &GenericError{Message: "failed to bootstrap initial cluster config from any seed address", Cause: lastErr}
}

func (a *Agent) watchConfigUpdates(updates <-chan *ParsedConfig, tlsConfig *tls.Config, acceptAllCerts bool) {
	defer a.applyWg.Done()
	for {
		select {
		case cfg := <-updates:
			a.applyConfig(cfg, tlsConfig, acceptAllCerts)
		case <-a.applyStopCh:
			return
		}
	}
}

// applyConfig reconfigures the KV Client Manager and every HTTP service
// component from cfg's node list (spec.md §3 "reconfigure" lifecycle).
func (a *Agent) applyConfig(cfg *ParsedConfig, tlsConfig *tls.Config, acceptAllCerts bool) {
	targets := make([]KvTarget, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if !n.HasData {
			continue
		}
		address, ok := kvAddress(n, tlsConfig != nil)
		if !ok {
			continue
		}
		targets = append(targets, KvTarget{NodeID: n.NodeID, Address: address, TLSConfig: tlsConfig})
	}

	a.kvManager.Reconfigure(targets, func(t KvTarget) KvClientConfig {
		return KvClientConfig{
			Address:        t.Address,
			TLSConfig:      t.TLSConfig,
			AcceptAllCerts: acceptAllCerts,
			ClientName:     "gocbcorex",
			SelectedBucket: a.bucketName,
		}
	})

	tlsEnabled := tlsConfig != nil
	a.queryHTTP.Reconfigure(BuildServiceEndpoints(cfg.Nodes, HTTPServiceQuery, tlsEnabled))
	a.searchHTTP.Reconfigure(BuildServiceEndpoints(cfg.Nodes, HTTPServiceSearch, tlsEnabled))
	a.cbasHTTP.Reconfigure(BuildServiceEndpoints(cfg.Nodes, HTTPServiceAnalytics, tlsEnabled))
	a.mgmtHTTP.Reconfigure(BuildServiceEndpoints(cfg.Nodes, HTTPServiceMgmt, tlsEnabled))
}

// seedHostname strips the ":port" suffix from a "host:port" seed address,
// for use as ParseTerseConfig's source-host fallback.
func seedHostname(seed string) string {
	if i := strings.LastIndex(seed, ":"); i >= 0 {
		return seed[:i]
	}
	return seed
}

func kvAddress(n NodeInfo, tlsEnabled bool) (string, bool) {
	ports := n.NonTLSPorts
	if tlsEnabled {
		ports = n.TLSPorts
	}
	port, ok := ports["kv"]
	if !ok || port == 0 {
		return "", false
	}
	return fmt.Sprintf("%s:%d", n.Hostname, port), true
}

// Close shuts down the background config watcher and every connection pool,
// in that order, so no new work is scheduled against a pool mid-teardown
// (spec.md §3 "Lifecycles" shutdown ordering).
func (a *Agent) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	if a.stopWatcher != nil {
		a.stopWatcher()
	}
	close(a.applyStopCh)
	a.applyWg.Wait()

	kvErr := a.kvManager.Close()
	httpErr := a.httpClient.Close()
	if kvErr != nil {
		return kvErr
	}
	return httpErr
}

// Router exposes the vbucket router for KV operations issued outside the
// façade's own helpers.
func (a *Agent) Router() *VbucketRouter { return a.router }

// NMVHandler exposes the NotMyVbucket handler for KV operations issued
// outside the façade's own helpers.
func (a *Agent) NMVHandler() *NMVHandler { return a.nmvHandler }

// Collections exposes the Collection Resolver.
func (a *Agent) Collections() *CollectionResolver { return a.collections }

// KvClientManager exposes the KV Client Manager for direct dispatch.
func (a *Agent) KvClientManager() *KvClientManager { return a.kvManager }

// RetryOrchestrator exposes the shared retry orchestrator.
func (a *Agent) RetryOrchestrator() *RetryOrchestrator { return a.retry }

// ConfigManager exposes the Config Manager, e.g. for LatestConfig() reads.
func (a *Agent) ConfigManager() *ConfigManager { return a.configManager }
