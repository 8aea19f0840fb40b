package gocbcorex

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/couchbase/gocbcorex/internal/metrics"
)

// KvClientDialer constructs a bootstrapped KvClient, abstracted so the pool
// can be tested without a real socket.
type KvClientDialer func(ctx context.Context, cfg KvClientConfig, logger *slog.Logger, metrics *metrics.Registry) (*KvClient, error)

// KvClientPoolOptions configures a KvClientPool.
type KvClientPoolOptions struct {
	Size                 int
	ConnectThrottlePeriod time.Duration
	Logger               *slog.Logger
	Metrics              *metrics.Registry
	Dialer               KvClientDialer
}

// KvClientPool maintains a fixed-size set of live KvClients to one endpoint,
// round-robining get_client calls across them and reconstructing dead
// clients in the background, throttled per endpoint (spec.md §4.4).
type KvClientPool struct {
	endpoint string
	cfg      KvClientConfig
	size     int
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Registry
	dialer   KvClientDialer

	mu      sync.Mutex
	clients []*KvClient

	nextIdx atomic.Uint64

	closed atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewKvClientPool constructs a pool and starts reconstructing clients up to
// size in the background. GetClient calls fail until at least one client is
// live.
func NewKvClientPool(endpoint string, cfg KvClientConfig, opts KvClientPoolOptions) *KvClientPool {
	size := opts.Size
	if size <= 0 {
		size = 1
	}
	throttle := opts.ConnectThrottlePeriod
	if throttle <= 0 {
		throttle = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = DialKvClient
	}

	p := &KvClientPool{
		endpoint: endpoint,
		cfg:      cfg,
		size:     size,
		limiter:  rate.NewLimiter(rate.Every(throttle), 1),
		logger:   logger.With("component", "kv_client_pool", "endpoint", endpoint),
		metrics:  opts.Metrics,
		dialer:   dialer,
		closeCh:  make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		p.scheduleReconnect()
	}

	return p
}

// GetClient round-robins across the currently live clients (spec.md §4.4
// get_client). Returns an error if none are currently live.
func (p *KvClientPool) GetClient() (*KvClient, error) {
	p.mu.Lock()
	live := make([]*KvClient, 0, len(p.clients))
	for _, c := range p.clients {
		if c != nil && !c.Closed() {
			live = append(live, c)
		}
	}
	p.mu.Unlock()

	if len(live) == 0 {
		return nil, &RoutingError{Kind: RoutingErrorNoEndpointsAvailable, Detail: p.endpoint}
	}

	idx := p.nextIdx.Add(1) % uint64(len(live))
	return live[idx], nil
}

// scheduleReconnect launches a background reconnect, respecting the
// connect-throttle period. The new client joins the live set only after a
// successful dial; a failed dial schedules another attempt.
func (p *KvClientPool) scheduleReconnect() {
	if p.closed.Load() {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		waitCtx, cancelWait := context.WithCancel(context.Background())
		go func() {
			select {
			case <-p.closeCh:
				cancelWait()
			case <-waitCtx.Done():
			}
		}()
		err := p.limiter.Wait(waitCtx)
		cancelWait()
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := p.dialer(ctx, p.cfg, p.logger, p.metrics)
		if p.metrics != nil {
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			p.metrics.RecordKvPoolReconnect(p.endpoint, outcome)
		}
		if err != nil {
			p.logger.Warn("failed to (re)connect KV client", "error", err)
			p.scheduleReconnect()
			return
		}

		p.mu.Lock()
		if p.closed.Load() {
			p.mu.Unlock()
			_ = client.Close()
			return
		}
		p.clients = append(p.clients, client)
		n := len(p.clients)
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.SetKvPoolActiveConnections(p.endpoint, n)
		}

		go p.watchClient(client)
	}()
}

// watchClient removes client from the live set and schedules a replacement
// once its dispatcher closes.
func (p *KvClientPool) watchClient(client *KvClient) {
	select {
	case <-client.CloseNotify():
	case <-p.closeCh:
		return
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return
	}
	found := false
	for i, c := range p.clients {
		if c == client {
			p.clients = append(p.clients[:i], p.clients[i+1:]...)
			found = true
			break
		}
	}
	n := len(p.clients)
	p.mu.Unlock()

	if !found {
		// Reconfigure already dropped this client and scheduled its replacement.
		return
	}

	if p.metrics != nil {
		p.metrics.SetKvPoolActiveConnections(p.endpoint, n)
	}

	p.scheduleReconnect()
}

// Reconfigure updates the pool's KvClientConfig. If newCfg compares equal to
// the current config, this is a no-op; otherwise every current client is
// closed and fresh ones are scheduled (spec.md §4.4).
func (p *KvClientPool) Reconfigure(newCfg KvClientConfig) {
	p.mu.Lock()
	if p.cfg.Equal(newCfg) {
		p.mu.Unlock()
		return
	}
	p.cfg = newCfg
	old := p.clients
	p.clients = nil
	p.mu.Unlock()

	for _, c := range old {
		_ = c.Close()
	}
	for i := 0; i < p.size; i++ {
		p.scheduleReconnect()
	}
}

// Size returns the number of currently live clients.
func (p *KvClientPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clients {
		if c != nil && !c.Closed() {
			n++
		}
	}
	return n
}

// Close shuts down every client in the pool and stops reconnect attempts.
func (p *KvClientPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.closeCh)

	p.mu.Lock()
	clients := p.clients
	p.clients = nil
	p.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}

	p.wg.Wait()
	return nil
}
