package gocbcorex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/couchbase/gocbcorex/internal/metrics"
	"github.com/couchbase/gocbcorex/memdx"
)

// KvClient is one bootstrapped connection to a KV node: HELLO, GET-ERROR-MAP,
// SASL auth and SELECT-BUCKET, in that order, to a deadline (spec.md §4.3).
// Bootstrap does not fetch the cluster config; GET-CLUSTER-CONFIG is issued
// only when GetClusterConfig is called.
type KvClient struct {
	cfg      KvClientConfig
	endpoint string
	logger   *slog.Logger
	metrics  *metrics.Registry

	// connID uniquely identifies this connection instance in logs and in
	// the HELLO client name sent to the server, disambiguating concurrent
	// connections from the same process in server-side diagnostics.
	connID string

	dispatcher *memdx.Dispatcher
	ops        memdx.OpsCore

	serverFeatures []memdx.HelloFeature
	errorMap       *memdx.ErrorMap

	closed atomic.Bool
}

// ConnID returns the connection's unique identifier.
func (c *KvClient) ConnID() string { return c.connID }

// DialKvClient dials address, bootstraps it per cfg, and returns a ready
// client. Bootstrap steps cfg disables are skipped. The whole bootstrap
// respects cfg.BootstrapTimeoutMillis (default 7000ms).
func DialKvClient(ctx context.Context, cfg KvClientConfig, logger *slog.Logger, metricsReg *metrics.Registry) (*KvClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	connID := uuid.NewString()
	logger = logger.With("component", "kv_client", "endpoint", cfg.Address, "conn_id", connID)

	timeoutMillis := cfg.BootstrapTimeoutMillis
	if timeoutMillis == 0 {
		timeoutMillis = 7000
	}
	bootstrapCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMillis)*time.Millisecond)
	defer cancel()

	tlsConfig := cfg.TLSConfig
	if tlsConfig != nil && cfg.AcceptAllCerts {
		cloned := tlsConfig.Clone()
		cloned.InsecureSkipVerify = true
		tlsConfig = cloned
	}

	conn, err := memdx.Dial(bootstrapCtx, cfg.Address, memdx.DialOptions{TLSConfig: tlsConfig, KeepAlive: 30 * time.Second})
	if err != nil {
		return nil, &DispatchError{Endpoint: cfg.Address, Cause: err}
	}

	dispatcher := memdx.NewDispatcher(conn, logger, memdx.DispatcherOptions{})

	c := &KvClient{
		cfg:        cfg,
		endpoint:   cfg.Address,
		logger:     logger,
		metrics:    metricsReg,
		connID:     connID,
		dispatcher: dispatcher,
		ops:        memdx.OpsCore{},
	}

	if cfg.DisableBootstrap {
		return c, nil
	}

	if err := c.bootstrap(bootstrapCtx); err != nil {
		_ = dispatcher.Close()
		return nil, err
	}

	if metricsReg != nil {
		metricsReg.SetKvPoolActiveConnections(cfg.Address, 1)
	}

	return c, nil
}

func (c *KvClient) bootstrap(ctx context.Context) error {
	features := memdx.DefaultHelloFeatures
	if !c.cfg.DisableDefaultFeatures {
		clientName := c.cfg.ClientName
		if clientName == "" {
			clientName = "gocbcorex"
		}
		clientName = fmt.Sprintf("%s/%s", clientName, c.connID)

		resp, err := c.dispatchAwait(ctx, c.ops.Hello(clientName, features))
		if err != nil {
			return &DispatchError{Endpoint: c.endpoint, Cause: err}
		}
		if !resp.Status.IsSuccess() {
			return c.serverError(resp)
		}
		c.serverFeatures = memdx.DecodeHelloValue(resp.Value)
		c.ops.CollectionsEnabled = memdx.HasFeature(c.serverFeatures, memdx.HelloFeatureCollections)
	}

	if !c.cfg.DisableErrorMap {
		resp, err := c.dispatchAwait(ctx, c.ops.GetErrorMap())
		if err != nil {
			return &DispatchError{Endpoint: c.endpoint, Cause: err}
		}
		if resp.Status.IsSuccess() {
			var em memdx.ErrorMap
			if err := json.Unmarshal(resp.Value, &em); err == nil {
				c.errorMap = &em
			}
		}
	}

	if c.cfg.Authenticator != nil {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
	}

	if c.cfg.SelectedBucket != "" {
		resp, err := c.dispatchAwait(ctx, c.ops.SelectBucket(c.cfg.SelectedBucket))
		if err != nil {
			return &DispatchError{Endpoint: c.endpoint, Cause: err}
		}
		if !resp.Status.IsSuccess() {
			return c.serverError(resp)
		}
	}

	return nil
}

func (c *KvClient) authenticate(ctx context.Context) error {
	creds, err := c.cfg.Authenticator.Credentials("kv", c.endpoint)
	if err != nil {
		return &GenericError{Message: "failed to resolve KV credentials", Cause: err}
	}

	listResp, err := c.dispatchAwait(ctx, c.ops.SASLListMechs())
	if err != nil {
		return &DispatchError{Endpoint: c.endpoint, Cause: err}
	}
	if !listResp.Status.IsSuccess() {
		return c.serverError(listResp)
	}

	mechanism, err := memdx.SelectSASLMechanism(memdx.DefaultSASLMechanismOrder, string(listResp.Value))
	if err != nil {
		return &ClusterError{Feature: "sasl", Message: err.Error()}
	}

	if mechanism == memdx.SASLMechanismPlain {
		resp, err := c.dispatchAwait(ctx, c.ops.SASLAuth(mechanism, memdx.EncodePlainAuth(creds.Username, creds.Password)))
		if err != nil {
			return &DispatchError{Endpoint: c.endpoint, Cause: err}
		}
		if !resp.Status.IsSuccess() {
			return c.serverError(resp)
		}
		return nil
	}

	scram, err := memdx.NewScramClient(mechanism, creds.Username, creds.Password)
	if err != nil {
		return &ClusterError{Feature: "sasl", Message: err.Error()}
	}

	step1Resp, err := c.dispatchAwait(ctx, c.ops.SASLAuth(mechanism, scram.Step1()))
	if err != nil {
		return &DispatchError{Endpoint: c.endpoint, Cause: err}
	}
	if step1Resp.Status != memdx.StatusSASLAuthContinue {
		return c.serverError(step1Resp)
	}

	clientFinal, err := scram.Step2(step1Resp.Value)
	if err != nil {
		return &ClusterError{Feature: "sasl", Message: err.Error()}
	}

	step2Resp, err := c.dispatchAwait(ctx, c.ops.SASLStep(mechanism, clientFinal))
	if err != nil {
		return &DispatchError{Endpoint: c.endpoint, Cause: err}
	}
	if !step2Resp.Status.IsSuccess() {
		return c.serverError(step2Resp)
	}

	if err := scram.Step3(step2Resp.Value); err != nil {
		return &ClusterError{Feature: "sasl", Message: err.Error()}
	}

	return nil
}

// serverError decorates a non-success response with error-map detail when
// available (spec.md §7 ServerError).
func (c *KvClient) serverError(pkt memdx.Packet) error {
	se := &ServerError{
		Status:   pkt.Status,
		Kind:     pkt.Status.Kind(),
		Opaque:   pkt.Opaque,
		OpCode:   pkt.OpCode,
		Endpoint: c.endpoint,
	}
	if entry, ok := c.errorMap.Entry(pkt.Status); ok {
		se.ErrorMapName = entry.Name
		se.ErrorMapDescription = entry.Description
	}
	return se
}

// ErrorMapRetryIndicated reports whether the server's error map marks status
// as retryable (spec.md §4.12 KvErrorMapRetryIndicated).
func (c *KvClient) ErrorMapRetryIndicated(status memdx.Status) bool {
	return c.errorMap.HasAttribute(status, "retry-now") || c.errorMap.HasAttribute(status, "retry-later")
}

// ServerFeatures returns the negotiated HELLO feature set.
func (c *KvClient) ServerFeatures() []memdx.HelloFeature { return c.serverFeatures }

// CollectionsEnabled reports whether the connection negotiated the
// Collections feature and therefore ULEB128-prefixes keys.
func (c *KvClient) CollectionsEnabled() bool { return c.ops.CollectionsEnabled }

// Closed reports whether the underlying dispatcher has shut down.
func (c *KvClient) Closed() bool { return c.closed.Load() || c.dispatcher.Closed() }

// Close shuts down the dispatcher and its connection.
func (c *KvClient) Close() error {
	c.closed.Store(true)
	return c.dispatcher.Close()
}

// CloseNotify returns a channel closed once the client's dispatcher shuts
// down, used by the pool to detect a dead client without polling.
func (c *KvClient) CloseNotify() <-chan struct{} { return c.dispatcher.CloseNotify() }

// dispatchAwait writes pkt and waits for its response, honoring ctx
// cancellation. It does not itself classify the response status — callers
// decide success/failure from the returned packet.
func (c *KvClient) dispatchAwait(ctx context.Context, pkt memdx.Packet) (memdx.Packet, error) {
	op, err := c.dispatcher.Dispatch(pkt)
	if err != nil {
		return memdx.Packet{}, err
	}

	type result struct {
		pkt memdx.Packet
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, e := op.Await()
		ch <- result{p, e}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			if micros, ok := r.pkt.ServerDurationMicros(); ok {
				c.metrics.RecordServerDuration(c.endpoint, float64(micros)/1e6)
			}
		}
		return r.pkt, r.err
	case <-ctx.Done():
		return memdx.Packet{}, fmt.Errorf("memdx: %w", ctx.Err())
	}
}

// GetClusterConfig issues GET-CLUSTER-CONFIG and returns the raw config
// blob, used by the Config Manager's fetcher and watcher (spec.md §4.6).
func (c *KvClient) GetClusterConfig(ctx context.Context) ([]byte, error) {
	resp, err := c.dispatchAwait(ctx, c.ops.GetClusterConfig())
	if err != nil {
		return nil, &DispatchError{Endpoint: c.endpoint, Cause: err}
	}
	if !resp.Status.IsSuccess() {
		return nil, c.serverError(resp)
	}
	return resp.Value, nil
}

// ResolveCollectionID issues GET-COLLECTION-ID for "scope.collection",
// implementing the innerCollectionResolver interface the cached
// CollectionResolver wraps (spec.md §4.8).
func (c *KvClient) ResolveCollectionID(ctx context.Context, scope, collection string) (uint32, uint64, error) {
	resp, err := c.dispatchAwait(ctx, c.ops.GetCollectionID(fmt.Sprintf("%s.%s", scope, collection)))
	if err != nil {
		return 0, 0, &DispatchError{Endpoint: c.endpoint, Cause: err}
	}
	if resp.Status == memdx.StatusCollectionUnknown || resp.Status == memdx.StatusScopeUnknown {
		return 0, 0, &UnknownCollectionError{Scope: scope, Collection: collection}
	}
	if !resp.Status.IsSuccess() {
		return 0, 0, c.serverError(resp)
	}
	return memdx.DecodeGetCollectionIDResponse(resp.Extras)
}
