// Package metrics wires the agent's components to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every metric family the agent exposes. A Registry is
// created once per Agent and passed down to the components that populate it;
// a nil *Registry is valid everywhere and every method on it is a no-op, so
// metrics are strictly opt-in.
type Registry struct {
	KvPoolActiveConnections *prometheus.GaugeVec
	KvPoolReconnectsTotal   *prometheus.CounterVec

	DispatcherInFlightOps *prometheus.GaugeVec

	ConfigPollOutcomesTotal   *prometheus.CounterVec
	ConfigOutOfBandFetchTotal *prometheus.CounterVec
	ConfigVersion             *prometheus.GaugeVec

	RetryAttemptsTotal *prometheus.CounterVec
	RetryBackoffSeconds *prometheus.HistogramVec

	HTTPRequestsTotal *prometheus.CounterVec

	ServerDurationSeconds *prometheus.HistogramVec
}

// NewRegistry constructs and registers every metric family against reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to publish on the process-wide default.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		KvPoolActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gocbcorex",
			Subsystem: "kv_pool",
			Name:      "active_connections",
			Help:      "Number of live KV client connections per endpoint.",
		}, []string{"endpoint"}),

		KvPoolReconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gocbcorex",
			Subsystem: "kv_pool",
			Name:      "reconnects_total",
			Help:      "Number of reconnect attempts issued per endpoint.",
		}, []string{"endpoint", "outcome"}),

		DispatcherInFlightOps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gocbcorex",
			Subsystem: "dispatcher",
			Name:      "in_flight_ops",
			Help:      "Number of outstanding opaques awaiting a response.",
		}, []string{"endpoint"}),

		ConfigPollOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gocbcorex",
			Subsystem: "config_manager",
			Name:      "poll_outcomes_total",
			Help:      "Outcome of each periodic cluster-config poll.",
		}, []string{"outcome"}),

		ConfigOutOfBandFetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gocbcorex",
			Subsystem: "config_manager",
			Name:      "out_of_band_fetch_total",
			Help:      "Out-of-band config fetches, split by whether this caller led the fetch or coalesced onto one.",
		}, []string{"role", "outcome"}),

		ConfigVersion: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gocbcorex",
			Subsystem: "config_manager",
			Name:      "version_id",
			Help:      "The id component of the currently accepted ConfigVersion.",
		}, []string{"bucket"}),

		RetryAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gocbcorex",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retry attempts by reason and outcome.",
		}, []string{"reason", "outcome"}),

		RetryBackoffSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gocbcorex",
			Subsystem: "retry",
			Name:      "backoff_seconds",
			Help:      "Backoff delay applied before a retry attempt.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"reason"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gocbcorex",
			Subsystem: "http_component",
			Name:      "requests_total",
			Help:      "HTTP requests issued per service and outcome.",
		}, []string{"service", "status"}),

		ServerDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gocbcorex",
			Subsystem: "dispatcher",
			Name:      "server_duration_seconds",
			Help:      "Server-reported processing duration from the response server-duration ext frame.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"endpoint"}),
	}
}

func (r *Registry) recordRetryAttempt(reason, outcome string) {
	if r == nil {
		return
	}
	r.RetryAttemptsTotal.WithLabelValues(reason, outcome).Inc()
}

// RecordRetryAttempt increments the retry-attempt counter. Safe to call on a nil Registry.
func (r *Registry) RecordRetryAttempt(reason, outcome string) { r.recordRetryAttempt(reason, outcome) }

// RecordRetryBackoff observes a backoff delay. Safe to call on a nil Registry.
func (r *Registry) RecordRetryBackoff(reason string, seconds float64) {
	if r == nil {
		return
	}
	r.RetryBackoffSeconds.WithLabelValues(reason).Observe(seconds)
}

// RecordServerDuration observes a server-reported processing duration. Safe to call on a nil Registry.
func (r *Registry) RecordServerDuration(endpoint string, seconds float64) {
	if r == nil {
		return
	}
	r.ServerDurationSeconds.WithLabelValues(endpoint).Observe(seconds)
}

// RecordConfigPollOutcome increments the poll-outcome counter. Safe to call on a nil Registry.
func (r *Registry) RecordConfigPollOutcome(outcome string) {
	if r == nil {
		return
	}
	r.ConfigPollOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordConfigOutOfBandFetch increments the out-of-band fetch counter. Safe to call on a nil Registry.
func (r *Registry) RecordConfigOutOfBandFetch(role, outcome string) {
	if r == nil {
		return
	}
	r.ConfigOutOfBandFetchTotal.WithLabelValues(role, outcome).Inc()
}

// SetConfigVersion publishes the currently accepted config's id. Safe to call on a nil Registry.
func (r *Registry) SetConfigVersion(bucket string, id int64) {
	if r == nil {
		return
	}
	r.ConfigVersion.WithLabelValues(bucket).Set(float64(id))
}

// SetKvPoolActiveConnections publishes active connection count for endpoint. Safe to call on a nil Registry.
func (r *Registry) SetKvPoolActiveConnections(endpoint string, n int) {
	if r == nil {
		return
	}
	r.KvPoolActiveConnections.WithLabelValues(endpoint).Set(float64(n))
}

// RecordKvPoolReconnect increments the reconnect counter for endpoint. Safe to call on a nil Registry.
func (r *Registry) RecordKvPoolReconnect(endpoint, outcome string) {
	if r == nil {
		return
	}
	r.KvPoolReconnectsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// SetDispatcherInFlightOps publishes the in-flight opaque count for endpoint. Safe to call on a nil Registry.
func (r *Registry) SetDispatcherInFlightOps(endpoint string, n int) {
	if r == nil {
		return
	}
	r.DispatcherInFlightOps.WithLabelValues(endpoint).Set(float64(n))
}

// RecordHTTPRequest increments the HTTP-requests counter for service/status. Safe to call on a nil Registry.
func (r *Registry) RecordHTTPRequest(service, status string) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(service, status).Inc()
}
