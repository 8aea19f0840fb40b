package gocbcorex

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/couchbase/gocbcorex/internal/metrics"
	"github.com/couchbase/gocbcorex/memdx"
)

// RetryReason classifies why an operation failed, driving the retry
// orchestrator's decision (spec.md §4.12).
type RetryReason int

const (
	RetryReasonUnknown RetryReason = iota
	RetryReasonInvalidVbucketMap
	RetryReasonNotMyVbucket
	RetryReasonKvCollectionOutdated
	RetryReasonTempFail
	RetryReasonKvErrorMapRetryIndicated
)

func (r RetryReason) String() string {
	switch r {
	case RetryReasonInvalidVbucketMap:
		return "invalid_vbucket_map"
	case RetryReasonNotMyVbucket:
		return "not_my_vbucket"
	case RetryReasonKvCollectionOutdated:
		return "kv_collection_outdated"
	case RetryReasonTempFail:
		return "temp_fail"
	case RetryReasonKvErrorMapRetryIndicated:
		return "kv_error_map_retry_indicated"
	default:
		return "unknown"
	}
}

// AllowsNonIdempotentRetry reports whether reason is safe to retry even when
// the failed operation was not idempotent (spec.md §4.12 property 5). Every
// reason currently classified by classifyError implies the request was never
// applied server-side, so this is true across the board; it exists as a
// named gate for RetryReasons future callers add that might not hold that
// guarantee.
func (r RetryReason) AllowsNonIdempotentRetry() bool {
	switch r {
	case RetryReasonInvalidVbucketMap, RetryReasonNotMyVbucket, RetryReasonKvCollectionOutdated,
		RetryReasonTempFail, RetryReasonKvErrorMapRetryIndicated:
		return true
	default:
		return false
	}
}

// alwaysRetryReasons is always retried regardless of strategy (spec.md
// §4.12 maybe_retry).
var alwaysRetryReasons = map[RetryReason]bool{
	RetryReasonInvalidVbucketMap:    true,
	RetryReasonNotMyVbucket:         true,
	RetryReasonKvCollectionOutdated: true,
}

// RetryInfo tracks one logical operation's retry history across attempts.
type RetryInfo struct {
	Attempts int
	Strategy RetryStrategy

	// Idempotent marks whether the operation this RetryInfo is tracking is
	// safe to re-send. MaybeRetry defers to RetryReason.AllowsNonIdempotentRetry
	// when this is false; OrchestrateRetries sets it true by default, matching
	// every currently classified RetryReason's guarantee that the request was
	// never applied server-side.
	Idempotent bool
}

// RetryStrategy decides whether and how long to wait before retrying a
// reason not in the always-retry set (spec.md §4.12).
type RetryStrategy interface {
	RetryAfter(info *RetryInfo, reason RetryReason) (time.Duration, bool)
}

// FailFastStrategy never retries anything outside the always-retry set; it
// is the default (spec.md §4.12).
type FailFastStrategy struct{}

func (FailFastStrategy) RetryAfter(*RetryInfo, RetryReason) (time.Duration, bool) {
	return 0, false
}

// BestEffortStrategy retries any reason with a capped exponential backoff.
type BestEffortStrategy struct {
	// BaseDelay is the first retry's delay; it doubles each subsequent
	// attempt up to MaxDelay. Defaults: 32ms / 2s.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts bounds the number of retries; 0 means unbounded.
	MaxAttempts int
}

func (s BestEffortStrategy) RetryAfter(info *RetryInfo, reason RetryReason) (time.Duration, bool) {
	if s.MaxAttempts > 0 && info.Attempts > s.MaxAttempts {
		return 0, false
	}
	base := s.BaseDelay
	if base <= 0 {
		base = 32 * time.Millisecond
	}
	max := s.MaxDelay
	if max <= 0 {
		max = 2 * time.Second
	}
	return cappedBackoff(base, max, info.Attempts-1), true
}

func cappedBackoff(base, max time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 1 + (rand.Float64()-0.5)*0.2 // up to ±10% jitter so concurrent retries don't lockstep
	out := time.Duration(d * jitter)
	if out > max {
		out = max
	}
	return out
}

// RetryOrchestrator drives orchestrate_retries (spec.md §4.12).
type RetryOrchestrator struct {
	logger  *slog.Logger
	metrics *metrics.Registry
}

// NewRetryOrchestrator constructs an orchestrator.
func NewRetryOrchestrator(logger *slog.Logger, metricsReg *metrics.Registry) *RetryOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryOrchestrator{logger: logger.With("component", "retry_orchestrator"), metrics: metricsReg}
}

// MaybeRetry implements spec.md's maybe_retry: always-retry reasons get a
// controlled capped backoff regardless of strategy; everything else defers
// to info.Strategy.
func (ro *RetryOrchestrator) MaybeRetry(info *RetryInfo, reason RetryReason) (time.Duration, bool) {
	if !info.Idempotent && !reason.AllowsNonIdempotentRetry() {
		return 0, false
	}

	info.Attempts++

	if alwaysRetryReasons[reason] {
		return cappedBackoff(32*time.Millisecond, 2*time.Second, info.Attempts-1), true
	}

	strategy := info.Strategy
	if strategy == nil {
		strategy = FailFastStrategy{}
	}
	return strategy.RetryAfter(info, reason)
}

// classifyError derives a RetryReason from an operation's error, per
// spec.md §4.12 orchestrate_retries.
func classifyError(err error, errMap func(memdx.Status) bool) (RetryReason, bool) {
	var routingErr *RoutingError
	if errors.As(err, &routingErr) && routingErr.Kind == RoutingErrorNoVbucketMap {
		return RetryReasonInvalidVbucketMap, true
	}

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		switch serverErr.Status {
		case memdx.StatusNotMyVbucket:
			return RetryReasonNotMyVbucket, true
		case memdx.StatusTmpFail, memdx.StatusBusy, memdx.StatusOutOfMemory:
			return RetryReasonTempFail, true
		}
		if errMap != nil && errMap(serverErr.Status) {
			return RetryReasonKvErrorMapRetryIndicated, true
		}
		return RetryReasonUnknown, false
	}

	var unknownCollErr *UnknownCollectionError
	if errors.As(err, &unknownCollErr) {
		return RetryReasonKvCollectionOutdated, true
	}

	return RetryReasonUnknown, false
}

// OrchestrateRetries runs op repeatedly until it succeeds or the strategy
// gives up, sleeping between attempts (spec.md §4.12 orchestrate_retries).
// errMap classifies a status as server-retry-indicated (nil to skip that
// check).
func (ro *RetryOrchestrator) OrchestrateRetries(ctx context.Context, strategy RetryStrategy, errMap func(memdx.Status) bool, op func() error) error {
	info := &RetryInfo{Strategy: strategy, Idempotent: true}

	for {
		err := op()
		if err == nil {
			return nil
		}

		reason, retryable := classifyError(err, errMap)
		if !retryable {
			return err
		}

		delay, ok := ro.MaybeRetry(info, reason)
		if !ok {
			if ro.metrics != nil {
				ro.metrics.RecordRetryAttempt(reason.String(), "gave_up")
			}
			return err
		}

		if ro.metrics != nil {
			ro.metrics.RecordRetryAttempt(reason.String(), "retrying")
			ro.metrics.RecordRetryBackoff(reason.String(), delay.Seconds())
		}
		ro.logger.Debug("retrying operation", "reason", reason.String(), "attempt", info.Attempts, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
