package gocbcorex

import (
	"fmt"
	"log/slog"

	"github.com/couchbase/gocbcorex/memdx"
)

// GenericError is the message-carrying fallback error kind (spec.md §7).
type GenericError struct {
	Message string
	Cause   error
}

func (e *GenericError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause)
	}
	return e.Message
}

func (e *GenericError) Unwrap() error { return e.Cause }

func (e *GenericError) LogValue() slog.Value {
	return slog.GroupValue(slog.String("kind", "generic"), slog.String("message", e.Message))
}

// InvalidArgumentError is a caller-side validation failure naming the
// offending argument (spec.md §7).
type InvalidArgumentError struct {
	Arg     string
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Message)
}

func (e *InvalidArgumentError) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "invalid_argument"),
		slog.String("arg", e.Arg),
		slog.String("message", e.Message),
	)
}

// DispatchError represents a connection-level failure: connection closed,
// framing violation, or write failed. Inside
// KvClientManager.OrchestrateMemdClient it triggers client shutdown and one
// retry on a fresh client; it reaches the caller only when that retry also
// fails with a dispatch error (spec.md §7).
type DispatchError struct {
	Endpoint string
	Cause    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch error to %s: %s", e.Endpoint, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

func (e *DispatchError) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "dispatch"),
		slog.String("endpoint", e.Endpoint),
		slog.Any("cause", e.Cause),
	)
}

// ServerError wraps a status-code-derived server error, carrying the raw
// status, opaque, opcode, and optional error-map detail (spec.md §7).
type ServerError struct {
	Status   memdx.Status
	Kind     memdx.StatusKind
	Opaque   uint32
	OpCode   memdx.OpCode
	Endpoint string

	// ErrorMapName/Description/Context/Ref are populated from the bootstrap
	// error map when the server's GET-ERROR-MAP entry for Status has them.
	ErrorMapName        string
	ErrorMapDescription string
	Context             string
	Ref                 string
}

func (e *ServerError) Error() string {
	if e.ErrorMapName != "" {
		return fmt.Sprintf("server error %s (status 0x%02x) for %s opaque %d: %s",
			e.ErrorMapName, uint16(e.Status), e.OpCode.String(), e.Opaque, e.ErrorMapDescription)
	}
	return fmt.Sprintf("server error (status 0x%02x) for %s opaque %d", uint16(e.Status), e.OpCode.String(), e.Opaque)
}

func (e *ServerError) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", "server"),
		slog.Int("status", int(e.Status)),
		slog.String("opcode", e.OpCode.String()),
		slog.Uint64("opaque", uint64(e.Opaque)),
		slog.String("endpoint", e.Endpoint),
	}
	if e.ErrorMapName != "" {
		attrs = append(attrs, slog.String("error_map_name", e.ErrorMapName))
	}
	if e.Context != "" {
		attrs = append(attrs, slog.String("xcontext", e.Context))
	}
	if e.Ref != "" {
		attrs = append(attrs, slog.String("xref", e.Ref))
	}
	return slog.GroupValue(attrs...)
}

// ResourceError specializes a ServerError with the bucket/scope/collection
// it occurred against (spec.md §7, used by management ops).
type ResourceError struct {
	*ServerError
	Bucket     string
	Scope      string
	Collection string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s (bucket=%s scope=%s collection=%s)", e.ServerError.Error(), e.Bucket, e.Scope, e.Collection)
}

func (e *ResourceError) LogValue() slog.Value {
	base := e.ServerError.LogValue()
	return slog.GroupValue(append(base.Group(),
		slog.String("bucket", e.Bucket),
		slog.String("scope", e.Scope),
		slog.String("collection", e.Collection),
	)...)
}

// RoutingErrorKind enumerates the routing-level failures (spec.md §7).
type RoutingErrorKind int

const (
	RoutingErrorNoVbucketMap RoutingErrorKind = iota
	RoutingErrorEndpointNotKnown
	RoutingErrorNoEndpointsAvailable
	RoutingErrorServiceNotAvailable
)

func (k RoutingErrorKind) String() string {
	switch k {
	case RoutingErrorNoVbucketMap:
		return "no_vbucket_map"
	case RoutingErrorEndpointNotKnown:
		return "endpoint_not_known"
	case RoutingErrorNoEndpointsAvailable:
		return "no_endpoints_available"
	case RoutingErrorServiceNotAvailable:
		return "service_not_available"
	default:
		return "unknown"
	}
}

// RoutingError is raised when a request cannot be routed to any endpoint.
type RoutingError struct {
	Kind    RoutingErrorKind
	Detail  string
}

func (e *RoutingError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("routing error: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("routing error: %s", e.Kind)
}

func (e *RoutingError) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "routing"),
		slog.String("reason", e.Kind.String()),
		slog.String("detail", e.Detail),
	)
}

// ClusterError covers cluster-feature-level failures (spec.md §7).
type ClusterError struct {
	Feature string
	Message string
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("cluster feature %q unavailable: %s", e.Feature, e.Message)
}

func (e *ClusterError) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "cluster"),
		slog.String("feature", e.Feature),
		slog.String("message", e.Message),
	)
}

// HTTPError carries the context of a failed HTTP call (spec.md §7).
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	ErrorText  string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %s %s: %d %s", e.Method, e.URL, e.StatusCode, e.ErrorText)
}

func (e *HTTPError) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "http"),
		slog.Int("status_code", e.StatusCode),
		slog.String("method", e.Method),
		slog.String("url", e.URL),
	)
}

// ServiceErrorKind is the shared taxonomy of higher-level query/search/
// analytics service errors (spec.md §7).
type ServiceErrorKind string

const (
	ServiceErrorIndexExists         ServiceErrorKind = "index_exists"
	ServiceErrorIndexNotFound       ServiceErrorKind = "index_not_found"
	ServiceErrorScopeNotFound       ServiceErrorKind = "scope_not_found"
	ServiceErrorCollectionNotFound  ServiceErrorKind = "collection_not_found"
	ServiceErrorAuthenticationFailed ServiceErrorKind = "authentication_failed"
	ServiceErrorRateLimited         ServiceErrorKind = "rate_limited"
	ServiceErrorUnsupportedFeature  ServiceErrorKind = "unsupported_feature"
	ServiceErrorInternal            ServiceErrorKind = "internal"
)

// ServiceError wraps a service-specific (query/search/analytics/mgmt) error,
// preserving the server's raw descriptor alongside the classified kind.
type ServiceError struct {
	Service    string // "query", "search", "analytics", "mgmt"
	Kind       ServiceErrorKind
	Code       int
	Msg        string
	RawServer  string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s error (%s, code %d): %s", e.Service, e.Kind, e.Code, e.Msg)
}

func (e *ServiceError) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "service"),
		slog.String("service", e.Service),
		slog.String("service_kind", string(e.Kind)),
		slog.Int("code", e.Code),
		slog.String("message", e.Msg),
	)
}
