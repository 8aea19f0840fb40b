package gocbcorex

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"

	"github.com/couchbase/gocbcorex/httpx"
	"github.com/couchbase/gocbcorex/internal/metrics"
)

// HTTPServiceType tags which cluster service an HTTPServiceComponent talks
// to, driving both credential resolution and metrics/log labeling (spec.md
// §4.11).
type HTTPServiceType string

const (
	HTTPServiceQuery     HTTPServiceType = "query"
	HTTPServiceSearch    HTTPServiceType = "search"
	HTTPServiceAnalytics HTTPServiceType = "analytics"
	HTTPServiceMgmt      HTTPServiceType = "mgmt"
)

// HTTPServiceComponentOptions configures an HTTPServiceComponent.
type HTTPServiceComponentOptions struct {
	ServiceType   HTTPServiceType
	Authenticator Authenticator
	UserAgent     string
	Client        *httpx.Client
	Logger        *slog.Logger
	Metrics       *metrics.Registry
}

// HTTPServiceComponent is the shared fabric behind every HTTP-based cluster
// service (query, search, analytics, management): a map of endpoint_id to
// base URL, an authenticator, and orchestrate_endpoint, which the
// service-specific components layer request encoding, row streaming, and
// error classification on top of (spec.md §4.11).
type HTTPServiceComponent struct {
	serviceType   HTTPServiceType
	authenticator Authenticator
	userAgent     string
	client        *httpx.Client
	logger        *slog.Logger
	metrics       *metrics.Registry

	mu        sync.RWMutex
	endpoints map[string]string // endpoint_id -> base URL
}

// NewHTTPServiceComponent constructs a component with an empty endpoint set;
// call Reconfigure once topology is known.
func NewHTTPServiceComponent(opts HTTPServiceComponentOptions) *HTTPServiceComponent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServiceComponent{
		serviceType:   opts.ServiceType,
		authenticator: opts.Authenticator,
		userAgent:     opts.UserAgent,
		client:        opts.Client,
		logger:        logger.With("component", "http_service", "service_type", string(opts.ServiceType)),
		metrics:       opts.Metrics,
		endpoints:     map[string]string{},
	}
}

// Reconfigure replaces the endpoint_id -> base URL map wholesale.
func (c *HTTPServiceComponent) Reconfigure(endpoints map[string]string) {
	cp := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		cp[k] = v
	}
	c.mu.Lock()
	c.endpoints = cp
	c.mu.Unlock()
}

// EndpointIDs returns the current set of known endpoint_ids.
func (c *HTTPServiceComponent) EndpointIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.endpoints))
	for id := range c.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// EndpointOp is invoked by OrchestrateEndpoint once an endpoint and
// credentials have been resolved.
type EndpointOp func(ctx context.Context, client *httpx.Client, endpointID, baseURL, username, password string) (*http.Response, error)

// OrchestrateEndpoint implements orchestrate_endpoint (spec.md §4.11): if
// preferredID is non-empty, that exact endpoint is used or an
// "invalid endpoint" RoutingError is returned; otherwise an endpoint is
// picked uniformly at random from the current set, or ServiceNotAvailable
// if it is empty. Credentials are resolved from the authenticator for
// (service_type, host) before op is invoked.
func (c *HTTPServiceComponent) OrchestrateEndpoint(ctx context.Context, preferredID string, op EndpointOp) (*http.Response, error) {
	endpointID, baseURL, err := c.pickEndpoint(preferredID)
	if err != nil {
		return nil, err
	}

	host := hostOf(baseURL)
	creds, err := c.authenticator.Credentials(string(c.serviceType), host)
	if err != nil {
		return nil, &GenericError{Message: "failed to resolve credentials", Cause: err}
	}

	resp, err := op(ctx, c.client, endpointID, baseURL, creds.Username, creds.Password)
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else if resp != nil && resp.StatusCode >= 400 {
		outcome = "http_error"
	}
	c.metrics.RecordHTTPRequest(string(c.serviceType), outcome)
	return resp, err
}

func (c *HTTPServiceComponent) pickEndpoint(preferredID string) (id string, baseURL string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if preferredID != "" {
		url, ok := c.endpoints[preferredID]
		if !ok {
			return "", "", &RoutingError{Kind: RoutingErrorEndpointNotKnown, Detail: preferredID}
		}
		return preferredID, url, nil
	}

	if len(c.endpoints) == 0 {
		return "", "", &RoutingError{Kind: RoutingErrorServiceNotAvailable, Detail: string(c.serviceType)}
	}

	ids := make([]string, 0, len(c.endpoints))
	for id := range c.endpoints {
		ids = append(ids, id)
	}
	picked := ids[rand.Intn(len(ids))]
	return picked, c.endpoints[picked], nil
}

func hostOf(baseURL string) string {
	// Base URLs are always "scheme://host[:port]"; strip the scheme and any
	// trailing path rather than pull in a full URL parse for one field.
	s := baseURL
	if i := indexAfterScheme(s); i >= 0 {
		s = s[i:]
	}
	if i := indexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

func indexAfterScheme(s string) int {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return i + 3
		}
	}
	return -1
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// mustJoinPath concatenates a base URL and a path, inserting exactly one
// slash between them.
func mustJoinPath(base, path string) string {
	if len(base) == 0 {
		return path
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}
	return base + path
}
