package gocbcorex

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchbase/gocbcorex/httpx"
)

// AnalyticsOptions describes one analytics (CBAS) query request. It shares
// the query service's duration-string timeout convention (spec.md §6.3).
type AnalyticsOptions struct {
	Statement   string
	Args        []interface{}
	NamedArgs   map[string]interface{}
	ClientCtxID string
	Timeout     time.Duration
	Raw         map[string]interface{}
	EndpointID  string
}

func (o AnalyticsOptions) encode() ([]byte, error) {
	payload := map[string]interface{}{
		"statement": o.Statement,
	}
	if len(o.Args) > 0 {
		payload["args"] = o.Args
	}
	for k, v := range o.NamedArgs {
		payload["$"+k] = v
	}
	if o.ClientCtxID != "" {
		payload["client_context_id"] = o.ClientCtxID
	}
	if o.Timeout > 0 {
		payload["timeout"] = formatGoDuration(o.Timeout)
	}
	for k, v := range o.Raw {
		payload[k] = v
	}
	return json.Marshal(payload)
}

// classifyAnalyticsError reuses the query error-code taxonomy: the
// analytics service shares N1QL's error envelope shape (spec.md §4.11).
func classifyAnalyticsError(entry queryErrorEntry) *ServiceError {
	svcErr := classifyQueryError(entry)
	svcErr.Service = "analytics"
	return svcErr
}

// AnalyticsResultStream streams an analytics response's rows followed by a
// trailing metadata item.
type AnalyticsResultStream struct {
	body     io.ReadCloser
	rs       *httpx.RowStreamer
	metadata []byte
}

// NextRow returns the next row's raw JSON, or (nil, io.EOF) once rows are
// exhausted; Metadata is then available.
func (s *AnalyticsResultStream) NextRow() ([]byte, error) {
	item, err := s.rs.Next()
	if err != nil {
		return nil, err
	}
	if item.Kind == httpx.ItemMetadata {
		s.metadata = item.Bytes
		return nil, io.EOF
	}
	return item.Bytes, nil
}

// Metadata returns the trailing metadata object; only valid after NextRow
// has returned io.EOF.
func (s *AnalyticsResultStream) Metadata() []byte { return s.metadata }

// Close releases the underlying HTTP response body.
func (s *AnalyticsResultStream) Close() error { return s.body.Close() }

// AnalyticsComponent issues CBAS queries, layering request encoding, row
// streaming, and error classification on the shared HTTPServiceComponent
// (spec.md §4.11).
type AnalyticsComponent struct {
	http   *HTTPServiceComponent
	logger *slog.Logger
}

// NewAnalyticsComponent wraps an already-configured HTTPServiceComponent
// for HTTPServiceAnalytics.
func NewAnalyticsComponent(svc *HTTPServiceComponent, logger *slog.Logger) *AnalyticsComponent {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsComponent{http: svc, logger: logger.With("component", "analytics")}
}

// Query executes opts and returns a row stream. The caller must fully drain
// and Close the stream.
func (c *AnalyticsComponent) Query(ctx context.Context, opts AnalyticsOptions) (*AnalyticsResultStream, error) {
	body, err := opts.encode()
	if err != nil {
		return nil, &InvalidArgumentError{Arg: "opts", Message: err.Error()}
	}

	var reqURL string
	resp, err := c.http.OrchestrateEndpoint(ctx, opts.EndpointID, func(ctx context.Context, client *httpx.Client, endpointID, baseURL, username, password string) (*http.Response, error) {
		reqURL = mustJoinPath(baseURL, "/analytics/service")
		return client.Do(ctx, httpx.RequestOptions{
			Method:      http.MethodPost,
			URL:         reqURL,
			Body:        bytes.NewReader(body),
			ContentType: "application/json",
			BasicAuth:   &httpx.UserPassword{Username: username, Password: password},
		})
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		var envelope queryResponseEnvelope
		if jsonErr := json.Unmarshal(raw, &envelope); jsonErr == nil && len(envelope.Errors) > 0 {
			return nil, classifyAnalyticsError(envelope.Errors[0])
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Method: http.MethodPost, URL: reqURL, ErrorText: string(raw)}
	}

	return &AnalyticsResultStream{body: resp.Body, rs: httpx.NewRowStreamer(resp.Body, "results")}, nil
}
