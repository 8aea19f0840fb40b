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

// QueryOptions describes one N1QL query request (spec.md §6.3 "Query:
// POST /query/service with a JSON payload whose timeout fields use the
// Go-style duration string").
type QueryOptions struct {
	Statement    string
	Args         []interface{}
	NamedArgs    map[string]interface{}
	ClientCtxID  string
	ReadOnly     bool
	Timeout      time.Duration
	Raw          map[string]interface{}
	EndpointID   string // preferred endpoint, empty to pick randomly
}

func (o QueryOptions) encode() ([]byte, error) {
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
	if o.ReadOnly {
		payload["readonly"] = true
	}
	if o.Timeout > 0 {
		payload["timeout"] = formatGoDuration(o.Timeout)
	}
	for k, v := range o.Raw {
		payload[k] = v
	}
	return json.Marshal(payload)
}

// formatGoDuration renders d the way the query/analytics services expect
// ("5s", "250ms"), per spec.md §6.3.
func formatGoDuration(d time.Duration) string {
	return d.String()
}

// queryErrorEntry is one element of a query service error response's
// "errors" array.
type queryErrorEntry struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classifyQueryError maps a query service error code to a ServiceError kind,
// per spec.md §4.11/§7 ("query error codes → QueryError kinds").
func classifyQueryError(entry queryErrorEntry) *ServiceError {
	kind := ServiceErrorInternal
	switch {
	case entry.Code == 4300:
		kind = ServiceErrorIndexExists
	case entry.Code == 4040 || entry.Code == 4050 || entry.Code == 4060:
		kind = ServiceErrorIndexNotFound
	case entry.Code >= 12000 && entry.Code < 12003:
		kind = ServiceErrorScopeNotFound
	case entry.Code == 12004 || entry.Code == 12009:
		kind = ServiceErrorCollectionNotFound
	case entry.Code >= 10000 && entry.Code < 10100:
		kind = ServiceErrorAuthenticationFailed
	case entry.Code == 1191 || entry.Code == 1192 || entry.Code == 1193:
		kind = ServiceErrorRateLimited
	}
	return &ServiceError{
		Service:   "query",
		Kind:      kind,
		Code:      entry.Code,
		Msg:       entry.Msg,
		RawServer: entry.Msg,
	}
}

// QueryResultStream streams one query response's rows followed by a single
// trailing metadata item.
type QueryResultStream struct {
	body     io.ReadCloser
	rs       *httpx.RowStreamer
	metadata []byte
}

// NextRow returns the next row's raw JSON, or (nil, io.EOF) once rows are
// exhausted; Metadata is then available.
func (s *QueryResultStream) NextRow() ([]byte, error) {
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
func (s *QueryResultStream) Metadata() []byte { return s.metadata }

// Close releases the underlying HTTP response body.
func (s *QueryResultStream) Close() error { return s.body.Close() }

// QueryComponent issues N1QL queries against the cluster's query service,
// layering request encoding, row streaming, and error classification on the
// shared HTTPServiceComponent (spec.md §4.11).
type QueryComponent struct {
	http   *HTTPServiceComponent
	logger *slog.Logger
}

// NewQueryComponent wraps an already-configured HTTPServiceComponent for
// HTTPServiceQuery.
func NewQueryComponent(svc *HTTPServiceComponent, logger *slog.Logger) *QueryComponent {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryComponent{http: svc, logger: logger.With("component", "query")}
}

// queryResponseEnvelope is used only to detect a non-2xx error response;
// successful responses are streamed directly via RowStreamer instead of
// being fully unmarshaled.
type queryResponseEnvelope struct {
	Errors []queryErrorEntry `json:"errors"`
}

// Query executes opts and returns a row stream. The caller must fully drain
// and Close the stream.
func (c *QueryComponent) Query(ctx context.Context, opts QueryOptions) (*QueryResultStream, error) {
	body, err := opts.encode()
	if err != nil {
		return nil, &InvalidArgumentError{Arg: "opts", Message: err.Error()}
	}

	var reqURL string
	resp, err := c.http.OrchestrateEndpoint(ctx, opts.EndpointID, func(ctx context.Context, client *httpx.Client, endpointID, baseURL, username, password string) (*http.Response, error) {
		reqURL = mustJoinPath(baseURL, "/query/service")
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
		var envelope queryResponseEnvelope
		raw, _ := io.ReadAll(resp.Body)
		if jsonErr := json.Unmarshal(raw, &envelope); jsonErr == nil && len(envelope.Errors) > 0 {
			return nil, classifyQueryError(envelope.Errors[0])
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Method: http.MethodPost, URL: reqURL, ErrorText: string(raw)}
	}

	return &QueryResultStream{body: resp.Body, rs: httpx.NewRowStreamer(resp.Body, "results")}, nil
}
