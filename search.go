package gocbcorex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/couchbase/gocbcorex/httpx"
)

// SearchOptions describes one FTS query request (spec.md §6.3: "Search:
// POST /api/bucket/{b}/scope/{s}/index/{i}/query (or non-scoped variant)").
type SearchOptions struct {
	IndexName  string
	Bucket     string // optional; scoped index path when set with Scope
	Scope      string
	Query      map[string]interface{}
	Size       int
	From       int
	EndpointID string
}

func (o SearchOptions) path() string {
	if o.Bucket != "" && o.Scope != "" {
		return fmt.Sprintf("/api/bucket/%s/scope/%s/index/%s/query", o.Bucket, o.Scope, o.IndexName)
	}
	return fmt.Sprintf("/api/index/%s/query", o.IndexName)
}

func (o SearchOptions) encode() ([]byte, error) {
	payload := map[string]interface{}{
		"query": o.Query,
	}
	if o.Size > 0 {
		payload["size"] = o.Size
	}
	if o.From > 0 {
		payload["from"] = o.From
	}
	return json.Marshal(payload)
}

// searchErrorEnvelope is the FTS service's error response shape.
type searchErrorEnvelope struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// classifySearchError maps an FTS error response's HTTP status code to a
// ServiceError kind, per
// spec.md §4.11 ("search status → IndexExists/IndexNotFound/etc.").
func classifySearchError(statusCode int, envelope searchErrorEnvelope) *ServiceError {
	kind := ServiceErrorInternal
	switch {
	case statusCode == http.StatusNotFound:
		kind = ServiceErrorIndexNotFound
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = ServiceErrorAuthenticationFailed
	case statusCode == http.StatusTooManyRequests:
		kind = ServiceErrorRateLimited
	case statusCode == http.StatusConflict:
		kind = ServiceErrorIndexExists
	}
	return &ServiceError{
		Service:   "search",
		Kind:      kind,
		Code:      statusCode,
		Msg:       envelope.Error,
		RawServer: envelope.Error,
	}
}

// SearchResultStream streams an FTS response's hits followed by a trailing
// metadata item.
type SearchResultStream struct {
	body     io.ReadCloser
	rs       *httpx.RowStreamer
	metadata []byte
}

// NextHit returns the next hit's raw JSON, or (nil, io.EOF) once hits are
// exhausted; Metadata is then available.
func (s *SearchResultStream) NextHit() ([]byte, error) {
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

// Metadata returns the trailing metadata object; only valid after NextHit
// has returned io.EOF.
func (s *SearchResultStream) Metadata() []byte { return s.metadata }

// Close releases the underlying HTTP response body.
func (s *SearchResultStream) Close() error { return s.body.Close() }

// SearchComponent issues FTS queries, layering request encoding, row
// streaming, and error classification on the shared HTTPServiceComponent
// (spec.md §4.11).
type SearchComponent struct {
	http   *HTTPServiceComponent
	logger *slog.Logger
}

// NewSearchComponent wraps an already-configured HTTPServiceComponent for
// HTTPServiceSearch.
func NewSearchComponent(svc *HTTPServiceComponent, logger *slog.Logger) *SearchComponent {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchComponent{http: svc, logger: logger.With("component", "search")}
}

// Search executes opts and returns a hit stream. The caller must fully
// drain and Close the stream.
func (c *SearchComponent) Search(ctx context.Context, opts SearchOptions) (*SearchResultStream, error) {
	body, err := opts.encode()
	if err != nil {
		return nil, &InvalidArgumentError{Arg: "opts", Message: err.Error()}
	}

	resp, err := c.http.OrchestrateEndpoint(ctx, opts.EndpointID, func(ctx context.Context, client *httpx.Client, endpointID, baseURL, username, password string) (*http.Response, error) {
		return client.Do(ctx, httpx.RequestOptions{
			Method:      http.MethodPost,
			URL:         mustJoinPath(baseURL, opts.path()),
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
		var envelope searchErrorEnvelope
		_ = json.Unmarshal(raw, &envelope)
		return nil, classifySearchError(resp.StatusCode, envelope)
	}

	return &SearchResultStream{body: resp.Body, rs: httpx.NewRowStreamer(resp.Body, "hits")}, nil
}
