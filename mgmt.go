package gocbcorex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/couchbase/gocbcorex/httpx"
)

// MgmtComponent wraps the cluster-manager REST surface (buckets, scopes,
// collections, RBAC) on the shared HTTPServiceComponent (spec.md §4.11,
// §6.3). Unlike query/search/analytics, management responses are small
// JSON documents rather than row streams, so calls return the decoded body
// directly.
type MgmtComponent struct {
	http   *HTTPServiceComponent
	logger *slog.Logger
}

// NewMgmtComponent wraps an already-configured HTTPServiceComponent for
// HTTPServiceMgmt.
func NewMgmtComponent(svc *HTTPServiceComponent, logger *slog.Logger) *MgmtComponent {
	if logger == nil {
		logger = slog.Default()
	}
	return &MgmtComponent{http: svc, logger: logger.With("component", "mgmt")}
}

// mgmtErrorEnvelope covers the two shapes ns_server returns: a plain string
// or {"errors": {...}}.
type mgmtErrorEnvelope struct {
	Errors map[string]string `json:"errors"`
}

func classifyMgmtError(statusCode int, raw []byte) *ResourceError {
	var envelope mgmtErrorEnvelope
	_ = json.Unmarshal(raw, &envelope)
	msg := string(raw)
	if len(envelope.Errors) > 0 {
		var parts []string
		for k, v := range envelope.Errors {
			parts = append(parts, fmt.Sprintf("%s: %s", k, v))
		}
		msg = strings.Join(parts, "; ")
	}

	return &ResourceError{
		ServerError: &ServerError{
			ErrorMapName:        "mgmt_error",
			ErrorMapDescription: msg,
		},
	}
}

func (c *MgmtComponent) doJSON(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	contentType := ""
	if form != nil {
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	resp, err := c.http.OrchestrateEndpoint(ctx, "", func(ctx context.Context, client *httpx.Client, endpointID, baseURL, username, password string) (*http.Response, error) {
		return client.Do(ctx, httpx.RequestOptions{
			Method:      method,
			URL:         mustJoinPath(baseURL, path),
			Body:        body,
			ContentType: contentType,
			BasicAuth:   &httpx.UserPassword{Username: username, Password: password},
		})
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GenericError{Message: "failed to read mgmt response body", Cause: err}
	}

	if resp.StatusCode >= 400 {
		return classifyMgmtError(resp.StatusCode, raw)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &GenericError{Message: "failed to decode mgmt response", Cause: err}
		}
	}
	return nil
}

// ListBuckets returns every bucket's raw config document (spec.md §6.3
// "/pools/default/buckets").
func (c *MgmtComponent) ListBuckets(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/pools/default/buckets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FlushBucket issues a doFlush against bucket (spec.md §6.3
// "/pools/default/buckets/{bucket}/controller/doFlush").
func (c *MgmtComponent) FlushBucket(ctx context.Context, bucket string) error {
	path := fmt.Sprintf("/pools/default/buckets/%s/controller/doFlush", url.PathEscape(bucket))
	return c.doJSON(ctx, http.MethodPost, path, url.Values{}, nil)
}

// CreateScope creates scope in bucket (spec.md §6.3
// "POST .../buckets/{bucket}/scopes").
func (c *MgmtComponent) CreateScope(ctx context.Context, bucket, scope string) error {
	path := fmt.Sprintf("/pools/default/buckets/%s/scopes", url.PathEscape(bucket))
	form := url.Values{"name": {scope}}
	return c.doJSON(ctx, http.MethodPost, path, form, nil)
}

// DropScope deletes scope from bucket.
func (c *MgmtComponent) DropScope(ctx context.Context, bucket, scope string) error {
	path := fmt.Sprintf("/pools/default/buckets/%s/scopes/%s", url.PathEscape(bucket), url.PathEscape(scope))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// CreateCollection creates collection under bucket/scope (spec.md §6.3
// "POST .../scopes/{scope}/collections").
func (c *MgmtComponent) CreateCollection(ctx context.Context, bucket, scope, collection string, maxExpirySeconds int) error {
	path := fmt.Sprintf("/pools/default/buckets/%s/scopes/%s/collections", url.PathEscape(bucket), url.PathEscape(scope))
	form := url.Values{"name": {collection}}
	if maxExpirySeconds != 0 {
		form.Set("maxTTL", fmt.Sprintf("%d", maxExpirySeconds))
	}
	return c.doJSON(ctx, http.MethodPost, path, form, nil)
}

// DropCollection deletes collection from bucket/scope.
func (c *MgmtComponent) DropCollection(ctx context.Context, bucket, scope, collection string) error {
	path := fmt.Sprintf("/pools/default/buckets/%s/scopes/%s/collections/%s",
		url.PathEscape(bucket), url.PathEscape(scope), url.PathEscape(collection))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// UpsertUser creates or replaces an RBAC user (spec.md §6.3
// "/settings/rbac/{users,groups,roles}").
func (c *MgmtComponent) UpsertUser(ctx context.Context, domain, username, password, roles string) error {
	path := fmt.Sprintf("/settings/rbac/users/%s/%s", url.PathEscape(domain), url.PathEscape(username))
	form := url.Values{"roles": {roles}}
	if password != "" {
		form.Set("password", password)
	}
	return c.doJSON(ctx, http.MethodPut, path, form, nil)
}

// DropUser removes an RBAC user.
func (c *MgmtComponent) DropUser(ctx context.Context, domain, username string) error {
	path := fmt.Sprintf("/settings/rbac/users/%s/%s", url.PathEscape(domain), url.PathEscape(username))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// GetRoles returns the cluster's defined RBAC roles.
func (c *MgmtComponent) GetRoles(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/settings/rbac/roles", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
