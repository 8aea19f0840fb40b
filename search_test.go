package gocbcorex

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/gocbcorex/httpx"
)

func newTestSearchComponent(t *testing.T, handler http.HandlerFunc) (*SearchComponent, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	svc := NewHTTPServiceComponent(HTTPServiceComponentOptions{
		ServiceType:   HTTPServiceSearch,
		Authenticator: PasswordAuthenticator{Username: "admin", Password: "password"},
		Client:        httpx.NewClient(httpx.ClientConfig{}),
	})
	svc.Reconfigure(map[string]string{"n1": srv.URL})
	return NewSearchComponent(svc, nil), srv.Close
}

func TestSearchUsesScopedPathWhenBucketAndScopeSet(t *testing.T) {
	c, closeSrv := newTestSearchComponent(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/bucket/travel/scope/inventory/index/hotels/query", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hits":[{"id":"doc1"}],"total_hits":1}`))
	})
	defer closeSrv()

	stream, err := c.Search(context.Background(), SearchOptions{
		IndexName: "hotels",
		Bucket:    "travel",
		Scope:     "inventory",
		Query:     map[string]interface{}{"match": "nice"},
	})
	require.NoError(t, err)
	defer stream.Close()

	hit, err := stream.NextHit()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"doc1"}`, string(hit))

	_, err = stream.NextHit()
	require.ErrorIs(t, err, io.EOF)
	assert.JSONEq(t, `{"total_hits":1}`, string(stream.Metadata()))
}

func TestSearchUsesNonScopedPathByDefault(t *testing.T) {
	c, closeSrv := newTestSearchComponent(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/index/hotels/query", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hits":[]}`))
	})
	defer closeSrv()

	stream, err := c.Search(context.Background(), SearchOptions{IndexName: "hotels"})
	require.NoError(t, err)
	defer stream.Close()
}

func TestSearchErrorResponseClassified(t *testing.T) {
	c, closeSrv := newTestSearchComponent(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"fail","error":"index not found"}`))
	})
	defer closeSrv()

	_, err := c.Search(context.Background(), SearchOptions{IndexName: "missing"})
	require.Error(t, err)
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, ServiceErrorIndexNotFound, svcErr.Kind)
}
