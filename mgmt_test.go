package gocbcorex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/gocbcorex/httpx"
)

func newTestMgmtComponent(t *testing.T, handler http.HandlerFunc) (*MgmtComponent, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	svc := NewHTTPServiceComponent(HTTPServiceComponentOptions{
		ServiceType:   HTTPServiceMgmt,
		Authenticator: PasswordAuthenticator{Username: "admin", Password: "password"},
		Client:        httpx.NewClient(httpx.ClientConfig{}),
	})
	svc.Reconfigure(map[string]string{"n1": srv.URL})
	return NewMgmtComponent(svc, nil), srv.Close
}

func TestMgmtListBuckets(t *testing.T) {
	c, closeSrv := newTestMgmtComponent(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/pools/default/buckets", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"travel-sample"}]`))
	})
	defer closeSrv()

	buckets, err := c.ListBuckets(context.Background())
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.JSONEq(t, `{"name":"travel-sample"}`, string(buckets[0]))
}

func TestMgmtCreateScopeSendsFormBody(t *testing.T) {
	c, closeSrv := newTestMgmtComponent(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/pools/default/buckets/travel/scopes", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "inventory", r.FormValue("name"))
		w.WriteHeader(http.StatusOK)
	})
	defer closeSrv()

	err := c.CreateScope(context.Background(), "travel", "inventory")
	require.NoError(t, err)
}

func TestMgmtDropCollectionErrorClassified(t *testing.T) {
	c, closeSrv := newTestMgmtComponent(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":"collection not found"}`))
	})
	defer closeSrv()

	err := c.DropCollection(context.Background(), "travel", "inventory", "hotels")
	require.Error(t, err)
	var resErr *ResourceError
	require.ErrorAs(t, err, &resErr)
}

func TestMgmtUpsertUser(t *testing.T) {
	c, closeSrv := newTestMgmtComponent(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/settings/rbac/users/local/alice", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "bucket_admin[travel]", r.FormValue("roles"))
		w.WriteHeader(http.StatusOK)
	})
	defer closeSrv()

	err := c.UpsertUser(context.Background(), "local", "alice", "s3cret", "bucket_admin[travel]")
	require.NoError(t, err)
}
