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

func newTestHTTPServiceComponent(endpoints map[string]string) *HTTPServiceComponent {
	c := NewHTTPServiceComponent(HTTPServiceComponentOptions{
		ServiceType:   HTTPServiceQuery,
		Authenticator: PasswordAuthenticator{Username: "admin", Password: "password"},
		UserAgent:     "gocbcorex-test",
		Client:        httpx.NewClient(httpx.ClientConfig{}),
	})
	c.Reconfigure(endpoints)
	return c
}

func TestOrchestrateEndpointUsesPreferredID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestHTTPServiceComponent(map[string]string{"n1": srv.URL, "n2": "http://unused.invalid"})

	var gotEndpoint, gotUser, gotPass string
	resp, err := c.OrchestrateEndpoint(context.Background(), "n1", func(ctx context.Context, client *httpx.Client, endpointID, baseURL, username, password string) (*http.Response, error) {
		gotEndpoint, gotUser, gotPass = endpointID, username, password
		return client.Do(ctx, httpx.RequestOptions{Method: http.MethodGet, URL: baseURL})
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "n1", gotEndpoint)
	assert.Equal(t, "admin", gotUser)
	assert.Equal(t, "password", gotPass)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOrchestrateEndpointUnknownPreferredIDErrors(t *testing.T) {
	c := newTestHTTPServiceComponent(map[string]string{"n1": "http://example.invalid"})

	_, err := c.OrchestrateEndpoint(context.Background(), "bogus", func(ctx context.Context, client *httpx.Client, endpointID, baseURL, username, password string) (*http.Response, error) {
		t.Fatal("op must not be invoked for an unknown endpoint")
		return nil, nil
	})

	require.Error(t, err)
	var routingErr *RoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.Equal(t, RoutingErrorEndpointNotKnown, routingErr.Kind)
}

func TestOrchestrateEndpointNoEndpointsIsServiceNotAvailable(t *testing.T) {
	c := newTestHTTPServiceComponent(nil)

	_, err := c.OrchestrateEndpoint(context.Background(), "", func(ctx context.Context, client *httpx.Client, endpointID, baseURL, username, password string) (*http.Response, error) {
		t.Fatal("op must not be invoked with no endpoints available")
		return nil, nil
	})

	require.Error(t, err)
	var routingErr *RoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.Equal(t, RoutingErrorServiceNotAvailable, routingErr.Kind)
}

func TestOrchestrateEndpointRandomPickOnlyChoosesKnownEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestHTTPServiceComponent(map[string]string{"n1": srv.URL})

	for i := 0; i < 5; i++ {
		var gotEndpoint string
		resp, err := c.OrchestrateEndpoint(context.Background(), "", func(ctx context.Context, client *httpx.Client, endpointID, baseURL, username, password string) (*http.Response, error) {
			gotEndpoint = endpointID
			return client.Do(ctx, httpx.RequestOptions{Method: http.MethodGet, URL: baseURL})
		})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "n1", gotEndpoint)
	}
}

func TestHTTPServiceComponentEndpointIDsReflectsReconfigure(t *testing.T) {
	c := newTestHTTPServiceComponent(map[string]string{"n1": "http://a.invalid", "n2": "http://b.invalid"})
	assert.ElementsMatch(t, []string{"n1", "n2"}, c.EndpointIDs())

	c.Reconfigure(map[string]string{"n3": "http://c.invalid"})
	assert.ElementsMatch(t, []string{"n3"}, c.EndpointIDs())
}

func TestHostOfStripsSchemeAndPath(t *testing.T) {
	assert.Equal(t, "10.0.0.1:8093", hostOf("http://10.0.0.1:8093/query/service"))
	assert.Equal(t, "cluster.example.com", hostOf("https://cluster.example.com"))
}
