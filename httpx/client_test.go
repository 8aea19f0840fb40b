package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDoIssuesRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/foo", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	resp, err := c.Do(context.Background(), RequestOptions{
		Method:      http.MethodGet,
		URL:         srv.URL + "/foo",
		ContentType: "application/json",
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestClientBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "s3cret", pass)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	resp, err := c.Do(context.Background(), RequestOptions{
		Method:    http.MethodGet,
		URL:       srv.URL,
		BasicAuth: &UserPassword{Username: "alice", Password: "s3cret"},
	})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestClientOnBehalfOfWithPasswordUsesBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bob", user)
		assert.Equal(t, "hunter2", pass)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	resp, err := c.Do(context.Background(), RequestOptions{
		Method: http.MethodGet,
		URL:    srv.URL,
		OBO:    &OnBehalfOf{Username: "bob", Password: "hunter2"},
	})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestClientOnBehalfOfWithDomainUsesHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		assert.False(t, ok)
		assert.NotEmpty(t, r.Header.Get("cb-on-behalf-of"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	resp, err := c.Do(context.Background(), RequestOptions{
		Method: http.MethodGet,
		URL:    srv.URL,
		OBO:    &OnBehalfOf{Username: "bob", Domain: "external"},
	})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestClientReconfigureSwapsTransport(t *testing.T) {
	c := NewClient(ClientConfig{MaxIdleConnsPerHost: 4})
	first := c.inner.Load()

	c.Reconfigure(ClientConfig{MaxIdleConnsPerHost: 8})
	second := c.inner.Load()

	assert.NotSame(t, first, second, "Reconfigure must swap to a new *http.Client instance")
}

func TestClientCheckRedirectStopsAtLimit(t *testing.T) {
	var redirects int
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		redirects++
		http.Redirect(w, r, "/start", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(ClientConfig{MaxRedirects: 2})
	resp, err := c.Do(context.Background(), RequestOptions{
		Method: http.MethodGet,
		URL:    srv.URL + "/start",
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode, "exceeding MaxRedirects must return the last redirect response rather than following forever")
	assert.LessOrEqual(t, redirects, 3)
}
