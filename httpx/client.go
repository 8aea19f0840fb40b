// Package httpx provides the pooled HTTP/1.1 client and response-streaming
// primitives shared by every HTTP-based service component (query, search,
// analytics, management).
package httpx

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// ClientConfig configures a Client (spec.md §4.9, §6.4).
type ClientConfig struct {
	TLSConfig                *tls.Config
	MaxIdleConnsPerHost      int
	IdleConnTimeout          time.Duration
	TCPKeepAlive             time.Duration
	// MaxRedirects bounds automatic redirect following; the spec calls for
	// "follow up to 10" (spec.md §4.9).
	MaxRedirects int
}

// OnBehalfOf carries an on-behalf-of identity for a request. Either
// Password is set (sent as ordinary basic-auth, for older servers) or
// Domain is set (sent as a `cb-on-behalf-of` header), per spec.md §4.9.
type OnBehalfOf struct {
	Username string
	Password string
	Domain   string
}

// Client pools a single underlying *http.Client that can be atomically
// swapped on reconfigure; in-flight requests on the old client complete
// naturally (spec.md §4.9).
type Client struct {
	inner atomic.Pointer[http.Client]
}

// NewClient constructs a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{}
	c.Reconfigure(cfg)
	return c
}

// Reconfigure atomically swaps the underlying *http.Client for one built
// from cfg. Requests already in flight on the previous client are
// unaffected.
func (c *Client) Reconfigure(cfg ClientConfig) {
	maxIdle := cfg.MaxIdleConnsPerHost
	if maxIdle <= 0 {
		maxIdle = 32
	}
	idleTimeout := cfg.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = time.Second
	}
	keepAlive := cfg.TCPKeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}

	transport := &http.Transport{
		TLSClientConfig:     cfg.TLSConfig,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     idleTimeout,
		DialContext: (&net.Dialer{KeepAlive: keepAlive}).DialContext,
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	c.inner.Store(client)
}

// RequestOptions describes one HTTP request (spec.md §4.9).
type RequestOptions struct {
	Method      string
	URL         string
	Body        io.Reader
	ContentType string
	UserAgent   string

	// BasicAuth, if non-nil, is sent as an Authorization: Basic header.
	BasicAuth *UserPassword
	OBO       *OnBehalfOf
}

// UserPassword is a plain username/password pair.
type UserPassword struct {
	Username string
	Password string
}

// Do issues the request described by opts and returns the raw *http.Response
// (the caller is responsible for closing its body).
func (c *Client) Do(ctx context.Context, opts RequestOptions) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, opts.Body)
	if err != nil {
		return nil, err
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}
	if opts.BasicAuth != nil {
		req.SetBasicAuth(opts.BasicAuth.Username, opts.BasicAuth.Password)
	}
	if opts.OBO != nil {
		applyOBO(req, opts.OBO)
	}

	return c.inner.Load().Do(req)
}

// Close shuts down the currently active transport's idle connections. Any
// request still in flight on it completes normally; a Client must not be
// reused after Close (spec.md §3 shutdown order names "close HTTP client").
func (c *Client) Close() error {
	c.inner.Load().CloseIdleConnections()
	return nil
}

// applyOBO sets the on-behalf-of credential on req per spec.md §4.9: a
// (username, password) pair is sent as ordinary basic-auth to support older
// servers; a (username, domain) pair is sent as a cb-on-behalf-of header.
func applyOBO(req *http.Request, obo *OnBehalfOf) {
	if obo.Password != "" {
		req.SetBasicAuth(obo.Username, obo.Password)
		return
	}
	token := base64.StdEncoding.EncodeToString([]byte(obo.Username + ":" + obo.Domain))
	req.Header.Set("cb-on-behalf-of", token)
}
