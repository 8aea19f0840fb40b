package gocbcorex

import (
	"net"
	"testing"

	"github.com/couchbase/gocbcorex/memdx"
)

// newTestKvClient builds a *KvClient wrapping an in-memory net.Pipe, with no
// bootstrap performed, for tests that only exercise pool/manager plumbing
// rather than the wire protocol itself. The pipe's peer end is left running
// a no-op reader so writes (e.g. Close's socket teardown) never block.
func newTestKvClient(t *testing.T, cfg KvClientConfig) *KvClient {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	dispatcher := memdx.NewDispatcher(memdx.NewConnection(clientConn), nil, memdx.DispatcherOptions{})
	return &KvClient{
		cfg:        cfg,
		endpoint:   cfg.Address,
		dispatcher: dispatcher,
		ops:        memdx.OpsCore{},
	}
}
