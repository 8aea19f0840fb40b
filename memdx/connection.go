package memdx

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Connection wraps a single TLS or plain TCP socket framed by the binary
// protocol (spec.md §2 "Connection"). It performs no request/response
// correlation itself — that is the Dispatcher's job.
type Connection struct {
	conn       net.Conn
	localAddr  net.Addr
	remoteAddr net.Addr
}

// DialOptions configures how a Connection is established.
type DialOptions struct {
	// TLSConfig, if non-nil, causes the dial to negotiate TLS.
	TLSConfig *tls.Config
	// KeepAlive is the TCP keep-alive probe interval (spec.md §6.4).
	KeepAlive time.Duration
}

// Dial opens a new Connection to address, optionally over TLS.
func Dial(ctx context.Context, address string, opts DialOptions) (*Connection, error) {
	dialer := &net.Dialer{
		KeepAlive: opts.KeepAlive,
	}

	var conn net.Conn
	var err error
	if opts.TLSConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: opts.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}

	return &Connection{
		conn:       conn,
		localAddr:  conn.LocalAddr(),
		remoteAddr: conn.RemoteAddr(),
	}, nil
}

// NewConnection wraps an already-established net.Conn (e.g. a net.Pipe end
// used by tests, or a listener's Accept result) as a Connection.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		conn:       conn,
		localAddr:  conn.LocalAddr(),
		remoteAddr: conn.RemoteAddr(),
	}
}

// LocalAddr returns the local socket address.
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }

// RemoteAddr returns the peer socket address.
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

// Write writes a fully framed packet to the socket.
func (c *Connection) Write(buf []byte) error {
	_, err := c.conn.Write(buf)
	return err
}

// ReadHeader reads exactly HeaderSize bytes into buf (which must be at least
// that long).
func (c *Connection) ReadHeader(buf []byte) error {
	_, err := io.ReadFull(c.conn, buf[:HeaderSize])
	return err
}

// ReadBody reads exactly n bytes of packet body into buf.
func (c *Connection) ReadBody(buf []byte, n int) error {
	_, err := io.ReadFull(c.conn, buf[:n])
	return err
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}
