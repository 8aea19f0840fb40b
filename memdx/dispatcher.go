package memdx

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrDispatchClosed is returned by Dispatch once the connection has been
// closed (spec.md §4.2).
var ErrDispatchClosed = errors.New("memdx: dispatcher is closed")

// PendingOp is a handle to an outstanding request. Await blocks until the
// matching response arrives or the dispatcher closes.
type PendingOp struct {
	opaque uint32
	done   chan struct{}
	resp   Packet
	err    error
}

// Await blocks until the response for this op is available.
func (p *PendingOp) Await() (Packet, error) {
	<-p.done
	return p.resp, p.err
}

// OrphanPacket is an unsolicited response the dispatcher could not correlate
// to a pending op (spec.md §4.2), most commonly a server-pushed
// ClustermapChangeNotification.
type OrphanPacket struct {
	Packet Packet
}

// Dispatcher owns one Connection, assigns opaques, and correlates responses
// (spec.md §4.2). It is the sole owner of the map from opaque to completion
// slot: slots hold no back-reference to the dispatcher, avoiding the cyclic
// ownership spec.md §9 flags as needing re-architecture.
type Dispatcher struct {
	conn   *Connection
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint32]*PendingOp
	nextOpaque uint32
	closed  atomic.Bool
	closeErr error

	orphans chan OrphanPacket

	closeOnce sync.Once
	closeCh   chan struct{}
}

// DispatcherOptions configures orphan delivery.
type DispatcherOptions struct {
	// OrphanBufferSize sizes the orphan channel; a full channel drops the
	// newly arrived orphan (logging a warning) rather than blocking the read
	// loop.
	OrphanBufferSize int
}

// NewDispatcher starts the read loop over conn and returns a ready Dispatcher.
func NewDispatcher(conn *Connection, logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := opts.OrphanBufferSize
	if bufSize <= 0 {
		bufSize = 16
	}

	d := &Dispatcher{
		conn:    conn,
		logger:  logger.With("component", "dispatcher", "remote_addr", conn.RemoteAddr().String()),
		pending: make(map[uint32]*PendingOp),
		orphans: make(chan OrphanPacket, bufSize),
		closeCh: make(chan struct{}),
	}

	go d.readLoop()

	return d
}

// Orphans returns the channel on which unsolicited packets are delivered.
func (d *Dispatcher) Orphans() <-chan OrphanPacket {
	return d.orphans
}

// CloseNotify returns a channel closed once the dispatcher has shut down.
func (d *Dispatcher) CloseNotify() <-chan struct{} {
	return d.closeCh
}

// Dispatch writes packet (assigning a fresh opaque, overriding any caller
// value) and registers a completion slot for the response. Opaques are
// strictly increasing and unique for the lifetime of the dispatcher (spec.md
// invariant 2), modulo wraparound.
func (d *Dispatcher) Dispatch(pkt Packet) (*PendingOp, error) {
	if d.closed.Load() {
		return nil, ErrDispatchClosed
	}

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, ErrDispatchClosed
	}
	d.nextOpaque++
	opaque := d.nextOpaque
	pkt.Opaque = opaque

	op := &PendingOp{opaque: opaque, done: make(chan struct{})}
	d.pending[opaque] = op
	d.mu.Unlock()

	buf, err := pkt.Encode()
	if err != nil {
		d.completeAndForget(opaque, Packet{}, err)
		return op, nil
	}

	if err := d.conn.Write(buf); err != nil {
		d.completeAndForget(opaque, Packet{}, fmt.Errorf("memdx: dispatch write failed: %w", err))
		return op, nil
	}

	return op, nil
}

func (d *Dispatcher) completeAndForget(opaque uint32, resp Packet, err error) {
	d.mu.Lock()
	op, ok := d.pending[opaque]
	if ok {
		delete(d.pending, opaque)
	}
	d.mu.Unlock()

	if ok {
		op.resp = resp
		op.err = err
		close(op.done)
	}
}

func (d *Dispatcher) readLoop() {
	defer d.shutdown(ErrDispatchClosed)

	header := make([]byte, HeaderSize)
	for {
		if err := d.conn.ReadHeader(header); err != nil {
			d.shutdown(fmt.Errorf("memdx: connection read failed: %w", err))
			return
		}

		pkt, bodyLen, extrasLen, keyLen, framingLen, err := DecodeHeader(header)
		if err != nil {
			d.shutdown(fmt.Errorf("memdx: framing violation: %w", err))
			return
		}

		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if err := d.conn.ReadBody(body, bodyLen); err != nil {
				d.shutdown(fmt.Errorf("memdx: connection read failed: %w", err))
				return
			}
		}

		if err := DecodeBody(&pkt, body, extrasLen, keyLen, framingLen); err != nil {
			d.shutdown(fmt.Errorf("memdx: framing violation: %w", err))
			return
		}

		d.mu.Lock()
		op, ok := d.pending[pkt.Opaque]
		if ok {
			delete(d.pending, pkt.Opaque)
		}
		d.mu.Unlock()

		if ok {
			op.resp = pkt
			op.err = nil
			close(op.done)
			continue
		}

		select {
		case d.orphans <- OrphanPacket{Packet: pkt}:
		default:
			d.logger.Warn("dropping orphan packet, channel full", "opcode", pkt.OpCode.String(), "opaque", pkt.Opaque)
		}
	}
}

// shutdown is idempotent: it drains the pending map, completing every slot
// with the connection-closed error, fires the close notification exactly
// once, and closes the underlying socket (spec.md §4.2, §5 cancellation).
func (d *Dispatcher) shutdown(cause error) {
	d.closed.Store(true)

	d.mu.Lock()
	d.closeErr = cause
	pending := d.pending
	d.pending = make(map[uint32]*PendingOp)
	d.mu.Unlock()

	for _, op := range pending {
		op.resp = Packet{}
		op.err = cause
		close(op.done)
	}

	d.closeOnce.Do(func() {
		_ = d.conn.Close()
		close(d.closeCh)
	})
}

// Close closes the dispatcher and its underlying connection.
func (d *Dispatcher) Close() error {
	d.shutdown(ErrDispatchClosed)
	return nil
}

// Closed reports whether the dispatcher has shut down.
func (d *Dispatcher) Closed() bool {
	return d.closed.Load()
}
