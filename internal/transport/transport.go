// Package transport binds a typed proxy to a single outgoing TCP connection
// and exposes a non-blocking begin/end/cancel request contract to the call
// orchestrator.
//
// The multiplexing scheme — a monotonic sequence number per request, a
// per-sequence response channel stashed in a map, and one dedicated goroutine
// reading frames off the wire and routing them back to their waiter — mirrors
// the mini-rpc ClientTransport pattern: a single reader goroutine because TCP
// is a byte stream and concurrent reads would corrupt frame boundaries, and a
// write mutex because concurrent writers would interleave frames on the wire.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/buildxl/distproxy/internal/wire"
)

// Proxy is the narrow capability set the call orchestrator depends on. It
// deliberately does not expose the underlying net.Conn or TCP details, so
// the orchestrator can be tested against a fake without touching a socket.
type Proxy interface {
	BeginRequest(method string, header wire.Header, traceID [16]byte, payload []byte) (*AsyncHandle, error)
	EndRequest(ctx context.Context, h *AsyncHandle) (*wire.Frame, error)
	CancelRequest(h *AsyncHandle)
	Close() error
}

// AsyncHandle is the token returned by BeginRequest. It carries no exported
// fields — callers only ever pass it back into EndRequest/CancelRequest.
type AsyncHandle struct {
	seq      uint64
	respCh   chan *wire.Frame
	canceled atomic.Bool
}

// Config controls how Connect dials and how the connection behaves.
type Config struct {
	// ConnectTimeout bounds how long Connect waits for the TCP handshake.
	ConnectTimeout time.Duration
	// AlwaysReconnect forces Connect to ignore connection reuse entirely;
	// the pool above this facade decides when to call Connect again.
	AlwaysReconnect bool
}

// DefaultConnectTimeout is generous enough for a cross-datacenter dial, short
// enough to not stall a slot acquisition indefinitely.
const DefaultConnectTimeout = 10 * time.Second

// Connection is the concrete Proxy bound to one live TCP socket.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *zap.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*AsyncHandle

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Connect resolves host:port and dials a TCP connection, starting the
// background receive loop. DNS resolution is skipped when host is already an
// IP literal — net.Dial does this internally, but we check explicitly so the
// distinction is visible in code rather than implicit.
func Connect(ctx context.Context, host string, port int, cfg Config, logger *zap.Logger) (*Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := net.Dialer{Timeout: timeout}

	// net.ParseIP tells us whether host is already a literal; when it is not,
	// net.Dial below still has to resolve it, but we surface the distinction
	// in logs since it is worth knowing at debug time.
	isLiteral := net.ParseIP(host) != nil

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to %s: %w", addr, err)
	}

	logger.Debug("transport connected",
		zap.String("addr", addr),
		zap.Bool("host_is_ip_literal", isLiteral),
	)

	c := &Connection{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		logger:  logger.Named("transport"),
		pending: make(map[uint64]*AsyncHandle),
		closed:  make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

// BeginRequest serializes and sends a request frame. It is non-blocking: the
// write to the socket returns as soon as the frame is queued on the wire,
// never waiting for a reply.
func (c *Connection) BeginRequest(method string, header wire.Header, traceID [16]byte, payload []byte) (*AsyncHandle, error) {
	seq := c.seq.Add(1)

	h := &AsyncHandle{
		seq:    seq,
		respCh: make(chan *wire.Frame, 1),
	}

	c.pendingMu.Lock()
	c.pending[seq] = h
	c.pendingMu.Unlock()

	frame := &wire.Frame{
		Seq:     seq,
		Kind:    wire.KindRequest,
		Method:  method,
		TraceID: traceID,
		Header:  header,
		Payload: payload,
	}

	c.writeMu.Lock()
	err := wire.WriteFrame(c.conn, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("transport: begin request %s: %w", method, err)
	}

	return h, nil
}

// EndRequest blocks only until the handle's response channel signals or ctx
// is done.
func (c *Connection) EndRequest(ctx context.Context, h *AsyncHandle) (*wire.Frame, error) {
	select {
	case f, ok := <-h.respCh:
		if !ok {
			return nil, fmt.Errorf("transport: connection closed while waiting for response")
		}
		return f, nil
	case <-ctx.Done():
		c.CancelRequest(h)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("transport: connection closed")
	}
}

// CancelRequest best-effort aborts an in-flight request: it marks the handle
// canceled and sends a cancel frame. The corresponding EndRequest, if not
// already returned, will fail once the cancel is observed (either by ctx
// cancellation in EndRequest's own select, or by a late error frame).
func (c *Connection) CancelRequest(h *AsyncHandle) {
	if !h.canceled.CompareAndSwap(false, true) {
		return
	}
	frame := &wire.Frame{Seq: h.seq, Kind: wire.KindCancel}
	c.writeMu.Lock()
	_ = wire.WriteFrame(c.conn, frame)
	c.writeMu.Unlock()
}

// Close tears down the connection and fails every pending request.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		close(c.closed)
	})
	return c.closeErr
}

// recvLoop is the single reader goroutine. TCP is a byte stream: only one
// goroutine may read frame boundaries off it, or frames would interleave.
func (c *Connection) recvLoop() {
	for {
		frame, err := wire.ReadFrame(c.reader)
		if err != nil {
			c.failAllPending(err)
			return
		}

		c.pendingMu.Lock()
		h, ok := c.pending[frame.Seq]
		if ok {
			delete(c.pending, frame.Seq)
		}
		c.pendingMu.Unlock()

		if !ok {
			// Response for a request we no longer track (already canceled and
			// cleaned up, or a stray frame) — drop it.
			continue
		}
		h.respCh <- frame
	}
}

// failAllPending is called once the connection is unusable; it unblocks
// every caller still waiting in EndRequest rather than letting them hang.
func (c *Connection) failAllPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*AsyncHandle)
	c.pendingMu.Unlock()

	for _, h := range pending {
		close(h.respCh)
	}
	c.logger.Debug("transport recv loop ended", zap.Error(err))
}
