// Package dispatcher implements the inbound side that accepts connections
// framed per internal/wire, verifies the sender's build-session identity and
// payload checksum, and hands the payload to a registered application
// handler.
package dispatcher

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/buildxl/distproxy/internal/buildsession"
	"github.com/buildxl/distproxy/internal/metrics"
	"github.com/buildxl/distproxy/internal/wire"
)

// Handler is an application method implementation. It receives the decoded
// payload and the call's trace id and returns the response payload.
type Handler func(ctx context.Context, traceID [16]byte, payload []byte) ([]byte, error)

// Dispatcher owns the inbound TCP listener and the registered method table.
type Dispatcher struct {
	verifier *buildsession.Verifier
	metrics  metrics.Sink
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	listener net.Listener
}

// New constructs a Dispatcher that rejects requests whose build_id does not
// match verifier's build session.
func New(verifier *buildsession.Verifier, m metrics.Sink, logger *zap.Logger) *Dispatcher {
	if m == nil {
		m = metrics.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		verifier: verifier,
		metrics:  m,
		logger:   logger.Named("dispatcher"),
		handlers: make(map[string]Handler),
	}
}

// Handle registers handler for method. Must be called before ListenAndServe.
func (d *Dispatcher) Handle(method string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

// ListenAndServe binds addr and serves connections until ctx is cancelled.
func (d *Dispatcher) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dispatcher: listen %s: %w", addr, err)
	}
	d.listener = lis

	go func() {
		<-ctx.Done()
		d.logger.Info("dispatcher shutting down")
		_ = lis.Close()
	}()

	d.logger.Info("dispatcher listening", zap.String("addr", addr))

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("dispatcher: accept: %w", err)
			}
		}
		go d.serveConn(ctx, conn)
	}
}

// serveConn reads frames off one connection until it closes, dispatching
// each request and writing back a response or error frame.
func (d *Dispatcher) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	var writeMu sync.Mutex

	for {
		frame, err := wire.ReadFrame(reader)
		if err != nil {
			return
		}
		if frame.Kind == wire.KindCancel {
			// Best-effort cancellation of in-flight work is not tracked
			// per-request on this side; the client's EndRequest will time
			// out via its own context once it stops waiting.
			continue
		}
		go d.handleFrame(ctx, conn, &writeMu, frame)
	}
}

func (d *Dispatcher) handleFrame(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, frame *wire.Frame) {
	start := time.Now()
	d.logger.Debug("Received call",
		zap.String("method", frame.Method),
		zap.String("trace_id", frame.TraceID.String()),
		zap.String("sender_id", frame.Header.SenderID),
	)

	resp, errCode, errMsg := d.dispatch(ctx, frame)

	respFrame := &wire.Frame{
		Seq:     frame.Seq,
		TraceID: frame.TraceID,
		Header:  wire.Header{Checksum: wire.Checksum(resp)},
		Payload: resp,
	}
	if errCode != wire.ErrCodeNone {
		respFrame.Kind = wire.KindError
		respFrame.ErrCode = errCode
		respFrame.ErrMsg = errMsg
	} else {
		respFrame.Kind = wire.KindResponse
	}

	writeMu.Lock()
	writeErr := wire.WriteFrame(conn, respFrame)
	writeMu.Unlock()

	d.logger.Debug("Handled call. Duration=",
		zap.String("method", frame.Method),
		zap.String("trace_id", frame.TraceID.String()),
		zap.Duration("duration", time.Since(start)),
		zap.Error(writeErr),
	)
}

// dispatch verifies the request and invokes the registered handler.
func (d *Dispatcher) dispatch(ctx context.Context, frame *wire.Frame) (resp []byte, errCode wire.ErrorCode, errMsg string) {
	if d.verifier != nil {
		if err := d.verifier.Verify(frame.Header.BuildID); err != nil {
			return nil, wire.ErrCodeBuildIDMismatch, err.Error()
		}
	}

	if frame.Header.Checksum != wire.Checksum(frame.Payload) {
		return nil, wire.ErrCodeChecksumMismatch, "request checksum mismatch"
	}

	d.mu.RLock()
	handler, ok := d.handlers[frame.Method]
	d.mu.RUnlock()
	if !ok {
		return nil, wire.ErrCodeFatal, fmt.Sprintf("no handler registered for method %q", frame.Method)
	}

	out, err := handler(ctx, frame.TraceID, frame.Payload)
	if err != nil {
		return nil, wire.ErrCodeFatal, err.Error()
	}
	return out, wire.ErrCodeNone, ""
}

// Close stops accepting new connections.
func (d *Dispatcher) Close() error {
	if d.listener == nil {
		return nil
	}
	return d.listener.Close()
}
