package peernet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quic-go/quic-go"

	"github.com/kuuji/syneroym/internal/streamio"
)

// Handler dispatches an inbound tunnel stream identified by its decoded
// service label. Implementations (internal/backend.Table) dial the local
// backend and bridge bytes; they own the stream's lifetime and must close
// it before returning.
type Handler interface {
	Handle(ctx context.Context, label string, stream streamio.Stream)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, label string, stream streamio.Stream)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, label string, stream streamio.Stream) {
	f(ctx, label, stream)
}

// Listener accepts inbound peer connections under ALPN and dispatches each
// one's single bi-stream to a Handler (component F, spec §4.F).
type Listener struct {
	transport *Transport
	handler   Handler
	log       *slog.Logger
}

// NewListener creates a Listener over t. handler is invoked once per
// accepted stream, after the handshake has been read.
func NewListener(t *Transport, handler Handler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{transport: t, handler: handler, log: logger.With("component", "peernet.listener")}
}

// Serve accepts inbound QUIC connections until ctx is canceled or the
// underlying endpoint errs. Each connection is handled in its own
// goroutine; Serve returns once the accept loop itself stops, it does not
// wait for in-flight connections (the caller's shutdown sequence, §4.H
// step 6, drains those separately via the context it passed to Handle).
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := l.transport.quic.Listen(l.transport.tls, nil)
	if err != nil {
		return fmt.Errorf("peernet: listening: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("peernet: accept: %w", err)
		}
		go l.handleConn(ctx, conn)
	}
}

// handleConn accepts exactly one bi-stream from conn, per spec §4.F step 1:
// a second stream on the same connection is rejected by closing the
// connection outright.
func (l *Listener) handleConn(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.log.Debug("accepting stream failed", "error", err)
		return
	}

	// If the peer opens a second stream on this connection, it has
	// violated the one-bi-stream-per-connection protocol; tear the whole
	// connection down rather than silently accepting extra streams.
	go func() {
		if extra, err := conn.AcceptStream(ctx); err == nil {
			extra.CancelRead(0)
			extra.CancelWrite(0)
			conn.CloseWithError(0, "second stream rejected")
		}
	}()

	if err := respondIdentity(stream, l.transport.privateKey); err != nil {
		l.log.Debug("identity proof failed", "error", err)
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return
	}

	label, err := ReadHandshake(stream)
	if err != nil {
		l.log.Debug("handshake read failed", "error", err)
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return
	}

	l.handler.Handle(ctx, label, streamio.FromQUIC(stream))
}

// ErrConnClosed names a connection that closed before a stream was
// accepted. Nothing in this package returns it: handleConn logs such a
// failure and drops the connection.
var ErrConnClosed = errors.New("peernet: connection closed")
