// Package backend dials the local service a decoded handshake label
// resolves to, dispatching by the service's app-layer-protocol tag
// (spec §9 "dynamic dispatch over protocol handlers" — a small registry,
// not an open interface hierarchy, since the only tag today is "http").
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kuuji/syneroym/internal/catalog"
	"github.com/kuuji/syneroym/internal/streamio"
)

// NotFoundResponse is written verbatim to a stream whose handshake label
// does not match any catalog entry (spec §4.F step 3, §6, §8 property 6).
const NotFoundResponse = "HTTP/1.1 404 Not Found\r\n\r\n"

// DialTimeout bounds how long dialing a local backend may take before the
// inbound stream is failed.
const DialTimeout = 5 * time.Second

// ErrUnknownService means the handshake label has no catalog entry.
var ErrUnknownService = errors.New("backend: unknown service")

// ErrUnknownProtocol means the catalog entry names a protocol with no
// registered Handler.
var ErrUnknownProtocol = errors.New("backend: no handler for app_layer_protocol")

// Handler dials (or otherwise connects to) the local backend for a matched
// ServiceRecord and returns it as a Stream.
type Handler func(ctx context.Context, rec catalog.ServiceRecord) (streamio.Stream, error)

// Table wraps a read-only Catalog and the dispatch table of protocol
// Handlers, and implements peernet.Handler so it can be plugged directly
// into the inbound listener (component F).
type Table struct {
	catalog  *catalog.Catalog
	handlers map[string]Handler
	log      *slog.Logger
}

// NewTable builds a Table over cat with the default handler set
// ({"http": DialTCP}). Additional or overriding handlers can be registered
// with Register before the table is wired into a Listener.
func NewTable(cat *catalog.Catalog, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		catalog:  cat,
		handlers: make(map[string]Handler),
		log:      logger.With("component", "backend"),
	}
	t.Register("http", DialTCP)
	return t
}

// Register adds or replaces the Handler used for app-layer-protocol proto.
func (t *Table) Register(proto string, h Handler) {
	t.handlers[proto] = h
}

// DialTCP is the "http" handler: a plain local TCP dial to the catalog
// record's backend address. The app-layer-protocol tag is opaque to the
// core (spec §1) — it is never parsed or terminated here, only used to
// pick this dial path.
func DialTCP(ctx context.Context, rec catalog.ServiceRecord) (streamio.Stream, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", rec.BackendAddr)
	if err != nil {
		return nil, fmt.Errorf("backend: dialing %s: %w", rec.BackendAddr, err)
	}
	return streamio.FromConn(conn), nil
}

// Dial resolves label against the catalog and dispatches to the matching
// protocol Handler. The DialTimeout bounds the handler call.
func (t *Table) Dial(ctx context.Context, label string) (streamio.Stream, error) {
	rec, ok := t.catalog.Lookup(label)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, label)
	}

	h, ok := t.handlers[rec.AppLayerProtocol]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, rec.AppLayerProtocol)
	}

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	return h(dialCtx, rec)
}

// Handle implements peernet.Handler: dial the backend named by label and
// bridge bytes with the inbound stream until both sides finish, closing
// the stream only after the backend connection has drained (spec §4.F
// step 5 — the far side should see the last bytes before the connection
// disappears).
func (t *Table) Handle(ctx context.Context, label string, stream streamio.Stream) {
	defer stream.Close()

	backendConn, err := t.Dial(ctx, label)
	if err != nil {
		t.log.Debug("dial failed", "label", label, "error", err)
		_, _ = stream.Write([]byte(NotFoundResponse))
		return
	}
	defer backendConn.Close()

	if _, _, err := streamio.Copy(ctx, stream, backendConn); err != nil {
		t.log.Debug("tunnel ended", "label", label, "error", err)
	}
}
