// Package proxy implements the plain TCP→peer tunnel (component D): a
// local TCP listener that peeks each accepted connection, classifies its
// destination service, dials the configured target peer, writes the
// tunnel handshake, and bridges bytes until either side closes.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/kuuji/syneroym/internal/identity"
	"github.com/kuuji/syneroym/internal/peernet"
	"github.com/kuuji/syneroym/internal/sniff"
	"github.com/kuuji/syneroym/internal/streamio"
)

// Dialer is the subset of *peernet.Transport the proxy needs, so tests can
// substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, cache *peernet.Cache, target identity.PeerAddress, label string) (streamio.Stream, error)
}

// Config configures a Proxy instance.
type Config struct {
	// ListenAddr is the local TCP address to accept client connections on.
	ListenAddr string

	// Target is the peer every tunneled connection is dialed to.
	Target identity.PeerAddress

	// Dialer opens the peer bi-stream and writes the handshake.
	Dialer Dialer

	// Logger is the structured logger; slog.Default() is used if nil.
	Logger *slog.Logger
}

// Proxy is the plain TCP→peer tunnel (component D, spec §4.D).
type Proxy struct {
	cfg   Config
	log   *slog.Logger
	cache *peernet.Cache
}

// New creates a Proxy from cfg. Call Serve to start accepting connections.
func New(cfg Config) *Proxy {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{cfg: cfg, log: logger.With("component", "proxy"), cache: peernet.NewCache()}
}

// Serve binds the listen address and accepts connections until ctx is
// canceled or the listener errs. A listener-level Accept failure is fatal
// (spec §4.D: "accept failures on the listening socket are fatal to the
// gateway task"); per-connection failures are logged and only drop that
// connection.
func (p *Proxy) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s: %w", p.cfg.ListenAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	p.log.Info("proxy listening", "addr", p.cfg.ListenAddr, "target", p.cfg.Target)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("proxy: accept: %w", err)
		}
		go p.handle(ctx, conn)
	}
}

// handle runs the D accept-loop body for one client connection: peek,
// classify, dial, handshake, bridge. A single slow client only ever blocks
// its own goroutine.
func (p *Proxy) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peek, pconn, err := sniff.Peek(conn, sniff.MaxPeek)
	if err != nil {
		p.log.Debug("peek failed", "error", err)
		return
	}

	result, err := sniff.Classify(peek)
	if err != nil {
		p.log.Debug("classify failed", "error", err)
		return
	}

	label, err := sniff.ServiceLabel(result.Hostname)
	if err != nil {
		p.log.Debug("no service label", "hostname", result.Hostname, "error", err)
		return
	}

	peerStream, err := p.cfg.Dialer.Dial(ctx, p.cache, p.cfg.Target, label)
	if err != nil {
		p.log.Debug("dial failed", "label", label, "error", err)
		return
	}
	defer peerStream.Close()

	clientStream := streamio.FromConn(pconn)
	if _, _, err := streamio.Copy(ctx, clientStream, peerStream); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Debug("tunnel ended", "label", label, "error", err)
	}
}
