// Package gateway implements the browser-targeted web gateway (component
// E): the same accept/peek/classify/dial/bridge loop as internal/proxy,
// plus HTTP-aware branches for the loop-marker short-circuit, the
// service-worker route, and the browser shell fallback.
package gateway

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

// loopDetectedResponse is the complete 502 response written for a request
// carrying the loop marker; its body is "Loop Detected".
const loopDetectedResponse = "HTTP/1.1 502 Bad Gateway\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Length: 13\r\n" +
	"\r\n" +
	"Loop Detected"

const swJSPath = "/__syneroym/sw.js"

// Dialer is the subset of *peernet.Transport the gateway needs.
type Dialer interface {
	Dial(ctx context.Context, cache *peernet.Cache, target identity.PeerAddress, label string) (streamio.Stream, error)
}

// Config configures a Gateway instance.
type Config struct {
	ListenAddr   string
	Target       identity.PeerAddress
	Dialer       Dialer
	SignalingURL string
	Logger       *slog.Logger
}

// Gateway is the browser-targeted web gateway (component E, spec §4.E).
type Gateway struct {
	cfg   Config
	log   *slog.Logger
	cache *peernet.Cache
}

// New creates a Gateway from cfg.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cfg: cfg, log: logger.With("component", "gateway"), cache: peernet.NewCache()}
}

// Serve binds the listen address and accepts connections until ctx is
// canceled. See internal/proxy.Serve for the accept-loop failure contract,
// which this mirrors.
func (g *Gateway) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listening on %s: %w", g.cfg.ListenAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	g.log.Info("gateway listening", "addr", g.cfg.ListenAddr, "target", g.cfg.Target)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway: accept: %w", err)
		}
		go g.handle(ctx, conn)
	}
}

func (g *Gateway) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peek, pconn, err := sniff.Peek(conn, sniff.MaxPeek)
	if err != nil {
		g.log.Debug("peek failed", "error", err)
		return
	}

	result, classifyErr := sniff.Classify(peek)

	// TLS always tunnels (spec §4.E bullet 1); it's never parsed beyond SNI.
	if result.Transport == sniff.TransportTLS && classifyErr == nil {
		g.tunnel(ctx, pconn, result.Hostname)
		return
	}

	// Only HTTP remains; a short/unclassifiable peek can't be routed.
	httpPeek, err := sniff.ParseHTTPPeek(peek)
	if err != nil {
		g.log.Debug("http peek parse failed", "error", err)
		return
	}

	switch {
	case httpPeek.IsWebSocket:
		// The raw upgrade request and all subsequent frames pass through
		// untouched (spec §4.E bullet 2) — classification only decided
		// *that* this tunnels, never rewrites anything.
		if classifyErr == nil {
			g.tunnel(ctx, pconn, result.Hostname)
		} else {
			g.log.Debug("websocket upgrade with no hostname", "error", classifyErr)
		}

	case httpPeek.HasLoopMarker:
		g.log.Debug("loop marker present, short-circuiting", "value", httpPeek.LoopMarkerValue)
		_, _ = pconn.Write([]byte(loopDetectedResponse))

	case httpPeek.Path == swJSPath:
		g.serveServiceWorker(pconn)

	default:
		g.serveShell(pconn, httpPeek.HTTPVersion)
	}
}

// tunnel dials the target peer for hostname and bridges bytes, identical
// to internal/proxy's core loop.
func (g *Gateway) tunnel(ctx context.Context, conn net.Conn, hostname string) {
	label, err := sniff.ServiceLabel(hostname)
	if err != nil {
		g.log.Debug("no service label", "hostname", hostname, "error", err)
		return
	}

	peerStream, err := g.cfg.Dialer.Dial(ctx, g.cache, g.cfg.Target, label)
	if err != nil {
		g.log.Debug("dial failed", "label", label, "error", err)
		return
	}
	defer peerStream.Close()

	clientStream := streamio.FromConn(conn)
	if _, _, err := streamio.Copy(ctx, clientStream, peerStream); err != nil && !errors.Is(err, context.Canceled) {
		g.log.Debug("tunnel ended", "label", label, "error", err)
	}
}

func (g *Gateway) serveServiceWorker(conn net.Conn) {
	body, err := renderServiceWorker(g.shellParams())
	if err != nil {
		g.log.Warn("rendering service worker failed", "error", err)
		return
	}
	writeHTTPResponse(conn, 200, "OK", map[string]string{
		"Content-Type":           "application/javascript",
		"Service-Worker-Allowed": "/",
	}, body)
}

func (g *Gateway) serveShell(conn net.Conn, httpVersion string) {
	params := g.shellParams()
	if httpVersion != "" {
		params.HTTPVersion = httpVersion
	}
	body, err := renderShell(params)
	if err != nil {
		g.log.Warn("rendering shell failed", "error", err)
		return
	}
	writeHTTPResponse(conn, 200, "OK", map[string]string{
		"Content-Type": "text/html; charset=utf-8",
	}, body)
}

func (g *Gateway) shellParams() shellParams {
	return shellParams{
		SignalingURL: g.cfg.SignalingURL,
		TargetPeer:   g.cfg.Target.ID.String(),
		HTTPVersion:  "HTTP/1.1",
	}
}

func writeHTTPResponse(conn net.Conn, status int, statusText string, headers map[string]string, body []byte) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, statusText)
	for k, v := range headers {
		resp += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	resp += fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	_, _ = conn.Write([]byte(resp))
	_, _ = conn.Write(body)
}
