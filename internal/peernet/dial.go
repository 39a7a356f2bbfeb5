package peernet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/kuuji/syneroym/internal/identity"
	"github.com/kuuji/syneroym/internal/streamio"
)

// Errors surfaced by Dial (component C, spec §4.C).
var (
	ErrDialFailed = errors.New("peernet: dial failed")
	ErrStreamOpen = errors.New("peernet: opening bi-stream failed")
)

// connCache keeps at most one live QUIC connection per target PeerID so a
// gateway dialing the same peer repeatedly doesn't re-handshake QUIC for
// every client connection; only the bi-stream (and its handshake) is
// per-session.
type connCache struct {
	mu    sync.Mutex
	conns map[identity.PeerID]*quic.Conn
}

func newConnCache() *connCache {
	return &connCache{conns: make(map[identity.PeerID]*quic.Conn)}
}

func (c *connCache) get(id identity.PeerID) *quic.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conns[id]
	if conn != nil && conn.Context().Err() != nil {
		delete(c.conns, id)
		return nil
	}
	return conn
}

func (c *connCache) put(id identity.PeerID, conn *quic.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[id] = conn
}

// Dial opens a bi-stream to target over t, reusing an existing QUIC
// connection to that peer if one is live, proves target's identity (the TLS
// layer alone cannot: see identity_proof.go), and writes the service-name
// handshake before returning the wrapped stream. The caller's first write
// to the returned Stream is the first payload byte — the handshake has
// already gone out.
func (t *Transport) Dial(ctx context.Context, cache *Cache, target identity.PeerAddress, label string) (streamio.Stream, error) {
	conn, err := t.dialConn(ctx, cache, target)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamOpen, err)
	}

	targetPub, err := target.ID.PublicKey()
	if err != nil {
		stream.CancelWrite(0)
		stream.CancelRead(0)
		return nil, fmt.Errorf("peernet: decoding target peer id: %w", err)
	}
	if err := proveIdentity(stream, t.privateKey, targetPub); err != nil {
		stream.CancelWrite(0)
		stream.CancelRead(0)
		return nil, err
	}

	if err := WriteHandshake(stream, label); err != nil {
		stream.CancelWrite(0)
		return nil, err
	}

	return streamio.FromQUIC(stream), nil
}

func (t *Transport) dialConn(ctx context.Context, cache *Cache, target identity.PeerAddress) (*quic.Conn, error) {
	if conn := cache.inner.get(target.ID); conn != nil {
		return conn, nil
	}

	addr, err := dialAddr(target.Addrs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	udpAddr, err := resolveUDPAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	conn, err := t.quic.Dial(ctx, udpAddr, t.tls, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	cache.inner.put(target.ID, conn)
	return conn, nil
}

// Cache holds the dialer's reusable QUIC connections. One Cache is shared
// by every proxy/gateway task that dials through the same Transport.
type Cache struct {
	inner *connCache
}

// NewCache creates an empty connection cache.
func NewCache() *Cache {
	return &Cache{inner: newConnCache()}
}

func resolveUDPAddr(addr string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", addr)
}
