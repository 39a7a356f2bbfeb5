// Package peernet implements the authenticated peer-to-peer transport the
// fabric tunnels run over: a QUIC endpoint bound under the fixed
// application protocol tag "syneroym/1.0", a dialer that opens a bi-stream
// to a target peer, proves its identity, and writes the service-name
// handshake, and a listener that accepts inbound bi-streams and hands each
// one, post-handshake, to a caller-supplied dispatch function. The QUIC
// layer's self-signed certificates provide confidentiality only; peer
// authentication is a separate proof run over the stream (identity_proof.go).
package peernet

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/multiformats/go-multiaddr"
	"github.com/quic-go/quic-go"

	"github.com/kuuji/syneroym/internal/identity"
)

// ALPN is the fixed application-layer-protocol tag carried by every QUIC
// connection in the fabric (spec §4.C/§6).
const ALPN = "syneroym/1.0"

// Transport is a bound QUIC endpoint used both to dial outbound peer
// connections (component C) and to accept inbound ones (component F).
// A single Transport is shared by a LocalNode's proxy/gateway dialers and
// its inbound listener.
type Transport struct {
	id         identity.PeerID
	privateKey identity.Key
	quic       *quic.Transport
	tls        *tls.Config
}

// NewTransport binds a UDP socket at bindAddr and prepares it for use as a
// QUIC peer endpoint under ALPN. id is this node's own identity, used only
// to label the self-signed certificate presented to peers; privateKey is
// the matching X25519 private key, used to prove this node's identity to
// dialers after the QUIC handshake completes (see identity_proof.go).
func NewTransport(id identity.PeerID, privateKey identity.Key, bindAddr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("peernet: resolving bind address %q: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("peernet: binding %q: %w", bindAddr, err)
	}

	cert, err := selfSignedCert(id)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Transport{
		id:         id,
		privateKey: privateKey,
		quic:       &quic.Transport{Conn: conn},
		tls: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{ALPN},
			// There is no CA here and no certificate binding to check:
			// identity is authenticated one layer up, over the stream.
			InsecureSkipVerify: true,
		},
	}, nil
}

// LocalAddr returns the address the transport's UDP socket is bound to.
func (t *Transport) LocalAddr() net.Addr {
	return t.quic.Conn.LocalAddr()
}

// Close tears down the underlying QUIC endpoint and its UDP socket.
func (t *Transport) Close() error {
	return t.quic.Close()
}

// dialAddr picks a usable "host:port" from a PeerAddress's reachability
// hints. It returns the first multiaddr that carries an IP address and a
// UDP port; entries without both, such as the marker-only relay hint, are
// skipped here.
func dialAddr(addrs []multiaddr.Multiaddr) (string, error) {
	for _, ma := range addrs {
		host, err := ma.ValueForProtocol(multiaddr.P_IP4)
		if err != nil {
			host, err = ma.ValueForProtocol(multiaddr.P_IP6)
		}
		if err != nil {
			continue
		}
		port, err := ma.ValueForProtocol(multiaddr.P_UDP)
		if err != nil {
			continue
		}
		return net.JoinHostPort(host, port), nil
	}
	return "", fmt.Errorf("peernet: no dialable udp address among %v", addrs)
}
