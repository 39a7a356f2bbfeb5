package identity

import (
	"fmt"

	"github.com/multiformats/go-multiaddr"
)

// PeerAddress names a peer on the fabric: a stable PeerID plus a set of
// reachability hints. Equality between two PeerAddress values is by PeerID
// alone; Addrs may be refreshed (new listen addresses, relay hints) without
// changing who the peer is.
type PeerAddress struct {
	ID    PeerID
	Addrs []multiaddr.Multiaddr
}

// Equal reports whether two PeerAddress values name the same peer.
func (p PeerAddress) Equal(other PeerAddress) bool {
	return p.ID == other.ID
}

// String renders the PeerAddress as "<peerid>" or "<peerid> @ <addrs>" when
// reachability hints are present.
func (p PeerAddress) String() string {
	if len(p.Addrs) == 0 {
		return string(p.ID)
	}
	return fmt.Sprintf("%s @ %s", p.ID, p.Addrs)
}

// ParseMultiaddr parses a multiaddr string, e.g. "/ip4/203.0.113.5/udp/4242".
func ParseMultiaddr(s string) (multiaddr.Multiaddr, error) {
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("parsing multiaddr %q: %w", s, err)
	}
	return ma, nil
}
