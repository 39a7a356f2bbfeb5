package webrtc

import (
	"github.com/pion/webrtc/v4"
)

const (
	// DataChannelLabel is the label used for the fabric's tunnel data
	// channel.
	DataChannelLabel = "syneroym"
)

// dataChannelConfig returns the pion DataChannelInit configured for
// ordered, reliable delivery: component A requires byte-fidelity and
// in-order delivery (spec §3/§8 property 3), unlike a WireGuard payload
// channel, which would want unordered/unreliable UDP-like behavior instead.
func dataChannelConfig() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered: &ordered,
	}
}
