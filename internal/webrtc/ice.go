package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// TURNServer is one TURN relay endpoint with its REST-API-derived
// credentials (see internal/turn.GenerateCredentials).
type TURNServer struct {
	URL        string
	Username   string
	Credential string
}

// ICEConfig is the STUN/TURN configuration for one Peer's ICE gathering.
type ICEConfig struct {
	// STUNServers are STUN URIs used for host/srflx candidate gathering,
	// e.g. "stun:stun.l.google.com:19302".
	STUNServers []string

	// TURNServers are TURN relay servers used when a direct or
	// server-reflexive path isn't reachable.
	TURNServers []TURNServer

	// ForceRelay restricts ICE to relay candidates only, bypassing host
	// and server-reflexive gathering entirely.
	ForceRelay bool
}

// pionICEServers converts ICEConfig into the slice pion/webrtc expects on
// webrtc.Configuration.
func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.STUNServers)+len(c.TURNServers))

	for _, url := range c.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	for _, t := range c.TURNServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{t.URL},
			Username:   t.Username,
			Credential: t.Credential,
		})
	}

	return servers
}
