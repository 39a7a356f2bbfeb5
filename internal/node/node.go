// Package node wires together every other package into the running fabric
// node: it loads the catalog, binds the peer-endpoint transport, starts the
// inbound listener (component F), optionally joins the signaling mesh to
// accept WebRTC fallback sessions (component G), and optionally starts the
// proxy and gateway roles (components D/E). It is the program the syneroym
// binary's "run" command builds on top of.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/syneroym/internal/backend"
	"github.com/kuuji/syneroym/internal/catalog"
	"github.com/kuuji/syneroym/internal/config"
	"github.com/kuuji/syneroym/internal/control"
	"github.com/kuuji/syneroym/internal/gateway"
	"github.com/kuuji/syneroym/internal/identity"
	"github.com/kuuji/syneroym/internal/peernet"
	"github.com/kuuji/syneroym/internal/proxy"
	"github.com/kuuji/syneroym/internal/signaling"
	"github.com/kuuji/syneroym/internal/streamio"
	"github.com/kuuji/syneroym/internal/turn"
	rtcwebrtc "github.com/kuuji/syneroym/internal/webrtc"
	"github.com/kuuji/syneroym/pkg/protocol"
)

// DefaultShutdownGrace bounds how long Run waits for in-flight sessions to
// drain after ctx is cancelled before it tears down the transport.
const DefaultShutdownGrace = 5 * time.Second

// Node bootstraps and runs one fabric node (spec §4.H). Construct with New
// and call Run; Run blocks until ctx is cancelled or a fatal setup error
// occurs.
type Node struct {
	cfg *config.Config
	log *slog.Logger

	// ShutdownGrace overrides DefaultShutdownGrace if non-zero. Exposed for
	// tests that want a short grace window.
	ShutdownGrace time.Duration

	// ControlSocketPath, if non-empty, starts the status control server
	// (internal/control) at that path. Empty disables it.
	ControlSocketPath string

	peerID    identity.PeerID
	transport *peernet.Transport
	cat       *catalog.Catalog
	table     *backend.Table
	sigClient *signaling.Client
	control   *control.Server

	startedAt time.Time

	mu       sync.Mutex
	sessions map[string]control.PeerStatus
	total    int64
}

// New creates a Node from cfg. Run performs the actual bootstrap.
func New(cfg *config.Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		cfg:      cfg,
		log:      logger.With("component", "node"),
		sessions: make(map[string]control.PeerStatus),
	}
}

// Run executes the node bootstrap sequence (spec §4.H) and blocks until ctx
// is cancelled or a step fails fatally. On cancellation it drains in-flight
// sessions for up to ShutdownGrace before tearing the transport down.
func (n *Node) Run(ctx context.Context) error {
	n.startedAt = time.Now()

	peerID, err := n.cfg.PeerID()
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	n.peerID = peerID

	// 1. Load the read-only service catalog, if this node offers any.
	if n.cfg.Node.CatalogPath != "" {
		cat, err := catalog.Load(n.cfg.Node.CatalogPath)
		if err != nil {
			return fmt.Errorf("node: loading catalog: %w", err)
		}
		n.cat = cat
		n.log.Info("catalog loaded", "path", n.cfg.Node.CatalogPath, "services", cat.Len())
	} else {
		n.cat = &catalog.Catalog{}
	}
	n.table = backend.NewTable(n.cat, n.log)

	// 2. Bind the peer-endpoint transport and start the inbound listener
	// (component F) in the background.
	transport, err := peernet.NewTransport(n.peerID, n.cfg.Node.PrivateKey, n.cfg.Node.BindAddr)
	if err != nil {
		return fmt.Errorf("node: binding transport: %w", err)
	}
	n.transport = transport
	defer transport.Close()

	n.log.Info("peer endpoint bound", "peer_id", n.peerID, "addr", transport.LocalAddr())

	quicHandler := peernet.HandlerFunc(func(ctx context.Context, label string, stream streamio.Stream) {
		key := n.trackSession(label, "quic")
		defer n.untrackSession(key)
		n.table.Handle(ctx, label, stream)
	})
	listener := peernet.NewListener(transport, quicHandler, n.log)
	listenErrCh := make(chan error, 1)
	go func() {
		listenErrCh <- listener.Serve(ctx)
	}()

	// 3. Optionally join the signaling mesh and accept WebRTC fallback
	// sessions (component G) for peers unreachable directly over QUIC.
	var sigDone chan struct{}
	if n.cfg.Gateway.SignalingURL != "" {
		sigDone = make(chan struct{})
		if err := n.startSignaling(ctx, sigDone); err != nil {
			return fmt.Errorf("node: starting signaling: %w", err)
		}
	}

	// 4. The QUIC transport is bound synchronously by NewTransport above —
	// a locally bound UDP socket has no further "online" wait, unlike a
	// NAT-traversing swarm join.

	// 5. Optionally start the proxy (D) and/or gateway (E) roles.
	roleErrCh := make(chan error, 2)
	roleCount := 0
	if n.cfg.Proxy.Enabled {
		p, err := n.newProxy()
		if err != nil {
			return fmt.Errorf("node: configuring proxy: %w", err)
		}
		roleCount++
		go func() { roleErrCh <- p.Serve(ctx) }()
	}
	if n.cfg.Gateway.Enabled {
		g, err := n.newGateway()
		if err != nil {
			return fmt.Errorf("node: configuring gateway: %w", err)
		}
		roleCount++
		go func() { roleErrCh <- g.Serve(ctx) }()
	}

	// Status/introspection control socket.
	if n.ControlSocketPath != "" {
		n.control = control.NewServer(n.ControlSocketPath, n.Status, n.log)
		if err := n.control.Start(); err != nil {
			return fmt.Errorf("node: starting control server: %w", err)
		}
		defer n.control.Stop()
	}

	n.log.Info("node started", "peer_id", n.peerID, "catalog_size", n.cat.Len())

	// 6. Block until shutdown is requested, then drain in-flight sessions
	// for a bounded grace window before returning (and tearing the
	// transport down via the deferred Close above).
	select {
	case <-ctx.Done():
		n.log.Info("shutdown requested, draining sessions", "grace", n.gracePeriod())
		n.drain(n.gracePeriod())
		if sigDone != nil {
			<-sigDone
		}
		return nil
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("node: listener stopped: %w", err)
		}
		return nil
	case err := <-roleErrCh:
		if err != nil {
			return fmt.Errorf("node: role task stopped: %w", err)
		}
		return nil
	}
}

func (n *Node) gracePeriod() time.Duration {
	if n.ShutdownGrace > 0 {
		return n.ShutdownGrace
	}
	return DefaultShutdownGrace
}

// drain waits until no sessions are tracked or the grace window elapses,
// whichever comes first. Sessions started over QUIC/WebRTC deregister
// themselves as their streams close; this just gives them a bounded window
// to do so before the transport is torn down.
func (n *Node) drain(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		empty := len(n.sessions) == 0
		n.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (n *Node) resolveTarget(id, addrs []string, forProxy string) (identity.PeerAddress, error) {
	target := identity.PeerAddress{ID: identity.PeerID(id)}
	for _, a := range addrs {
		ma, err := identity.ParseMultiaddr(a)
		if err != nil {
			return identity.PeerAddress{}, fmt.Errorf("%s: parsing target_addrs entry %q: %w", forProxy, a, err)
		}
		target.Addrs = append(target.Addrs, ma)
	}
	return target, nil
}

func (n *Node) newProxy() (*proxy.Proxy, error) {
	target, err := n.resolveTarget(n.cfg.Proxy.Target, n.cfg.Proxy.TargetAddrs, "proxy")
	if err != nil {
		return nil, err
	}
	return proxy.New(proxy.Config{
		ListenAddr: n.cfg.Proxy.ListenAddr,
		Target:     target,
		Dialer:     n.transport,
		Logger:     n.log,
	}), nil
}

func (n *Node) newGateway() (*gateway.Gateway, error) {
	target, err := n.resolveTarget(n.cfg.Gateway.Target, n.cfg.Gateway.TargetAddrs, "gateway")
	if err != nil {
		return nil, err
	}
	return gateway.New(gateway.Config{
		ListenAddr:   n.cfg.Gateway.ListenAddr,
		Target:       target,
		Dialer:       n.transport,
		SignalingURL: n.cfg.Gateway.SignalingURL,
		Logger:       n.log,
	}), nil
}

// turnServers derives REST-API credentials (internal/turn) for the TURN
// relay fallback used by the WebRTC ICE gathering. With standalone TURN
// servers configured it returns one entry per server; with a secret but no
// servers it derives a single relay from the signaling server's own URL,
// reachable over the WebSocket tunnel webrtcAPI sets up. It returns nil
// when no relay secret is configured at all.
func (n *Node) turnServers() []rtcwebrtc.TURNServer {
	if n.cfg.TURN.Secret == "" {
		return nil
	}

	username, password := turn.GenerateCredentials(n.cfg.TURN.Secret, string(n.peerID), turn.DefaultCredentialLifetime)

	if len(n.cfg.TURN.Servers) > 0 {
		servers := make([]rtcwebrtc.TURNServer, 0, len(n.cfg.TURN.Servers))
		for _, url := range n.cfg.TURN.Servers {
			servers = append(servers, rtcwebrtc.TURNServer{
				URL:        url,
				Username:   username,
				Credential: password,
			})
		}
		return servers
	}

	url, err := turn.TURNServerURL(n.cfg.Gateway.SignalingURL)
	if err != nil {
		n.log.Warn("deriving turn server url from signaling url failed", "error", err)
		return nil
	}
	return []rtcwebrtc.TURNServer{{URL: url, Username: username, Credential: password}}
}

// webrtcAPI builds a pion API with a WebSocket-tunneling ICE proxy dialer
// (internal/turn.WSProxyDialer) when the TURN relay fallback has no
// standalone servers to dial directly — the relay is then the signaling
// server itself, reached the same way signaling messages already are. It
// returns nil (the default pion API) when no such tunnel is needed.
func (n *Node) webrtcAPI() *webrtc.API {
	if n.cfg.TURN.Secret == "" || len(n.cfg.TURN.Servers) > 0 {
		return nil
	}

	endpoint, err := turn.TURNWebSocketURL(n.cfg.Gateway.SignalingURL)
	if err != nil {
		n.log.Warn("deriving turn websocket endpoint failed", "error", err)
		return nil
	}
	_, password := turn.GenerateCredentials(n.cfg.TURN.Secret, string(n.peerID), turn.DefaultCredentialLifetime)

	se := webrtc.SettingEngine{}
	se.SetICEProxyDialer(&turn.WSProxyDialer{TURNEndpoint: endpoint, AuthToken: password})
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// startSignaling connects to the signaling server and handles inbound SDP
// offers by answering them and bridging the resulting data channel into the
// same dispatch path QUIC streams use. sigDone is closed once the signaling
// client's message loop exits, so Run can wait for it during shutdown.
func (n *Node) startSignaling(ctx context.Context, sigDone chan struct{}) error {
	client := signaling.NewClient(signaling.ClientConfig{
		ServerURL: n.cfg.Gateway.SignalingURL,
		PeerID:    string(n.peerID),
		Logger:    n.log,
		Reconnect: signaling.ReconnectConfig{Enabled: true},
	})
	n.sigClient = client

	if err := client.Connect(ctx); err != nil {
		return err
	}

	iceCfg := rtcwebrtc.ICEConfig{
		STUNServers: n.cfg.STUN.Servers,
		TURNServers: n.turnServers(),
		ForceRelay:  n.cfg.Gateway.ForceRelay,
	}
	api := n.webrtcAPI()

	go func() {
		defer close(sigDone)
		peers := make(map[string]*rtcwebrtc.Peer)
		var peersMu sync.Mutex

		for msg := range client.Messages() {
			switch m := msg.(type) {
			case *protocol.OfferMessage:
				n.handleOffer(ctx, client, iceCfg, api, m, peers, &peersMu)
			case *protocol.CandidateMessage:
				peersMu.Lock()
				p := peers[m.Sender]
				peersMu.Unlock()
				if p != nil && p.HasRemoteDescription() {
					if err := p.AddICECandidate(m.Candidate); err != nil {
						n.log.Debug("adding remote ICE candidate failed", "from", m.Sender, "error", err)
					}
				}
			default:
				n.log.Debug("ignoring signaling message", "type", msg.MessageType())
			}
		}
	}()

	return nil
}

func (n *Node) handleOffer(
	ctx context.Context,
	client *signaling.Client,
	iceCfg rtcwebrtc.ICEConfig,
	api *webrtc.API,
	msg *protocol.OfferMessage,
	peers map[string]*rtcwebrtc.Peer,
	peersMu *sync.Mutex,
) {
	if msg.Target != string(n.peerID) {
		return
	}

	peer, err := rtcwebrtc.NewPeer(rtcwebrtc.PeerConfig{
		ICE:      iceCfg,
		API:      api,
		LocalID:  string(n.peerID),
		RemoteID: msg.Sender,
		Logger:   n.log,
		OnICECandidate: func(candidate string) {
			_ = client.Send(ctx, &protocol.CandidateMessage{
				Sender:    string(n.peerID),
				Target:    msg.Sender,
				Candidate: candidate,
			})
		},
		OnDataChannel: func(dc *webrtc.DataChannel) {
			n.acceptBridge(ctx, rtcwebrtc.NewDuplexBridge(dc), msg.Sender)
		},
	})
	if err != nil {
		n.log.Warn("creating webrtc peer failed", "from", msg.Sender, "error", err)
		return
	}

	peersMu.Lock()
	peers[msg.Sender] = peer
	peersMu.Unlock()

	answer, err := peer.HandleOffer(msg.SDP)
	if err != nil {
		n.log.Warn("handling offer failed", "from", msg.Sender, "error", err)
		return
	}

	if err := client.Send(ctx, &protocol.AnswerMessage{
		Sender: string(n.peerID),
		Target: msg.Sender,
		SDP:    answer,
	}); err != nil {
		n.log.Warn("sending answer failed", "to", msg.Sender, "error", err)
	}
}

// acceptBridge reads the tunnel handshake off a freshly opened WebRTC
// bridge and dispatches it through the same backend.Table a QUIC stream
// would use (spec §4.H step 3 — one dispatch path for both transports).
func (n *Node) acceptBridge(ctx context.Context, bridge *rtcwebrtc.DuplexBridge, peerID string) {
	label, err := peernet.ReadHandshake(bridge)
	if err != nil {
		n.log.Debug("webrtc handshake read failed", "from", peerID, "error", err)
		bridge.Close()
		return
	}
	key := n.trackSession(peerID, "webrtc")
	defer n.untrackSession(key)

	n.table.Handle(ctx, label, streamio.Stream(bridge))
}

// trackSession records one active inbound session and returns the key to
// pass back to untrackSession when it ends. id identifies the counterpart
// for display purposes only (a label for QUIC streams, since the listener
// does not currently verify the dialer's PeerID; the real remote PeerID
// for WebRTC sessions).
func (n *Node) trackSession(id, transport string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.total++
	key := fmt.Sprintf("%s:%s:%d", transport, id, n.total)
	n.sessions[key] = control.PeerStatus{
		ID:          id,
		Direction:   "inbound",
		Transport:   transport,
		ConnectedAt: time.Now(),
	}
	return key
}

func (n *Node) untrackSession(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sessions, key)
}

// Status implements control.StatusProvider: a snapshot of this node's
// identity, catalog size, and active sessions, served over the control
// socket (spec §4.H "Status/introspection").
func (n *Node) Status() control.Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	peers := make([]control.PeerStatus, 0, len(n.sessions))
	for _, p := range n.sessions {
		peers = append(peers, p)
	}

	catalogSize := 0
	if n.cat != nil {
		catalogSize = n.cat.Len()
	}

	var bindAddr string
	if n.transport != nil {
		bindAddr = n.transport.LocalAddr().String()
	}

	return control.Status{
		PeerID:        string(n.peerID),
		BindAddr:      bindAddr,
		CatalogSize:   catalogSize,
		UptimeSeconds: time.Since(n.startedAt).Seconds(),
		Sessions: control.SessionStats{
			Active: len(n.sessions),
			Total:  n.total,
		},
		Peers: peers,
	}
}

// ErrNoRoles is returned by Validate when neither the proxy nor the gateway
// role is enabled and the node has no catalog — such a node would do
// nothing useful.
var ErrNoRoles = errors.New("node: no catalog, proxy, or gateway role configured")

// Validate checks that the node's configuration describes at least one
// useful role: serving a catalog, proxying, or gatewaying.
func (n *Node) Validate() error {
	if n.cfg.Node.CatalogPath == "" && !n.cfg.Proxy.Enabled && !n.cfg.Gateway.Enabled {
		return ErrNoRoles
	}
	return nil
}
