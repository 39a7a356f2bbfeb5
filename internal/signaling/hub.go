package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/kuuji/syneroym/pkg/protocol"
)

// Hub is a signaling server that relays WebRTC offers, answers, and ICE
// candidates between registered peers by target ID. It accepts WebSocket
// connections, tracks which peer ID owns which connection, and forwards
// each message to its addressed target.
//
// Hub implements http.Handler and can be used with any HTTP server. It is
// the local/LAN equivalent of the hosted signaling service named in the
// fabric's bootstrap configuration (see cmd/syneroym-hub).
type Hub struct {
	mu     sync.Mutex
	peers  map[string]*websocket.Conn
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new signaling Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		peers:  make(map[string]*websocket.Conn),
		log:    logger.With("component", "hub"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close shuts down the hub, forcefully closing all peer connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.peers {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.cancel()
}

// ServeHTTP implements http.Handler. Each request is expected to be a
// WebSocket upgrade. The first message on the connection must be a
// RegisterMessage naming the peer ID that owns it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := h.ctx

	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}

	msg, err := protocol.Unmarshal(data)
	if err != nil {
		h.log.Warn("malformed register message", "error", err)
		return
	}

	reg, ok := msg.(*protocol.RegisterMessage)
	if !ok {
		h.log.Warn("first message is not register", "type", msg.MessageType())
		return
	}

	h.mu.Lock()
	if existing, dup := h.peers[reg.ID]; dup {
		// A reconnect with the same ID replaces the stale connection rather
		// than refusing the new one.
		_ = existing.Close(websocket.StatusNormalClosure, "superseded")
	}
	h.peers[reg.ID] = c
	h.mu.Unlock()

	h.log.Info("peer registered", "peer_id", reg.ID)

	defer func() {
		h.mu.Lock()
		if h.peers[reg.ID] == c {
			delete(h.peers, reg.ID)
		}
		h.mu.Unlock()
		h.log.Info("peer disconnected", "peer_id", reg.ID)
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		h.route(ctx, reg.ID, data)
	}
}

// route inspects the envelope's target field and forwards data verbatim to
// that peer's connection, if currently registered. sender is logged but not
// otherwise validated against the envelope's own sender field — a peer
// could misreport itself, but the result is only a misdirected offer, never
// cross-peer data access.
func (h *Hub) route(ctx context.Context, sender string, data []byte) {
	var env struct {
		Type   string `json:"type"`
		Target string `json:"target"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		h.log.Warn("ignoring malformed envelope", "sender", sender, "error", err)
		return
	}

	switch env.Type {
	case "offer", "answer", "candidate":
	default:
		h.log.Debug("ignoring unroutable message type", "type", env.Type, "sender", sender)
		return
	}

	h.mu.Lock()
	target, ok := h.peers[env.Target]
	h.mu.Unlock()

	if !ok {
		h.log.Debug("target peer not registered", "type", env.Type, "target", env.Target)
		return
	}

	if err := target.Write(ctx, websocket.MessageText, data); err != nil {
		h.log.Debug("forwarding to target failed", "target", env.Target, "error", err)
	}
}
