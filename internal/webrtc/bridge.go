package webrtc

import (
	"io"
	"sync"

	"github.com/pion/transport/v4/packetio"
	"github.com/pion/webrtc/v4"

	"github.com/kuuji/syneroym/internal/streamio"
)

const (
	// inboundBufferSize bounds the inbound conduit (spec §4.G: "suggested
	// 64 KiB each direction"). Once full, the data channel's OnMessage
	// callback blocks on Write, which is how back-pressure reaches the
	// remote peer without an explicit flow-control message.
	inboundBufferSize = 64 * 1024

	// outboundScratchSize is the chunk size the outbound pump reads from
	// the pipe before sending one data-channel message per fill.
	outboundScratchSize = 8 * 1024
)

// DuplexBridge adapts a detached, message-oriented WebRTC data channel into
// the byte-oriented streamio.Stream the rest of the fabric expects
// (component G, spec §4.G). It does not preserve message boundaries —
// only per-direction ordering and byte-fidelity, per spec §9's
// "message-to-byte" note.
type DuplexBridge struct {
	dc *webrtc.DataChannel

	inbound *packetio.Buffer // dc.OnMessage writes here; Read drains it.

	outR *io.PipeReader
	outW *io.PipeWriter

	closeOnce sync.Once
}

// NewDuplexBridge wraps dc, which must already be open (or about to open),
// and starts the inbound/outbound pump pair described in spec §4.G. The
// caller should drop its own reference to dc immediately after this call so
// the pumps are its only owner (spec §9, cyclic-ownership note).
func NewDuplexBridge(dc *webrtc.DataChannel) *DuplexBridge {
	inbound := packetio.NewBuffer()
	inbound.SetLimitSize(inboundBufferSize)

	outR, outW := io.Pipe()

	b := &DuplexBridge{
		dc:      dc,
		inbound: inbound,
		outR:    outR,
		outW:    outW,
	}

	dc.OnMessage(b.onMessage)
	dc.OnClose(b.shutdown)
	dc.OnError(func(error) { b.shutdown() })

	go b.outboundPump()

	return b
}

// onMessage is the inbound pump: each data-channel message's bytes are
// written into the inbound conduit. A zero-byte message or a write failure
// (the data channel closing underneath us) shuts the bridge down, which
// surfaces as EOF to the byte-stream reader.
func (b *DuplexBridge) onMessage(msg webrtc.DataChannelMessage) {
	if len(msg.Data) == 0 {
		b.shutdown()
		return
	}
	if _, err := b.inbound.Write(msg.Data); err != nil {
		b.shutdown()
	}
}

// outboundPump is the outbound pump: it drains the write-side pipe in
// fixed-size chunks and sends each chunk as one data-channel message.
func (b *DuplexBridge) outboundPump() {
	buf := make([]byte, outboundScratchSize)
	for {
		n, err := b.outR.Read(buf)
		if n > 0 {
			if sendErr := b.dc.Send(buf[:n]); sendErr != nil {
				b.shutdown()
				return
			}
		}
		if err != nil {
			_ = b.dc.Close()
			return
		}
	}
}

// shutdown terminates both pumps: closing the inbound conduit unblocks (and
// then EOFs) the consumer's Read, and closing the outbound pipe unblocks
// the outbound pump's Read with an error so it stops sending.
func (b *DuplexBridge) shutdown() {
	b.closeOnce.Do(func() {
		_ = b.inbound.Close()
		_ = b.outR.CloseWithError(io.ErrClosedPipe)
	})
}

// Read implements streamio.Stream.
func (b *DuplexBridge) Read(p []byte) (int, error) {
	return b.inbound.Read(p)
}

// Write implements streamio.Stream.
func (b *DuplexBridge) Write(p []byte) (int, error) {
	return b.outW.Write(p)
}

// CloseWrite half-closes the send side: the outbound pump drains whatever
// is already buffered, then closes the data channel.
func (b *DuplexBridge) CloseWrite() error {
	return b.outW.Close()
}

// Close tears down both directions immediately.
func (b *DuplexBridge) Close() error {
	werr := b.outW.Close()
	b.shutdown()
	return werr
}

var _ streamio.Stream = (*DuplexBridge)(nil)
