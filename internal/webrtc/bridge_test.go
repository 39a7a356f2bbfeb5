package webrtc

import (
	"io"
	"sync"
	"testing"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
)

// connectedBridgePair establishes a real pion offer/answer/ICE exchange
// between two local peers (same technique as peer_test.go) and returns
// each side wrapped in a DuplexBridge once both data channels are open.
func connectedBridgePair(t *testing.T) (a, b *DuplexBridge) {
	t.Helper()

	candidatesForB := make(chan string, 32)
	candidatesForA := make(chan string, 32)
	dcOpenA := make(chan *pionwebrtc.DataChannel, 1)
	dcOpenB := make(chan *pionwebrtc.DataChannel, 1)

	peerA, err := NewPeer(PeerConfig{
		ICE:      localICEConfig(),
		LocalID:  "peer-a",
		RemoteID: "peer-b",
		OnICECandidate: func(candidate string) {
			candidatesForB <- candidate
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dcOpenA <- dc
		},
	})
	if err != nil {
		t.Fatalf("NewPeer(A) error: %v", err)
	}
	t.Cleanup(func() { peerA.Close() })

	peerB, err := NewPeer(PeerConfig{
		ICE:      localICEConfig(),
		LocalID:  "peer-b",
		RemoteID: "peer-a",
		OnICECandidate: func(candidate string) {
			candidatesForA <- candidate
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dcOpenB <- dc
		},
	})
	if err != nil {
		t.Fatalf("NewPeer(B) error: %v", err)
	}
	t.Cleanup(func() { peerB.Close() })

	offerSDP, err := peerA.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error: %v", err)
	}
	answerSDP, err := peerB.HandleOffer(offerSDP)
	if err != nil {
		t.Fatalf("HandleOffer() error: %v", err)
	}
	if err := peerA.SetAnswer(answerSDP); err != nil {
		t.Fatalf("SetAnswer() error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for c := range candidatesForB {
			_ = peerB.AddICECandidate(c)
		}
	}()
	go func() {
		defer wg.Done()
		for c := range candidatesForA {
			_ = peerA.AddICECandidate(c)
		}
	}()
	t.Cleanup(func() {
		close(candidatesForB)
		close(candidatesForA)
		wg.Wait()
	})

	timeout := time.After(10 * time.Second)

	var dcA, dcB *pionwebrtc.DataChannel
	select {
	case dcA = <-dcOpenA:
	case <-timeout:
		t.Fatal("timed out waiting for data channel on peer A")
	}
	select {
	case dcB = <-dcOpenB:
	case <-timeout:
		t.Fatal("timed out waiting for data channel on peer B")
	}

	return NewDuplexBridge(dcA), NewDuplexBridge(dcB)
}

// TestDuplexBridge_ByteFidelityAcrossMessageBoundaries reproduces spec
// scenario S6: a payload larger than one data-channel message must arrive
// at the far side reassembled byte-for-byte, even though the bridge sends
// it as several discrete messages (outboundScratchSize-sized chunks).
func TestDuplexBridge_ByteFidelityAcrossMessageBoundaries(t *testing.T) {
	t.Parallel()

	a, b := connectedBridgePair(t)

	payload := make([]byte, outboundScratchSize*3+777)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.Write(payload)
		done <- err
	}()

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatalf("reading bridged bytes: %v", err)
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], payload[i])
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("Write() error: %v", err)
	}
}

// TestDuplexBridge_Bidirectional verifies independent byte flow in both
// directions over the same pair of bridges.
func TestDuplexBridge_Bidirectional(t *testing.T) {
	t.Parallel()

	a, b := connectedBridgePair(t)

	if _, err := a.Write([]byte("ping")); err != nil {
		t.Fatalf("a.Write() error: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("b read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("b received %q, want ping", buf)
	}

	if _, err := b.Write([]byte("pong")); err != nil {
		t.Fatalf("b.Write() error: %v", err)
	}
	if _, err := io.ReadFull(a, buf); err != nil {
		t.Fatalf("a read: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("a received %q, want pong", buf)
	}
}

// TestDuplexBridge_CloseSurfacesEOF verifies that closing one side's data
// channel unblocks the other side's Read with EOF, rather than hanging.
func TestDuplexBridge_CloseSurfacesEOF(t *testing.T) {
	t.Parallel()

	a, b := connectedBridgePair(t)

	if err := a.Close(); err != nil {
		t.Fatalf("a.Close() error: %v", err)
	}

	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(b)
		readDone <- err
	}()

	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("b.Read() after peer close: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("b never saw EOF after peer closed its data channel")
	}
}
