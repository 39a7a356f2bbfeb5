package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kuuji/syneroym/internal/identity"
	"github.com/kuuji/syneroym/internal/peernet"
	"github.com/kuuji/syneroym/internal/streamio"
)

// fakeDialer records the label it was asked to dial and hands back one
// half of an in-memory pair, giving the test direct access to the other
// half as if it were the remote peer's inbound stream.
type fakeDialer struct {
	labels chan string
	peer   streamio.Stream
}

func newFakeDialer() (*fakeDialer, streamio.Stream) {
	peerSide, testSide := streamio.Pair()
	return &fakeDialer{labels: make(chan string, 4), peer: peerSide}, testSide
}

func (f *fakeDialer) Dial(ctx context.Context, cache *peernet.Cache, target identity.PeerAddress, label string) (streamio.Stream, error) {
	f.labels <- label
	return f.peer, nil
}

func startTestProxy(t *testing.T, dialer Dialer) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := New(Config{
		ListenAddr: addr,
		Target:     identity.PeerAddress{ID: "remote-peer"},
		Dialer:     dialer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan error, 1)
	go func() {
		ready <- p.Serve(ctx)
	}()

	// Give the listener a moment to bind before dialing it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("proxy never started listening")
	return ""
}

func TestProxy_HTTPHostExtractsLabelAndTunnels(t *testing.T) {
	t.Parallel()

	dialer, peerTestSide := newFakeDialer()
	addr := startTestProxy(t, dialer)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: orders.example.com\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	select {
	case label := <-dialer.labels:
		if label != "orders" {
			t.Fatalf("dialed label = %q, want orders", label)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
	}

	// Bytes after the peeked portion must still reach the peer stream
	// untouched (byte-fidelity past the classified prefix).
	if _, err := conn.Write([]byte("more-body")); err != nil {
		t.Fatalf("write body: %v", err)
	}

	buf := make([]byte, 64)
	n, err := readAtLeast(peerTestSide, buf, len("GET / HTTP/1.1\r\nHost: orders.example.com\r\n\r\nmore-body"))
	if err != nil {
		t.Fatalf("reading tunneled bytes: %v", err)
	}
	got := string(buf[:n])
	want := "GET / HTTP/1.1\r\nHost: orders.example.com\r\n\r\nmore-body"
	if got != want {
		t.Fatalf("tunneled bytes = %q, want %q", got, want)
	}
}

func readAtLeast(r io.Reader, buf []byte, n int) (int, error) {
	total := 0
	for total < n {
		m, err := r.Read(buf[total:])
		total += m
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
