package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/kuuji/syneroym/internal/identity"
	"github.com/kuuji/syneroym/internal/peernet"
	"github.com/kuuji/syneroym/internal/streamio"
)

// fakeDialer records the label it was asked to dial and, unless told not
// to, hands back one half of an in-memory pair so the test can inspect
// what reached the "peer".
type fakeDialer struct {
	labels  chan string
	peer    streamio.Stream
	dialErr error
}

func newFakeDialer() (*fakeDialer, streamio.Stream) {
	peerSide, testSide := streamio.Pair()
	return &fakeDialer{labels: make(chan string, 4), peer: peerSide}, testSide
}

func (f *fakeDialer) Dial(ctx context.Context, cache *peernet.Cache, target identity.PeerAddress, label string) (streamio.Stream, error) {
	f.labels <- label
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.peer, nil
}

func startTestGateway(t *testing.T, dialer Dialer) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	g := New(Config{
		ListenAddr:   addr,
		Target:       identity.PeerAddress{ID: "remote-peer"},
		Dialer:       dialer,
		SignalingURL: "wss://signal.example.com",
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = g.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway never started listening")
	return ""
}

// TestGateway_LoopMarkerShortCircuits reproduces spec scenario S4: a
// request carrying X-Peer-Proxy must get a 502 with "Loop Detected" in the
// body, and must never reach the dialer (invariant 7: zero dial attempts).
func TestGateway_LoopMarkerShortCircuits(t *testing.T) {
	t.Parallel()

	dialer, _ := newFakeDialer()
	addr := startTestGateway(t, dialer)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET / HTTP/1.1\r\nHost: orders.example.com\r\nX-Peer-Proxy: sw\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 502 {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	if got := string(buf[:n]); got != "Loop Detected" {
		t.Fatalf("body = %q, want to contain Loop Detected", got)
	}

	select {
	case label := <-dialer.labels:
		t.Fatalf("dialer was called with label %q, want zero dial attempts", label)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestGateway_WebSocketUpgradeTunnels reproduces spec scenario S5: a
// websocket upgrade request is dialed by hostname label and the raw
// request bytes pass through untouched.
func TestGateway_WebSocketUpgradeTunnels(t *testing.T) {
	t.Parallel()

	dialer, peerTestSide := newFakeDialer()
	addr := startTestGateway(t, dialer)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET /chat HTTP/1.1\r\n" +
		"Host: chat.example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	select {
	case label := <-dialer.labels:
		if label != "chat" {
			t.Fatalf("dialed label = %q, want chat", label)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
	}

	buf := make([]byte, len(req))
	if _, err := readAtLeast(peerTestSide, buf, len(req)); err != nil {
		t.Fatalf("reading tunneled bytes: %v", err)
	}
	if string(buf) != req {
		t.Fatalf("tunneled bytes = %q, want %q", buf, req)
	}
}

func readAtLeast(r interface{ Read([]byte) (int, error) }, buf []byte, n int) (int, error) {
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

// TestGateway_ServiceWorkerRoute reproduces the service-worker-serving
// behavior: GET /__syneroym/sw.js never dials the peer and returns the
// rendered script with the headers browsers require to install it at root
// scope.
func TestGateway_ServiceWorkerRoute(t *testing.T) {
	t.Parallel()

	dialer, _ := newFakeDialer()
	addr := startTestGateway(t, dialer)

	resp, err := http.Get("http://" + addr + swJSPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/javascript" {
		t.Errorf("Content-Type = %q, want application/javascript", ct)
	}
	if sw := resp.Header.Get("Service-Worker-Allowed"); sw != "/" {
		t.Errorf("Service-Worker-Allowed = %q, want /", sw)
	}

	select {
	case label := <-dialer.labels:
		t.Fatalf("dialer was called with label %q, want zero dial attempts", label)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestGateway_ShellFallback verifies that a plain navigation request gets
// the HTML shell instead of being tunneled.
func TestGateway_ShellFallback(t *testing.T) {
	t.Parallel()

	dialer, _ := newFakeDialer()
	addr := startTestGateway(t, dialer)

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}

	select {
	case label := <-dialer.labels:
		t.Fatalf("dialer was called with label %q, want zero dial attempts", label)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestGateway_TLSTunnels verifies a TLS ClientHello is classified and
// dialed by SNI label without ever being parsed as HTTP.
func TestGateway_TLSTunnels(t *testing.T) {
	t.Parallel()

	dialer, peerTestSide := newFakeDialer()
	addr := startTestGateway(t, dialer)

	clientHello := clientHelloBytesForTest(t, "secure.example.com")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(clientHello); err != nil {
		t.Fatalf("write clienthello: %v", err)
	}

	select {
	case label := <-dialer.labels:
		if label != "secure" {
			t.Fatalf("dialed label = %q, want secure", label)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
	}

	buf := make([]byte, len(clientHello))
	if _, err := readAtLeast(peerTestSide, buf, len(clientHello)); err != nil {
		t.Fatalf("reading tunneled bytes: %v", err)
	}
	if string(buf) != string(clientHello) {
		t.Fatal("tunneled TLS bytes were not byte-identical")
	}
}

// clientHelloBytesForTest captures a real TLS ClientHello wire record by
// dialing a local listener and intercepting the first flight on the
// plaintext side, so the gateway's TLS branch is exercised against bytes a
// real client would send.
func clientHelloBytesForTest(t *testing.T, sni string) []byte {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	captured := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		captured <- buf[:n]
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	go func() {
		_ = tls.Client(conn, &tls.Config{ServerName: sni, InsecureSkipVerify: true}).Handshake()
	}()

	return <-captured
}
