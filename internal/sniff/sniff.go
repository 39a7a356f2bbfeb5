// Package sniff classifies an inbound client connection — TLS or plain
// HTTP — and extracts the hostname (SNI or Host header) without consuming
// any bytes from the socket, so the same connection can be handed off to
// a tunnel untouched.
package sniff

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// MaxPeek is the default number of bytes peeked from a client connection
// before giving up on classification.
const MaxPeek = 4096

// Errors returned by Classify and ServiceLabel.
var (
	ErrShortPeek    = errors.New("sniff: not enough bytes peeked yet")
	ErrMalformedTLS = errors.New("sniff: malformed TLS ClientHello")
	ErrNoHostname   = errors.New("sniff: no SNI or Host header present")
	ErrNoService    = errors.New("sniff: hostname has no service label")
)

// Transport identifies which wire protocol Classify detected.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportTLS
	TransportHTTP
)

// Result is the outcome of classifying a peeked connection.
type Result struct {
	Transport Transport
	Hostname  string
}

// PeekingConn wraps a net.Conn so that bytes already inspected by Peek are
// replayed to the first subsequent Reads before falling through to the
// underlying connection. The caller sees exactly the same byte stream it
// would have seen without peeking.
type PeekingConn struct {
	net.Conn
	remaining []byte
}

func (p *PeekingConn) Read(b []byte) (int, error) {
	if len(p.remaining) > 0 {
		n := copy(b, p.remaining)
		p.remaining = p.remaining[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// CloseWrite half-closes the underlying connection when it supports
// half-close, and fully closes it otherwise.
func (p *PeekingConn) CloseWrite() error {
	if hc, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return p.Conn.Close()
}

// Peek reads up to max bytes from conn and returns them alongside a
// replacement net.Conn that will replay those bytes before resuming reads
// from conn. It does not set or clear any read deadline; callers that want
// a bound on how long a client can take to send its first bytes should set
// one before calling Peek.
func Peek(conn net.Conn, max int) ([]byte, net.Conn, error) {
	buf := make([]byte, max)
	n, err := conn.Read(buf)
	if n == 0 && err != nil {
		return nil, nil, fmt.Errorf("sniff: peeking: %w", err)
	}
	peek := buf[:n]
	return peek, &PeekingConn{Conn: conn, remaining: peek}, nil
}

// Classify inspects a peeked byte slice and determines whether it opens a
// TLS or an HTTP/1.x connection, returning the hostname carried by the SNI
// extension or the Host header respectively.
func Classify(peek []byte) (Result, error) {
	if len(peek) >= 3 && peek[0] == 0x16 && peek[1] == 0x03 {
		return classifyTLS(peek)
	}
	return classifyHTTP(peek)
}

// ServiceLabel derives the routing service label from a hostname: the
// leftmost DNS label, with the port stripped if present.
func ServiceLabel(hostname string) (string, error) {
	if h, _, err := net.SplitHostPort(hostname); err == nil {
		hostname = h
	}
	labels := strings.Split(hostname, ".")
	if len(labels) < 2 || labels[0] == "" {
		return "", ErrNoService
	}
	return labels[0], nil
}

func classifyTLS(peek []byte) (Result, error) {
	hello, err := readClientHello(bytes.NewReader(peek))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Result{}, ErrShortPeek
		}
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedTLS, err)
	}
	if hello.ServerName == "" {
		return Result{Transport: TransportTLS}, ErrNoHostname
	}
	return Result{Transport: TransportTLS, Hostname: hello.ServerName}, nil
}

// readClientHello recovers the TLS ClientHello without ever writing a byte
// back to the client: tls.Server's Handshake calls GetConfigForClient with
// the parsed hello and is allowed to abort the handshake by returning an
// error, at which point no response has been sent.
func readClientHello(r io.Reader) (*tls.ClientHelloInfo, error) {
	var hello *tls.ClientHelloInfo
	abort := errors.New("sniff: aborting after ClientHello")

	err := tls.Server(readOnlyConn{r: r}, &tls.Config{
		GetConfigForClient: func(argHello *tls.ClientHelloInfo) (*tls.Config, error) {
			h := *argHello
			hello = &h
			return nil, abort
		},
	}).Handshake()

	if hello != nil {
		return hello, nil
	}
	return nil, err
}

func classifyHTTP(peek []byte) (Result, error) {
	scanner := bufio.NewScanner(bytes.NewReader(peek))
	scanner.Buffer(make([]byte, 0, len(peek)), len(peek))

	sawRequestLine := false
	for scanner.Scan() {
		line := scanner.Text()
		if !sawRequestLine {
			sawRequestLine = true
			continue
		}
		if line == "" || line == "\r" {
			break
		}
		name, value, ok := splitHeader(line)
		if ok && strings.EqualFold(name, "Host") {
			return Result{Transport: TransportHTTP, Hostname: value}, nil
		}
	}
	if !sawRequestLine {
		return Result{}, ErrShortPeek
	}
	return Result{Transport: TransportHTTP}, ErrNoHostname
}

func splitHeader(line string) (name, value string, ok bool) {
	line = strings.TrimSuffix(line, "\r")
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return line[:i], strings.TrimSpace(line[i+1:]), true
}

// readOnlyConn adapts an io.Reader to net.Conn so crypto/tls can read a
// ClientHello from it; any Write is rejected so the handshake can never
// leak bytes back to the client being sniffed.
type readOnlyConn struct {
	r io.Reader
}

func (c readOnlyConn) Read(b []byte) (int, error)         { return c.r.Read(b) }
func (c readOnlyConn) Write(_ []byte) (int, error)        { return 0, io.ErrClosedPipe }
func (c readOnlyConn) Close() error                       { return nil }
func (c readOnlyConn) LocalAddr() net.Addr                { return nil }
func (c readOnlyConn) RemoteAddr() net.Addr               { return nil }
func (c readOnlyConn) SetDeadline(_ time.Time) error      { return nil }
func (c readOnlyConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c readOnlyConn) SetWriteDeadline(_ time.Time) error { return nil }
