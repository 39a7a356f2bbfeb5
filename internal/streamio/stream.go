// Package streamio defines the byte-stream abstraction shared by every
// transport in the fabric — the QUIC-backed peer transport, the WebRTC
// data-channel bridge, and local TCP connections all satisfy Stream, so
// the proxy and gateway components never need to know which one they're
// holding.
package streamio

import (
	"errors"
	"io"
)

// Stream is a bidirectional byte stream with independent half-close.
// Implementations must make CloseWrite safe to call concurrently with Read.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite signals that no more data will be written, without
	// affecting the read side. The peer observes this as EOF.
	CloseWrite() error

	// Close tears down both directions immediately.
	Close() error
}

// Kind classifies why a stream operation failed.
type Kind int

const (
	// KindOther covers errors that don't fit another Kind.
	KindOther Kind = iota

	// KindClosed means the stream was already closed locally.
	KindClosed

	// KindReset means the peer aborted the stream.
	KindReset

	// KindTimeout means the operation exceeded its deadline.
	KindTimeout
)

// Error wraps a transport-specific error with a stream-level classification,
// so callers can react to "was this a clean close or a reset" without
// depending on the concrete transport's error types.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given Kind. If err is nil, NewError returns nil.
func NewError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind of err, or KindOther if err does not wrap an Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}
