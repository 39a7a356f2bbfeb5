package streamio

import "net"

// halfCloser is satisfied by *net.TCPConn and *net.UnixConn.
type halfCloser interface {
	CloseWrite() error
}

// connStream adapts a net.Conn to Stream, using CloseWrite when the
// underlying connection supports it and falling back to a full Close
// otherwise (e.g. for connection types without half-close, like TLS).
type connStream struct {
	net.Conn
}

// FromConn wraps a net.Conn as a Stream.
func FromConn(c net.Conn) Stream {
	return connStream{c}
}

func (c connStream) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}
