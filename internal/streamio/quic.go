package streamio

import (
	"github.com/quic-go/quic-go"
)

// quicStream adapts a *quic.Stream to Stream. quic-go's Stream.Close already
// closes only the write side and sends a FIN, which is exactly CloseWrite
// semantics; a full Close additionally cancels the read side so the peer
// sees a reset instead of waiting out its own read deadline.
type quicStream struct {
	*quic.Stream
}

// FromQUIC wraps a QUIC stream as a Stream.
func FromQUIC(s *quic.Stream) Stream {
	return quicStream{s}
}

func (q quicStream) CloseWrite() error {
	return q.Stream.Close()
}

func (q quicStream) Close() error {
	err := q.Stream.Close()
	q.Stream.CancelRead(0)
	return err
}
