package streamio

import "io"

// pipeStream combines a reader half and a writer half into a Stream. It's
// used to adapt anything that already speaks io.Reader/io.WriteCloser —
// such as the in-memory pipes Pair builds for tests — into the common
// Stream interface.
type pipeStream struct {
	r io.ReadCloser
	w io.WriteCloser
}

// FromDuplexPipe builds a Stream from a separate read and write half.
// CloseWrite closes only the write half; Close closes both.
func FromDuplexPipe(r io.ReadCloser, w io.WriteCloser) Stream {
	return &pipeStream{r: r, w: w}
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeStream) CloseWrite() error {
	return p.w.Close()
}

func (p *pipeStream) Close() error {
	werr := p.w.Close()
	rerr := p.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Pair returns two Streams connected by in-memory pipes, for use in tests
// that need a fake bidirectional stream without a real transport.
func Pair() (a, b Stream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return FromDuplexPipe(ar, aw), FromDuplexPipe(br, bw)
}
