package streamio

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

// bridgedPair returns two Streams, "client" and "backend", wired together
// through Copy the way the tunnel wires a client socket to a peer stream
// (or a peer stream to a backend socket): bytes written to one surface as
// reads on the other, in both directions, independently.
func bridgedPair(ctx context.Context) (client, backend Stream, result <-chan copyResult) {
	clientStream, clientInner := Pair()
	backendInner, backendStream := Pair()

	res := make(chan copyResult, 1)
	go func() {
		aToB, bToA, err := Copy(ctx, clientInner, backendInner)
		res <- copyResult{aToB, bToA, err}
	}()

	return clientStream, backendStream, res
}

type copyResult struct {
	aToB, bToA int64
	err        error
}

func TestCopy_ByteFidelityBothDirections(t *testing.T) {
	t.Parallel()

	client, backend, result := bridgedPair(context.Background())

	go func() {
		_, _ = client.Write([]byte("request-bytes"))
		_ = client.CloseWrite()
	}()

	got, err := io.ReadAll(backend)
	if err != nil {
		t.Fatalf("reading through Copy: %v", err)
	}
	if string(got) != "request-bytes" {
		t.Fatalf("backend received %q, want request-bytes", got)
	}

	if _, err := backend.Write([]byte("response-bytes")); err != nil {
		t.Fatalf("writing response: %v", err)
	}
	_ = backend.CloseWrite()

	got2, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("reading response through Copy: %v", err)
	}
	if string(got2) != "response-bytes" {
		t.Fatalf("client received %q, want response-bytes", got2)
	}

	select {
	case r := <-result:
		if r.err != nil {
			t.Fatalf("Copy() error: %v", r.err)
		}
		if r.aToB != int64(len("request-bytes")) {
			t.Errorf("aToB = %d, want %d", r.aToB, len("request-bytes"))
		}
		if r.bToA != int64(len("response-bytes")) {
			t.Errorf("bToA = %d, want %d", r.bToA, len("response-bytes"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Copy did not return after both sides closed")
	}
}

func TestCopy_HalfCloseDoesNotCloseOtherDirection(t *testing.T) {
	t.Parallel()

	client, backend, result := bridgedPair(context.Background())

	_ = client.CloseWrite()

	// backend's read side must see EOF...
	if n, err := backend.Read(make([]byte, 1)); err != io.EOF || n != 0 {
		t.Fatalf("backend.Read() = %d, %v, want 0, io.EOF", n, err)
	}

	// ...but backend can still write a response back to client.
	if _, err := backend.Write([]byte("still-open")); err != nil {
		t.Fatalf("backend.Write() after client half-close: %v", err)
	}
	_ = backend.CloseWrite()

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if string(got) != "still-open" {
		t.Fatalf("client received %q, want still-open", got)
	}

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("Copy did not return after both directions closed")
	}
}

func TestCopy_ContextCancelClosesBoth(t *testing.T) {
	t.Parallel()

	a, b := Pair()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_, _, _ = Copy(ctx, a, b)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Copy did not return after context cancellation")
	}

	if _, err := a.Write([]byte("x")); err == nil {
		t.Error("expected write on a to fail after cancellation closed it")
	}
}

func TestPair_IndependentDirections(t *testing.T) {
	t.Parallel()

	a, b := Pair()
	defer a.Close()
	defer b.Close()

	go func() { _, _ = a.Write([]byte("hi")) }()

	buf := make([]byte, 2)
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, []byte("hi")) {
		t.Fatalf("got %q, want hi", buf)
	}
}

func TestError_KindOf(t *testing.T) {
	t.Parallel()

	wrapped := NewError(KindReset, io.ErrClosedPipe)
	if KindOf(wrapped) != KindReset {
		t.Errorf("KindOf() = %v, want KindReset", KindOf(wrapped))
	}

	if KindOf(io.EOF) != KindOther {
		t.Errorf("KindOf(plain error) = %v, want KindOther", KindOf(io.EOF))
	}

	if NewError(KindReset, nil) != nil {
		t.Error("NewError(kind, nil) should return nil")
	}
}
