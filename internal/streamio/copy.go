package streamio

import (
	"context"
	"io"
	"sync"
)

// Copy pumps bytes bidirectionally between a and b until both directions
// have reached EOF or erred. Each direction's EOF triggers CloseWrite on the
// other stream rather than a hard Close, so a still-writing peer isn't cut
// off mid-response. Copy blocks until both pumps finish or ctx is canceled,
// and returns the byte counts transferred in each direction.
//
// This is the single byte-pumping primitive used by the local TCP proxy, the
// web gateway, and the inbound peer listener's dispatch path.
func Copy(ctx context.Context, a, b Stream) (aToB, bToA int64, err error) {
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	recordErr := func(e error) {
		if e == nil || e == io.EOF {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = e
		}
		mu.Unlock()
	}

	wg.Add(2)

	go func() {
		defer wg.Done()
		n, copyErr := io.Copy(b, a)
		aToB = n
		recordErr(copyErr)
		_ = b.CloseWrite()
	}()

	go func() {
		defer wg.Done()
		n, copyErr := io.Copy(a, b)
		bToA = n
		recordErr(copyErr)
		_ = a.CloseWrite()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = a.Close()
		_ = b.Close()
		<-done
	}

	return aToB, bToA, firstErr
}
