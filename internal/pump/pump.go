// Package pump implements the bidirectional byte-pump of spec.md §4.7: two
// independent copy loops joined by a cancellation select, rather than a
// single task holding both directions' state.
package pump

import (
	"io"
	"net"
)

// BufferSize bounds each copy loop's read buffer (spec.md §4.7 reference: 8 KiB).
const BufferSize = 8 * 1024

type halfCloser interface {
	CloseWrite() error
}

// Recorder receives the byte count of each completed copy direction.
// internal/metrics.Metrics satisfies this narrowly so pump doesn't need to
// import the metrics package.
type Recorder interface {
	RecordBytes(direction string, n int64)
}

// Run copies bytes between a and b in both directions until both sides reach
// EOF or an I/O error, or until done fires. On done, both streams are closed
// and the loops are abandoned immediately. Run blocks until both directions
// have finished or been abandoned; it never closes a or b itself on the
// normal-completion path — the caller owns their lifetime beyond that point,
// except when cancelled, in which case Run closes both to unblock the loops.
// rec may be nil, in which case byte counts are simply not reported.
func Run(a, b net.Conn, done <-chan struct{}, rec Recorder) {
	results := make(chan struct{}, 2)

	go func() {
		n := copyHalf(b, a)
		if rec != nil {
			rec.RecordBytes("out", n)
		}
		results <- struct{}{}
	}()
	go func() {
		n := copyHalf(a, b)
		if rec != nil {
			rec.RecordBytes("in", n)
		}
		results <- struct{}{}
	}()

	remaining := 2
	for remaining > 0 {
		select {
		case <-results:
			remaining--
		case <-done:
			a.Close()
			b.Close()
			// Drain the remaining completions so their goroutines don't leak.
			for ; remaining > 0; remaining-- {
				<-results
			}
			return
		}
	}
}

// copyHalf copies src to dst until EOF or error, then half-closes dst for
// writing so the peer observes EOF without losing dst's own read side. It
// returns the number of bytes copied.
func copyHalf(dst, src net.Conn) int64 {
	buf := make([]byte, BufferSize)
	n, _ := io.CopyBuffer(dst, src, buf)
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	}
	return n
}
