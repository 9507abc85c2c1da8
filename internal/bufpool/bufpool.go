// Package bufpool provides scoped scratch-buffer acquisition for the byte
// copying every sparse-stream read/write path does (sector bitmaps, block
// payloads, PDU framing). It replaces the arena/ArrayPool pattern the source
// systems use with an explicit, scope-bound pool: callers acquire a buffer,
// defer its release, and the pool guarantees the release happens even on an
// error exit path.
package bufpool

import "sync"

// classes are the bucket sizes scratch buffers are rounded up to, chosen to
// cover a VHD/VHDX sector (512), a VHDX log-sector (4096), and a VHD/VHDX
// default block-size chunk (up to 2 MiB) without forcing every caller
// through the same oversized allocation.
var classes = []int{512, 4096, 1 << 16, 1 << 20, 2 << 20}

var pools = func() []sync.Pool {
	p := make([]sync.Pool, len(classes))
	for i, n := range classes {
		n := n
		p[i].New = func() any { return make([]byte, n) }
	}
	return p
}()

func classFor(n int) int {
	for i, c := range classes {
		if n <= c {
			return i
		}
	}
	return -1
}

// Buffer is a scratch byte slice checked out from the pool. Acquire it with
// Get, use Bytes() for the length-n slice, and release it with Release.
type Buffer struct {
	class int
	buf   []byte
}

// Get acquires a buffer of at least n bytes. Callers must call Release
// exactly once, on every exit path including error returns.
func Get(n int) *Buffer {
	class := classFor(n)
	if class < 0 {
		// Larger than our largest bucket: allocate directly, not pooled.
		return &Buffer{class: -1, buf: make([]byte, n)}
	}
	buf := pools[class].Get().([]byte)
	if cap(buf) < n {
		buf = make([]byte, classes[class])
	}
	return &Buffer{class: class, buf: buf[:n]}
}

// Bytes returns the checked-out slice, sized exactly to the n requested in Get.
func (b *Buffer) Bytes() []byte { return b.buf }

// Release returns the buffer to its pool. Safe to call on a nil *Buffer.
func (b *Buffer) Release() {
	if b == nil || b.class < 0 {
		return
	}
	pools[b.class].Put(b.buf[:cap(b.buf)])
}
