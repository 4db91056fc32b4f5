// Package bufpool hands out the 32 KiB block buffers that the engine's flush
// path packs with block.Writer and hands to the stripe writer. Ownership is
// exclusive until Release; Detach transfers ownership to
// an async consumer (the flusher handing a sealed block to the stripe writer)
// without returning it to the pool, per §5/§9.
package bufpool

import "sync"

// Size is the fixed block size used for every pooled buffer.
const Size = 32 * 1024

// Pool is an explicit handle, created and destroyed alongside the engine —
// there is no process-wide singleton.
type Pool struct {
	p sync.Pool
}

// New creates a pool of Size-byte buffers.
func New() *Pool {
	pool := &Pool{}
	pool.p.New = func() any {
		b := make([]byte, Size)
		return &b
	}
	return pool
}

// Get borrows a zeroed Size-byte buffer. The caller must Release or Detach it.
func (p *Pool) Get() []byte {
	b := *(p.p.Get().(*[]byte))
	clear(b)
	return b
}

// Release returns a buffer to the pool. The caller must not use b afterwards.
func (p *Pool) Release(b []byte) {
	if cap(b) != Size {
		return
	}
	b = b[:Size]
	p.p.Put(&b)
}

// Detach transfers ownership of b to a consumer that will hold it past the
// caller's own lifetime (e.g. an async flush). The buffer is never returned to
// this pool; the new owner is responsible for letting it be GC'd.
func Detach(b []byte) []byte { return b }
