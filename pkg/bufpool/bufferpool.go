// Package bufpool provides buffer pooling to reduce GC pressure on the
// request-hot paths (JSON responses, cache body writes) that would
// otherwise allocate a fresh buffer per call.
package bufpool

import (
	"bytes"
	"sync"
)

const maxPooledCap = 1024 * 1024 // 1MB; larger buffers are left for the GC

// BufferPool is a pool of reusable bytes.Buffer objects.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a new buffer pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Get retrieves a reset, ready-to-use buffer from the pool.
func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool. Buffers that grew past maxPooledCap are
// dropped instead, so one oversized response can't bloat the pool forever.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > maxPooledCap {
		return
	}
	p.pool.Put(buf)
}
