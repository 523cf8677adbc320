package proxy

import (
	"net/http/httputil"
	"sync"
)

type bufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a pool of fixed-size byte slices.
func NewBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

// Put returns b to the pool. Slices of the wrong size are dropped.
func (p *bufferPool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	// This &b forces a 32-byte heap allocation.  There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}
