package optimize

import (
	"sync"
)

// BytePool recycles fixed-size read buffers, e.g. one RTP packet each.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of exactly Size bytes. Contents are not cleared.
func (p *BytePool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns a buffer to the pool. Buffers smaller than Size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

func (p *BytePool) Size() int { return p.size }
