package uatcp

import (
	"math/bits"
	"sync"
)

// maxPooledClass bounds the pooled buffer sizes to 16 MiB. Larger
// requests are allocated directly and left to the garbage collector.
const maxPooledClass = 24

// bufferPool hands out byte slices bucketed by power-of-two capacity.
// Get and Put are safe for concurrent use.
type bufferPool struct {
	classes [maxPooledClass + 1]sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{}
}

func sizeClass(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Get returns a slice of length n.
func (p *bufferPool) Get(n int) []byte {
	class := sizeClass(n)
	if class > maxPooledClass {
		return make([]byte, n)
	}
	if v := p.classes[class].Get(); v != nil {
		buf := *(v.(*[]byte))
		return buf[:n]
	}
	return make([]byte, n, 1<<class)
}

// Put gives buf back to the pool. Buffers whose capacity is not a pool
// class (e.g. reassembled messages) are dropped.
func (p *bufferPool) Put(buf []byte) {
	c := cap(buf)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	class := sizeClass(c)
	if class > maxPooledClass {
		return
	}
	buf = buf[:0]
	p.classes[class].Put(&buf)
}
