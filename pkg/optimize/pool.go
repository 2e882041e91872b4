// Package optimize provides allocation helpers for hot paths.
package optimize

import (
	"sync"
)

// BytePool recycles fixed-size byte slices. Used on the media forwarding
// path where a buffer is needed per packet read.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool handing out slices of the given size.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

// Get returns a slice of the pool's size.
func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a slice to the pool. Undersized slices are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) >= p.size {
		p.pool.Put(b[:p.size])
	}
}

// PreAllocateSlice pre-allocates a slice with known capacity.
func PreAllocateSlice[T any](length, capacity int) []T {
	if capacity < length {
		capacity = length
	}
	return make([]T, length, capacity)
}

// GrowSlice grows a slice, doubling capacity when reallocation is needed.
func GrowSlice[T any](s []T, newLen int) []T {
	if newLen <= cap(s) {
		return s[:newLen]
	}

	newCap := cap(s) * 2
	if newCap < newLen {
		newCap = newLen
	}

	grown := make([]T, newLen, newCap)
	copy(grown, s)
	return grown
}
