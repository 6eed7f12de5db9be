package kcp

import "sync"

// Allocator hands out and reclaims the byte slices backing segment
// payloads. The reference C/C++ source this package is grounded on
// exposes a process-wide malloc/free function-pointer pair; here the
// same capability is a per-session value instead of a package global,
// set at construction time via WithAllocator.
type Allocator interface {
	Get(size int) []byte
	Put(buf []byte)
}

// poolAllocator recycles buffers through a sync.Pool, matching the
// teacher's package-level "xmitBuf sync.Pool" but scoped per session
// instead of shared process-wide.
type poolAllocator struct {
	pool sync.Pool
}

// NewPoolAllocator returns an Allocator that recycles buffers of at
// least cap bytes through a sync.Pool.
func NewPoolAllocator(cap int) Allocator {
	a := &poolAllocator{}
	a.pool.New = func() interface{} {
		return make([]byte, cap)
	}
	return a
}

func (a *poolAllocator) Get(size int) []byte {
	buf := a.pool.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func (a *poolAllocator) Put(buf []byte) {
	a.pool.Put(buf) //nolint:staticcheck // capacity, not length, is what matters to the pool
}
