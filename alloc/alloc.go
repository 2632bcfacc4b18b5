// Package alloc is the kernel heap contract the network stack builds outbound
// frames with, plus a budgeted heap that satisfies it.
package alloc

import (
	"errors"
	"fmt"
	"sync"
)

var ErrOutOfMemory = errors.New("out of memory")

type Allocator interface {
	Allocate(n int) ([]byte, error)
}

// Freer is implemented by allocators that take buffers back.
type Freer interface {
	Free(b []byte)
}

// Heap hands out zeroed buffers while the total outstanding size stays within
// its budget.
type Heap struct {
	mu    sync.Mutex
	size  int
	inUse int
}

func NewHeap(size int) *Heap {
	return &Heap{size: size}
}

func (h *Heap) Allocate(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid allocation size %d", n)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inUse+n > h.size {
		return nil, fmt.Errorf("%w: requested %d bytes, %d of %d in use", ErrOutOfMemory, n, h.inUse, h.size)
	}

	h.inUse += n
	return make([]byte, n), nil
}

// Free returns b's bytes to the budget. b must have come from Allocate and must
// not be freed twice.
func (h *Heap) Free(b []byte) {
	h.mu.Lock()
	h.inUse -= cap(b)
	if h.inUse < 0 {
		h.inUse = 0
	}
	h.mu.Unlock()
}

// InUse returns the number of bytes currently allocated.
func (h *Heap) InUse() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse
}

// Release gives b back to a if a supports it.
func Release(a Allocator, b []byte) {
	if f, ok := a.(Freer); ok {
		f.Free(b)
	}
}
