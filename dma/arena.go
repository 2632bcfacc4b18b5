// Package dma models the physical memory a bus-mastering device reads and
// writes. Regions are identified by 32-bit physical addresses, the only kind of
// pointer a device understands, and are carved out of one contiguous block that
// stays put for the lifetime of the arena.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrOutOfMemory is returned when the arena cannot fit an allocation.
	ErrOutOfMemory = errors.New("dma arena exhausted")

	// ErrBadAddress is returned when a physical range is not inside the arena.
	ErrBadAddress = errors.New("physical address out of range")
)

// pageSize is the alignment required of an arena's base address.
const pageSize = 4096

// Region is a block of the arena.
type Region struct {
	Addr uint32
	Size int
}

// End returns the first physical address past the region.
func (r Region) End() uint32 {
	return r.Addr + uint32(r.Size)
}

// Arena is a bump allocator over a block of device visible memory.
type Arena struct {
	base uint32
	mem  []byte

	mu   sync.Mutex
	next int

	release func() error
}

// NewArena maps size bytes of memory and presents them at physical address
// base, which must be page aligned.
func NewArena(base uint32, size int) (*Arena, error) {
	if base%pageSize != 0 {
		return nil, fmt.Errorf("arena base %#x is not page aligned", base)
	}
	if size <= 0 || uint64(base)+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("arena size %d does not fit a 32-bit address space at %#x", size, base)
	}

	mem, release, err := allocMemory(size)
	if err != nil {
		return nil, fmt.Errorf("allocate dma memory: %w", err)
	}

	return &Arena{base: base, mem: mem, release: release}, nil
}

// Base returns the physical address of the first byte of the arena.
func (a *Arena) Base() uint32 {
	return a.base
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// Alloc reserves size bytes whose physical address is a multiple of alignment.
// Memory is never handed back; rings and control blocks live as long as the
// device does.
func (a *Arena) Alloc(size, alignment int) (Region, error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return Region{}, fmt.Errorf("alignment %d is not a power of 2", alignment)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := align(a.next, alignment)
	if size < 0 || start+size > len(a.mem) {
		return Region{}, fmt.Errorf("%w: %d bytes at alignment %d, %d of %d used",
			ErrOutOfMemory, size, alignment, a.next, len(a.mem))
	}

	a.next = start + size
	return Region{Addr: a.base + uint32(start), Size: size}, nil
}

// Bytes returns the memory backing [addr, addr+n). Writes through the slice are
// visible to the device.
func (a *Arena) Bytes(addr uint32, n int) ([]byte, error) {
	off, err := a.offset(addr, n)
	if err != nil {
		return nil, err
	}
	return a.mem[off : off+n : off+n], nil
}

// Load32 atomically reads the 32-bit word at addr, which must be 4-byte aligned.
// Words are kept in host byte order.
func (a *Arena) Load32(addr uint32) uint32 {
	return atomic.LoadUint32(a.word(addr))
}

// Store32 atomically writes the 32-bit word at addr.
func (a *Arena) Store32(addr uint32, v uint32) {
	atomic.StoreUint32(a.word(addr), v)
}

// Close unmaps the arena. No region may be used afterward.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}

	err := a.release()
	a.release = nil
	a.mem = nil
	return err
}

func (a *Arena) word(addr uint32) *uint32 {
	if addr%4 != 0 {
		panic(fmt.Sprintf("unaligned word access at %#x", addr))
	}

	off, err := a.offset(addr, 4)
	if err != nil {
		panic(err)
	}

	return (*uint32)(unsafe.Pointer(&a.mem[off]))
}

func (a *Arena) offset(addr uint32, n int) (int, error) {
	if addr < a.base || n < 0 || uint64(addr-a.base)+uint64(n) > uint64(len(a.mem)) {
		return 0, fmt.Errorf("%w: [%#x, +%d)", ErrBadAddress, addr, n)
	}
	return int(addr - a.base), nil
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
