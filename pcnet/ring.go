package pcnet

import (
	"errors"
	"fmt"

	"github.com/slackhq/barenet/dma"
)

const (
	// RingLenLog2 is the ring length as programmed into the initialization
	// block.
	RingLenLog2 = 3
	// RingLen is the number of descriptors in each ring.
	RingLen = 1 << RingLenLog2
	// BufferSize is the size of the buffer behind every descriptor.
	BufferSize = 2048
)

// ErrRingLenInvalid is returned when a ring length cannot be programmed.
var ErrRingLenInvalid = errors.New("ring length is invalid")

// CheckRingLenLog2 checks that a ring of 2^log2 descriptors is representable
// in the 4-bit length field of a 32-bit initialization block.
func CheckRingLenLog2(log2 int) error {
	if log2 < 0 {
		return fmt.Errorf("%w: log2 %d is negative", ErrRingLenInvalid, log2)
	}

	// The device accepts encodings up to 9, 512 descriptors.
	if log2 > 9 {
		return fmt.Errorf("%w: %d descriptors is larger than the maximum of 512",
			ErrRingLenInvalid, 1<<log2)
	}

	return nil
}

// Ring is a circular array of descriptors in DMA memory, each pointing at its
// own fixed size buffer. Descriptors and buffers are addressed by slot index,
// never by pointer arithmetic.
type Ring struct {
	mem         *dma.Arena
	descriptors dma.Region
	buffers     dma.Region
	len         int
	cursor      int
}

// newRing allocates a ring of 2^log2 slots from mem. Every descriptor points at
// its buffer but is otherwise zero; the caller decides who owns it.
func newRing(mem *dma.Arena, log2 int) (*Ring, error) {
	if err := CheckRingLenLog2(log2); err != nil {
		return nil, err
	}

	n := 1 << log2
	descriptors, err := mem.Alloc(n*DescriptorLen, descriptorAlignment)
	if err != nil {
		return nil, fmt.Errorf("allocate descriptors: %w", err)
	}

	buffers, err := mem.Alloc(n*BufferSize, descriptorAlignment)
	if err != nil {
		return nil, fmt.Errorf("allocate buffers: %w", err)
	}

	r := &Ring{
		mem:         mem,
		descriptors: descriptors,
		buffers:     buffers,
		len:         n,
	}

	for i := 0; i < n; i++ {
		StoreDescriptor(mem, r.descriptorAddr(i), Descriptor{Address: r.bufferAddr(i)})
	}

	return r, nil
}

// Base returns the physical address of the first descriptor.
func (r *Ring) Base() uint32 {
	return r.descriptors.Addr
}

func (r *Ring) Len() int {
	return r.len
}

// Cursor returns the slot the next operation will use.
func (r *Ring) Cursor() int {
	return r.cursor
}

func (r *Ring) advance() {
	r.cursor = (r.cursor + 1) % r.len
}

// reset re-arms every slot with flags and moves the cursor back to the start.
func (r *Ring) reset(flags uint32) {
	for i := 0; i < r.len; i++ {
		StoreDescriptor(r.mem, r.descriptorAddr(i), Descriptor{Address: r.bufferAddr(i), Flags: flags})
	}
	r.cursor = 0
}

// Descriptor returns a snapshot of slot i.
func (r *Ring) Descriptor(i int) Descriptor {
	return LoadDescriptor(r.mem, r.descriptorAddr(i))
}

// Owner returns who currently owns slot i.
func (r *Ring) Owner(i int) Owner {
	return OwnerOf(r.flags(i))
}

func (r *Ring) flags(i int) uint32 {
	return LoadDescriptorFlags(r.mem, r.descriptorAddr(i))
}

// handOver clears the device reserved words of slot i and then stores flags.
func (r *Ring) handOver(i int, flags uint32) {
	StoreDescriptor(r.mem, r.descriptorAddr(i), Descriptor{Address: r.bufferAddr(i), Flags: flags})
}

// Buffer returns the memory behind slot i. It must only be touched while
// software owns the slot.
func (r *Ring) Buffer(i int) []byte {
	b, err := r.mem.Bytes(r.bufferAddr(i), BufferSize)
	if err != nil {
		// Both regions came from mem, this can only be a bad index.
		panic(err)
	}
	return b
}

func (r *Ring) descriptorAddr(i int) uint32 {
	if i < 0 || i >= r.len {
		panic(fmt.Sprintf("ring slot %d out of range [0, %d)", i, r.len))
	}
	return r.descriptors.Addr + uint32(i*DescriptorLen)
}

func (r *Ring) bufferAddr(i int) uint32 {
	return r.buffers.Addr + uint32(i*BufferSize)
}
