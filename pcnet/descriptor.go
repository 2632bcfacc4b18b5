package pcnet

import (
	"github.com/slackhq/barenet/dma"
)

// DescriptorLen is the number of bytes a Descriptor takes in memory.
const DescriptorLen = 16

// descriptorAlignment is the alignment the device requires of descriptors and
// of the buffers they point at.
const descriptorAlignment = 16

// Descriptor flag bits, shared by transmit and receive descriptors.
const (
	DescOwn           uint32 = 0x8000_0000
	DescError         uint32 = 0x4000_0000
	DescStartOfPacket uint32 = 0x0200_0000
	DescEndOfPacket   uint32 = 0x0100_0000
	DescOnes          uint32 = 0x0000_f000
	DescByteCountMask uint32 = 0x0000_0fff
)

const (
	// transmitIdleFlags marks an empty, software owned transmit slot.
	transmitIdleFlags uint32 = 0x0000_f7ff
	// receiveArmedFlags hands a receive slot to the device.
	receiveArmedFlags uint32 = DescOwn | 0x0000_f7ff
)

// Owner says who may touch a descriptor's buffer.
type Owner uint8

const (
	OwnerSoftware Owner = iota
	OwnerDevice
)

func (o Owner) String() string {
	if o == OwnerDevice {
		return "device"
	}
	return "software"
}

// OwnerOf decodes the ownership bit of a flags word.
func OwnerOf(flags uint32) Owner {
	if flags&DescOwn != 0 {
		return OwnerDevice
	}
	return OwnerSoftware
}

// Descriptor is a snapshot of one ring entry:
//
//	0        4        8        12       16
//	| address| flags  | flags2 | avail  |
//
// Words are in host order, the order the device reads them in.
type Descriptor struct {
	// Address is the physical address of the slot's buffer.
	Address uint32
	// Flags holds ownership, packet boundary, error bits and the byte count.
	Flags uint32
	// Flags2 is written by the device.
	Flags2 uint32
	// Available is reserved for software.
	Available uint32
}

func (d Descriptor) Owner() Owner {
	return OwnerOf(d.Flags)
}

// EncodeByteCount returns the 12-bit two's complement of size, the way the
// device expects a transmit length.
func EncodeByteCount(size int) uint32 {
	return uint32(-size) & DescByteCountMask
}

// DecodeByteCount undoes EncodeByteCount on a transmit flags word.
func DecodeByteCount(flags uint32) int {
	return int((0x1000 - flags&DescByteCountMask) & DescByteCountMask)
}

// TransmitFlags are the flags of a single descriptor frame of size bytes handed
// to the device.
func TransmitFlags(size int) uint32 {
	return DescOwn | DescStartOfPacket | DescEndOfPacket | DescOnes | EncodeByteCount(size)
}

// LoadDescriptor reads the descriptor at addr. Flags are loaded first so that
// nothing else is looked at before ownership has been observed.
func LoadDescriptor(mem *dma.Arena, addr uint32) Descriptor {
	flags := mem.Load32(addr + 4)
	return Descriptor{
		Address:   mem.Load32(addr),
		Flags:     flags,
		Flags2:    mem.Load32(addr + 8),
		Available: mem.Load32(addr + 12),
	}
}

// StoreDescriptor writes every word of d to addr, flags last. Storing the flags
// is what hands the slot over when the ownership bit changes.
func StoreDescriptor(mem *dma.Arena, addr uint32, d Descriptor) {
	mem.Store32(addr, d.Address)
	mem.Store32(addr+8, d.Flags2)
	mem.Store32(addr+12, d.Available)
	mem.Store32(addr+4, d.Flags)
}

// LoadDescriptorFlags reads only the flags word of the descriptor at addr.
func LoadDescriptorFlags(mem *dma.Arena, addr uint32) uint32 {
	return mem.Load32(addr + 4)
}
