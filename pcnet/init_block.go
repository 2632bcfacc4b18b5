package pcnet

import (
	"encoding/binary"
	"errors"

	"github.com/slackhq/barenet/ethernet"
)

// InitBlockLen is the size of a 32-bit initialization block.
const InitBlockLen = 28

// initBlockAlignment is the alignment the device requires of the block.
const initBlockAlignment = 4

var ErrInitBlockTooShort = errors.New("initialization block is too short")

// InitializationBlock is read by the device when it is told to initialize.
//
//	0      2        3        4            10     12         20       24       28
//	| mode | rlen<<4| tlen<<4| padr (48)  | rsvd | ladrf (64)| rdra   | tdra   |
//
// Multi-byte fields other than the link address are little endian.
type InitializationBlock struct {
	Mode uint16
	// ReceiveLenLog2 and TransmitLenLog2 are the ring lengths as powers of 2.
	ReceiveLenLog2  uint8
	TransmitLenLog2 uint8
	// PhysicalAddress is the station's link address.
	PhysicalAddress ethernet.Address
	// LogicalAddressFilter is the multicast hash filter. Unused, always zero.
	LogicalAddressFilter uint64
	// ReceiveRing and TransmitRing are the physical addresses of the rings.
	ReceiveRing  uint32
	TransmitRing uint32
}

func (ib *InitializationBlock) Encode(b []byte) error {
	if len(b) < InitBlockLen {
		return ErrInitBlockTooShort
	}

	binary.LittleEndian.PutUint16(b[0:2], ib.Mode)
	b[2] = ib.ReceiveLenLog2 << 4
	b[3] = ib.TransmitLenLog2 << 4
	ib.PhysicalAddress.PutBytes(b[4:10])
	binary.LittleEndian.PutUint16(b[10:12], 0)
	binary.LittleEndian.PutUint64(b[12:20], ib.LogicalAddressFilter)
	binary.LittleEndian.PutUint32(b[20:24], ib.ReceiveRing)
	binary.LittleEndian.PutUint32(b[24:28], ib.TransmitRing)
	return nil
}

func (ib *InitializationBlock) Parse(b []byte) error {
	if len(b) < InitBlockLen {
		return ErrInitBlockTooShort
	}

	ib.Mode = binary.LittleEndian.Uint16(b[0:2])
	ib.ReceiveLenLog2 = b[2] >> 4
	ib.TransmitLenLog2 = b[3] >> 4
	ib.PhysicalAddress = ethernet.AddressFromBytes(b[4:10])
	ib.LogicalAddressFilter = binary.LittleEndian.Uint64(b[12:20])
	ib.ReceiveRing = binary.LittleEndian.Uint32(b[20:24])
	ib.TransmitRing = binary.LittleEndian.Uint32(b[24:28])
	return nil
}
