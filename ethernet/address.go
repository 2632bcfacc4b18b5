package ethernet

import (
	"fmt"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// AddressLen is the size of a link address on the wire.
const AddressLen = 6

// Address is a 48-bit link address. The first byte on the wire is the most
// significant, so AA:BB:CC:DD:EE:FF is 0xAABBCCDDEEFF.
type Address uint64

const Broadcast Address = 0xFFFF_FFFF_FFFF

// AddressFromBytes reads a link address from the first 6 bytes of b.
func AddressFromBytes(b []byte) Address {
	_ = b[5]
	return Address(b[0])<<40 | Address(b[1])<<32 | Address(b[2])<<24 |
		Address(b[3])<<16 | Address(b[4])<<8 | Address(b[5])
}

// ParseAddress parses a colon or dash separated EUI-48 address.
func ParseAddress(s string) (Address, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return 0, err
	}
	if len(hw) != AddressLen {
		return 0, fmt.Errorf("%q is not a 48-bit link address", s)
	}
	return AddressFromBytes(hw), nil
}

// PutBytes writes a into the first 6 bytes of b.
func (a Address) PutBytes(b []byte) {
	_ = b[5]
	b[0] = byte(a >> 40)
	b[1] = byte(a >> 32)
	b[2] = byte(a >> 24)
	b[3] = byte(a >> 16)
	b[4] = byte(a >> 8)
	b[5] = byte(a)
}

func (a Address) HardwareAddr() net.HardwareAddr {
	b := make(net.HardwareAddr, AddressLen)
	a.PutBytes(b)
	return b
}

func (a Address) LinkAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(a.HardwareAddr())
}

func (a Address) String() string {
	return a.HardwareAddr().String()
}

// IsBroadcast reports whether a is the all ones address.
func (a Address) IsBroadcast() bool {
	return a&Broadcast == Broadcast
}
