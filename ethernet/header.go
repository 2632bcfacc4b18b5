package ethernet

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Frame layout, big endian:
// 0                   6                   12        14
// |-------------------|-------------------|---------|----------
// | destination (48)  | source (48)       | type 16 | payload...

const (
	HeaderLen = header.EthernetMinimumSize

	// MaxFrameLen is the largest frame the link carries without its FCS, the
	// 1500 byte MTU plus the header and 4 bytes of slack.
	MaxFrameLen = 1518
)

// Type is an ethertype. Values are kept in host order and only converted to
// big endian when a header is encoded.
type Type uint16

const (
	TypeIPv4 Type = 0x0800
	TypeARP  Type = 0x0806
)

var typeMap = map[Type]string{
	TypeIPv4: "ipv4",
	TypeARP:  "arp",
}

func (t Type) String() string {
	if n, ok := typeMap[t]; ok {
		return n
	}
	return fmt.Sprintf("%#04x", uint16(t))
}

var ErrFrameTooShort = errors.New("frame is too short")

type Header struct {
	Destination Address
	Source      Address
	Type        Type
}

// Encode writes h into the first HeaderLen bytes of b.
func (h *Header) Encode(b []byte) error {
	if len(b) < HeaderLen {
		return ErrFrameTooShort
	}

	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: h.Source.LinkAddress(),
		DstAddr: h.Destination.LinkAddress(),
		Type:    tcpip.NetworkProtocolNumber(h.Type),
	})
	return nil
}

// Parse reads a header from the first HeaderLen bytes of b.
func (h *Header) Parse(b []byte) error {
	if len(b) < HeaderLen {
		return ErrFrameTooShort
	}

	eth := header.Ethernet(b)
	h.Destination = AddressFromBytes([]byte(eth.DestinationAddress()))
	h.Source = AddressFromBytes([]byte(eth.SourceAddress()))
	h.Type = Type(eth.Type())
	return nil
}

func (h *Header) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("dst=%s src=%s type=%s", h.Destination, h.Source, h.Type)
}
