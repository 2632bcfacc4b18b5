package arp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/slackhq/barenet/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Message layout, big endian:
// 0        2        4    5    6        8                 14          18                24          28
// | htype  | ptype  |hlen|plen|   op   | sender hw (48)  | sender ip | target hw (48)  | target ip |

const (
	MessageLen = header.ARPSize

	HardwareTypeEthernet uint16 = 1
)

type Op uint16

const (
	OpRequest Op = Op(header.ARPRequest)
	OpReply   Op = Op(header.ARPReply)
)

func (o Op) String() string {
	switch o {
	case OpRequest:
		return "request"
	case OpReply:
		return "reply"
	}
	return fmt.Sprintf("op(%d)", uint16(o))
}

var (
	ErrMessageTooShort = errors.New("arp message is too short")
	ErrNotIPv4         = errors.New("address is not ipv4")
)

type Message struct {
	HardwareType uint16
	ProtocolType ethernet.Type
	HardwareSize uint8
	ProtocolSize uint8
	Op           Op

	SenderLinkAddress ethernet.Address
	SenderIP          netip.Addr
	TargetLinkAddress ethernet.Address
	TargetIP          netip.Addr
}

// NewRequest builds a broadcast who-has for target from sender.
func NewRequest(senderLinkAddress ethernet.Address, senderIP, target netip.Addr) Message {
	return Message{
		HardwareType:      HardwareTypeEthernet,
		ProtocolType:      ethernet.TypeIPv4,
		HardwareSize:      ethernet.AddressLen,
		ProtocolSize:      4,
		Op:                OpRequest,
		SenderLinkAddress: senderLinkAddress,
		SenderIP:          senderIP,
		TargetLinkAddress: ethernet.Broadcast,
		TargetIP:          target,
	}
}

// Encode writes m into the first MessageLen bytes of b.
func (m *Message) Encode(b []byte) error {
	if len(b) < MessageLen {
		return ErrMessageTooShort
	}
	if !m.SenderIP.Is4() || !m.TargetIP.Is4() {
		return ErrNotIPv4
	}

	a := header.ARP(b)
	binary.BigEndian.PutUint16(b[0:2], m.HardwareType)
	binary.BigEndian.PutUint16(b[2:4], uint16(m.ProtocolType))
	b[4] = m.HardwareSize
	b[5] = m.ProtocolSize
	a.SetOp(header.ARPOp(m.Op))

	m.SenderLinkAddress.PutBytes(a.HardwareAddressSender())
	putIP(a.ProtocolAddressSender(), m.SenderIP)
	m.TargetLinkAddress.PutBytes(a.HardwareAddressTarget())
	putIP(a.ProtocolAddressTarget(), m.TargetIP)
	return nil
}

// Parse reads a message from the first MessageLen bytes of b. The address
// fields are read at their IPv4 over Ethernet offsets regardless of the size
// fields; check IsIPv4OverEthernet before trusting them.
func (m *Message) Parse(b []byte) error {
	if len(b) < MessageLen {
		return ErrMessageTooShort
	}

	a := header.ARP(b)
	m.HardwareType = binary.BigEndian.Uint16(b[0:2])
	m.ProtocolType = ethernet.Type(binary.BigEndian.Uint16(b[2:4]))
	m.HardwareSize = b[4]
	m.ProtocolSize = b[5]
	m.Op = Op(a.Op())

	m.SenderLinkAddress = ethernet.AddressFromBytes(a.HardwareAddressSender())
	m.SenderIP = ipFrom(a.ProtocolAddressSender())
	m.TargetLinkAddress = ethernet.AddressFromBytes(a.HardwareAddressTarget())
	m.TargetIP = ipFrom(a.ProtocolAddressTarget())
	return nil
}

// IsIPv4OverEthernet reports whether m carries the only address profile this
// resolver speaks.
func (m *Message) IsIPv4OverEthernet() bool {
	return m.HardwareType == HardwareTypeEthernet &&
		m.ProtocolType == ethernet.TypeIPv4 &&
		m.HardwareSize == ethernet.AddressLen &&
		m.ProtocolSize == 4
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("op=%s sender=%s/%s target=%s/%s",
		m.Op, m.SenderIP, m.SenderLinkAddress, m.TargetIP, m.TargetLinkAddress)
}

func putIP(b []byte, ip netip.Addr) {
	a4 := ip.As4()
	copy(b, a4[:])
}

func ipFrom(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte(b))
}
