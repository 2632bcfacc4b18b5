package arp

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/slackhq/barenet/ethernet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var requestBytes = []byte{
	0x00, 0x01, // ethernet
	0x08, 0x00, // ipv4
	0x06, 0x04,
	0x00, 0x01, // request
	0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	10, 0, 2, 15,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	10, 0, 2, 2,
}

func TestMessage_Encode(t *testing.T) {
	m := NewRequest(0xaabbccddeeff, netip.MustParseAddr("10.0.2.15"), netip.MustParseAddr("10.0.2.2"))

	b := make([]byte, MessageLen)
	require.NoError(t, m.Encode(b))
	assert.Equal(t, requestBytes, b)

	assert.ErrorIs(t, m.Encode(make([]byte, MessageLen-1)), ErrMessageTooShort)

	m.TargetIP = netip.MustParseAddr("fe80::1")
	assert.ErrorIs(t, m.Encode(b), ErrNotIPv4)
}

func TestMessage_Parse(t *testing.T) {
	var m Message
	require.NoError(t, m.Parse(requestBytes))

	assert.Equal(t, NewRequest(0xaabbccddeeff, netip.MustParseAddr("10.0.2.15"), netip.MustParseAddr("10.0.2.2")), m)
	assert.True(t, m.IsIPv4OverEthernet())
	assert.Equal(t, "op=request sender=10.0.2.15/aa:bb:cc:dd:ee:ff target=10.0.2.2/ff:ff:ff:ff:ff:ff", m.String())

	assert.ErrorIs(t, m.Parse(requestBytes[:27]), ErrMessageTooShort)

	var nm *Message
	assert.Equal(t, "<nil>", nm.String())
}

func TestMessage_IsIPv4OverEthernet(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Message)
	}{
		{"hardware type", func(m *Message) { m.HardwareType = 6 }},
		{"protocol type", func(m *Message) { m.ProtocolType = 0x86dd }},
		{"hardware size", func(m *Message) { m.HardwareSize = 8 }},
		{"protocol size", func(m *Message) { m.ProtocolSize = 16 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewRequest(1, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"))
			tt.modify(&m)
			assert.False(t, m.IsIPv4OverEthernet())
		})
	}
}

func TestMessage_Gopacket(t *testing.T) {
	m := NewRequest(0xaabbccddeeff, netip.MustParseAddr("10.0.2.15"), netip.MustParseAddr("10.0.2.2"))
	b := make([]byte, MessageLen)
	require.NoError(t, m.Encode(b))

	p := gopacket.NewPacket(b, layers.LayerTypeARP, gopacket.Default)
	a, ok := p.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok, "%v", p.ErrorLayer())

	assert.Equal(t, layers.LinkTypeEthernet, a.AddrType)
	assert.Equal(t, layers.EthernetTypeIPv4, a.Protocol)
	assert.Equal(t, uint16(layers.ARPRequest), a.Operation)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, a.SourceHwAddress)
	assert.Equal(t, []byte{10, 0, 2, 15}, a.SourceProtAddress)
	assert.Equal(t, []byte{10, 0, 2, 2}, a.DstProtAddress)

	// And the other way around
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		SourceProtAddress: []byte{10, 0, 2, 2},
		DstHwAddress:      []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		DstProtAddress:    []byte{10, 0, 2, 15},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, reply))

	var got Message
	require.NoError(t, got.Parse(buf.Bytes()))
	assert.Equal(t, OpReply, got.Op)
	assert.Equal(t, ethernet.Address(0x112233445566), got.SenderLinkAddress)
	assert.Equal(t, netip.MustParseAddr("10.0.2.2"), got.SenderIP)
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "request", OpRequest.String())
	assert.Equal(t, "reply", OpReply.String())
	assert.Equal(t, "op(9)", Op(9).String())
}
