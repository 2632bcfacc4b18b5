package sim

import (
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/slackhq/barenet/ethernet"
	"github.com/slackhq/barenet/pcnet"
	"github.com/slackhq/barenet/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	stationIP = netip.MustParseAddr("10.0.2.15")
	peerIP    = netip.MustParseAddr("10.0.2.2")
	peerLink  = ethernet.Address(0x52550a000202)
)

type tapFrames struct {
	sync.Mutex
	frames [][]byte
}

func (t *tapFrames) WriteFrame(frame []byte) error {
	t.Lock()
	defer t.Unlock()
	t.frames = append(t.frames, append([]byte(nil), frame...))
	return nil
}

func (t *tapFrames) len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.frames)
}

func arpFrame(t *testing.T, op uint16, src ethernet.Address, srcIP netip.Addr, dst ethernet.Address, dstIP netip.Addr) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       src.HardwareAddr(),
		DstMAC:       dst.HardwareAddr(),
		EthernetType: layers.EthernetTypeARP,
	}
	target := dst.HardwareAddr()
	if op == layers.ARPRequest {
		target = make(net.HardwareAddr, ethernet.AddressLen)
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     ethernet.AddressLen,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   src.HardwareAddr(),
		SourceProtAddress: srcIP.AsSlice(),
		DstHwAddress:      target,
		DstProtAddress:    dstIP.AsSlice(),
	}

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp))
	return buf.Bytes()
}

// transmit sends frame from tx slot i of the rig.
func (r *testRig) transmit(t *testing.T, i int, frame []byte) {
	b, err := r.mem.Bytes(r.txBuf(i), len(frame))
	require.NoError(t, err)
	copy(b, frame)
	pcnet.StoreDescriptor(r.mem, r.txSlot(i), pcnet.Descriptor{Address: r.txBuf(i), Flags: pcnet.TransmitFlags(len(frame))})
	r.writeCSR(pcnet.CSR0, pcnet.CSR0TransmitDemand|pcnet.CSR0InterruptEn)
}

func decodeARP(t *testing.T, frame []byte) *layers.ARP {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	arp, ok := packet.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok, "not an arp frame")
	return arp
}

func TestPeer_AskNotAttached(t *testing.T) {
	p := NewPeer(test.NewLogger(), peerIP, peerLink)
	assert.ErrorIs(t, p.Ask(stationIP), errNotAttached)
	assert.Equal(t, peerIP, p.IP())
	assert.Equal(t, peerLink, p.LinkAddress())
}

func TestWire_Ask(t *testing.T) {
	r := newTestRig(t, 0)
	w := NewWire(test.NewLogger(), r.dev)
	tap := &tapFrames{}
	w.AddTap(tap)

	p := NewPeer(test.NewLogger(), peerIP, peerLink)
	w.AddPeer(p)
	assert.Equal(t, []*Peer{p}, w.Peers())

	// Nothing is taken before the device runs, the tap still sees it
	require.NoError(t, p.Ask(stationIP))
	assert.Equal(t, 1, tap.len())
	assert.Equal(t, pcnet.OwnerDevice, pcnet.LoadDescriptor(r.mem, r.rxSlot(0)).Owner())

	r.start(t)
	require.NoError(t, p.Ask(stationIP))
	assert.Equal(t, 2, tap.len())

	d := pcnet.LoadDescriptor(r.mem, r.rxSlot(0))
	require.Equal(t, pcnet.OwnerSoftware, d.Owner())
	assert.Equal(t, uint32(minFrameLen+fcsLen), d.Flags2, "peer frames are padded")

	b, err := r.mem.Bytes(r.rxBuf(0), minFrameLen)
	require.NoError(t, err)
	arp := decodeARP(t, b)
	assert.Equal(t, uint16(layers.ARPRequest), arp.Operation)
	assert.Equal(t, []byte(peerLink.HardwareAddr()), arp.SourceHwAddress)
	assert.Equal(t, stationIP.AsSlice(), arp.DstProtAddress)
	assert.Equal(t, ethernet.Broadcast, ethernet.AddressFromBytes(b))
}

func TestWire_PeerAnswers(t *testing.T) {
	r := newTestRig(t, 0)
	w := NewWire(test.NewLogger(), r.dev)
	tap := &tapFrames{}
	w.AddTap(tap)

	p := NewPeer(test.NewLogger(), peerIP, peerLink)
	other := NewPeer(test.NewLogger(), netip.MustParseAddr("10.0.2.3"), 0x52550a000203)
	w.AddPeer(p)
	w.AddPeer(other)
	r.start(t)

	r.transmit(t, 0, arpFrame(t, layers.ARPRequest, station, stationIP, ethernet.Broadcast, peerIP))

	// Request and the one answer
	assert.Equal(t, 2, tap.len())
	assert.Equal(t, 1, p.Seen())
	assert.Equal(t, 1, other.Seen(), "answers go to the device only")

	d := pcnet.LoadDescriptor(r.mem, r.rxSlot(0))
	require.Equal(t, pcnet.OwnerSoftware, d.Owner())
	b, err := r.mem.Bytes(r.rxBuf(0), minFrameLen)
	require.NoError(t, err)

	arp := decodeARP(t, b)
	assert.Equal(t, uint16(layers.ARPReply), arp.Operation)
	assert.Equal(t, []byte(peerLink.HardwareAddr()), arp.SourceHwAddress)
	assert.Equal(t, peerIP.AsSlice(), arp.SourceProtAddress)
	assert.Equal(t, []byte(station.HardwareAddr()), arp.DstHwAddress)
	assert.Equal(t, station, ethernet.AddressFromBytes(b))

	// A request for an address nobody has goes unanswered
	r.transmit(t, 1, arpFrame(t, layers.ARPRequest, station, stationIP, ethernet.Broadcast, netip.MustParseAddr("10.0.2.99")))
	assert.Equal(t, 3, tap.len())
	assert.Equal(t, pcnet.OwnerDevice, pcnet.LoadDescriptor(r.mem, r.rxSlot(1)).Owner())
}

func TestPeer_RecordsReplies(t *testing.T) {
	r := newTestRig(t, 0)
	w := NewWire(test.NewLogger(), r.dev)
	p := NewPeer(test.NewLogger(), peerIP, peerLink)
	w.AddPeer(p)
	r.start(t)

	r.transmit(t, 0, arpFrame(t, layers.ARPReply, station, stationIP, peerLink, peerIP))
	assert.Equal(t, []Reply{{IP: stationIP, LinkAddress: station}}, p.Replies())

	// Replies for someone else are not recorded
	r.transmit(t, 1, arpFrame(t, layers.ARPReply, station, stationIP, 0x52550a000203, netip.MustParseAddr("10.0.2.3")))
	assert.Len(t, p.Replies(), 1)
	assert.Equal(t, 2, p.Seen())
}
