package sim

import (
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/barenet/ethernet"
)

// Reply is an ARP reply a peer has seen for itself.
type Reply struct {
	IP          netip.Addr
	LinkAddress ethernet.Address
}

// Peer is a remote host on a Wire. It answers ARP requests for its address and
// remembers the replies sent to it.
type Peer struct {
	l           *logrus.Logger
	ip          netip.Addr
	linkAddress ethernet.Address

	mu      sync.Mutex
	wire    *Wire
	replies []Reply
	seen    int
}

func NewPeer(l *logrus.Logger, ip netip.Addr, linkAddress ethernet.Address) *Peer {
	return &Peer{l: l, ip: ip, linkAddress: linkAddress}
}

func (p *Peer) IP() netip.Addr {
	return p.ip
}

func (p *Peer) LinkAddress() ethernet.Address {
	return p.linkAddress
}

// Replies returns the ARP replies addressed to the peer so far.
func (p *Peer) Replies() []Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Reply(nil), p.replies...)
}

// Seen returns how many frames have reached the peer.
func (p *Peer) Seen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen
}

// Ask broadcasts an ARP request for target.
func (p *Peer) Ask(target netip.Addr) error {
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     ethernet.AddressLen,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   p.linkAddress.HardwareAddr(),
		SourceProtAddress: p.ip.AsSlice(),
		DstHwAddress:      make(net.HardwareAddr, ethernet.AddressLen),
		DstProtAddress:    target.AsSlice(),
	}

	return p.send(ethernet.Broadcast, arp)
}

// HandleFrame is called for every frame the wire carries past the peer.
func (p *Peer) HandleFrame(frame []byte) {
	p.mu.Lock()
	p.seen++
	p.mu.Unlock()

	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return
	}

	dst := ethernet.AddressFromBytes(eth.DstMAC)
	if dst != ethernet.Broadcast && dst != p.linkAddress {
		return
	}

	arp, ok := packet.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok || len(arp.DstProtAddress) != 4 {
		return
	}

	target, _ := netip.AddrFromSlice(arp.DstProtAddress)
	if target != p.ip {
		return
	}

	sender, _ := netip.AddrFromSlice(arp.SourceProtAddress)
	senderLink := ethernet.AddressFromBytes(arp.SourceHwAddress)

	switch arp.Operation {
	case layers.ARPRequest:
		reply := &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     ethernet.AddressLen,
			ProtAddressSize:   4,
			Operation:         layers.ARPReply,
			SourceHwAddress:   p.linkAddress.HardwareAddr(),
			SourceProtAddress: p.ip.AsSlice(),
			DstHwAddress:      arp.SourceHwAddress,
			DstProtAddress:    arp.SourceProtAddress,
		}

		p.l.WithField("peer", p.ip).WithField("requester", sender).Debug("Peer answering arp request")
		if err := p.send(senderLink, reply); err != nil {
			p.l.WithError(err).WithField("peer", p.ip).Error("Peer failed to answer arp request")
		}

	case layers.ARPReply:
		p.mu.Lock()
		p.replies = append(p.replies, Reply{IP: sender, LinkAddress: senderLink})
		p.mu.Unlock()
	}
}

func (p *Peer) attach(w *Wire) {
	p.mu.Lock()
	p.wire = w
	p.mu.Unlock()
}

func (p *Peer) send(dst ethernet.Address, arp *layers.ARP) error {
	eth := &layers.Ethernet{
		SrcMAC:       p.linkAddress.HardwareAddr(),
		DstMAC:       dst.HardwareAddr(),
		EthernetType: layers.EthernetTypeARP,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp); err != nil {
		return err
	}

	frame := buf.Bytes()
	if len(frame) < minFrameLen {
		padded := make([]byte, minFrameLen)
		copy(padded, frame)
		frame = padded
	}

	p.mu.Lock()
	w := p.wire
	p.mu.Unlock()

	if w == nil {
		return errNotAttached
	}

	w.fromPeer(frame)
	return nil
}
