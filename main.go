package barenet

import (
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/barenet/alloc"
	"github.com/slackhq/barenet/arp"
	"github.com/slackhq/barenet/capture"
	"github.com/slackhq/barenet/config"
	"github.com/slackhq/barenet/dma"
	"github.com/slackhq/barenet/ethernet"
	"github.com/slackhq/barenet/hw"
	"github.com/slackhq/barenet/pcnet"
	"github.com/slackhq/barenet/pcnet/sim"
	"github.com/slackhq/barenet/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

const (
	// dmaBase is where the DMA arena appears in the device's address space.
	dmaBase = 0x0010_0000

	defaultIOBase      = 0xc000
	defaultIRQ         = 9
	defaultLinkAddress = "52:54:00:12:34:56"
	defaultDMASize     = 128 * 1024
	defaultHeapSize    = 1024 * 1024
)

// Main builds the network stack described by c. Nothing runs until
// Control.Start. With configTest set the config is printed and validated and
// nothing is created that outlives the process.
func Main(c *config.C, configTest bool, buildVersion string, l *logrus.Logger) (*Control, error) {
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		l.Println(string(b))
	}

	if err := configLogger(l, c); err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if err := configLogger(l, c); err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	nc, err := newNICConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to read nic config", nil, err)
	}
	if !c.IsSet("nic.ip") {
		l.Warn("nic.ip is not set, arp requests will not be answered until it is")
	}

	peers, err := newPeers(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to read sim.peers", nil, err)
	}

	targets, err := parseAddrs(c.GetStringSlice("arp.resolve", nil))
	if err != nil {
		return nil, util.NewContextualError("Failed to read arp.resolve", nil, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	dmaSize := int(c.GetUint32("memory.dma_size", defaultDMASize))
	mem, err := dma.NewArena(dmaBase, dmaSize)
	if err != nil {
		return nil, util.NewContextualError("Failed to map dma memory", m{"size": dmaSize}, err)
	}

	ic := hw.NewInterruptController(l, hw.DefaultHardwareInterruptOffset)
	dev := sim.NewDevice(l, sim.DeviceConfig{
		Port:        nc.ioBase,
		Line:        nc.irq,
		LinkAddress: nc.linkAddress,
		Memory:      mem,
		Interrupts:  ic,
	})

	wire := sim.NewWire(l, dev)
	for _, p := range peers {
		wire.AddPeer(p.Peer)
	}

	drv := pcnet.NewDriver(l, pcnet.DriverConfig{
		Device:      dev.Descriptor(),
		IO:          dev,
		Interrupts:  ic,
		Memory:      mem,
		Promiscuous: nc.promiscuous,
	})
	drv.SetIPAddress(nc.ip)

	if err := drv.Initialize(); err != nil {
		_ = mem.Close()
		return nil, util.NewContextualError("Failed to initialize nic", m{"dmaSize": dmaSize}, err)
	}

	dispatcher := ethernet.NewDispatcher(l, drv, alloc.NewHeap(int(c.GetUint32("memory.heap_size", defaultHeapSize))), nil)
	resolver, err := arp.NewResolver(l, dispatcher)
	if err != nil {
		_ = mem.Close()
		return nil, err
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("nic.ip") {
			return
		}

		ip, err := parseIP(c)
		if err != nil {
			l.WithError(err).Error("Failed to reload nic.ip, keeping the current address")
			return
		}

		drv.SetIPAddress(ip)
		l.WithField("ip", ip).Info("Changed nic ip address")
	})

	var tap *capture.Writer
	if path := c.GetString("capture.path", ""); path != "" && !configTest {
		tap, err = capture.Create(path)
		if err != nil {
			_ = mem.Close()
			return nil, util.NewContextualError("Failed to open capture file", m{"path": path}, err)
		}
		wire.AddTap(tap)
	}

	l.WithField("device", drv.Name()).
		WithField("version", fmt.Sprintf("%#04x", drv.Version())).
		WithField("linkAddress", drv.LinkAddress()).
		WithField("ip", drv.IPAddress()).
		WithField("ioBase", fmt.Sprintf("%#04x", nc.ioBase)).
		WithField("irq", nc.irq).
		Info("Network stack created")

	return &Control{
		l:              l,
		mem:            mem,
		interrupts:     ic,
		device:         dev,
		wire:           wire,
		driver:         drv,
		dispatcher:     dispatcher,
		resolver:       resolver,
		capture:        tap,
		peers:          peers,
		resolveTargets: targets,
		resolveTimeout: c.GetDuration("arp.resolve_timeout", 0),
		statsStart:     statsStart,
	}, nil
}

type nicConfig struct {
	ioBase      uint16
	irq         uint8
	linkAddress ethernet.Address
	ip          netip.Addr
	promiscuous bool
}

func newNICConfig(c *config.C) (nicConfig, error) {
	nc := nicConfig{
		ioBase:      c.GetUint16("nic.io_base", defaultIOBase),
		irq:         c.GetUint8("nic.irq", defaultIRQ),
		promiscuous: c.GetBool("nic.promiscuous", false),
	}

	var err error
	nc.linkAddress, err = ethernet.ParseAddress(c.GetString("nic.link_address", defaultLinkAddress))
	if err != nil {
		return nc, fmt.Errorf("nic.link_address: %w", err)
	}

	nc.ip, err = parseIP(c)
	return nc, err
}

func parseIP(c *config.C) (netip.Addr, error) {
	ip, err := c.GetAddr("nic.ip", netip.Addr{})
	if err != nil {
		return ip, err
	}
	if ip.IsValid() && !ip.Is4() {
		return netip.Addr{}, fmt.Errorf("nic.ip: %s is not an IPv4 address", ip)
	}
	return ip, nil
}

func parseAddrs(raw []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(raw))
	for _, r := range raw {
		a, err := netip.ParseAddr(r)
		if err != nil {
			return nil, err
		}
		if !a.Is4() {
			return nil, fmt.Errorf("%s is not an IPv4 address", a)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// simPeer is a configured peer and whether it asks for the stack address on start.
type simPeer struct {
	*sim.Peer
	ask bool
}

func newPeers(l *logrus.Logger, c *config.C) ([]simPeer, error) {
	r := c.Get("sim.peers")
	if r == nil {
		return nil, nil
	}

	rawPeers, ok := r.([]any)
	if !ok {
		return nil, fmt.Errorf("sim.peers is not an array")
	}

	peers := make([]simPeer, 0, len(rawPeers))
	for i, rp := range rawPeers {
		pc, ok := rp.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d in sim.peers is not a map", i)
		}

		ip, err := netip.ParseAddr(fmt.Sprintf("%v", pc["ip"]))
		if err != nil || !ip.Is4() {
			return nil, fmt.Errorf("entry %d has an invalid ip: %v", i, pc["ip"])
		}

		la, err := ethernet.ParseAddress(fmt.Sprintf("%v", pc["link_address"]))
		if err != nil {
			return nil, fmt.Errorf("entry %d has an invalid link_address: %w", i, err)
		}

		ask, _ := config.AsBool(pc["ask"])
		peers = append(peers, simPeer{Peer: sim.NewPeer(l, ip, la), ask: ask})
	}
	return peers, nil
}
