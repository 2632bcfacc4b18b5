// Package pcnet drives the AMD Am79C973 (PCnet-FAST III) Ethernet controller.
// Frames move through two descriptor rings in DMA memory; the device is
// programmed through its CSR and BCR register windows and reports completion
// with an interrupt.
package pcnet

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/barenet/dma"
	"github.com/slackhq/barenet/ethernet"
	"github.com/slackhq/barenet/hw"
	"github.com/slackhq/barenet/util"
)

const (
	DriverName    = "Am79C973"
	DriverVersion = 0x0100

	// fcsLen is the trailing frame check sequence the device leaves on
	// received frames.
	fcsLen = 4
	// minFrameWithFCS is the size at or below which no FCS is stripped.
	minFrameWithFCS = 64
)

type DriverConfig struct {
	Device     hw.PCIDeviceDescriptor
	IO         hw.IOSpace
	Interrupts hw.InterruptManager
	// Memory is where rings, buffers and the initialization block live.
	Memory *dma.Arena
	// Promiscuous asks the device for every frame on the wire rather than
	// just those for our address and broadcast.
	Promiscuous bool
	// Metrics is where counters are registered, metrics.DefaultRegistry if
	// nil.
	Metrics metrics.Registry
}

type driverMetrics struct {
	txFrames    metrics.Counter
	txBytes     metrics.Counter
	txTruncated metrics.Counter
	rxFrames    metrics.Counter
	rxBytes     metrics.Counter
	rxDropped   metrics.Counter
	rxEchoed    metrics.Counter
	interrupts  metrics.Counter
	errors      metrics.Counter
	collisions  metrics.Counter
	missed      metrics.Counter
	memory      metrics.Counter
}

func newDriverMetrics(r metrics.Registry) driverMetrics {
	return driverMetrics{
		txFrames:    metrics.GetOrRegisterCounter("nic.tx.frames", r),
		txBytes:     metrics.GetOrRegisterCounter("nic.tx.bytes", r),
		txTruncated: metrics.GetOrRegisterCounter("nic.tx.truncated", r),
		rxFrames:    metrics.GetOrRegisterCounter("nic.rx.frames", r),
		rxBytes:     metrics.GetOrRegisterCounter("nic.rx.bytes", r),
		rxDropped:   metrics.GetOrRegisterCounter("nic.rx.dropped", r),
		rxEchoed:    metrics.GetOrRegisterCounter("nic.rx.echoed", r),
		interrupts:  metrics.GetOrRegisterCounter("nic.interrupts", r),
		errors:      metrics.GetOrRegisterCounter("nic.errors.error", r),
		collisions:  metrics.GetOrRegisterCounter("nic.errors.collision", r),
		missed:      metrics.GetOrRegisterCounter("nic.errors.missed_frame", r),
		memory:      metrics.GetOrRegisterCounter("nic.errors.memory", r),
	}
}

// Driver owns the device's registers, both rings and the station addresses.
//
// The transmit ring is advanced by whoever sends, the receive ring by whoever
// drains it, normally the interrupt handler. Each has its own lock so that a
// frame handler running inside a drain can transmit. When both are needed
// rxLock is taken first.
type Driver struct {
	l       *logrus.Logger
	mem     *dma.Arena
	mode    uint16
	metrics driverMetrics

	aprom [3]hw.Port16
	rdp   hw.Port16
	rap   hw.Port16
	reset hw.Port16
	bdp   hw.Port16

	// regLock keeps RAP selections and the data access that follows together.
	regLock sync.Mutex

	txLock sync.Mutex
	tx     *Ring

	rxLock sync.Mutex
	rx     *Ring

	initBlock dma.Region

	// addrLock guards the station addresses, read from the interrupt path.
	addrLock    sync.RWMutex
	linkAddress ethernet.Address
	ip          netip.Addr

	handlerLock sync.RWMutex
	handler     ethernet.RawDataHandler
}

// NewDriver binds a driver to the device described by cfg and registers it for
// the device's interrupt. The device is not touched until Initialize.
func NewDriver(l *logrus.Logger, cfg DriverConfig) *Driver {
	base := cfg.Device.Port
	d := &Driver{
		l:       l,
		mem:     cfg.Memory,
		metrics: newDriverMetrics(cfg.Metrics),
		aprom: [3]hw.Port16{
			hw.NewPort16(cfg.IO, base+PortAPROM0),
			hw.NewPort16(cfg.IO, base+PortAPROM2),
			hw.NewPort16(cfg.IO, base+PortAPROM4),
		},
		rdp:   hw.NewPort16(cfg.IO, base+PortRDP),
		rap:   hw.NewPort16(cfg.IO, base+PortRAP),
		reset: hw.NewPort16(cfg.IO, base+PortReset),
		bdp:   hw.NewPort16(cfg.IO, base+PortBDP),
	}

	if cfg.Promiscuous {
		d.mode |= ModePromiscuous
	}

	im := cfg.Interrupts
	im.RegisterHandler(cfg.Device.InterruptNumber+im.HardwareInterruptOffset(), d)
	return d
}

func (d *Driver) Name() string {
	return DriverName
}

func (d *Driver) Version() uint32 {
	return DriverVersion
}

// Initialize puts the device in 32-bit mode, stops it, lays out both rings and
// the initialization block and tells the device to read the block. Transmit
// slots start software owned and empty, receive slots device owned.
func (d *Driver) Initialize() error {
	d.rxLock.Lock()
	defer d.rxLock.Unlock()
	d.txLock.Lock()
	defer d.txLock.Unlock()

	d.writeBCR(BCR20, BCR20SoftwareStyle32)
	d.writeCSR(CSR0, CSR0Stop)

	linkAddress := d.readAPROM()
	d.addrLock.Lock()
	d.linkAddress = linkAddress
	d.addrLock.Unlock()

	if d.tx == nil {
		var err error
		if d.tx, err = newRing(d.mem, RingLenLog2); err != nil {
			return util.NewContextualError("Failed to allocate transmit ring", nil, err)
		}
		if d.rx, err = newRing(d.mem, RingLenLog2); err != nil {
			return util.NewContextualError("Failed to allocate receive ring", nil, err)
		}
		if d.initBlock, err = d.mem.Alloc(InitBlockLen, initBlockAlignment); err != nil {
			return util.NewContextualError("Failed to allocate initialization block", nil, err)
		}
	}

	d.tx.reset(transmitIdleFlags)
	d.rx.reset(receiveArmedFlags)

	ib := InitializationBlock{
		Mode:            d.mode,
		ReceiveLenLog2:  RingLenLog2,
		TransmitLenLog2: RingLenLog2,
		PhysicalAddress: linkAddress,
		ReceiveRing:     d.rx.Base(),
		TransmitRing:    d.tx.Base(),
	}

	b, err := d.mem.Bytes(d.initBlock.Addr, InitBlockLen)
	if err != nil {
		return util.NewContextualError("Failed to map initialization block", nil, err)
	}
	_ = ib.Encode(b)

	d.writeCSR(CSR1, uint16(d.initBlock.Addr))
	d.writeCSR(CSR2, uint16(d.initBlock.Addr>>16))
	d.writeCSR(CSR0, CSR0Init)

	d.l.WithField("linkAddress", linkAddress).
		WithField("initBlock", fmt.Sprintf("%#08x", d.initBlock.Addr)).
		WithField("txRing", fmt.Sprintf("%#08x", d.tx.Base())).
		WithField("rxRing", fmt.Sprintf("%#08x", d.rx.Base())).
		Info("NIC initialized")

	return nil
}

// Activate starts the device with interrupts enabled, padding short frames on
// transmit and stripping padding on receive.
func (d *Driver) Activate() {
	d.writeCSR(CSR0, CSR0Init|CSR0InterruptEn)

	d.regLock.Lock()
	d.rap.Write(CSR4)
	v := d.rdp.Read()
	d.rap.Write(CSR4)
	d.rdp.Write(v | CSR4AutoPadTransmit | CSR4AutoStripRecv)
	d.regLock.Unlock()

	d.writeCSR(CSR0, CSR0Start|CSR0InterruptEn)
}

// Deactivate stops the device. Rings are left as they are.
func (d *Driver) Deactivate() {
	d.writeCSR(CSR0, CSR0Stop)
}

// Reset performs a software reset: a read of the reset port resets the
// device, the write completes the cycle.
func (d *Driver) Reset() {
	d.regLock.Lock()
	d.reset.Read()
	d.reset.Write(0)
	d.regLock.Unlock()
}

// Send copies frame into the next transmit slot and tells the device to
// transmit. Frames longer than ethernet.MaxFrameLen are cut short. There is no
// backpressure: the slot is reused whether or not the device is done with it.
func (d *Driver) Send(frame []byte) {
	size := len(frame)
	if size > ethernet.MaxFrameLen {
		size = ethernet.MaxFrameLen
		d.metrics.txTruncated.Inc(1)
	}

	d.txLock.Lock()
	if d.tx == nil {
		d.txLock.Unlock()
		d.l.Warn("Dropping frame sent before the NIC was initialized")
		return
	}

	i := d.tx.Cursor()
	d.tx.advance()

	copy(d.tx.Buffer(i), frame[:size])
	d.tx.handOver(i, TransmitFlags(size))
	d.txLock.Unlock()

	d.writeCSR(CSR0, CSR0TransmitDemand|CSR0InterruptEn)

	d.metrics.txFrames.Inc(1)
	d.metrics.txBytes.Inc(int64(size))
}

// Receive drains every slot the device has handed back. Only error free
// frames that fit in a single descriptor are delivered; the rest are dropped.
// Each slot is re-armed for the device once its frame has been handled.
func (d *Driver) Receive() {
	d.rxLock.Lock()
	defer d.rxLock.Unlock()

	if d.rx == nil {
		return
	}

	for {
		i := d.rx.Cursor()
		flags := d.rx.flags(i)
		if OwnerOf(flags) == OwnerDevice {
			return
		}

		size := int(flags & DescByteCountMask)
		whole := flags&(DescStartOfPacket|DescEndOfPacket) == DescStartOfPacket|DescEndOfPacket
		if flags&DescError == 0 && whole && size <= BufferSize {
			if size > minFrameWithFCS {
				size -= fcsLen
			}
			d.deliver(d.rx.Buffer(i)[:size])
		} else {
			d.metrics.rxDropped.Inc(1)
			if d.l.Level >= logrus.DebugLevel {
				d.l.WithField("slot", i).WithField("flags", fmt.Sprintf("%#08x", flags)).
					Debug("Dropping bad receive descriptor")
			}
		}

		d.rx.handOver(i, receiveArmedFlags)
		d.rx.advance()
	}
}

func (d *Driver) deliver(frame []byte) {
	d.metrics.rxFrames.Inc(1)
	d.metrics.rxBytes.Inc(int64(len(frame)))

	if d.l.Level >= logrus.TraceLevel {
		d.l.WithField("frame", fmt.Sprintf("% x", frame)).Trace("Received frame")
	}

	d.handlerLock.RLock()
	h := d.handler
	d.handlerLock.RUnlock()

	if h == nil {
		return
	}

	if h.OnRawDataReceived(frame) {
		d.metrics.rxEchoed.Inc(1)
		d.Send(frame)
	}
}

// HandleInterrupt services the device's interrupt. Error conditions are
// reported and otherwise ignored, received frames are drained and every cause
// that was seen is acknowledged. This driver never switches contexts, sp is
// returned as is.
func (d *Driver) HandleInterrupt(sp uint32) uint32 {
	status := d.readCSR(CSR0)
	d.metrics.interrupts.Inc(1)

	l := d.l.WithField("csr0", fmt.Sprintf("%#04x", status))
	l.Debug("NIC interrupt")

	if status&CSR0Error != 0 {
		d.metrics.errors.Inc(1)
		l.Error("NIC error")
	}
	if status&CSR0Collision != 0 {
		d.metrics.collisions.Inc(1)
		l.Warn("NIC collision error")
	}
	if status&CSR0MissedFrame != 0 {
		d.metrics.missed.Inc(1)
		l.Warn("NIC missed frame")
	}
	if status&CSR0MemoryError != 0 {
		d.metrics.memory.Inc(1)
		l.Error("NIC memory error")
	}
	if status&CSR0ReceiveInt != 0 {
		d.Receive()
	}
	if status&CSR0TransmitInt != 0 {
		l.Debug("NIC data sent")
	}

	d.writeCSR(CSR0, status)

	if status&CSR0InitDone != 0 {
		l.Info("NIC init done")
	}

	return sp
}

// SetRawDataHandler installs the single consumer of received frames.
func (d *Driver) SetRawDataHandler(h ethernet.RawDataHandler) {
	d.handlerLock.Lock()
	d.handler = h
	d.handlerLock.Unlock()
}

// LinkAddress is the burned in address read during Initialize.
func (d *Driver) LinkAddress() ethernet.Address {
	d.addrLock.RLock()
	defer d.addrLock.RUnlock()
	return d.linkAddress
}

func (d *Driver) IPAddress() netip.Addr {
	d.addrLock.RLock()
	defer d.addrLock.RUnlock()
	return d.ip
}

// SetIPAddress assigns the station's IP address. The device knows nothing of
// it, it is kept for the protocols above.
func (d *Driver) SetIPAddress(ip netip.Addr) {
	d.addrLock.Lock()
	d.ip = ip
	d.addrLock.Unlock()
}

// TransmitRing and ReceiveRing expose the rings for inspection.
func (d *Driver) TransmitRing() *Ring {
	return d.tx
}

func (d *Driver) ReceiveRing() *Ring {
	return d.rx
}

// InitBlockAddr returns the physical address latched into CSR1 and CSR2.
func (d *Driver) InitBlockAddr() uint32 {
	return d.initBlock.Addr
}

func (d *Driver) readAPROM() ethernet.Address {
	var b [ethernet.AddressLen]byte
	for i, p := range d.aprom {
		v := p.Read()
		b[2*i] = byte(v)
		b[2*i+1] = byte(v >> 8)
	}
	return ethernet.AddressFromBytes(b[:])
}

func (d *Driver) readCSR(n uint16) uint16 {
	d.regLock.Lock()
	defer d.regLock.Unlock()
	d.rap.Write(n)
	return d.rdp.Read()
}

func (d *Driver) writeCSR(n uint16, v uint16) {
	d.regLock.Lock()
	defer d.regLock.Unlock()
	d.rap.Write(n)
	d.rdp.Write(v)
}

func (d *Driver) writeBCR(n uint16, v uint16) {
	d.regLock.Lock()
	defer d.regLock.Unlock()
	d.rap.Write(n)
	d.bdp.Write(v)
}
