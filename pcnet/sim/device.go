// Package sim is a software model of the Am79C973 for running the driver
// without hardware. The model sits behind an hw.IOSpace and works the rings in
// a dma.Arena through the physical addresses the driver programs, the same
// way the device would.
package sim

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/barenet/dma"
	"github.com/slackhq/barenet/ethernet"
	"github.com/slackhq/barenet/hw"
	"github.com/slackhq/barenet/pcnet"
)

const (
	VendorAMD         = 0x1022
	DeviceIDPCnetFast = 0x2000

	fcsLen = 4
	// minFrameLen is what auto padding fills short frames up to, before the
	// FCS.
	minFrameLen = 60

	csrCount = 128
	bcrCount = 32
)

// csr0Commands are the CSR0 bits that act when written and read back as zero.
const csr0Commands = pcnet.CSR0Init | pcnet.CSR0Start | pcnet.CSR0Stop | pcnet.CSR0TransmitDemand

// csr0ErrorCauses are the causes summarized by CSR0Error.
const csr0ErrorCauses = pcnet.CSR0Babble | pcnet.CSR0Collision | pcnet.CSR0MissedFrame | pcnet.CSR0MemoryError

// Interrupter is the interrupt line a device pulls.
type Interrupter interface {
	Raise(line uint8)
}

type DeviceConfig struct {
	// Port is the I/O base the device decodes.
	Port uint16
	// Line is the interrupt line the device raises.
	Line uint8
	// LinkAddress is burned into the APROM.
	LinkAddress ethernet.Address
	Memory      *dma.Arena
	Interrupts  Interrupter
}

// Device models one controller. The zero value is not usable, see NewDevice.
type Device struct {
	l    *logrus.Logger
	port uint16
	line uint8
	mem  *dma.Arena
	irq  Interrupter

	mu         sync.Mutex
	aprom      [ethernet.AddressLen]byte
	rap        uint16
	csr        [csrCount]uint16
	bcr        [bcrCount]uint16
	ib         pcnet.InitializationBlock
	inited     bool
	txCursor   int
	rxCursor   int
	onTransmit func(frame []byte)
}

func NewDevice(l *logrus.Logger, cfg DeviceConfig) *Device {
	d := &Device{
		l:    l,
		port: cfg.Port,
		line: cfg.Line,
		mem:  cfg.Memory,
		irq:  cfg.Interrupts,
	}
	cfg.LinkAddress.PutBytes(d.aprom[:])
	d.reset()
	return d
}

// Descriptor is what bus enumeration reports for the device.
func (d *Device) Descriptor() hw.PCIDeviceDescriptor {
	return hw.PCIDeviceDescriptor{
		Port:            d.port,
		InterruptNumber: d.line,
		VendorID:        VendorAMD,
		DeviceID:        DeviceIDPCnetFast,
	}
}

// OnTransmit sets the function every transmitted frame is handed to. It is
// called without the device lock held, so it may feed frames straight back
// into Receive.
func (d *Device) OnTransmit(f func(frame []byte)) {
	d.mu.Lock()
	d.onTransmit = f
	d.mu.Unlock()
}

// CSR returns the raw value of a control and status register.
func (d *Device) CSR(n uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readCSR(n)
}

// BCR returns the raw value of a bus configuration register.
func (d *Device) BCR(n uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bcr[n%bcrCount]
}

// InitializationBlock returns the block read by the last INIT.
func (d *Device) InitializationBlock() (pcnet.InitializationBlock, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ib, d.inited
}

// Running reports whether the receiver and transmitter are on.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running()
}

func (d *Device) Read16(port uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch port - d.port {
	case pcnet.PortAPROM0, pcnet.PortAPROM2, pcnet.PortAPROM4:
		i := port - d.port
		return uint16(d.aprom[i]) | uint16(d.aprom[i+1])<<8
	case pcnet.PortRDP:
		return d.readCSR(d.rap)
	case pcnet.PortRAP:
		return d.rap
	case pcnet.PortReset:
		d.reset()
		return 0
	case pcnet.PortBDP:
		return d.bcr[d.rap%bcrCount]
	}

	d.l.WithField("port", fmt.Sprintf("%#04x", port)).Warn("Read from unmapped port")
	return 0xffff
}

func (d *Device) Write16(port uint16, v uint16) {
	var sent [][]byte

	d.mu.Lock()
	switch port - d.port {
	case pcnet.PortRDP:
		sent = d.writeCSR(d.rap, v)
	case pcnet.PortRAP:
		d.rap = v
	case pcnet.PortReset:
	case pcnet.PortBDP:
		d.bcr[d.rap%bcrCount] = v
	default:
		d.l.WithField("port", fmt.Sprintf("%#04x", port)).Warn("Write to unmapped port")
	}
	cb := d.onTransmit
	d.mu.Unlock()

	if cb != nil {
		for _, f := range sent {
			cb(f)
		}
	}
}

// Receive puts frame on the receive ring as if it had arrived from the wire.
// It returns false when the frame is filtered out or dropped.
func (d *Device) Receive(frame []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running() || len(frame) < ethernet.HeaderLen {
		return false
	}

	dst := ethernet.AddressFromBytes(frame)
	if d.ib.Mode&pcnet.ModePromiscuous == 0 && dst != ethernet.Broadcast && dst != d.ib.PhysicalAddress {
		return false
	}

	slot := d.ib.ReceiveRing + uint32(d.rxCursor*pcnet.DescriptorLen)
	desc := pcnet.LoadDescriptor(d.mem, slot)
	if desc.Owner() != pcnet.OwnerDevice {
		d.cause(pcnet.CSR0MissedFrame)
		return false
	}

	d.rxCursor = (d.rxCursor + 1) % d.ringLen(d.ib.ReceiveLenLog2)

	n := len(frame) + fcsLen
	if n > pcnet.BufferSize {
		desc.Flags = pcnet.DescError | pcnet.DescStartOfPacket | pcnet.DescEndOfPacket | pcnet.DescOnes
		desc.Flags2 = 0
		pcnet.StoreDescriptor(d.mem, slot, desc)
		d.cause(pcnet.CSR0ReceiveInt)
		return false
	}

	buf, err := d.mem.Bytes(desc.Address, n)
	if err != nil {
		d.l.WithError(err).WithField("descriptor", fmt.Sprintf("%#08x", slot)).Error("Receive buffer outside of memory")
		d.cause(pcnet.CSR0MemoryError)
		return false
	}

	copy(buf, frame)
	binary.LittleEndian.PutUint32(buf[len(frame):], crc32.ChecksumIEEE(frame))

	desc.Flags = pcnet.DescStartOfPacket | pcnet.DescEndOfPacket | pcnet.DescOnes | uint32(n)
	desc.Flags2 = uint32(n)
	pcnet.StoreDescriptor(d.mem, slot, desc)

	d.cause(pcnet.CSR0ReceiveInt)
	return true
}

func (d *Device) reset() {
	d.rap = 0
	d.csr = [csrCount]uint16{}
	d.bcr = [bcrCount]uint16{}
	d.csr[0] = pcnet.CSR0Stop
	d.inited = false
	d.txCursor = 0
	d.rxCursor = 0
}

func (d *Device) running() bool {
	return d.csr[0]&(pcnet.CSR0ReceiveOn|pcnet.CSR0TransmitOn) != 0
}

func (d *Device) readCSR(n uint16) uint16 {
	if n != pcnet.CSR0 {
		return d.csr[n%csrCount]
	}

	v := d.csr[0] &^ csr0Commands
	if v&csr0ErrorCauses != 0 {
		v |= pcnet.CSR0Error
	}
	if v&pcnet.CSR0InterruptCauses != 0 {
		v |= pcnet.CSR0Interrupt
	}
	return v
}

func (d *Device) writeCSR(n uint16, v uint16) [][]byte {
	if n != pcnet.CSR0 {
		d.csr[n%csrCount] = v
		return nil
	}

	csr0 := d.csr[0]
	csr0 &^= v & pcnet.CSR0InterruptCauses
	csr0 = csr0&^pcnet.CSR0InterruptEn | v&pcnet.CSR0InterruptEn
	d.csr[0] = csr0

	if v&pcnet.CSR0Stop != 0 {
		d.csr[0] = pcnet.CSR0Stop
		return nil
	}

	if v&pcnet.CSR0Init != 0 {
		d.init()
	}

	if v&pcnet.CSR0Start != 0 {
		if !d.inited {
			d.l.Warn("Start before init")
			d.cause(pcnet.CSR0MemoryError)
		} else {
			d.csr[0] = d.csr[0]&^pcnet.CSR0Stop | pcnet.CSR0ReceiveOn | pcnet.CSR0TransmitOn
		}
	}

	if v&pcnet.CSR0TransmitDemand != 0 && d.running() {
		return d.transmit()
	}

	return nil
}

func (d *Device) init() {
	if d.bcr[pcnet.BCR20]&0xff != pcnet.BCR20SoftwareStyle32&0xff {
		d.l.WithField("bcr20", fmt.Sprintf("%#04x", d.bcr[pcnet.BCR20])).
			Warn("Initialization block read with an unexpected software style")
	}

	addr := uint32(d.csr[pcnet.CSR1]) | uint32(d.csr[pcnet.CSR2])<<16
	b, err := d.mem.Bytes(addr, pcnet.InitBlockLen)
	if err != nil {
		d.l.WithError(err).WithField("initBlock", fmt.Sprintf("%#08x", addr)).Error("Initialization block outside of memory")
		d.cause(pcnet.CSR0MemoryError)
		return
	}

	_ = d.ib.Parse(b)
	d.inited = true
	d.txCursor = 0
	d.rxCursor = 0
	d.csr[0] &^= pcnet.CSR0Stop
	d.cause(pcnet.CSR0InitDone)
}

// transmit sends every device owned slot from the transmit cursor on and
// returns the frames that went out.
func (d *Device) transmit() [][]byte {
	var sent [][]byte
	ring := d.ib.TransmitRing
	n := d.ringLen(d.ib.TransmitLenLog2)

	for i := 0; i < n; i++ {
		slot := ring + uint32(d.txCursor*pcnet.DescriptorLen)
		desc := pcnet.LoadDescriptor(d.mem, slot)
		if desc.Owner() != pcnet.OwnerDevice {
			break
		}

		d.txCursor = (d.txCursor + 1) % n

		whole := pcnet.DescStartOfPacket | pcnet.DescEndOfPacket
		size := pcnet.DecodeByteCount(desc.Flags)
		buf, err := d.mem.Bytes(desc.Address, size)
		if err != nil || desc.Flags&whole != whole {
			desc.Flags = desc.Flags&^pcnet.DescOwn | pcnet.DescError
			pcnet.StoreDescriptor(d.mem, slot, desc)
			continue
		}

		frame := make([]byte, size, max(size, minFrameLen))
		copy(frame, buf)
		if d.csr[pcnet.CSR4]&pcnet.CSR4AutoPadTransmit != 0 && size < minFrameLen {
			frame = frame[:minFrameLen]
		}
		sent = append(sent, frame)

		desc.Flags &^= pcnet.DescOwn
		desc.Flags2 = 0
		pcnet.StoreDescriptor(d.mem, slot, desc)
	}

	if len(sent) > 0 {
		d.cause(pcnet.CSR0TransmitInt)
	}
	return sent
}

// cause latches an interrupt cause and pulls the interrupt line if interrupts
// are enabled.
func (d *Device) cause(bits uint16) {
	d.csr[0] |= bits
	if d.csr[0]&pcnet.CSR0InterruptEn != 0 && d.irq != nil {
		d.irq.Raise(d.line)
	}
}

func (d *Device) ringLen(log2 uint8) int {
	return 1 << log2
}
