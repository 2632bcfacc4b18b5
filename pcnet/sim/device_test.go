package sim

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/slackhq/barenet/dma"
	"github.com/slackhq/barenet/ethernet"
	"github.com/slackhq/barenet/pcnet"
	"github.com/slackhq/barenet/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	port    = 0xc000
	station = ethernet.Address(0x525400123456)
)

type raised struct {
	lines []uint8
}

func (r *raised) Raise(line uint8) {
	r.lines = append(r.lines, line)
}

// testRig lays out rings and an initialization block by hand, the way a
// driver would, so the device can be exercised on its own.
type testRig struct {
	mem  *dma.Arena
	irq  *raised
	dev  *Device
	tx   uint32
	rx   uint32
	ib   uint32
	bufs uint32
	ring int
}

func newTestRig(t *testing.T, mode uint16) *testRig {
	mem, err := dma.NewArena(0x0010_0000, 64*1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	r := &testRig{mem: mem, irq: &raised{}, ring: 2}
	r.dev = NewDevice(test.NewLogger(), DeviceConfig{
		Port:        port,
		Line:        9,
		LinkAddress: station,
		Memory:      mem,
		Interrupts:  r.irq,
	})

	alloc := func(n int) uint32 {
		reg, err := mem.Alloc(n, 16)
		require.NoError(t, err)
		return reg.Addr
	}
	r.tx = alloc(r.ring * pcnet.DescriptorLen)
	r.rx = alloc(r.ring * pcnet.DescriptorLen)
	r.bufs = alloc(2 * r.ring * pcnet.BufferSize)
	r.ib = alloc(pcnet.InitBlockLen)

	for i := 0; i < r.ring; i++ {
		pcnet.StoreDescriptor(mem, r.txSlot(i), pcnet.Descriptor{Address: r.txBuf(i), Flags: 0xf7ff})
		pcnet.StoreDescriptor(mem, r.rxSlot(i), pcnet.Descriptor{Address: r.rxBuf(i), Flags: pcnet.DescOwn | 0xf7ff})
	}

	ib := pcnet.InitializationBlock{
		Mode:            mode,
		ReceiveLenLog2:  1,
		TransmitLenLog2: 1,
		PhysicalAddress: station,
		ReceiveRing:     r.rx,
		TransmitRing:    r.tx,
	}
	b, err := mem.Bytes(r.ib, pcnet.InitBlockLen)
	require.NoError(t, err)
	require.NoError(t, ib.Encode(b))

	return r
}

func (r *testRig) txSlot(i int) uint32 { return r.tx + uint32(i*pcnet.DescriptorLen) }
func (r *testRig) rxSlot(i int) uint32 { return r.rx + uint32(i*pcnet.DescriptorLen) }
func (r *testRig) txBuf(i int) uint32  { return r.bufs + uint32(i*pcnet.BufferSize) }
func (r *testRig) rxBuf(i int) uint32  { return r.bufs + uint32((r.ring+i)*pcnet.BufferSize) }

func (r *testRig) writeCSR(n, v uint16) {
	r.dev.Write16(port+pcnet.PortRAP, n)
	r.dev.Write16(port+pcnet.PortRDP, v)
}

func (r *testRig) readCSR(n uint16) uint16 {
	r.dev.Write16(port+pcnet.PortRAP, n)
	return r.dev.Read16(port + pcnet.PortRDP)
}

func (r *testRig) start(t *testing.T) {
	r.dev.Write16(port+pcnet.PortRAP, pcnet.BCR20)
	r.dev.Write16(port+pcnet.PortBDP, pcnet.BCR20SoftwareStyle32)
	r.writeCSR(pcnet.CSR1, uint16(r.ib))
	r.writeCSR(pcnet.CSR2, uint16(r.ib>>16))
	r.writeCSR(pcnet.CSR0, pcnet.CSR0Init|pcnet.CSR0InterruptEn)
	r.writeCSR(pcnet.CSR0, pcnet.CSR0Start|pcnet.CSR0InterruptEn)
	require.True(t, r.dev.Running())
}

func frame(dst ethernet.Address, size int) []byte {
	b := make([]byte, size)
	h := ethernet.Header{Destination: dst, Source: 0x020000000001, Type: ethernet.TypeIPv4}
	_ = h.Encode(b)
	for i := ethernet.HeaderLen; i < size; i++ {
		b[i] = byte(i)
	}
	return b
}

func TestDevice_APROM(t *testing.T) {
	r := newTestRig(t, 0)
	assert.Equal(t, uint16(0x5452), r.dev.Read16(port+pcnet.PortAPROM0))
	assert.Equal(t, uint16(0x1200), r.dev.Read16(port+pcnet.PortAPROM2))
	assert.Equal(t, uint16(0x5634), r.dev.Read16(port+pcnet.PortAPROM4))
	assert.Equal(t, uint16(0xffff), r.dev.Read16(port+0x1e), "unmapped")

	d := r.dev.Descriptor()
	assert.Equal(t, uint16(port), d.Port)
	assert.Equal(t, uint8(9), d.InterruptNumber)
	assert.Equal(t, uint16(VendorAMD), d.VendorID)
	assert.Equal(t, uint16(DeviceIDPCnetFast), d.DeviceID)
}

func TestDevice_InitAndStart(t *testing.T) {
	r := newTestRig(t, 0)
	assert.Equal(t, pcnet.CSR0Stop, r.dev.csr[0])
	assert.Zero(t, r.dev.CSR(pcnet.CSR0), "stop reads back as zero")

	// Start before init is refused
	r.writeCSR(pcnet.CSR0, pcnet.CSR0Start)
	assert.False(t, r.dev.Running())
	assert.NotZero(t, r.readCSR(pcnet.CSR0)&pcnet.CSR0MemoryError)
	r.writeCSR(pcnet.CSR0, pcnet.CSR0InterruptCauses)

	r.start(t)
	ib, ok := r.dev.InitializationBlock()
	require.True(t, ok)
	assert.Equal(t, station, ib.PhysicalAddress)
	assert.Equal(t, r.rx, ib.ReceiveRing)

	csr0 := r.readCSR(pcnet.CSR0)
	assert.Equal(t, pcnet.CSR0InitDone|pcnet.CSR0Interrupt|pcnet.CSR0InterruptEn|pcnet.CSR0ReceiveOn|pcnet.CSR0TransmitOn, csr0,
		"command bits read back as zero")
	assert.Equal(t, []uint8{9}, r.irq.lines)

	// Causes are write one to clear, IENA is kept by writing it back
	r.writeCSR(pcnet.CSR0, csr0)
	assert.Equal(t, pcnet.CSR0InterruptEn|pcnet.CSR0ReceiveOn|pcnet.CSR0TransmitOn, r.readCSR(pcnet.CSR0))

	r.writeCSR(pcnet.CSR0, pcnet.CSR0Stop)
	assert.False(t, r.dev.Running())
}

func TestDevice_Transmit(t *testing.T) {
	r := newTestRig(t, 0)
	var sent [][]byte
	r.dev.OnTransmit(func(f []byte) { sent = append(sent, f) })
	r.start(t)
	r.writeCSR(pcnet.CSR4, pcnet.CSR4AutoPadTransmit)

	// TDMD with nothing owned by the device sends nothing
	r.writeCSR(pcnet.CSR0, pcnet.CSR0TransmitDemand|pcnet.CSR0InterruptEn)
	assert.Empty(t, sent)

	for i, size := range []int{20, 100} {
		b, err := r.mem.Bytes(r.txBuf(i), size)
		require.NoError(t, err)
		copy(b, frame(0x020000000001, size))
		pcnet.StoreDescriptor(r.mem, r.txSlot(i), pcnet.Descriptor{Address: r.txBuf(i), Flags: pcnet.TransmitFlags(size)})
	}

	r.writeCSR(pcnet.CSR0, pcnet.CSR0TransmitDemand|pcnet.CSR0InterruptEn)
	require.Len(t, sent, 2)
	assert.Len(t, sent[0], 60, "padded")
	assert.Equal(t, frame(0x020000000001, 20), sent[0][:20])
	assert.Equal(t, frame(0x020000000001, 100), sent[1])

	for i := 0; i < 2; i++ {
		d := pcnet.LoadDescriptor(r.mem, r.txSlot(i))
		assert.Equal(t, pcnet.OwnerSoftware, d.Owner())
		assert.Zero(t, d.Flags&pcnet.DescError)
	}
	assert.NotZero(t, r.readCSR(pcnet.CSR0)&pcnet.CSR0TransmitInt)

	// A chained frame is not sent, the slot comes back with an error
	pcnet.StoreDescriptor(r.mem, r.txSlot(0), pcnet.Descriptor{
		Address: r.txBuf(0),
		Flags:   pcnet.DescOwn | pcnet.DescStartOfPacket | pcnet.DescOnes | pcnet.EncodeByteCount(60),
	})
	r.writeCSR(pcnet.CSR0, pcnet.CSR0TransmitDemand|pcnet.CSR0InterruptEn)
	assert.Len(t, sent, 2)
	d := pcnet.LoadDescriptor(r.mem, r.txSlot(0))
	assert.Equal(t, pcnet.OwnerSoftware, d.Owner())
	assert.NotZero(t, d.Flags&pcnet.DescError)
}

func TestDevice_Receive(t *testing.T) {
	r := newTestRig(t, 0)
	assert.False(t, r.dev.Receive(frame(station, 60)), "not running")

	r.start(t)
	r.writeCSR(pcnet.CSR0, pcnet.CSR0InterruptCauses|pcnet.CSR0InterruptEn)

	f := frame(station, 60)
	require.True(t, r.dev.Receive(f))

	d := pcnet.LoadDescriptor(r.mem, r.rxSlot(0))
	assert.Equal(t, pcnet.OwnerSoftware, d.Owner())
	assert.Equal(t, pcnet.DescStartOfPacket|pcnet.DescEndOfPacket|pcnet.DescOnes|64, d.Flags)
	assert.Equal(t, uint32(64), d.Flags2)

	b, err := r.mem.Bytes(r.rxBuf(0), 64)
	require.NoError(t, err)
	assert.Equal(t, f, b[:60])
	assert.Equal(t, crc32.ChecksumIEEE(f), binary.LittleEndian.Uint32(b[60:]))
	assert.NotZero(t, r.readCSR(pcnet.CSR0)&pcnet.CSR0ReceiveInt)

	// Broadcast is taken, other stations are not
	assert.True(t, r.dev.Receive(frame(ethernet.Broadcast, 60)))
	assert.False(t, r.dev.Receive(frame(0x020000000002, 60)))

	// Both slots are full now
	assert.False(t, r.dev.Receive(frame(station, 60)))
	csr0 := r.readCSR(pcnet.CSR0)
	assert.NotZero(t, csr0&pcnet.CSR0MissedFrame)
	assert.NotZero(t, csr0&pcnet.CSR0Error)
}

func TestDevice_ReceiveTooBig(t *testing.T) {
	r := newTestRig(t, 0)
	r.start(t)

	assert.False(t, r.dev.Receive(frame(station, pcnet.BufferSize-3)))
	d := pcnet.LoadDescriptor(r.mem, r.rxSlot(0))
	assert.Equal(t, pcnet.OwnerSoftware, d.Owner())
	assert.NotZero(t, d.Flags&pcnet.DescError)

	// The largest frame that fits still goes through
	assert.True(t, r.dev.Receive(frame(station, pcnet.BufferSize-4)))
}

func TestDevice_Promiscuous(t *testing.T) {
	r := newTestRig(t, pcnet.ModePromiscuous)
	r.start(t)
	assert.True(t, r.dev.Receive(frame(0x020000000002, 60)))
}

func TestDevice_Reset(t *testing.T) {
	r := newTestRig(t, 0)
	r.start(t)

	assert.Zero(t, r.dev.Read16(port+pcnet.PortReset))
	assert.False(t, r.dev.Running())
	assert.Zero(t, r.dev.BCR(pcnet.BCR20))
	_, ok := r.dev.InitializationBlock()
	assert.False(t, ok)
}
