package pcnet

// I/O port offsets from the device's PCI I/O base.
const (
	PortAPROM0 uint16 = 0x00
	PortAPROM2 uint16 = 0x02
	PortAPROM4 uint16 = 0x04
	PortRDP    uint16 = 0x10 // register data port, CSR access
	PortRAP    uint16 = 0x12 // register address port
	PortReset  uint16 = 0x14
	PortBDP    uint16 = 0x16 // bus configuration register data port
)

// Control and status registers.
const (
	CSR0 uint16 = 0 // status and command
	CSR1 uint16 = 1 // initialization block address, low 16 bits
	CSR2 uint16 = 2 // initialization block address, high 16 bits
	CSR4 uint16 = 4 // test and features control
)

// Bus configuration registers.
const (
	BCR20 uint16 = 20 // software style
)

// CSR0 bits. The interrupt cause bits (BABL through IDON) are cleared by
// writing ones to them, the command bits (INIT, STRT, STOP, TDMD) act on write.
const (
	CSR0Error          uint16 = 0x8000
	CSR0Babble         uint16 = 0x4000
	CSR0Collision      uint16 = 0x2000
	CSR0MissedFrame    uint16 = 0x1000
	CSR0MemoryError    uint16 = 0x0800
	CSR0ReceiveInt     uint16 = 0x0400
	CSR0TransmitInt    uint16 = 0x0200
	CSR0InitDone       uint16 = 0x0100
	CSR0Interrupt      uint16 = 0x0080
	CSR0InterruptEn    uint16 = 0x0040
	CSR0ReceiveOn      uint16 = 0x0020
	CSR0TransmitOn     uint16 = 0x0010
	CSR0TransmitDemand uint16 = 0x0008
	CSR0Stop           uint16 = 0x0004
	CSR0Start          uint16 = 0x0002
	CSR0Init           uint16 = 0x0001

	// CSR0InterruptCauses are the write-one-to-clear bits.
	CSR0InterruptCauses = CSR0Babble | CSR0Collision | CSR0MissedFrame | CSR0MemoryError |
		CSR0ReceiveInt | CSR0TransmitInt | CSR0InitDone
)

// CSR4 bits.
const (
	CSR4AutoPadTransmit uint16 = 0x0800
	CSR4AutoStripRecv   uint16 = 0x0400
)

// BCR20 value selecting 32-bit descriptors and initialization block
// (SSIZE32) with software style 2.
const BCR20SoftwareStyle32 uint16 = 0x0102

// Initialization block mode bits.
const (
	ModePromiscuous uint16 = 0x8000
)
