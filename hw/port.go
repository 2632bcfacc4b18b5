package hw

// IOSpace is the 16-bit I/O port address space a device decodes. On real
// hardware this is in/out instructions, here it is whatever model sits behind
// the bus.
type IOSpace interface {
	Read16(port uint16) uint16
	Write16(port uint16, v uint16)
}

// Port16 is a single 16-bit I/O port.
type Port16 struct {
	io     IOSpace
	number uint16
}

func NewPort16(io IOSpace, number uint16) Port16 {
	return Port16{io: io, number: number}
}

func (p Port16) Read() uint16 {
	return p.io.Read16(p.number)
}

func (p Port16) Write(v uint16) {
	p.io.Write16(p.number, v)
}

// Number returns the port address.
func (p Port16) Number() uint16 {
	return p.number
}

// PCIDeviceDescriptor is what bus enumeration hands a driver at construction.
type PCIDeviceDescriptor struct {
	Port            uint16
	InterruptNumber uint8
	VendorID        uint16
	DeviceID        uint16
}
