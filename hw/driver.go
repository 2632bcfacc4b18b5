package hw

// InterruptHandler services one interrupt vector. It receives the interrupted
// context's stack pointer and returns the stack pointer to resume with, which
// lets a handler switch contexts.
type InterruptHandler interface {
	HandleInterrupt(sp uint32) uint32
}

// InterruptManager is the part of the interrupt subsystem a driver needs.
type InterruptManager interface {
	RegisterHandler(vector uint8, h InterruptHandler)
	HardwareInterruptOffset() uint8
}

// Driver is the lifecycle every hardware driver implements.
type Driver interface {
	InterruptHandler

	Initialize() error
	Activate()
	Deactivate()
	Reset()
	Name() string
}
