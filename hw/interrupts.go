package hw

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultHardwareInterruptOffset is where the PIC maps IRQ 0.
const DefaultHardwareInterruptOffset = 0x20

// InterruptController is an InterruptManager that delivers hardware interrupt
// lines one at a time. A handler always runs to completion before the next
// one starts, which is the guarantee drivers written for a single core with
// non-reentrant interrupts rely on.
type InterruptController struct {
	l      *logrus.Logger
	offset uint8

	handlersLock sync.RWMutex
	handlers     [256]InterruptHandler

	pendingLock sync.Mutex
	pending     [256]bool
	notify      chan struct{}

	// deliverLock serializes handler execution.
	deliverLock sync.Mutex
	sp          uint32
}

func NewInterruptController(l *logrus.Logger, offset uint8) *InterruptController {
	return &InterruptController{
		l:      l,
		offset: offset,
		notify: make(chan struct{}, 1),
	}
}

func (ic *InterruptController) HardwareInterruptOffset() uint8 {
	return ic.offset
}

func (ic *InterruptController) RegisterHandler(vector uint8, h InterruptHandler) {
	ic.handlersLock.Lock()
	ic.handlers[vector] = h
	ic.handlersLock.Unlock()
}

// Raise marks a hardware interrupt line as pending. It never blocks and
// raising an already pending line is a no-op, like a level on a PIC input.
func (ic *InterruptController) Raise(line uint8) {
	vector := line + ic.offset

	ic.pendingLock.Lock()
	ic.pending[vector] = true
	ic.pendingLock.Unlock()

	select {
	case ic.notify <- struct{}{}:
	default:
	}
}

// DeliverPending runs the handler of every pending vector, lowest first, until
// nothing is pending. It returns how many interrupts were delivered.
func (ic *InterruptController) DeliverPending() int {
	ic.deliverLock.Lock()
	defer ic.deliverLock.Unlock()

	delivered := 0
	for {
		vector, ok := ic.takePending()
		if !ok {
			return delivered
		}

		ic.handlersLock.RLock()
		h := ic.handlers[vector]
		ic.handlersLock.RUnlock()

		if h == nil {
			ic.l.WithField("vector", vector).Warn("Unhandled interrupt")
			continue
		}

		ic.sp = h.HandleInterrupt(ic.sp)
		delivered++
	}
}

// Run delivers interrupts as they are raised until ctx is done.
func (ic *InterruptController) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ic.notify:
			ic.DeliverPending()
		}
	}
}

func (ic *InterruptController) takePending() (uint8, bool) {
	ic.pendingLock.Lock()
	defer ic.pendingLock.Unlock()

	for i := range ic.pending {
		if ic.pending[i] {
			ic.pending[i] = false
			return uint8(i), true
		}
	}

	return 0, false
}
