package ethernet

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/barenet/alloc"
	"github.com/slackhq/barenet/util"
)

var ErrHandlerRegistered = errors.New("a handler is already registered for this type")

// RawDataHandler consumes whole frames from a NIC. Returning true asks the NIC
// to transmit the (possibly modified) frame back out.
type RawDataHandler interface {
	OnRawDataReceived(frame []byte) bool
}

// Transport is the NIC a Dispatcher sends and receives frames through.
type Transport interface {
	Send(frame []byte)
	LinkAddress() Address
	IPAddress() netip.Addr
	SetRawDataHandler(h RawDataHandler)
}

// Handler consumes the payload of frames of one ethertype. The payload aliases
// the receive buffer; a handler that rewrites it in place and returns true has
// the frame echoed back to its sender.
type Handler interface {
	OnEtherFrameReceived(payload []byte) bool
}

type dispatcherMetrics struct {
	rxAccepted    metrics.Counter
	rxFiltered    metrics.Counter
	rxUnhandled   metrics.Counter
	rxEcho        metrics.Counter
	txFrames      metrics.Counter
	txAllocFailed metrics.Counter
}

func newDispatcherMetrics(r metrics.Registry) dispatcherMetrics {
	return dispatcherMetrics{
		rxAccepted:    metrics.GetOrRegisterCounter("ethernet.rx.accepted", r),
		rxFiltered:    metrics.GetOrRegisterCounter("ethernet.rx.filtered", r),
		rxUnhandled:   metrics.GetOrRegisterCounter("ethernet.rx.unhandled", r),
		rxEcho:        metrics.GetOrRegisterCounter("ethernet.rx.echo", r),
		txFrames:      metrics.GetOrRegisterCounter("ethernet.tx.frames", r),
		txAllocFailed: metrics.GetOrRegisterCounter("ethernet.tx.alloc_failed", r),
	}
}

// Dispatcher demultiplexes inbound frames to handlers by ethertype and frames
// outbound payloads.
type Dispatcher struct {
	l         *logrus.Logger
	transport Transport
	allocator alloc.Allocator
	metrics   dispatcherMetrics

	handlersLock sync.RWMutex
	handlers     map[Type]Handler
}

// NewDispatcher takes over transport's raw data path. A nil registry uses
// metrics.DefaultRegistry.
func NewDispatcher(l *logrus.Logger, transport Transport, allocator alloc.Allocator, r metrics.Registry) *Dispatcher {
	d := &Dispatcher{
		l:         l,
		transport: transport,
		allocator: allocator,
		metrics:   newDispatcherMetrics(r),
		handlers:  make(map[Type]Handler),
	}

	transport.SetRawDataHandler(d)
	return d
}

// Register installs h for frames of type t.
func (d *Dispatcher) Register(t Type, h Handler) error {
	d.handlersLock.Lock()
	defer d.handlersLock.Unlock()

	if cur, ok := d.handlers[t]; ok && cur != h {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, t)
	}

	d.handlers[t] = h
	return nil
}

// Unregister removes h for type t. Nothing happens if another handler has
// since taken the slot.
func (d *Dispatcher) Unregister(t Type, h Handler) {
	d.handlersLock.Lock()
	defer d.handlersLock.Unlock()

	if d.handlers[t] == h {
		delete(d.handlers, t)
	}
}

func (d *Dispatcher) handler(t Type) Handler {
	d.handlersLock.RLock()
	defer d.handlersLock.RUnlock()
	return d.handlers[t]
}

func (d *Dispatcher) OnRawDataReceived(frame []byte) bool {
	var h Header
	if err := h.Parse(frame); err != nil {
		d.metrics.rxFiltered.Inc(1)
		return false
	}

	local := d.transport.LinkAddress()
	if h.Destination != Broadcast && h.Destination != local {
		d.metrics.rxFiltered.Inc(1)
		return false
	}

	handler := d.handler(h.Type)
	if handler == nil {
		d.metrics.rxUnhandled.Inc(1)
		if d.l.Level >= logrus.DebugLevel {
			d.l.WithField("header", h.String()).Debug("No handler for frame")
		}
		return false
	}

	d.metrics.rxAccepted.Inc(1)
	if !handler.OnEtherFrameReceived(frame[HeaderLen:]) {
		return false
	}

	// The reply goes back where the frame came from, from us. Broadcast
	// requests must not be answered from the broadcast address.
	h.Destination = h.Source
	h.Source = local
	_ = h.Encode(frame)

	d.metrics.rxEcho.Inc(1)
	return true
}

// Send frames payload for dst and hands it to the transport. It only fails
// when no buffer could be allocated for the frame.
func (d *Dispatcher) Send(dst Address, t Type, payload []byte) error {
	frame, err := d.allocator.Allocate(HeaderLen + len(payload))
	if err != nil {
		d.metrics.txAllocFailed.Inc(1)
		return util.NewContextualError("Failed to allocate frame",
			map[string]any{"type": t.String(), "size": HeaderLen + len(payload)}, err)
	}
	defer alloc.Release(d.allocator, frame)

	h := Header{Destination: dst, Source: d.transport.LinkAddress(), Type: t}
	_ = h.Encode(frame)
	copy(frame[HeaderLen:], payload)

	d.transport.Send(frame)
	d.metrics.txFrames.Inc(1)
	return nil
}

func (d *Dispatcher) LinkAddress() Address {
	return d.transport.LinkAddress()
}

func (d *Dispatcher) IPAddress() netip.Addr {
	return d.transport.IPAddress()
}
