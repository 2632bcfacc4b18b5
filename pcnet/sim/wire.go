package sim

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var errNotAttached = errors.New("peer is not attached to a wire")

// Tap sees every frame that crosses a wire, in either direction.
type Tap interface {
	WriteFrame(frame []byte) error
}

// Wire is the segment between a Device and its peers. Frames the device
// transmits reach every peer, frames a peer sends reach the device.
type Wire struct {
	l   *logrus.Logger
	dev *Device

	mu    sync.RWMutex
	peers []*Peer
	taps  []Tap
}

// NewWire connects dev to an empty segment.
func NewWire(l *logrus.Logger, dev *Device) *Wire {
	w := &Wire{l: l, dev: dev}
	dev.OnTransmit(w.fromDevice)
	return w
}

// AddPeer attaches p to the wire.
func (w *Wire) AddPeer(p *Peer) {
	w.mu.Lock()
	w.peers = append(w.peers, p)
	w.mu.Unlock()
	p.attach(w)
}

func (w *Wire) AddTap(t Tap) {
	w.mu.Lock()
	w.taps = append(w.taps, t)
	w.mu.Unlock()
}

func (w *Wire) Peers() []*Peer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*Peer(nil), w.peers...)
}

func (w *Wire) fromDevice(frame []byte) {
	w.tap(frame)
	for _, p := range w.Peers() {
		p.HandleFrame(frame)
	}
}

func (w *Wire) fromPeer(frame []byte) {
	w.tap(frame)
	if !w.dev.Receive(frame) && w.l.Level >= logrus.DebugLevel {
		w.l.WithField("size", len(frame)).Debug("Device did not take frame")
	}
}

func (w *Wire) tap(frame []byte) {
	w.mu.RLock()
	taps := w.taps
	w.mu.RUnlock()

	for _, t := range taps {
		if err := t.WriteFrame(frame); err != nil {
			w.l.WithError(err).Warn("Failed to tap frame")
		}
	}
}
