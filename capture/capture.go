// Package capture records frames to a pcap file that any packet analyzer can
// open.
package capture

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// snapLen is larger than any frame the stack handles.
const snapLen = 65536

// Writer appends Ethernet frames to a pcap stream. It is safe for concurrent
// use.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
	frames int
}

// NewWriter writes the pcap file header to w and returns a Writer for it.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}

	return &Writer{w: pw, now: time.Now}, nil
}

// Create truncates or creates the file at path and captures to it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	w.closer = f
	return w, nil
}

// WriteFrame records one frame stamped with the current time.
func (w *Writer) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ci := gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}

	if err := w.w.WritePacket(ci, frame); err != nil {
		return err
	}

	w.frames++
	return nil
}

// Frames returns how many frames have been written.
func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close closes the underlying file when the Writer was made by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closer == nil {
		return nil
	}

	err := w.closer.Close()
	w.closer = nil
	return err
}
