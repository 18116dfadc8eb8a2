// Package readiness decides when a supervised process is ready by watching
// its output. The supervisor only depends on the Detector interface, so the
// marker scan can be replaced by a structured handshake later.
package readiness

import (
	"bytes"
	"sync"
)

// Detector observes raw output chunks and latches once readiness is seen.
type Detector interface {
	// Observe feeds one output chunk and reports whether the process is ready.
	Observe(chunk []byte) bool
	Ready() bool
	Reset()
}

// MarkerDetector scans output for a fixed marker string. The last
// len(marker)-1 bytes of each chunk are carried into the next scan, so a
// marker split across chunk boundaries is still detected.
type MarkerDetector struct {
	marker []byte

	mu    sync.Mutex
	tail  []byte
	ready bool
}

// NewMarker creates a detector for the given marker.
func NewMarker(marker string) *MarkerDetector {
	return &MarkerDetector{marker: []byte(marker)}
}

func (d *MarkerDetector) Observe(chunk []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ready {
		return true
	}
	if len(d.marker) == 0 {
		d.ready = true
		return true
	}

	window := append(d.tail, chunk...)
	if bytes.Contains(window, d.marker) {
		d.ready = true
		d.tail = nil
		return true
	}

	keep := len(d.marker) - 1
	if len(window) > keep {
		window = window[len(window)-keep:]
	}
	d.tail = append(d.tail[:0:0], window...)
	return false
}

func (d *MarkerDetector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

func (d *MarkerDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = false
	d.tail = nil
}
