package sensor

import (
	"sync"
	"time"
)

// History keeps the readings of a sliding time window, oldest first.
// Removal is based on LastRead, not on the number of readings.
type History struct {
	window time.Duration

	mu       sync.RWMutex
	readings []Reading
}

// NewHistory creates a history covering window.
func NewHistory(window time.Duration) *History {
	return &History{window: window}
}

// Add appends r and drops readings that fell out of the window. A reading
// not newer than the latest one is ignored, so single-channel refreshes do
// not repeat the last full refresh.
func (h *History) Add(r Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.readings); n > 0 && !r.LastRead.After(h.readings[n-1].LastRead) {
		return
	}
	h.readings = append(h.readings, r)

	cutoff := r.LastRead.Add(-h.window)
	drop := 0
	for drop < len(h.readings) && !h.readings[drop].LastRead.After(cutoff) {
		drop++
	}
	if drop > 0 {
		h.readings = append(h.readings[:0], h.readings[drop:]...)
	}
}

// Len returns the number of readings held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.readings)
}

// Points returns at most maxPoints readings spread evenly over the window.
func (h *History) Points(maxPoints int) []Reading {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Downsample(nil, h.readings, maxPoints)
}

// Downsample decimates readings to at most maxPoints entries.
// Reuses dst if it has sufficient capacity, otherwise allocates.
func Downsample(dst []Reading, readings []Reading, maxPoints int) []Reading {
	if maxPoints <= 0 || len(readings) <= maxPoints {
		if cap(dst) >= len(readings) {
			dst = dst[:len(readings)]
		} else {
			dst = make([]Reading, len(readings))
		}
		copy(dst, readings)
		return dst
	}

	if cap(dst) >= maxPoints {
		dst = dst[:0]
	} else {
		dst = make([]Reading, 0, maxPoints)
	}

	step := float64(len(readings)) / float64(maxPoints)
	for i := range maxPoints {
		idx := int(float64(i) * step)
		if idx < len(readings) {
			dst = append(dst, readings[idx])
		}
	}
	return dst
}
