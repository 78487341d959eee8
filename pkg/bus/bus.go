// Package bus owns the half-duplex RS-485 channel: direction control, guard
// delays around transmit, and a deadline-bounded read that stops as soon as a
// complete frame has arrived.
package bus

import (
	"io"
	"sync"
	"time"
)

// Port is the byte pipe the transport drives. go.bug.st/serial ports satisfy it.
type Port interface {
	io.ReadWriter
	ResetInputBuffer() error
	Drain() error
}

// DirectionControl drives the transmit-enable (DE/RE) line.
type DirectionControl interface {
	SetTransmit(on bool) error
}

// Clock abstracts time so bus timing can be simulated in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// NoDirection is used with adapters that switch direction automatically.
type NoDirection struct{}

func (NoDirection) SetTransmit(bool) error { return nil }

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// FakeClock is a manually advanced clock. Sleep advances it instantly.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	_ Clock = SystemClock{}
	_ Clock = (*FakeClock)(nil)
	_ Port  = (*Serial)(nil)
	_ Port  = (*Sim)(nil)
)
