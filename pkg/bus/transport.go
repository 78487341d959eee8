package bus

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/itohio/wqm/pkg/frame"
)

const (
	// DefaultGuardDelay lets the line drivers settle around a transmit.
	DefaultGuardDelay = 2 * time.Millisecond
	// DefaultPollInterval is the sleep between reads while waiting for a reply.
	DefaultPollInterval = 10 * time.Millisecond
)

// Options tunes transport timing.
type Options struct {
	GuardDelay   time.Duration
	PollInterval time.Duration
	Debug        bool // log every frame in hex
}

// Transport performs one request/response turnaround at a time on a shared bus.
// It knows nothing about sensors; it only moves frames.
type Transport struct {
	port  Port
	dir   DirectionControl
	clock Clock

	guard time.Duration
	poll  time.Duration
	debug bool

	buf []byte
}

// NewTransport creates a transport over port. A nil dir means the adapter
// switches direction on its own; a nil clock uses the system clock.
func NewTransport(port Port, dir DirectionControl, clock Clock, opts Options) *Transport {
	if dir == nil {
		dir = NoDirection{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if opts.GuardDelay <= 0 {
		opts.GuardDelay = DefaultGuardDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Transport{
		port:  port,
		dir:   dir,
		clock: clock,
		guard: opts.GuardDelay,
		poll:  opts.PollInterval,
		debug: opts.Debug,
		buf:   make([]byte, frame.MaxFrameSize),
	}
}

// Clock returns the clock the transport sleeps on.
func (t *Transport) Clock() Clock {
	return t.clock
}

// Exchange transmits req and waits up to timeout for a complete reply.
// It returns frame.ErrTimeout if the reply did not complete in time and
// frame.ErrChecksumMismatch if it completed but failed validation.
func (t *Transport) Exchange(req []byte, timeout time.Duration) ([]byte, error) {
	if len(req) < 2 {
		return nil, fmt.Errorf("request too short: %d bytes", len(req))
	}

	if err := t.transmit(req); err != nil {
		return nil, err
	}

	dec := frame.NewDecoder(req[1])
	deadline := t.clock.Now().Add(timeout)
	for {
		n, err := t.port.Read(t.buf)
		if n > 0 {
			_, _ = dec.Write(t.buf[:n])
			f, ferr := dec.Frame()
			if ferr == nil {
				if t.debug {
					log.Printf("[bus] rx % X", f)
				}
				return f, nil
			}
			if errors.Is(ferr, frame.ErrChecksumMismatch) {
				if t.debug {
					log.Printf("[bus] rx (bad crc) % X", dec.Bytes())
				}
				return nil, ferr
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read from bus: %w", err)
		}
		if !t.clock.Now().Before(deadline) {
			if t.debug && dec.Len() > 0 {
				log.Printf("[bus] rx (partial) % X", dec.Bytes())
			}
			return nil, fmt.Errorf("%w after %v (%d bytes received)", frame.ErrTimeout, timeout, dec.Len())
		}
		t.clock.Sleep(t.poll)
	}
}

// transmit drains stale input, then writes req with the transmit line asserted
// and guard delays on both sides.
func (t *Transport) transmit(req []byte) error {
	if err := t.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}

	if err := t.dir.SetTransmit(true); err != nil {
		return fmt.Errorf("failed to assert transmit: %w", err)
	}
	t.clock.Sleep(t.guard)

	if t.debug {
		log.Printf("[bus] tx % X", req)
	}
	_, werr := t.port.Write(req)
	if werr == nil {
		werr = t.port.Drain()
	}
	t.clock.Sleep(t.guard)

	// Always release the line, even after a failed write.
	if err := t.dir.SetTransmit(false); err != nil {
		return fmt.Errorf("failed to release transmit: %w", err)
	}
	if werr != nil {
		return fmt.Errorf("failed to write request: %w", werr)
	}
	return nil
}
