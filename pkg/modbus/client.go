// Package modbus turns one request into one classified result over a bus
// transport. It never retries; callers decide what a failure means.
package modbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/itohio/wqm/pkg/frame"
)

// Exchanger sends one request frame and returns the complete reply frame.
type Exchanger interface {
	Exchange(req []byte, timeout time.Duration) ([]byte, error)
}

// Outcome classifies a finished transaction.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeChecksum  Outcome = "checksum"
	OutcomeMalformed Outcome = "malformed"
	OutcomeException Outcome = "exception"
	OutcomeIO        Outcome = "io"
)

// Classify maps a transaction error to its outcome.
func Classify(err error) Outcome {
	var exc *frame.ExceptionError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &exc):
		return OutcomeException
	case errors.Is(err, frame.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, frame.ErrChecksumMismatch):
		return OutcomeChecksum
	case errors.Is(err, frame.ErrMalformedFrame):
		return OutcomeMalformed
	default:
		return OutcomeIO
	}
}

// Observer is notified after every transaction.
type Observer func(address, function byte, outcome Outcome, elapsed time.Duration)

// Client executes Modbus transactions.
type Client struct {
	bus       Exchanger
	now       func() time.Time
	observers []Observer
}

// NewClient creates a client over bus.
func NewClient(bus Exchanger) *Client {
	return &Client{bus: bus, now: time.Now}
}

// OnTransaction registers an observer.
func (c *Client) OnTransaction(o Observer) {
	c.observers = append(c.observers, o)
}

// Execute reads count registers starting at reg and returns the data payload.
func (c *Client) Execute(address, function byte, reg, count uint16, timeout time.Duration) ([]byte, error) {
	req := frame.Request{Address: address, Function: function, Register: reg, Count: count}
	reply, err := c.roundTrip(req, timeout)
	if err != nil {
		return nil, err
	}
	return frame.Payload(reply), nil
}

// WriteRegister writes a single holding register. The device must echo the
// request unchanged.
func (c *Client) WriteRegister(address byte, reg, value uint16, timeout time.Duration) error {
	req := frame.Request{Address: address, Function: frame.FuncWriteSingle, Register: reg, Count: value}
	_, err := c.roundTrip(req, timeout)
	return err
}

func (c *Client) roundTrip(req frame.Request, timeout time.Duration) (reply []byte, err error) {
	start := c.now()
	defer func() {
		outcome := Classify(err)
		for _, o := range c.observers {
			o(req.Address, req.Function, outcome, c.now().Sub(start))
		}
	}()

	reply, err = c.bus.Exchange(req.Encode(), timeout)
	if err != nil {
		return nil, fmt.Errorf("device 0x%02X: %w", req.Address, err)
	}
	if err := validate(req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func validate(req frame.Request, reply []byte) error {
	if len(reply) < frame.MinResponseSize {
		return fmt.Errorf("%w: %d byte reply", frame.ErrMalformedFrame, len(reply))
	}
	if reply[0] != req.Address {
		return fmt.Errorf("%w: reply from 0x%02X, expected 0x%02X", frame.ErrMalformedFrame, reply[0], req.Address)
	}
	if frame.IsException(reply) {
		if reply[1]&^0x80 != req.Function {
			return fmt.Errorf("%w: exception for function 0x%02X, expected 0x%02X", frame.ErrMalformedFrame, reply[1]&^0x80, req.Function)
		}
		return &frame.ExceptionError{Address: reply[0], Function: req.Function, Code: reply[2]}
	}
	if reply[1] != req.Function {
		return fmt.Errorf("%w: function 0x%02X, expected 0x%02X", frame.ErrMalformedFrame, reply[1], req.Function)
	}

	if req.Function == frame.FuncWriteSingle {
		echo, err := frame.DecodeRequest(reply)
		if err != nil || echo != req {
			return fmt.Errorf("%w: write echo mismatch", frame.ErrMalformedFrame)
		}
		return nil
	}

	if want := 2 * int(req.Count); int(reply[2]) != want {
		return fmt.Errorf("%w: %d data bytes, expected %d", frame.ErrMalformedFrame, reply[2], want)
	}
	return nil
}
