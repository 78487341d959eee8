package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no complete frame arrived before the deadline.
	ErrTimeout = errors.New("transaction timed out")
	// ErrChecksumMismatch is returned when a complete frame failed CRC validation.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrMalformedFrame is returned when a valid frame does not answer the request.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrOutOfRange is returned when a decoded value is outside its plausibility band.
	ErrOutOfRange = errors.New("value out of range")
	// ErrIncomplete is reported by the decoder while the declared length has not arrived.
	ErrIncomplete = errors.New("incomplete frame")
)

// ExceptionError is a Modbus exception reply (function code with the high bit set).
type ExceptionError struct {
	Address  byte
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("device 0x%02X function 0x%02X exception 0x%02X", e.Address, e.Function, e.Code)
}

// Unwrap makes exception replies match ErrMalformedFrame.
func (e *ExceptionError) Unwrap() error {
	return ErrMalformedFrame
}
