package sensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chewxy/math32"

	"github.com/itohio/wqm/pkg/config"
	"github.com/itohio/wqm/pkg/frame"
)

// Channel identifies a measured quantity that carries its own error flag.
type Channel int

const (
	Temperature Channel = iota
	PH
	DO
	EC // EC, TDS and salinity share one flag
	Ammonia
)

// Channels lists every flagged channel in refresh order.
var Channels = []Channel{Temperature, PH, DO, EC, Ammonia}

func (c Channel) String() string {
	switch c {
	case Temperature:
		return "temperature"
	case PH:
		return "ph"
	case DO:
		return "do"
	case EC:
		return "ec"
	case Ammonia:
		return "ammonia"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Decoding is how a register payload becomes an engineering value.
type Decoding int

const (
	DecodeScaled Decoding = iota
	DecodeRaw
	DecodeFloat32
)

// ChannelSpec describes one register read. It is immutable after construction.
type ChannelSpec struct {
	Name     string
	Address  byte
	Function byte
	Register uint16
	Count    uint16
	Decoding Decoding
	Scale    float64
}

// SpecFromConfig builds a spec from its configuration entry.
func SpecFromConfig(name string, c config.ChannelConfig) (ChannelSpec, error) {
	spec := ChannelSpec{
		Name:     name,
		Address:  c.Address,
		Function: c.Function,
		Register: c.Register,
		Count:    c.Count,
		Scale:    c.Scale,
	}
	switch c.Decode {
	case config.DecodeScaled:
		spec.Decoding = DecodeScaled
		if spec.Scale == 0 {
			return ChannelSpec{}, fmt.Errorf("channel %s: scaled decode needs a non-zero scale", name)
		}
	case config.DecodeRaw:
		spec.Decoding = DecodeRaw
	case config.DecodeFloat32:
		spec.Decoding = DecodeFloat32
		if spec.Count != 2 {
			return ChannelSpec{}, fmt.Errorf("channel %s: float32 decode needs 2 registers, got %d", name, spec.Count)
		}
	default:
		return ChannelSpec{}, fmt.Errorf("channel %s: unknown decode %q", name, c.Decode)
	}
	if spec.Decoding != DecodeFloat32 && spec.Count != 1 {
		return ChannelSpec{}, fmt.Errorf("channel %s: %s decode needs 1 register, got %d", name, c.Decode, spec.Count)
	}
	return spec, nil
}

// Decode converts a validated payload into an engineering value.
func (s ChannelSpec) Decode(payload []byte) (float64, error) {
	if len(payload) != 2*int(s.Count) {
		return 0, fmt.Errorf("%w: %s payload is %d bytes, expected %d", frame.ErrMalformedFrame, s.Name, len(payload), 2*s.Count)
	}

	switch s.Decoding {
	case DecodeScaled:
		return float64(binary.BigEndian.Uint16(payload)) / s.Scale, nil
	case DecodeRaw:
		return float64(binary.BigEndian.Uint16(payload)), nil
	case DecodeFloat32:
		v := DecodeFloat32Registers(binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]))
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: %s is not a finite number", frame.ErrOutOfRange, s.Name)
		}
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%s: unknown decoding %d", s.Name, s.Decoding)
	}
}

// DecodeFloat32Registers joins two registers, high word first, and
// reinterprets the bits as an IEEE-754 float.
func DecodeFloat32Registers(hi, lo uint16) float32 {
	return math32.Float32frombits(uint32(hi)<<16 | uint32(lo))
}

// round rounds v to the given number of decimals.
func round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
