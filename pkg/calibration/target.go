package calibration

import (
	"fmt"

	"github.com/itohio/wqm/pkg/sensor"
)

// Target is one calibration reference point.
type Target int

const (
	PH401 Target = iota + 1
	PH700
	PH1001
	DOZero
	DOSlope
	EC1413
	EC12880
)

type targetInfo struct {
	id          string
	name        string
	instruction string
	channel     sensor.Channel
}

var targets = map[Target]targetInfo{
	PH401:   {"ph_4_01", "pH 4.01", "Immerse in pH 4.01 solution and wait for stabilization", sensor.PH},
	PH700:   {"ph_7_00", "pH 7.00", "Immerse in pH 7.00 solution and wait for stabilization", sensor.PH},
	PH1001:  {"ph_10_01", "pH 10.01", "Immerse in pH 10.01 solution and wait for stabilization", sensor.PH},
	DOZero:  {"do_zero", "DO Zero", "Immerse in zero oxygen solution and wait for stabilization", sensor.DO},
	DOSlope: {"do_slope", "DO Slope", "Immerse in air-saturated water and wait for stabilization", sensor.DO},
	EC1413:  {"ec_1413", "EC 1413µS", "Immerse in 1413 µS/cm solution and wait for stabilization", sensor.EC},
	EC12880: {"ec_12880", "EC 12880µS", "Immerse in 12880 µS/cm solution and wait for stabilization", sensor.EC},
}

// Targets lists every reference point in menu order.
func Targets() []Target {
	return []Target{PH401, PH700, PH1001, DOZero, DOSlope, EC1413, EC12880}
}

// ParseTarget looks a target up by its id, e.g. "ph_7_00".
func ParseTarget(id string) (Target, error) {
	for t, info := range targets {
		if info.id == id {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown calibration target %q", id)
}

// Valid reports whether t is a known reference point.
func (t Target) Valid() bool {
	_, ok := targets[t]
	return ok
}

// String returns the target id.
func (t Target) String() string {
	if info, ok := targets[t]; ok {
		return info.id
	}
	return fmt.Sprintf("target(%d)", int(t))
}

// Name returns the display name.
func (t Target) Name() string {
	if info, ok := targets[t]; ok {
		return info.name
	}
	return "Unknown"
}

// Instruction returns what the operator has to do for this reference point.
func (t Target) Instruction() string {
	if info, ok := targets[t]; ok {
		return info.instruction
	}
	return "Unknown calibration type"
}

// Channel returns the measurement channel sampled for this target.
func (t Target) Channel() sensor.Channel {
	return targets[t].channel
}

// MarshalText encodes the target as its id.
func (t Target) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a target id.
func (t *Target) UnmarshalText(text []byte) error {
	v, err := ParseTarget(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
