package sensor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/itohio/wqm/pkg/frame"
)

const (
	// Disconnected is the value a DS18B20 driver reports for a missing probe.
	Disconnected = -127.0

	minTemperature = -50.0
	maxTemperature = 150.0
)

// TemperatureProbe reads the water temperature in °C.
type TemperatureProbe interface {
	ReadCelsius() (float64, error)
}

// CheckTemperature rejects the disconnected sentinel and implausible values.
func CheckTemperature(c float64) error {
	if c == Disconnected || c <= minTemperature || c >= maxTemperature {
		return fmt.Errorf("%w: temperature %.2f°C", frame.ErrOutOfRange, c)
	}
	return nil
}

// W1Probe reads a DS18B20 through the Linux w1_therm driver.
type W1Probe struct {
	pattern string
}

// NewW1Probe creates a probe reading the first sysfs file matching pattern,
// for example /sys/bus/w1/devices/28-*/temperature.
func NewW1Probe(pattern string) *W1Probe {
	return &W1Probe{pattern: pattern}
}

// ReadCelsius reads the probe. The driver reports millidegrees.
func (p *W1Probe) ReadCelsius() (float64, error) {
	matches, err := filepath.Glob(p.pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to locate temperature probe: %w", err)
	}
	if len(matches) == 0 {
		return Disconnected, nil
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		return 0, fmt.Errorf("failed to read temperature probe: %w", err)
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse temperature %q: %w", strings.TrimSpace(string(data)), err)
	}
	return float64(milli) / 1000, nil
}

// StaticProbe returns a fixed temperature. Used in mock mode and tests.
type StaticProbe struct {
	Celsius float64
	Err     error
}

func (p *StaticProbe) ReadCelsius() (float64, error) {
	return p.Celsius, p.Err
}

var (
	_ TemperatureProbe = (*W1Probe)(nil)
	_ TemperatureProbe = (*StaticProbe)(nil)
)
