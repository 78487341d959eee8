// Package sensor refreshes the water-quality channels over the bus and keeps
// the latest reading snapshot.
package sensor

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itohio/wqm/pkg/config"
	"github.com/itohio/wqm/pkg/frame"
)

// discoverGap is the quiet time between discovery probes.
const discoverGap = 100 * time.Millisecond

// ErrPartialRead marks a channel error where the primary value was read but a
// companion register of the same group failed. The returned value is fresh.
var ErrPartialRead = errors.New("companion register read failed")

// Executor performs one register read and returns the data payload.
type Executor interface {
	Execute(address, function byte, reg, count uint16, timeout time.Duration) ([]byte, error)
}

// Clock provides the monotonic instant of each refresh.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Specs is the register map of all bus channels.
type Specs struct {
	PH       ChannelSpec
	DO       ChannelSpec
	EC       ChannelSpec
	TDS      ChannelSpec
	Salinity ChannelSpec
	Ammonia  ChannelSpec
}

// SpecsFromConfig validates and converts the configured register map.
func SpecsFromConfig(c config.SensorsConfig) (Specs, error) {
	var (
		s   Specs
		err error
	)
	entries := []struct {
		name string
		cfg  config.ChannelConfig
		dst  *ChannelSpec
	}{
		{"ph", c.PH, &s.PH},
		{"do", c.DO, &s.DO},
		{"ec", c.EC, &s.EC},
		{"tds", c.TDS, &s.TDS},
		{"salinity", c.Salinity, &s.Salinity},
		{"ammonia", c.Ammonia, &s.Ammonia},
	}
	for _, e := range entries {
		if *e.dst, err = SpecFromConfig(e.name, e.cfg); err != nil {
			return Specs{}, err
		}
	}
	return s, nil
}

// Address returns the device address serving a bus channel.
func (s Specs) Address(ch Channel) (byte, bool) {
	switch ch {
	case PH:
		return s.PH.Address, true
	case DO:
		return s.DO.Address, true
	case EC:
		return s.EC.Address, true
	case Ammonia:
		return s.Ammonia.Address, true
	}
	return 0, false
}

// Presence is the discovery result for one sensor.
type Presence struct {
	Name    string
	Address byte
	Found   bool
}

// Poller issues the fixed sequence of transactions that refreshes every
// channel. It is not safe to refresh from more than one goroutine; snapshot
// accessors may be used concurrently.
type Poller struct {
	client Executor
	probe  TemperatureProbe
	specs  Specs
	clock  Clock
	times  TimeSource

	timeout         time.Duration
	discoverTimeout time.Duration

	mu      sync.RWMutex
	reading Reading

	callbacks []func(Reading)
	cbMu      sync.RWMutex
}

// New creates a poller from configuration.
func New(cfg *config.Config, client Executor, probe TemperatureProbe, clock Clock, times TimeSource) (*Poller, error) {
	specs, err := SpecsFromConfig(cfg.Sensors)
	if err != nil {
		return nil, fmt.Errorf("invalid sensor map: %w", err)
	}
	return &Poller{
		client:          client,
		probe:           probe,
		specs:           specs,
		clock:           clock,
		times:           times,
		timeout:         cfg.Bus.Timeout,
		discoverTimeout: cfg.Bus.DiscoverTimeout,
	}, nil
}

// Specs returns the register map in use.
func (p *Poller) Specs() Specs {
	return p.specs
}

// RefreshAll refreshes temperature, pH, DO, EC/TDS/salinity and ammonia in
// that order. A failed channel keeps its previous value and gets its flag set.
// The result is true only if every channel succeeded.
func (p *Poller) RefreshAll() (Reading, bool) {
	ok := true
	for _, ch := range Channels {
		if _, err := p.refresh(ch); err != nil {
			log.Printf("[sensor] %s read failed: %v", ch, err)
			ok = false
		}
	}

	p.mu.Lock()
	p.reading.Timestamp = p.times.Timestamp()
	p.reading.LastRead = p.clock.Now()
	snapshot := p.reading
	p.mu.Unlock()

	p.notifyCallbacks(snapshot)
	return snapshot, ok
}

// RefreshChannel refreshes one channel and returns its primary value.
func (p *Poller) RefreshChannel(ch Channel) (float64, error) {
	v, err := p.refresh(ch)
	p.notifyCallbacks(p.Snapshot())
	return v, err
}

func (p *Poller) refresh(ch Channel) (float64, error) {
	var err error
	switch ch {
	case Temperature:
		err = p.refreshTemperature()
	case PH:
		err = p.refreshSpec(p.specs.PH, &p.reading.PH)
	case DO:
		err = p.refreshSpec(p.specs.DO, &p.reading.DO)
	case EC:
		// Three independent reads; one failure flags the group.
		ecErr := p.refreshSpec(p.specs.EC, &p.reading.EC)
		err = errors.Join(
			ecErr,
			p.refreshSpec(p.specs.TDS, &p.reading.TDS),
			p.refreshSpec(p.specs.Salinity, &p.reading.Salinity),
		)
		if err != nil && ecErr == nil {
			err = fmt.Errorf("%w: %w", ErrPartialRead, err)
		}
	case Ammonia:
		err = p.refreshSpec(p.specs.Ammonia, &p.reading.Ammonia)
	default:
		return 0, fmt.Errorf("unknown channel %d", ch)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.reading.setFailed(ch, err != nil)
	return p.reading.Value(ch), err
}

func (p *Poller) refreshTemperature() error {
	c, err := p.probe.ReadCelsius()
	if err != nil {
		return err
	}
	if err := CheckTemperature(c); err != nil {
		return err
	}
	p.mu.Lock()
	p.reading.Temperature = c
	p.mu.Unlock()
	return nil
}

// refreshSpec reads one spec and stores the decoded value in dst on success.
func (p *Poller) refreshSpec(spec ChannelSpec, dst *float64) error {
	payload, err := p.client.Execute(spec.Address, spec.Function, spec.Register, spec.Count, p.timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", spec.Name, err)
	}
	v, err := spec.Decode(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	*dst = v
	p.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the latest reading.
func (p *Poller) Snapshot() Reading {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reading
}

// Status summarizes channel health as "n/5 OK".
func (p *Poller) Status() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ok := 0
	for _, ch := range Channels {
		if !p.reading.Failed(ch) {
			ok++
		}
	}
	return fmt.Sprintf("%d/%d OK", ok, len(Channels))
}

// ResetErrors clears every error flag.
func (p *Poller) ResetErrors() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range Channels {
		p.reading.setFailed(ch, false)
	}
}

// Discover probes each bus sensor once and checks the temperature probe.
// Any reply, including a Modbus exception, counts as present. It returns
// true if at least one sensor answered.
func (p *Poller) Discover() ([]Presence, bool) {
	targets := []struct {
		name string
		addr byte
	}{
		{"pH", p.specs.PH.Address},
		{"DO", p.specs.DO.Address},
		{"EC/TDS", p.specs.EC.Address},
		{"NH4", p.specs.Ammonia.Address},
	}

	var (
		result   []Presence
		foundAny bool
	)
	for i, t := range targets {
		if i > 0 {
			p.clock.Sleep(discoverGap)
		}
		_, err := p.client.Execute(t.addr, frame.FuncReadInput, 0x0000, 1, p.discoverTimeout)
		var exc *frame.ExceptionError
		found := err == nil || errors.As(err, &exc)
		if found {
			log.Printf("[sensor] found %s sensor at 0x%02X", t.name, t.addr)
			foundAny = true
		} else {
			log.Printf("[sensor] %s sensor not found at 0x%02X: %v", t.name, t.addr, err)
		}
		result = append(result, Presence{Name: t.name, Address: t.addr, Found: found})
	}

	c, err := p.probe.ReadCelsius()
	found := err == nil && c != Disconnected
	if found {
		log.Printf("[sensor] found temperature probe")
		foundAny = true
	} else {
		log.Printf("[sensor] temperature probe not found")
	}
	result = append(result, Presence{Name: "DS18B20", Found: found})

	return result, foundAny
}

// OnUpdate registers a callback invoked with the snapshot after each refresh.
func (p *Poller) OnUpdate(callback func(Reading)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.callbacks = append(p.callbacks, callback)
}

func (p *Poller) notifyCallbacks(r Reading) {
	p.cbMu.RLock()
	callbacks := make([]func(Reading), len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.cbMu.RUnlock()

	for _, cb := range callbacks {
		cb(r)
	}
}
