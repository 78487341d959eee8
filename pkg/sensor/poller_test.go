package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/wqm/pkg/bus"
	"github.com/itohio/wqm/pkg/config"
	"github.com/itohio/wqm/pkg/frame"
	"github.com/itohio/wqm/pkg/modbus"
)

var epoch = time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)

type fixture struct {
	poller *Poller
	sim    *bus.Sim
	probe  *StaticProbe
	clock  *bus.FakeClock
}

func testMock() config.MockConfig {
	return config.MockConfig{
		Temperature: 27.456,
		PH:          7.0,
		DO:          6.8,
		EC:          1413,
		TDS:         706,
		Salinity:    35,
		Ammonia:     0.153,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	clock := bus.NewFakeClock(epoch)
	sim := bus.NewSim()
	client := modbus.NewClient(bus.NewTransport(sim, nil, clock, bus.Options{}))
	probe := &StaticProbe{Celsius: 27.456}

	p, err := New(cfg, client, probe, clock, NewZoneClock(clock.Now, 7))
	require.NoError(t, err)
	SeedSim(sim, p.Specs(), testMock())

	return &fixture{poller: p, sim: sim, probe: probe, clock: clock}
}

func TestRefreshAll_Success(t *testing.T) {
	f := newFixture(t)

	r, ok := f.poller.RefreshAll()
	require.True(t, ok)

	assert.InDelta(t, 27.456, r.Temperature, 1e-9)
	assert.InDelta(t, 7.0, r.PH, 1e-9)
	assert.InDelta(t, 6.8, r.DO, 1e-9)
	assert.Equal(t, 1413.0, r.EC)
	assert.Equal(t, 706.0, r.TDS)
	assert.Equal(t, 35.0, r.Salinity)
	assert.Equal(t, float64(float32(0.153)), r.Ammonia)
	for _, ch := range Channels {
		assert.False(t, r.Failed(ch), ch.String())
	}
	assert.Equal(t, "2024-06-01 10:00:00", r.Timestamp)
	assert.Equal(t, f.clock.Now(), r.LastRead)
	assert.Equal(t, "5/5 OK", f.poller.Status())
}

func TestRefreshAll_DefaultRegisterMap(t *testing.T) {
	f := newFixture(t)
	f.sim.SetRegister(0x01, 0x04, 0x0001, 0x02BC) // pH, hundredths
	f.sim.SetRegister(0x37, 0x03, 0x0101, 0x02A8) // DO, hundredths
	f.sim.SetRegister(0x01, 0x04, 0x0002, 1413)   // EC, integer
	f.sim.SetRegister(0x01, 0x04, 0x0004, 706)    // TDS, integer
	f.sim.SetRegister(0x01, 0x04, 0x0003, 70)     // salinity, integer

	r, ok := f.poller.RefreshAll()
	require.True(t, ok)

	assert.InDelta(t, 7.00, r.PH, 1e-9)
	assert.InDelta(t, 6.80, r.DO, 1e-9)
	assert.Equal(t, 1413.0, r.EC)
	assert.Equal(t, 706.0, r.TDS)
	assert.Equal(t, 70.0, r.Salinity)
	assert.Equal(t, 70.0, r.Record("uid").Salinity)
}

func TestRefreshAll_RequestOrder(t *testing.T) {
	f := newFixture(t)
	f.poller.RefreshAll()

	var got []string
	for _, w := range f.sim.Writes() {
		got = append(got, fmt.Sprintf("%02X/%02X/%04X/%d", w.Address, w.Function, w.Register, w.Count))
	}
	assert.Equal(t, []string{
		"01/04/0001/1", // pH
		"37/03/0101/1", // DO
		"01/04/0002/1", // EC
		"01/04/0004/1", // TDS
		"01/04/0003/1", // salinity
		"01/03/0000/2", // ammonia
	}, got)
}

func TestRefreshAll_FailedChannelKeepsValue(t *testing.T) {
	f := newFixture(t)
	_, ok := f.poller.RefreshAll()
	require.True(t, ok)

	f.sim.RemoveDevice(0x37)
	r, ok := f.poller.RefreshAll()
	assert.False(t, ok)
	assert.True(t, r.DOError)
	assert.InDelta(t, 6.8, r.DO, 1e-9, "stale value is kept")
	assert.False(t, r.PHError)
	assert.False(t, r.ECError)
	assert.Equal(t, "4/5 OK", f.poller.Status())

	// A success clears the flag.
	f.sim.SetScaled(0x37, frame.FuncReadHolding, 0x0101, 7.1, 100)
	r, ok = f.poller.RefreshAll()
	assert.True(t, ok)
	assert.False(t, r.DOError)
	assert.InDelta(t, 7.1, r.DO, 1e-9)
}

func TestRefreshAll_FirstFailureLeavesZero(t *testing.T) {
	f := newFixture(t)
	f.sim.RemoveDevice(0x37)

	r, ok := f.poller.RefreshAll()
	assert.False(t, ok)
	assert.True(t, r.DOError)
	assert.Zero(t, r.DO)
}

func TestRefreshAll_CorruptFrameFlagsOnlyThatChannel(t *testing.T) {
	f := newFixture(t)
	f.sim.CorruptNext(1) // pH is the first bus read

	r, ok := f.poller.RefreshAll()
	assert.False(t, ok)
	assert.True(t, r.PHError)
	assert.False(t, r.DOError)
	assert.False(t, r.ECError)
	assert.False(t, r.AmmoniaError)
}

// scripted answers reads from a table and fails anything missing.
type scripted map[uint16][]byte

func (s scripted) Execute(address, function byte, reg, count uint16, timeout time.Duration) ([]byte, error) {
	if p, ok := s[reg]; ok && address == 0x01 {
		return p, nil
	}
	return nil, fmt.Errorf("device 0x%02X: %w", address, frame.ErrTimeout)
}

func TestRefreshChannel_ECGroupFlag(t *testing.T) {
	cfg := config.Default()
	clock := bus.NewFakeClock(epoch)
	// EC and salinity answer, TDS does not.
	exec := scripted{
		0x0002: {0x05, 0x85},
		0x0003: {0x00, 0x46},
	}
	p, err := New(cfg, exec, &StaticProbe{Celsius: 25}, clock, NewZoneClock(clock.Now, 0))
	require.NoError(t, err)

	v, err := p.RefreshChannel(EC)
	require.Error(t, err)
	assert.ErrorIs(t, err, frame.ErrTimeout)
	assert.ErrorIs(t, err, ErrPartialRead, "EC itself was read")
	assert.Equal(t, 1413.0, v)

	r := p.Snapshot()
	assert.True(t, r.ECError)
	assert.Equal(t, 1413.0, r.EC, "independent reads still store their values")
	assert.Equal(t, 70.0, r.Salinity)
	assert.Zero(t, r.TDS)
}

func TestRefreshChannel_ECRegisterFails(t *testing.T) {
	cfg := config.Default()
	clock := bus.NewFakeClock(epoch)
	exec := scripted{
		0x0003: {0x00, 0x46},
		0x0004: {0x02, 0xC2},
	}
	p, err := New(cfg, exec, &StaticProbe{Celsius: 25}, clock, NewZoneClock(clock.Now, 0))
	require.NoError(t, err)

	_, err = p.RefreshChannel(EC)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialRead)
	assert.True(t, p.Snapshot().ECError)
	assert.Equal(t, 706.0, p.Snapshot().TDS)
}

func TestRefreshChannel_Temperature(t *testing.T) {
	tests := []struct {
		name    string
		celsius float64
		err     error
		fail    bool
	}{
		{name: "normal", celsius: 24.5},
		{name: "disconnected", celsius: Disconnected, fail: true},
		{name: "too cold", celsius: -50, fail: true},
		{name: "too hot", celsius: 150, fail: true},
		{name: "just inside", celsius: 149.9},
		{name: "probe error", err: errors.New("bus fault"), fail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.probe.Celsius = 20
			_, err := f.poller.RefreshChannel(Temperature)
			require.NoError(t, err)

			f.probe.Celsius, f.probe.Err = tt.celsius, tt.err
			v, err := f.poller.RefreshChannel(Temperature)
			r := f.poller.Snapshot()
			if tt.fail {
				assert.Error(t, err)
				assert.True(t, r.TemperatureError)
				assert.Equal(t, 20.0, v)
				if tt.err == nil {
					assert.ErrorIs(t, err, frame.ErrOutOfRange)
				}
				return
			}
			assert.NoError(t, err)
			assert.False(t, r.TemperatureError)
			assert.Equal(t, tt.celsius, v)
		})
	}
}

func TestResetErrors(t *testing.T) {
	f := newFixture(t)
	f.sim.RemoveDevice(0x01)
	f.poller.RefreshAll()
	assert.Equal(t, "2/5 OK", f.poller.Status())

	f.poller.ResetErrors()
	assert.Equal(t, "5/5 OK", f.poller.Status())
}

func TestOnUpdate(t *testing.T) {
	f := newFixture(t)
	var got []Reading
	f.poller.OnUpdate(func(r Reading) { got = append(got, r) })

	f.poller.RefreshAll()
	_, _ = f.poller.RefreshChannel(PH)

	require.Len(t, got, 2)
	assert.InDelta(t, 7.0, got[1].PH, 1e-9)
}

func TestDiscover(t *testing.T) {
	f := newFixture(t)
	f.sim.RemoveDevice(0x37)
	f.probe.Celsius = Disconnected

	found, ok := f.poller.Discover()
	require.True(t, ok)
	require.Len(t, found, 5)

	byName := make(map[string]Presence)
	for _, p := range found {
		byName[p.Name] = p
	}
	// Exception replies for register 0 still prove the device is there.
	assert.True(t, byName["pH"].Found)
	assert.False(t, byName["DO"].Found)
	assert.Equal(t, byte(0x37), byName["DO"].Address)
	assert.True(t, byName["NH4"].Found)
	assert.False(t, byName["DS18B20"].Found)
}

func TestDiscover_NothingAnswers(t *testing.T) {
	f := newFixture(t)
	f.sim.RemoveDevice(0x01)
	f.sim.RemoveDevice(0x37)
	f.probe.Err = errors.New("no probe")

	_, ok := f.poller.Discover()
	assert.False(t, ok)
}

func TestRecord(t *testing.T) {
	r := Reading{
		Temperature: 27.456,
		PH:          7.004,
		DO:          6.789,
		TDS:         706.26,
		Ammonia:     float64(float32(0.153)),
		Salinity:    0.705,
		Timestamp:   "2024-06-01 10:00:00",
	}

	rec := r.Record("AER2023AQ0015")
	assert.Equal(t, Record{
		UID:         "AER2023AQ0015",
		Temperature: 27.46,
		PH:          7.0,
		DO:          6.79,
		TDS:         706.3,
		Ammonia:     0.153,
		Salinity:    0.71,
		Timestamp:   "2024-06-01 10:00:00",
	}, rec)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	var keys map[string]any
	require.NoError(t, json.Unmarshal(data, &keys))
	for _, k := range []string{"uid", "suhu", "ph", "do", "tds", "ammonia", "salinitas", "timestamp"} {
		assert.Contains(t, keys, k)
	}
	assert.Len(t, keys, 8)
}

func TestNew_InvalidSpec(t *testing.T) {
	cfg := config.Default()
	cfg.Sensors.Ammonia.Count = 1
	_, err := New(cfg, scripted{}, &StaticProbe{}, bus.NewFakeClock(epoch), NewZoneClock(nil, 0))
	assert.Error(t, err)
}
