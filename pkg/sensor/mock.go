package sensor

import (
	"github.com/itohio/wqm/pkg/bus"
	"github.com/itohio/wqm/pkg/config"
)

// jitterCounts is how far simulated integer registers wander per read.
const jitterCounts = 2

// SeedSim loads the simulated fleet with the mock values, encoded the way
// each channel spec decodes them.
func SeedSim(sim *bus.Sim, specs Specs, m config.MockConfig) {
	entries := []struct {
		spec  ChannelSpec
		value float64
	}{
		{specs.PH, m.PH},
		{specs.DO, m.DO},
		{specs.EC, m.EC},
		{specs.TDS, m.TDS},
		{specs.Salinity, m.Salinity},
		{specs.Ammonia, m.Ammonia},
	}

	for _, e := range entries {
		s := e.spec
		switch s.Decoding {
		case DecodeFloat32:
			sim.SetFloat32(s.Address, s.Function, s.Register, float32(e.value))
			continue
		case DecodeScaled:
			sim.SetScaled(s.Address, s.Function, s.Register, e.value, s.Scale)
		default:
			sim.SetScaled(s.Address, s.Function, s.Register, e.value, 1)
		}
		if m.Jitter {
			sim.SetJitter(s.Address, s.Function, s.Register, jitterCounts)
		}
	}
}
