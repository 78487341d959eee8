package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/wqm/pkg/frame"
)

func exchangeSim(t *testing.T, sim *Sim, req frame.Request) []byte {
	t.Helper()
	_, err := sim.Write(req.Encode())
	require.NoError(t, err)
	buf := make([]byte, frame.MaxFrameSize)
	n, err := sim.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestSim_Float32HighWordFirst(t *testing.T) {
	sim := NewSim()
	sim.SetFloat32(0x01, frame.FuncReadHolding, 0, 0.153)

	hi, ok := sim.Register(0x01, frame.FuncReadHolding, 0)
	require.True(t, ok)
	lo, ok := sim.Register(0x01, frame.FuncReadHolding, 1)
	require.True(t, ok)
	assert.Equal(t, uint16(0x3E1C), hi)
	assert.Equal(t, uint16(0xAC08), lo)
}

func TestSim_WriteSingleEchoes(t *testing.T) {
	sim := NewSim()
	sim.SetRegister(0x01, frame.FuncReadInput, 1, 700)

	req := frame.Request{Address: 0x01, Function: frame.FuncWriteSingle, Register: 0x0030, Count: 401}
	got := exchangeSim(t, sim, req)
	assert.Equal(t, req.Encode(), got)

	v, ok := sim.Register(0x01, frame.FuncReadHolding, 0x0030)
	require.True(t, ok)
	assert.Equal(t, uint16(401), v)
	assert.Equal(t, []frame.Request{req}, sim.Writes())
}

func TestSim_UnknownRegisterRaisesException(t *testing.T) {
	sim := NewSim()
	sim.SetRegister(0x01, frame.FuncReadInput, 1, 700)

	got := exchangeSim(t, sim, frame.Request{Address: 0x01, Function: frame.FuncReadInput, Register: 9, Count: 1})
	require.True(t, frame.IsException(got))
	assert.Equal(t, ExceptionIllegalAddress, got[2])
}

func TestSim_AbsentDeviceIsSilent(t *testing.T) {
	sim := NewSim()
	sim.SetRegister(0x01, frame.FuncReadInput, 1, 700)
	sim.RemoveDevice(0x01)

	got := exchangeSim(t, sim, frame.Request{Address: 0x01, Function: frame.FuncReadInput, Register: 1, Count: 1})
	assert.Empty(t, got)
}

func TestSim_DropNext(t *testing.T) {
	sim := NewSim()
	sim.SetRegister(0x01, frame.FuncReadInput, 1, 700)
	sim.DropNext(1)

	req := frame.Request{Address: 0x01, Function: frame.FuncReadInput, Register: 1, Count: 1}
	assert.Empty(t, exchangeSim(t, sim, req))
	assert.NotEmpty(t, exchangeSim(t, sim, req))
}

func TestSim_Jitter(t *testing.T) {
	sim := NewSim()
	sim.SetRegister(0x01, frame.FuncReadInput, 1, 700)
	sim.SetJitter(0x01, frame.FuncReadInput, 1, 3)

	for range 20 {
		got := exchangeSim(t, sim, frame.Request{Address: 0x01, Function: frame.FuncReadInput, Register: 1, Count: 1})
		v := int(got[3])<<8 | int(got[4])
		assert.InDelta(t, 700, v, 3)
	}
}
