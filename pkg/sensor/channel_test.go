package sensor

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/wqm/pkg/config"
	"github.com/itohio/wqm/pkg/frame"
)

func TestDecodeFloat32Registers(t *testing.T) {
	assert.Equal(t, float32(1.25), DecodeFloat32Registers(0x3FA0, 0x0000))

	// Swapping the words must not decode to the same value.
	assert.NotEqual(t, float32(1.25), DecodeFloat32Registers(0x0000, 0x3FA0))
}

func TestAmmoniaRoundTrip(t *testing.T) {
	spec, err := SpecFromConfig("ammonia", config.Default().Sensors.Ammonia)
	require.NoError(t, err)

	for _, v := range []float32{0, 0.153, 1.25, 12.5, 0.001} {
		bits := math32.Float32bits(v)
		payload := []byte{byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}
		got, err := spec.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, float64(v), got)
	}
}

func TestChannelSpec_Decode(t *testing.T) {
	tests := []struct {
		name    string
		spec    ChannelSpec
		payload []byte
		want    float64
		wantErr error
	}{
		{
			name:    "pH scaled",
			spec:    ChannelSpec{Name: "ph", Count: 1, Decoding: DecodeScaled, Scale: 100},
			payload: []byte{0x02, 0xBC},
			want:    7.0,
		},
		{
			name:    "scaled is unsigned",
			spec:    ChannelSpec{Name: "ph", Count: 1, Decoding: DecodeScaled, Scale: 100},
			payload: []byte{0xFF, 0xFF},
			want:    655.35,
		},
		{
			name:    "EC raw",
			spec:    ChannelSpec{Name: "ec", Count: 1, Decoding: DecodeRaw},
			payload: []byte{0x05, 0x85},
			want:    1413,
		},
		{
			name:    "short payload",
			spec:    ChannelSpec{Name: "ph", Count: 1, Decoding: DecodeScaled, Scale: 100},
			payload: []byte{0x02},
			wantErr: frame.ErrMalformedFrame,
		},
		{
			name:    "float NaN",
			spec:    ChannelSpec{Name: "ammonia", Count: 2, Decoding: DecodeFloat32},
			payload: []byte{0x7F, 0xC0, 0x00, 0x00},
			wantErr: frame.ErrOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.spec.Decode(tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSpecFromConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ChannelConfig
	}{
		{"unknown decode", config.ChannelConfig{Function: 4, Count: 1, Decode: "bcd"}},
		{"scaled without scale", config.ChannelConfig{Function: 4, Count: 1, Decode: config.DecodeScaled}},
		{"float with one register", config.ChannelConfig{Function: 3, Count: 1, Decode: config.DecodeFloat32}},
		{"raw with two registers", config.ChannelConfig{Function: 4, Count: 2, Decode: config.DecodeRaw}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SpecFromConfig("x", tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestCheckTemperature(t *testing.T) {
	assert.NoError(t, CheckTemperature(25))
	assert.NoError(t, CheckTemperature(-49.9))
	assert.ErrorIs(t, CheckTemperature(Disconnected), frame.ErrOutOfRange)
	assert.ErrorIs(t, CheckTemperature(-50), frame.ErrOutOfRange)
	assert.ErrorIs(t, CheckTemperature(150), frame.ErrOutOfRange)
}

func TestW1Probe(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "28-0000075a1b2c")
	require.NoError(t, os.Mkdir(dev, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "temperature"), []byte("23125\n"), 0644))

	c, err := NewW1Probe(filepath.Join(dir, "28-*", "temperature")).ReadCelsius()
	require.NoError(t, err)
	assert.InDelta(t, 23.125, c, 1e-9)

	c, err = NewW1Probe(filepath.Join(dir, "none-*", "temperature")).ReadCelsius()
	require.NoError(t, err)
	assert.Equal(t, Disconnected, c)

	require.NoError(t, os.WriteFile(filepath.Join(dev, "temperature"), []byte("garbage"), 0644))
	_, err = NewW1Probe(filepath.Join(dir, "28-*", "temperature")).ReadCelsius()
	assert.Error(t, err)
}

func TestZoneClock(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	z := NewZoneClock(func() time.Time { return at }, 7)
	assert.Equal(t, "2024-05-01 07:00:00", z.Timestamp())

	unset := NewZoneClock(func() time.Time { return time.Unix(0, 0) }, 7)
	assert.Equal(t, FallbackTimestamp, unset.Timestamp())
}

func TestHistory_Window(t *testing.T) {
	h := NewHistory(10 * time.Second)
	for i := range 20 {
		h.Add(Reading{PH: float64(i), LastRead: epoch.Add(time.Duration(i) * time.Second)})
	}

	points := h.Points(0)
	require.Len(t, points, 10)
	assert.Equal(t, 10.0, points[0].PH)
	assert.Equal(t, 19.0, points[len(points)-1].PH)
}

func TestHistory_IgnoresStale(t *testing.T) {
	h := NewHistory(time.Minute)
	h.Add(Reading{PH: 7.0, LastRead: epoch})
	h.Add(Reading{PH: 7.1, LastRead: epoch})
	h.Add(Reading{PH: 7.2, LastRead: epoch.Add(-time.Second)})
	h.Add(Reading{PH: 7.3, LastRead: epoch.Add(time.Second)})

	points := h.Points(0)
	require.Len(t, points, 2)
	assert.Equal(t, 7.0, points[0].PH)
	assert.Equal(t, 7.3, points[1].PH)
}

func TestDownsample(t *testing.T) {
	readings := make([]Reading, 100)
	for i := range readings {
		readings[i].PH = float64(i)
	}

	got := Downsample(nil, readings, 10)
	require.Len(t, got, 10)
	assert.Equal(t, 0.0, got[0].PH)
	assert.Equal(t, 90.0, got[9].PH)

	dst := make([]Reading, 0, 200)
	got = Downsample(dst, readings[:5], 10)
	assert.Len(t, got, 5)
	assert.Equal(t, 200, cap(got), "dst is reused")
}

func TestRound(t *testing.T) {
	assert.Equal(t, 0.153, round(float64(float32(0.153)), 3))
	assert.Equal(t, 1.23, round(1.234, 2))
	assert.True(t, math.IsNaN(round(math.NaN(), 2)))
}
