package rf

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSWR(t *testing.T) {
	testCases := []struct {
		name      string
		fwd, refl float32
		want      float64
	}{
		{"No Forward Power", 0, 0, 1.0},
		{"Below Threshold", 0.0005, 0.0004, 1.0},
		{"No Reflection", 50, 0, 1.0},
		{"Rho 0.2", 100, 4, 1.5},
		{"Rho 0.5", 100, 25, 3.0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, float64(ComputeSWR(tc.fwd, tc.refl)), 1e-6)
		})
	}

	t.Run("Total Reflection", func(t *testing.T) {
		assert.True(t, ComputeSWR(10, 10).IsInf())
		assert.True(t, ComputeSWR(10, 20).IsInf())
	})
}

func TestSWRJSON(t *testing.T) {
	data, err := json.Marshal(SWR(math.Inf(1)))
	require.NoError(t, err)
	assert.Equal(t, `"inf"`, string(data))

	data, err = json.Marshal(SWR(1.2345))
	require.NoError(t, err)
	assert.Equal(t, `1.23`, string(data))

	var s SWR
	require.NoError(t, json.Unmarshal([]byte(`"inf"`), &s))
	assert.True(t, s.IsInf())
	require.NoError(t, json.Unmarshal([]byte(`2.5`), &s))
	assert.Equal(t, SWR(2.5), s)
	assert.Error(t, json.Unmarshal([]byte(`"high"`), &s))
}

func TestHardwareStatusDefaults(t *testing.T) {
	s := NewHardwareStatus(Band20m, 14200000, Antenna1)
	snap := s.Snapshot()

	assert.Equal(t, ModeStandby, snap.Mode)
	assert.Equal(t, Band20m, snap.Band)
	assert.Equal(t, uint32(14200000), snap.FrequencyHz)
	assert.Equal(t, Antenna1, snap.Antenna)
	assert.Equal(t, float32(0), snap.ForwardPowerW)
	assert.Equal(t, float32(25), snap.TemperatureC)
	assert.Equal(t, SWR(1.0), snap.SWR)
	assert.True(t, snap.Coherent)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"band":"20m"`)
	assert.Contains(t, string(data), `"mode":"standby"`)
	assert.Contains(t, string(data), `"antenna":1`)
}

func TestHardwareStatusMeasurements(t *testing.T) {
	s := NewHardwareStatus(Band20m, 14200000, Antenna1)
	before := s.LastUpdate()

	s.publishMeasurements(true, 100, 4, 42.5)

	assert.True(t, s.PLLLocked())
	assert.Equal(t, float32(100), s.ForwardPower())
	assert.Equal(t, float32(4), s.ReflectedPower())
	assert.Equal(t, float32(42.5), s.Temperature())
	assert.False(t, s.LastUpdate().Before(before))
	assert.InDelta(t, 1.5, float64(s.Snapshot().SWR), 1e-6)
}

func TestBandAndFrequencyDetectsWriter(t *testing.T) {
	s := NewHardwareStatus(Band20m, 14200000, Antenna1)

	// A writer stuck mid-publish leaves the sequence odd
	s.seq.Add(1)
	_, _, coherent := s.BandAndFrequency()
	assert.False(t, coherent)

	s.seq.Add(1)
	_, _, coherent = s.BandAndFrequency()
	assert.True(t, coherent)
}
