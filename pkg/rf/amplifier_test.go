package rf

import (
	"errors"
	"testing"

	"github.com/dougsko/nexrigd/pkg/hardware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPowerAmplifierRamp(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.pa.UpdateControl())
	assert.Equal(t, 0.0, f.pa.Drive(), "no drive outside TX")

	_, err := f.ctrl.SetMode(ModeTX)
	require.NoError(t, err)

	var levels []float32
	for i := 0; i < 4; i++ {
		require.NoError(t, f.pa.UpdateControl())
		levels = append(levels, f.mocks.Drive.Drive())
	}
	assert.Equal(t, []float32{4, 8, 10, 10}, levels)

	_, err = f.ctrl.SetMode(ModeStandby)
	require.NoError(t, err)
	require.NoError(t, f.pa.UpdateControl())
	assert.Equal(t, float32(0), f.mocks.Drive.Drive())
}

func TestPowerAmplifierTargetValidation(t *testing.T) {
	f := newFixture(t)

	for _, w := range []float64{0, 0.5, 101} {
		_, err := f.pa.SetTargetPower(w)
		assert.True(t, errors.Is(err, ErrConfiguration), "%.1f W", w)
	}

	outcome, err := f.pa.SetTargetPower(50)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = f.pa.SetTargetPower(50)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, outcome)
}

func TestPowerAmplifierThrottle(t *testing.T) {
	f := newFixture(t)
	_, err := f.pa.SetTargetPower(20)
	require.NoError(t, err)
	_, err = f.ctrl.SetMode(ModeTX)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.pa.UpdateControl())
	}
	require.Equal(t, 20.0, f.pa.Drive())

	assert.True(t, f.pa.Throttle(12))
	assert.Equal(t, 12.0, f.pa.TargetPower())
	assert.Equal(t, 12.0, f.pa.Drive())
	assert.False(t, f.pa.Throttle(15), "ceiling above target")
	assert.Equal(t, uint64(1), f.pa.Throttles())

	require.NoError(t, f.pa.UpdateControl())
	assert.Equal(t, float32(12), f.mocks.Drive.Drive())
}

func TestPowerAmplifierFollowsEmergencyFlag(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.SetMode(ModeTX)
	require.NoError(t, err)
	require.NoError(t, f.pa.UpdateControl())

	f.flag.Assert("test")
	require.NoError(t, f.pa.UpdateControl())
	assert.Equal(t, float32(0), f.mocks.Drive.Drive())
}

func TestPowerAmplifierEmergencyShutdown(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.SetMode(ModeTX)
	require.NoError(t, err)
	require.NoError(t, f.pa.UpdateControl())
	require.True(t, f.manager.GetOutput(hardware.OutputPAEnable))

	require.NoError(t, f.pa.EmergencyShutdown())
	require.NoError(t, f.pa.EmergencyShutdown())
	assert.Equal(t, float32(0), f.mocks.Drive.Drive())
	assert.Equal(t, 0.0, f.pa.Drive())
	assert.False(t, f.manager.GetOutput(hardware.OutputPAEnable))

	f.mocks.Drive.SetError(errors.New("dac fault"))
	err = f.pa.EmergencyShutdown()
	assert.True(t, errors.Is(err, ErrHardware))
	assert.False(t, f.manager.GetOutput(hardware.OutputPAEnable), "enable drops even when drive write fails")
}
