package rf

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dougsko/nexrigd/pkg/hardware"
	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mocks   *hardware.MockBackend
	manager *hardware.HardwareManager
	status  *HardwareStatus
	flag    *EmergencyFlag
	ctrl    *RfController
	pa      *PowerAmplifier
}

type stubHealth struct{ healthy atomic.Bool }

func (s *stubHealth) IsSystemHealthy() bool { return s.healthy.Load() }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mocks := hardware.NewMockBackend()
	manager := hardware.NewHardwareManager(hardware.HardwareConfig{
		Backend:      "mock",
		EnableGPIO:   true,
		PAEnablePin:  17,
		TXEnablePin:  27,
		RXEnablePin:  22,
		StatusLEDPin: 24,
	}, mocks.GPIO)
	require.NoError(t, manager.Initialize())

	status := NewHardwareStatus(Band20m, 14200000, Antenna1)
	flag := NewEmergencyFlag()
	ctrl := NewRfController(ControllerConfig{
		DefaultBand:      Band20m,
		DefaultFrequency: 14200000,
		DefaultAntenna:   Antenna1,
		PLLLockBudget:    5 * time.Millisecond,
	}, status, flag, mocks.Backend(), manager)
	ctrl.sleep = func(time.Duration) {}

	pa := NewPowerAmplifier(AmplifierConfig{
		DefaultTargetW: 10,
		MaxTargetW:     100,
		SlewWPerTick:   4,
	}, ctrl, mocks.Drive, manager)

	require.NoError(t, ctrl.Initialize())
	require.NoError(t, pa.Initialize())
	mocks.Recorder.Reset()

	return &fixture{mocks: mocks, manager: manager, status: status, flag: flag, ctrl: ctrl, pa: pa}
}

func TestControllerInitialize(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, ModeStandby, f.ctrl.GetCurrentMode())
	assert.Equal(t, Band20m, f.ctrl.GetCurrentBand())
	assert.Equal(t, uint32(14200000), f.ctrl.GetCurrentFrequency())
	assert.Equal(t, Antenna1, f.ctrl.GetCurrentAntenna())
	assert.Equal(t, uint32(14200000), f.mocks.PLL.Frequency())
	assert.True(t, f.manager.AllOutputsLow())

	filter, antenna, path := f.mocks.Matrix.State()
	assert.Equal(t, int(Band20m), filter)
	assert.Equal(t, 1, antenna)
	assert.Equal(t, hardware.PathOff, path)
}

func TestControllerInitializeFallsBackToMidpoint(t *testing.T) {
	mocks := hardware.NewMockBackend()
	status := NewHardwareStatus(Band40m, 0, Antenna1)
	ctrl := NewRfController(ControllerConfig{DefaultBand: Band40m, DefaultFrequency: 14200000},
		status, NewEmergencyFlag(), mocks.Backend(), nil)

	require.NoError(t, ctrl.Initialize())
	assert.Equal(t, uint32(7150000), ctrl.GetCurrentFrequency())
}

func TestSetFrequency(t *testing.T) {
	f := newFixture(t)

	t.Run("In Band", func(t *testing.T) {
		outcome, err := f.ctrl.SetFrequency(14074000)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.Equal(t, uint32(14074000), f.ctrl.GetCurrentFrequency())
		assert.Equal(t, uint32(14074000), f.mocks.PLL.Frequency())
	})

	t.Run("Same Frequency Is NoOp", func(t *testing.T) {
		outcome, err := f.ctrl.SetFrequency(14074000)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoOp, outcome)
	})

	t.Run("Out Of Band On 40m", func(t *testing.T) {
		_, err := f.ctrl.SetBand(Band40m)
		require.NoError(t, err)
		before := f.ctrl.GetCurrentFrequency()

		_, err = f.ctrl.SetFrequency(5000000)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrOutOfBand))
		assert.Equal(t, ClassPolicy, err.(*Error).Class())
		assert.Equal(t, before, f.ctrl.GetCurrentFrequency())
	})

	t.Run("PLL Failure", func(t *testing.T) {
		f.mocks.PLL.SetError(errors.New("spi nak"))
		defer f.mocks.PLL.SetError(nil)

		before := f.ctrl.GetCurrentFrequency()
		_, err := f.ctrl.SetFrequency(7200000)
		assert.True(t, errors.Is(err, ErrHardware))
		assert.Equal(t, before, f.ctrl.GetCurrentFrequency())
	})
}

func TestSetBandKeepsFrequencyInRange(t *testing.T) {
	f := newFixture(t)

	starts := []uint32{}
	for _, b := range Bands() {
		rng, _ := GetBandRange(b)
		starts = append(starts, rng.MinHz, rng.MaxHz)
	}

	for _, from := range Bands() {
		for _, to := range Bands() {
			_, err := f.ctrl.SetBand(from)
			require.NoError(t, err)
			for _, start := range starts {
				if _, err := f.ctrl.SetFrequency(start); err != nil {
					continue // not in the current band
				}
				_, err := f.ctrl.SetBand(to)
				require.NoError(t, err)

				rng, _ := GetBandRange(to)
				freq := f.ctrl.GetCurrentFrequency()
				assert.True(t, rng.Contains(freq), "%s -> %s left %d Hz", from, to, freq)

				_, err = f.ctrl.SetBand(from)
				require.NoError(t, err)
			}
		}
	}
}

func TestSetBandKeepsValidFrequency(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.ctrl.SetBand(Band20m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, outcome)

	_, err = f.ctrl.SetBand(Band40m)
	require.NoError(t, err)
	assert.Equal(t, uint32(7150000), f.ctrl.GetCurrentFrequency())
	filter, _, _ := f.mocks.Matrix.State()
	assert.Equal(t, int(Band40m), filter)

	_, err = f.ctrl.SetBand(Band(99))
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestSetBandRestoresFilterOnPLLFailure(t *testing.T) {
	f := newFixture(t)
	f.mocks.PLL.SetError(errors.New("spi nak"))

	_, err := f.ctrl.SetBand(Band10m)
	assert.True(t, errors.Is(err, ErrHardware))
	assert.Equal(t, Band20m, f.ctrl.GetCurrentBand())

	filter, _, _ := f.mocks.Matrix.State()
	assert.Equal(t, int(Band20m), filter)
}

func TestSetModeTransitions(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.SetMode(ModeRX)
	require.NoError(t, err)
	assert.Equal(t, ModeRX, f.ctrl.GetCurrentMode())

	t.Run("RX To TX Rejected", func(t *testing.T) {
		_, err := f.ctrl.SetMode(ModeTX)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Equal(t, ModeRX, f.ctrl.GetCurrentMode())
	})

	t.Run("RX Standby TX Succeeds", func(t *testing.T) {
		_, err := f.ctrl.SetMode(ModeStandby)
		require.NoError(t, err)
		_, err = f.ctrl.SetMode(ModeTX)
		require.NoError(t, err)
		assert.Equal(t, ModeTX, f.ctrl.GetCurrentMode())
		assert.True(t, f.manager.GetOutput(hardware.OutputPAEnable))
		assert.False(t, f.manager.GetOutput(hardware.OutputRXEnable))
	})

	t.Run("Same Mode Is NoOp", func(t *testing.T) {
		outcome, err := f.ctrl.SetMode(ModeTX)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoOp, outcome)
	})

	t.Run("Antenna And Band Locked During TX", func(t *testing.T) {
		_, err := f.ctrl.SetAntenna(Antenna2)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		_, err = f.ctrl.SetBand(Band40m)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})
}

func TestSetModeSequenceOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.SetMode(ModeTX)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"drive:0.0",
		"gpio:17=false",
		"gpio:27=false",
		"gpio:22=false",
		"filter:3",
		"antenna:1",
		"path:tx",
		"gpio:27=true",
		"gpio:17=true",
	}, f.mocks.Recorder.Calls())

	f.mocks.Recorder.Reset()
	_, err = f.ctrl.SetMode(ModeStandby)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"drive:0.0",
		"gpio:17=false",
		"gpio:27=false",
		"path:off",
		"gpio:22=false",
	}, f.mocks.Recorder.Calls())
	assert.True(t, f.manager.AllOutputsLow())
}

func TestSetModeUnhealthy(t *testing.T) {
	f := newFixture(t)
	health := &stubHealth{}
	f.ctrl.SetHealthChecker(health)

	_, err := f.ctrl.SetMode(ModeRX)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnhealthyRejected))

	health.healthy.Store(true)
	_, err = f.ctrl.SetMode(ModeRX)
	require.NoError(t, err)

	// Standby is always reachable
	health.healthy.Store(false)
	_, err = f.ctrl.SetMode(ModeStandby)
	require.NoError(t, err)
}

func TestSetModePLLTimeoutRollsBack(t *testing.T) {
	f := newFixture(t)
	f.mocks.PLL.SetNeverLock(true)

	_, err := f.ctrl.SetMode(ModeTX)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHardwareSequenceTimeout))
	assert.Equal(t, ClassHardware, err.(*Error).Class())
	assert.Equal(t, ModeStandby, f.ctrl.GetCurrentMode())
	assert.True(t, f.manager.AllOutputsLow())
	assert.False(t, f.status.PLLLocked())
}

func TestSetModeWaitsForSlowLock(t *testing.T) {
	f := newFixture(t)
	f.mocks.PLL.SetLockAfter(3)

	_, err := f.ctrl.SetMode(ModeCalibrate)
	require.NoError(t, err)
	assert.Equal(t, ModeCalibrate, f.ctrl.GetCurrentMode())
}

func TestSetAntenna(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.ctrl.SetAntenna(Antenna3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, Antenna3, f.ctrl.GetCurrentAntenna())

	outcome, err = f.ctrl.SetAntenna(Antenna3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, outcome)

	_, err = f.ctrl.SetAntenna(Antenna(7))
	assert.True(t, errors.Is(err, ErrConfiguration))

	f.mocks.Matrix.SetAntennaError(errors.New("relay stuck"))
	_, err = f.ctrl.SetAntenna(Antenna4)
	assert.True(t, errors.Is(err, ErrHardware))
	assert.Equal(t, Antenna3, f.ctrl.GetCurrentAntenna())
}

func TestEmergencyStopIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.SetMode(ModeTX)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.pa.UpdateControl())
	}
	require.Greater(t, f.pa.Drive(), 0.0)

	f.ctrl.EmergencyStop()
	once := f.ctrl.GetRfStatus()
	onceDrive := f.pa.Drive()

	f.ctrl.EmergencyStop()
	twice := f.ctrl.GetRfStatus()

	assert.Equal(t, ModeStandby, once.Mode)
	assert.Equal(t, once.Mode, twice.Mode)
	assert.Equal(t, once.FrequencyHz, twice.FrequencyHz)
	assert.Equal(t, once.Band, twice.Band)
	assert.Equal(t, once.Antenna, twice.Antenna)
	assert.Equal(t, 0.0, onceDrive)
	assert.Equal(t, onceDrive, f.pa.Drive())
	assert.True(t, f.flag.IsSet())
	assert.Equal(t, uint64(1), f.flag.Incidents())

	// SafeHold completes the stop in hardware
	require.NoError(t, f.ctrl.SafeHold())
	assert.True(t, f.manager.AllOutputsLow())
	_, _, path := f.mocks.Matrix.State()
	assert.Equal(t, hardware.PathOff, path)

	_, err = f.ctrl.SetMode(ModeTX)
	assert.True(t, errors.Is(err, ErrUnhealthyRejected))
}

func TestEmergencyStopDoesNotTakeConfigLock(t *testing.T) {
	f := newFixture(t)

	f.ctrl.configMu.Lock()
	done := make(chan struct{})
	go func() {
		f.ctrl.EmergencyStop()
		_ = f.ctrl.GetRfStatus()
		_ = f.ctrl.GetSWR()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EmergencyStop or reads blocked on the configuration lock")
	}
	f.ctrl.configMu.Unlock()
	assert.Equal(t, ModeStandby, f.ctrl.GetCurrentMode())
}

func TestCommitModeYieldsToEmergency(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.CommitMode(ModeRX))
	assert.Equal(t, ModeRX, f.ctrl.GetCurrentMode())

	f.ctrl.EmergencyStop()
	err := f.ctrl.CommitMode(ModeTX)
	assert.True(t, errors.Is(err, ErrUnhealthyRejected))
	assert.Equal(t, ModeStandby, f.ctrl.GetCurrentMode())

	// Standby is always committed
	assert.NoError(t, f.ctrl.CommitMode(ModeStandby))
}

// stalledWriter blocks every write until released
type stalledWriter struct{ release chan struct{} }

func (w *stalledWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func TestControlPathDoesNotWaitOnLogOutput(t *testing.T) {
	f := newFixture(t)
	health := &stubHealth{}
	health.healthy.Store(true)
	f.ctrl.SetHealthChecker(health)

	w := &stalledWriter{release: make(chan struct{})}
	previous := logging.GetGlobalLogger()
	logging.SetGlobalLogger(logging.NewWriterLogger(w, logging.LevelDebug, false))
	defer func() {
		logging.SetGlobalLogger(previous)
		close(w.release)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.ctrl.SetBand(Band40m)
		_, _ = f.ctrl.SetMode(ModeRX)
		_, _ = f.ctrl.SetMode(ModeStandby)
		f.ctrl.EmergencyStop()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("control path blocked on a stalled log writer")
	}
	assert.Equal(t, ModeStandby, f.ctrl.GetCurrentMode())
	assert.True(t, f.flag.IsSet())
}

func TestUpdateHardwareStatus(t *testing.T) {
	f := newFixture(t)
	f.mocks.Meter.Set(hardware.Measurement{ForwardW: 100, ReflectedW: 25, TemperatureC: 48})

	require.NoError(t, f.ctrl.UpdateHardwareStatus())
	status := f.ctrl.GetRfStatus()
	assert.Equal(t, float32(100), status.ForwardPowerW)
	assert.Equal(t, float32(48), status.TemperatureC)
	assert.True(t, status.PLLLocked)
	assert.InDelta(t, 3.0, float64(f.ctrl.GetSWR()), 1e-6)

	f.mocks.Meter.SetError(errors.New("adc timeout"))
	err := f.ctrl.UpdateHardwareStatus()
	assert.True(t, errors.Is(err, ErrHardware))
}

func TestConcurrentReadersSeeBandConsistentFrequency(t *testing.T) {
	f := newFixture(t)

	const writes = 1000
	var stop atomic.Bool
	var violations, reads atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				s := f.ctrl.GetRfStatus()
				reads.Add(1)
				if !s.Coherent {
					continue
				}
				rng, err := GetBandRange(s.Band)
				if err != nil || !rng.Contains(s.FrequencyHz) {
					violations.Add(1)
				}
			}
		}()
	}

	for i := 0; i < writes; i++ {
		band := Band40m
		if i%2 == 1 {
			band = Band20m
		}
		_, err := f.ctrl.SetBand(band)
		require.NoError(t, err)
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, violations.Load())
	assert.Positive(t, reads.Load())

	// Once the writer is idle every independent read agrees
	rng, _ := GetBandRange(f.ctrl.GetCurrentBand())
	assert.True(t, rng.Contains(f.ctrl.GetCurrentFrequency()))
}
