package protection

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dougsko/nexrigd/pkg/hardware"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	mocks   *hardware.MockBackend
	manager *hardware.HardwareManager
	ctrl    *rf.RfController
	pa      *rf.PowerAmplifier
	flag    *rf.EmergencyFlag
	ps      *ProtectionSystem
	clock   time.Time
}

func newTestRig(t *testing.T, limits Limits, historySize int) *testRig {
	t.Helper()

	mocks := hardware.NewMockBackend()
	manager := hardware.NewHardwareManager(hardware.HardwareConfig{
		Backend: "mock", EnableGPIO: true,
		PAEnablePin: 17, TXEnablePin: 27, RXEnablePin: 22, StatusLEDPin: 24,
	}, mocks.GPIO)
	require.NoError(t, manager.Initialize())

	status := rf.NewHardwareStatus(rf.Band20m, 14200000, rf.Antenna1)
	flag := rf.NewEmergencyFlag()
	ctrl := rf.NewRfController(rf.ControllerConfig{
		DefaultBand:      rf.Band20m,
		DefaultFrequency: 14200000,
		PLLLockBudget:    5 * time.Millisecond,
	}, status, flag, mocks.Backend(), manager)
	pa := rf.NewPowerAmplifier(rf.AmplifierConfig{DefaultTargetW: 10, MaxTargetW: 100, SlewWPerTick: 100},
		ctrl, mocks.Drive, manager)
	require.NoError(t, ctrl.Initialize())
	require.NoError(t, pa.Initialize())

	r := &testRig{mocks: mocks, manager: manager, ctrl: ctrl, pa: pa, flag: flag,
		clock: time.Unix(1700000000, 0)}
	r.ps = NewProtectionSystem(limits, status, flag, ctrl, pa, historySize)
	r.ps.now = func() time.Time { return r.clock }
	ctrl.SetHealthChecker(r.ps)
	require.NoError(t, r.ps.Initialize())
	return r
}

// measure publishes a meter reading the way the RF task does
func (r *testRig) measure(t *testing.T, fwd, refl, temp float32) {
	t.Helper()
	r.mocks.Meter.Set(hardware.Measurement{ForwardW: fwd, ReflectedW: refl, TemperatureC: temp})
	require.NoError(t, r.ctrl.UpdateHardwareStatus())
}

func (r *testRig) advance(d time.Duration) {
	r.clock = r.clock.Add(d)
}

func TestScenarioThrottleThenThermalEmergency(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPowerW = 100
	limits.MaxTempC = 85
	r := newTestRig(t, limits, 64)

	_, err := r.pa.SetTargetPower(100)
	require.NoError(t, err)
	_, err = r.ctrl.SetMode(rf.ModeTX)
	require.NoError(t, err)

	t.Run("Over Power Throttles", func(t *testing.T) {
		r.measure(t, 110, 1, 50)
		a := r.ps.CheckLimits()

		assert.Equal(t, SeverityThrottle, a.Severity)
		assert.True(t, a.Throttled)
		assert.False(t, a.Emergency)
		assert.InDelta(t, 80.0, r.pa.TargetPower(), 1e-9)
		assert.Equal(t, rf.ModeTX, r.ctrl.GetCurrentMode())
		assert.True(t, r.ps.IsSystemHealthy())
		assert.False(t, r.flag.IsSet())
	})

	t.Run("Over Temperature Is Emergency", func(t *testing.T) {
		r.advance(time.Second)
		r.measure(t, 80, 1, 90)
		a := r.ps.CheckLimits()

		assert.Equal(t, SeverityEmergency, a.Severity)
		assert.True(t, a.Emergency)
		assert.Equal(t, rf.ModeStandby, r.ctrl.GetCurrentMode())
		assert.True(t, r.flag.IsSet())
		assert.False(t, r.ps.IsSystemHealthy())
		assert.Equal(t, 0.0, r.pa.Drive())
		assert.False(t, r.manager.GetOutput(hardware.OutputPAEnable))

		_, err := r.ctrl.SetMode(rf.ModeTX)
		assert.True(t, errors.Is(err, rf.ErrUnhealthyRejected))
	})

	t.Run("Reset Refused While Hot", func(t *testing.T) {
		r.measure(t, 0, 0, 90)
		_, err := r.ps.ResetProtection()
		require.Error(t, err)
		assert.True(t, errors.Is(err, rf.ErrStillFaulted))
		assert.True(t, r.flag.IsSet())

		_, err = r.ctrl.SetMode(rf.ModeTX)
		assert.True(t, errors.Is(err, rf.ErrUnhealthyRejected))
	})

	t.Run("Reset Succeeds Once Cool", func(t *testing.T) {
		r.measure(t, 0, 0, 60)
		outcome, err := r.ps.ResetProtection()
		require.NoError(t, err)
		assert.Equal(t, rf.OutcomeApplied, outcome)
		assert.True(t, r.ps.IsSystemHealthy())
		assert.False(t, r.flag.IsSet())

		_, err = r.ctrl.SetMode(rf.ModeTX)
		assert.NoError(t, err)
	})
}

func TestResetProtection(t *testing.T) {
	r := newTestRig(t, DefaultLimits(), 64)

	outcome, err := r.ps.ResetProtection()
	require.NoError(t, err)
	assert.Equal(t, rf.OutcomeNoOp, outcome, "nothing to reset")

	r.ps.TriggerEmergencyProtection("test")

	testCases := []struct {
		name            string
		fwd, refl, temp float32
	}{
		{"Temperature At Limit", 0, 0, 85},
		{"Forward Power Above Limit", 120, 0, 40},
		{"SWR Above Limit", 50, 40, 40},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r.measure(t, tc.fwd, tc.refl, tc.temp)
			_, err := r.ps.ResetProtection()
			assert.True(t, errors.Is(err, rf.ErrStillFaulted))
		})
	}

	r.measure(t, 0, 0, 84.9)
	_, err = r.ps.ResetProtection()
	assert.NoError(t, err)
}

func TestEdgeTriggeredRecords(t *testing.T) {
	r := newTestRig(t, DefaultLimits(), 64)

	// 95 W is inside the 90% warning margin of 100 W
	for i := 0; i < 5; i++ {
		r.measure(t, 95, 0, 30)
		a := r.ps.CheckLimits()
		assert.Equal(t, SeverityWarning, a.Severity)
		assert.False(t, a.Throttled)
	}
	faults := r.ps.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, FaultOverPower, faults[0].Kind)
	assert.Equal(t, SeverityWarning, faults[0].Severity)
	assert.Equal(t, 95.0, faults[0].MeasuredValue)
	assert.Equal(t, 100.0, faults[0].LimitValue)
	assert.NotEmpty(t, faults[0].ID)

	// Escalation records again
	r.measure(t, 105, 0, 30)
	r.ps.CheckLimits()
	require.Len(t, r.ps.Faults(), 2)

	// Clearing then re-entering the margin records again
	r.measure(t, 10, 0, 30)
	r.ps.CheckLimits()
	r.measure(t, 95, 0, 30)
	r.ps.CheckLimits()
	assert.Len(t, r.ps.Faults(), 3)
	assert.Equal(t, uint64(2), r.ps.Stats().Warnings)
}

func TestSWRThrottleHoldoff(t *testing.T) {
	r := newTestRig(t, DefaultLimits(), 64)
	_, err := r.pa.SetTargetPower(50)
	require.NoError(t, err)

	// rho 0.5: SWR 3.0 and reflected fraction 0.25, both at their limits
	r.measure(t, 50, 12.5, 30)
	a := r.ps.CheckLimits()
	assert.True(t, a.Throttled)
	assert.InDelta(t, 40.0, r.pa.TargetPower(), 1e-9)

	r.advance(50 * time.Millisecond)
	a = r.ps.CheckLimits()
	assert.False(t, a.Throttled, "inside holdoff")
	assert.InDelta(t, 40.0, r.pa.TargetPower(), 1e-9)

	r.advance(50 * time.Millisecond)
	a = r.ps.CheckLimits()
	assert.True(t, a.Throttled)
	assert.InDelta(t, 32.0, r.pa.TargetPower(), 1e-9)
	assert.True(t, r.ps.IsSystemHealthy(), "mismatch never escalates to emergency")
	assert.Equal(t, uint64(2), r.ps.Stats().Throttles)
}

func TestSWRPolicy(t *testing.T) {
	r := newTestRig(t, DefaultLimits(), 64)

	t.Run("Zero Forward Power", func(t *testing.T) {
		r.measure(t, 0, 0.5, 30)
		a := r.ps.CheckLimits()
		assert.Equal(t, rf.SWR(1.0), a.SWR)
		assert.Equal(t, SeverityNone, a.Severity)
	})

	t.Run("Total Reflection", func(t *testing.T) {
		r.measure(t, 10, 10, 30)
		a := r.ps.CheckLimits()
		assert.True(t, a.SWR.IsInf())
		assert.Equal(t, SeverityThrottle, a.Severity)

		var swrRecord *FaultRecord
		for _, f := range r.ps.Faults() {
			if f.Kind == FaultHighSWR {
				f := f
				swrRecord = &f
			}
		}
		require.NotNil(t, swrRecord)
		assert.Equal(t, MaxRecordedSWR, swrRecord.MeasuredValue)
		assert.False(t, math.IsInf(swrRecord.MeasuredValue, 0))
	})
}

func TestTriggerEmergencyProtectionIdempotent(t *testing.T) {
	r := newTestRig(t, DefaultLimits(), 64)
	_, err := r.ctrl.SetMode(rf.ModeRX)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.ps.TriggerEmergencyProtection("watchdog")
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1), r.ps.Stats().Emergencies)
	assert.Equal(t, uint64(1), r.flag.Incidents())
	assert.Equal(t, rf.ModeStandby, r.ctrl.GetCurrentMode())

	faults := r.ps.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, FaultEmergencyStop, faults[0].Kind)
	assert.Equal(t, "watchdog", faults[0].Detail)
}

func TestSetLimits(t *testing.T) {
	r := newTestRig(t, DefaultLimits(), 64)

	t.Run("Invalid", func(t *testing.T) {
		bad := DefaultLimits()
		bad.MaxSWR = 0.5
		_, err := r.ps.SetLimits(bad)
		assert.True(t, errors.Is(err, rf.ErrConfiguration))
		assert.Equal(t, DefaultLimits(), r.ps.Limits())
	})

	t.Run("Unchanged", func(t *testing.T) {
		outcome, err := r.ps.SetLimits(DefaultLimits())
		require.NoError(t, err)
		assert.Equal(t, rf.OutcomeNoOp, outcome)
	})

	t.Run("Applied", func(t *testing.T) {
		l := DefaultLimits()
		l.MaxPowerW = 50
		outcome, err := r.ps.SetLimits(l)
		require.NoError(t, err)
		assert.Equal(t, rf.OutcomeApplied, outcome)
		assert.Equal(t, 50.0, r.ps.Limits().MaxPowerW)
	})

	t.Run("Refused During Emergency", func(t *testing.T) {
		r.ps.TriggerEmergencyProtection("test")
		l := DefaultLimits()
		l.MaxTempC = 95
		_, err := r.ps.SetLimits(l)
		assert.True(t, errors.Is(err, rf.ErrUnhealthyRejected))
		assert.Equal(t, 85.0, r.ps.Limits().MaxTempC)
	})
}

type recordingSink struct {
	mu      sync.Mutex
	records []FaultRecord
}

func (s *recordingSink) RecordFault(r FaultRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func TestFaultHistory(t *testing.T) {
	r := newTestRig(t, DefaultLimits(), 3)
	sink := &recordingSink{}
	r.ps.AddFaultSink(sink)

	for i := 0; i < 5; i++ {
		r.measure(t, 95, 0, 30) // warning
		r.ps.CheckLimits()
		r.measure(t, 0, 0, 30) // clear
		r.ps.CheckLimits()
	}

	faults := r.ps.Faults()
	assert.Len(t, faults, 3)
	assert.Len(t, sink.records, 5)
	assert.Equal(t, sink.records[4].ID, faults[2].ID, "newest last")
	assert.Equal(t, uint64(5), r.ps.Stats().Faults)

	// Reset never clears history
	r.ps.TriggerEmergencyProtection("test")
	_, err := r.ps.ResetProtection()
	require.NoError(t, err)
	assert.Len(t, r.ps.Faults(), 3)

	r.ps.ClearFaultHistory()
	assert.Empty(t, r.ps.Faults())
}

func TestLimitsValidate(t *testing.T) {
	assert.NoError(t, DefaultLimits().Validate())

	testCases := []struct {
		name   string
		mutate func(l *Limits)
	}{
		{"Zero Power", func(l *Limits) { l.MaxPowerW = 0 }},
		{"Negative Temperature", func(l *Limits) { l.MaxTempC = -5 }},
		{"SWR One", func(l *Limits) { l.MaxSWR = 1 }},
		{"NaN SWR", func(l *Limits) { l.MaxSWR = math.NaN() }},
		{"Reflected Fraction One", func(l *Limits) { l.MaxReflectedFraction = 1 }},
		{"Warning Margin", func(l *Limits) { l.WarningMargin = 0 }},
		{"Throttle Factor", func(l *Limits) { l.ThrottleFactor = 1.2 }},
		{"Negative Holdoff", func(l *Limits) { l.ThrottleHoldoffMs = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := DefaultLimits()
			tc.mutate(&l)
			assert.True(t, errors.Is(l.Validate(), rf.ErrConfiguration))
		})
	}
}
