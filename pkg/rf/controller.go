package rf

import (
	"errors"
	"sync"
	"time"

	"github.com/dougsko/nexrigd/pkg/hardware"
	"github.com/dougsko/nexrigd/pkg/logging"
)

// HealthChecker is consulted before any transition out of Standby
type HealthChecker interface {
	IsSystemHealthy() bool
}

// OutputDriver drives the GPIO enable lines
type OutputDriver interface {
	SetOutput(output hardware.Output, active bool) error
}

// ControllerConfig holds RF controller settings
type ControllerConfig struct {
	DefaultBand      Band
	DefaultFrequency uint32
	DefaultAntenna   Antenna
	SettleDelay      time.Duration
	PLLLockBudget    time.Duration
}

// RfController owns the hardware-facing state. It applies configuration
// changes in a safe order and publishes them to HardwareStatus. Writers are
// serialized by configMu; readers only load atomics.
type RfController struct {
	config  ControllerConfig
	status  *HardwareStatus
	flag    *EmergencyFlag
	hw      *hardware.Backend
	outputs OutputDriver

	health atomicHealth
	pa     *PowerAmplifier

	// configMu serializes hardware writers; path is guarded by it
	configMu sync.Mutex
	path     hardware.TRPath

	sleep func(time.Duration)
}

type atomicHealth struct {
	mu sync.RWMutex
	hc HealthChecker
}

func (a *atomicHealth) healthy() bool {
	a.mu.RLock()
	hc := a.hc
	a.mu.RUnlock()
	return hc == nil || hc.IsSystemHealthy()
}

// NewRfController creates a controller publishing to status
func NewRfController(config ControllerConfig, status *HardwareStatus, flag *EmergencyFlag,
	hw *hardware.Backend, outputs OutputDriver) *RfController {
	if !config.DefaultAntenna.Valid() {
		config.DefaultAntenna = Antenna1
	}
	return &RfController{
		config:  config,
		status:  status,
		flag:    flag,
		hw:      hw,
		outputs: outputs,
		sleep:   time.Sleep,
	}
}

// SetHealthChecker installs the health predicate. Without one the controller
// treats the system as healthy.
func (c *RfController) SetHealthChecker(hc HealthChecker) {
	c.health.mu.Lock()
	c.health.hc = hc
	c.health.mu.Unlock()
}

// Status returns the shared status
func (c *RfController) Status() *HardwareStatus {
	return c.status
}

// Flag returns the emergency flag
func (c *RfController) Flag() *EmergencyFlag {
	return c.flag
}

// Name identifies the controller as a startup subsystem
func (c *RfController) Name() string {
	return "rf controller"
}

// Initialize brings the front end to Standby on the default band, frequency
// and antenna with both paths disabled
func (c *RfController) Initialize() error {
	const op = "Initialize"

	for _, init := range []struct {
		name string
		fn   func() error
	}{
		{"pll", c.hw.PLL.Initialize},
		{"power meter", c.hw.Meter.Initialize},
		{"switch matrix", c.hw.Matrix.Initialize},
	} {
		if err := init.fn(); err != nil {
			return WrapError(KindHardware, op, err, "failed to initialize %s", init.name)
		}
	}

	band := c.config.DefaultBand
	rng, err := GetBandRange(band)
	if err != nil {
		return err
	}
	freq := c.config.DefaultFrequency
	if !rng.Contains(freq) {
		freq = rng.Midpoint()
	}

	c.configMu.Lock()
	defer c.configMu.Unlock()

	if err := c.disableTransmitLocked(); err != nil {
		return err
	}
	if err := c.disableReceiveLocked(); err != nil {
		return err
	}
	if err := c.hw.Matrix.SelectBandFilter(int(band)); err != nil {
		return WrapError(KindHardware, op, err, "failed to select %s filter", band)
	}
	if err := c.hw.PLL.SetFrequency(freq); err != nil {
		return WrapError(KindHardware, op, err, "failed to program PLL")
	}
	if err := c.hw.Matrix.SelectAntenna(int(c.config.DefaultAntenna)); err != nil {
		return WrapError(KindHardware, op, err, "failed to select antenna")
	}

	c.status.publishBandFrequency(band, freq)
	c.status.storeAntenna(c.config.DefaultAntenna)
	c.status.storeMode(ModeStandby)

	logging.Info("rf", "RF controller initialized", logging.Fields{
		"band":         band.String(),
		"frequency_hz": freq,
		"antenna":      int(c.config.DefaultAntenna),
	})
	return nil
}

// Shutdown leaves the front end in Standby with both paths disabled
func (c *RfController) Shutdown() error {
	err := c.SafeHold()
	logging.Info("rf", "RF controller shut down")
	return err
}

// SetFrequency retunes within the current band
func (c *RfController) SetFrequency(hz uint32) (Outcome, error) {
	const op = "SetFrequency"

	c.configMu.Lock()
	defer c.configMu.Unlock()

	band := c.status.Band()
	rng, err := GetBandRange(band)
	if err != nil {
		return OutcomeApplied, err
	}
	if !rng.Contains(hz) {
		return OutcomeApplied, newError(KindOutOfBand, op,
			"%d Hz is outside %s (%d-%d Hz)", hz, band, rng.MinHz, rng.MaxHz)
	}
	if hz == c.status.Frequency() {
		return OutcomeNoOp, nil
	}

	if err := c.hw.PLL.SetFrequency(hz); err != nil {
		return OutcomeApplied, WrapError(KindHardware, op, err, "failed to program PLL")
	}
	c.status.publishFrequency(hz)

	logging.Critical.Debug("rf", "Frequency set", logging.Fields{"frequency_hz": hz})
	return OutcomeApplied, nil
}

// SetBand switches band filters. A frequency outside the new band is moved to
// the band midpoint before the pair is published.
func (c *RfController) SetBand(band Band) (Outcome, error) {
	const op = "SetBand"

	rng, err := GetBandRange(band)
	if err != nil {
		return OutcomeApplied, err
	}

	c.configMu.Lock()
	defer c.configMu.Unlock()

	if band == c.status.Band() {
		return OutcomeNoOp, nil
	}
	if c.status.Mode() == ModeTX {
		return OutcomeApplied, newError(KindInvalidTransition, op, "cannot switch band filters while transmitting")
	}

	freq := c.status.Frequency()
	if !rng.Contains(freq) {
		freq = rng.Midpoint()
	}

	if err := c.hw.Matrix.SelectBandFilter(int(band)); err != nil {
		return OutcomeApplied, WrapError(KindHardware, op, err, "failed to select %s filter", band)
	}
	if freq != c.status.Frequency() {
		if err := c.hw.PLL.SetFrequency(freq); err != nil {
			// Filters moved but the synthesizer did not; put the old filter back
			if rerr := c.hw.Matrix.SelectBandFilter(int(c.status.Band())); rerr != nil {
				logging.Critical.Error("rf", "Failed to restore band filter", logging.Fields{"error": rerr.Error()})
			}
			return OutcomeApplied, WrapError(KindHardware, op, err, "failed to program PLL")
		}
	}
	c.status.publishBandFrequency(band, freq)

	logging.Critical.Info("rf", "Band set", logging.Fields{"band": band.String(), "frequency_hz": freq})
	return OutcomeApplied, nil
}

// SetAntenna selects an antenna port. Refused while transmitting.
func (c *RfController) SetAntenna(antenna Antenna) (Outcome, error) {
	const op = "SetAntenna"

	if !antenna.Valid() {
		return OutcomeApplied, newError(KindConfiguration, op, "antenna %d out of range 1-4", int32(antenna))
	}

	c.configMu.Lock()
	defer c.configMu.Unlock()

	if c.status.Mode() == ModeTX {
		return OutcomeApplied, newError(KindInvalidTransition, op, "cannot switch antenna while transmitting")
	}
	if antenna == c.status.Antenna() {
		return OutcomeNoOp, nil
	}

	if err := c.hw.Matrix.SelectAntenna(int(antenna)); err != nil {
		return OutcomeApplied, WrapError(KindHardware, op, err, "failed to select %s", antenna)
	}
	c.status.storeAntenna(antenna)

	logging.Critical.Info("rf", "Antenna set", logging.Fields{"antenna": int(antenna)})
	return OutcomeApplied, nil
}

// SetMode applies a mode change directly: disable the transmit path, switch
// filters, then enable the new path, settling between steps. Standby is
// always permitted. Any failure leaves the front end in Standby.
func (c *RfController) SetMode(mode Mode) (Outcome, error) {
	const op = "SetMode"

	if !mode.Valid() {
		return OutcomeApplied, newError(KindConfiguration, op, "unknown mode %d", int32(mode))
	}

	c.configMu.Lock()
	defer c.configMu.Unlock()

	current := c.status.Mode()
	if mode == current {
		return OutcomeNoOp, nil
	}
	if mode != ModeStandby {
		if !c.health.healthy() || c.flag.IsSet() {
			return OutcomeApplied, newError(KindUnhealthyRejected, op, "protection reports unhealthy")
		}
		if !AllowedTransition(current, mode) {
			return OutcomeApplied, newError(KindInvalidTransition, op, "%s -> %s is not allowed", current, mode)
		}
	}

	if err := c.sequenceLocked(mode); err != nil {
		c.rollbackLocked()
		return OutcomeApplied, err
	}

	logging.Critical.Info("rf", "Mode set", logging.Fields{"from": current.String(), "to": mode.String()})
	return OutcomeApplied, nil
}

func (c *RfController) sequenceLocked(mode Mode) error {
	if err := c.disableTransmitLocked(); err != nil {
		return err
	}
	if mode != ModeRX {
		if err := c.disableReceiveLocked(); err != nil {
			return err
		}
	}
	c.sleep(c.config.SettleDelay)

	if mode != ModeStandby {
		if err := c.configureFiltersLocked(); err != nil {
			return err
		}
		c.sleep(c.config.SettleDelay)
	}

	switch mode {
	case ModeRX:
		if err := c.enableReceiveLocked(); err != nil {
			return err
		}
	case ModeTX:
		if err := c.waitPLLLock(c.config.PLLLockBudget); err != nil {
			return err
		}
		if err := c.enableTransmitLocked(); err != nil {
			return err
		}
	case ModeCalibrate:
		if err := c.waitPLLLock(c.config.PLLLockBudget); err != nil {
			return err
		}
	}

	if !c.commitMode(mode) {
		return newError(KindUnhealthyRejected, "SetMode", "emergency asserted before %s was committed", mode)
	}
	return nil
}

// commitMode publishes mode unless an emergency stop landed during the
// sequence. EmergencyStop asserts the flag before it stores Standby, so
// checking the flag after our store catches every interleaving.
func (c *RfController) commitMode(mode Mode) bool {
	c.status.storeMode(mode)
	if mode == ModeStandby || !c.flag.IsSet() {
		return true
	}
	c.status.storeMode(ModeStandby)
	return false
}

// rollbackLocked forces Standby after a failed sequence
func (c *RfController) rollbackLocked() {
	if err := c.disableTransmitLocked(); err != nil {
		logging.Critical.Error("rf", "Rollback failed to disable transmit path", logging.Fields{"error": err.Error()})
	}
	if err := c.disableReceiveLocked(); err != nil {
		logging.Critical.Error("rf", "Rollback failed to disable receive path", logging.Fields{"error": err.Error()})
	}
	c.status.storeMode(ModeStandby)
	logging.Critical.Warn("rf", "Rolled back to standby")
}

// EmergencyStop forces Standby and zeroes the PA drive using atomics only.
// The RF control task follows up with SafeHold. Safe to call from any
// goroutine at any time; repeated calls have no further effect.
func (c *RfController) EmergencyStop() {
	c.flag.Assert("emergency stop")
	c.status.storeMode(ModeStandby)
	if c.pa != nil {
		c.pa.zeroDrive()
	}
}

// SafeHold physically disables both paths and commits Standby. It is the RF
// control task's follow-up to EmergencyStop.
func (c *RfController) SafeHold() error {
	c.configMu.Lock()
	defer c.configMu.Unlock()

	errTX := c.disableTransmitLocked()
	errRX := c.disableReceiveLocked()
	c.status.storeMode(ModeStandby)
	return errors.Join(errTX, errRX)
}

// UpdateHardwareStatus reads the PLL and power meter and publishes the
// measurements. Called by the RF control task every tick.
func (c *RfController) UpdateHardwareStatus() error {
	m, err := c.hw.Meter.Read()
	if err != nil {
		return WrapError(KindHardware, "UpdateHardwareStatus", err, "power meter read failed")
	}
	c.status.publishMeasurements(c.hw.PLL.IsLocked(), m.ForwardW, m.ReflectedW, m.TemperatureC)
	return nil
}

// GetCurrentFrequency returns the frequency in Hz
func (c *RfController) GetCurrentFrequency() uint32 { return c.status.Frequency() }

// GetCurrentBand returns the band
func (c *RfController) GetCurrentBand() Band { return c.status.Band() }

// GetCurrentMode returns the mode
func (c *RfController) GetCurrentMode() Mode { return c.status.Mode() }

// GetCurrentAntenna returns the antenna port
func (c *RfController) GetCurrentAntenna() Antenna { return c.status.Antenna() }

// GetRfStatus returns a best-effort snapshot
func (c *RfController) GetRfStatus() Status { return c.status.Snapshot() }

// GetSWR returns the SWR from the last published measurements
func (c *RfController) GetSWR() SWR {
	return ComputeSWR(c.status.ForwardPower(), c.status.ReflectedPower())
}

// Step primitives used by the state machine sequencer. Each takes the
// configuration lock for its own duration.

// DisableTransmitPath zeroes drive and drops the PA and TX enables
func (c *RfController) DisableTransmitPath() error {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.disableTransmitLocked()
}

// DisableReceivePath drops the RX enable
func (c *RfController) DisableReceivePath() error {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.disableReceiveLocked()
}

// EnableReceivePath routes the matrix to receive and raises the RX enable
func (c *RfController) EnableReceivePath() error {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.enableReceiveLocked()
}

// EnableTransmitPath routes the matrix to transmit and raises the TX and PA enables
func (c *RfController) EnableTransmitPath() error {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.enableTransmitLocked()
}

// ConfigureBandFilters re-selects the filter and antenna for the current band
func (c *RfController) ConfigureBandFilters() error {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.configureFiltersLocked()
}

// WaitPLLLock polls for lock until budget elapses
func (c *RfController) WaitPLLLock(budget time.Duration) error {
	return c.waitPLLLock(budget)
}

// CommitMode publishes mode after its hardware sequence completed. It
// refuses, leaving Standby, when an emergency was asserted meanwhile.
func (c *RfController) CommitMode(mode Mode) error {
	if !c.commitMode(mode) {
		return newError(KindUnhealthyRejected, "CommitMode", "emergency asserted before %s was committed", mode)
	}
	return nil
}

// Settle waits the configured settle delay
func (c *RfController) Settle() {
	c.sleep(c.config.SettleDelay)
}

// PLLLockBudget returns the configured lock budget
func (c *RfController) PLLLockBudget() time.Duration {
	return c.config.PLLLockBudget
}

// Healthy reports the installed health predicate
func (c *RfController) Healthy() bool {
	return c.health.healthy()
}

func (c *RfController) disableTransmitLocked() error {
	const op = "DisableTransmitPath"

	if c.pa != nil {
		c.pa.zeroDrive()
	}
	var errs []error
	if err := c.hw.Drive.SetDrive(0); err != nil {
		errs = append(errs, err)
	}
	// Enables drop even if the drive write failed
	if err := c.setOutput(hardware.OutputPAEnable, false); err != nil {
		errs = append(errs, err)
	}
	if err := c.setOutput(hardware.OutputTXEnable, false); err != nil {
		errs = append(errs, err)
	}
	if c.path == hardware.PathTX {
		if err := c.hw.Matrix.SetTRPath(hardware.PathOff); err != nil {
			errs = append(errs, err)
		} else {
			c.path = hardware.PathOff
		}
	}
	if len(errs) > 0 {
		return WrapError(KindHardware, op, errors.Join(errs...), "failed to disable transmit path")
	}
	return nil
}

func (c *RfController) disableReceiveLocked() error {
	const op = "DisableReceivePath"

	var errs []error
	if err := c.setOutput(hardware.OutputRXEnable, false); err != nil {
		errs = append(errs, err)
	}
	if c.path == hardware.PathRX {
		if err := c.hw.Matrix.SetTRPath(hardware.PathOff); err != nil {
			errs = append(errs, err)
		} else {
			c.path = hardware.PathOff
		}
	}
	if len(errs) > 0 {
		return WrapError(KindHardware, op, errors.Join(errs...), "failed to disable receive path")
	}
	return nil
}

func (c *RfController) enableReceiveLocked() error {
	const op = "EnableReceivePath"

	if c.path == hardware.PathTX {
		return newError(KindInvalidTransition, op, "transmit path still selected")
	}
	if err := c.hw.Matrix.SetTRPath(hardware.PathRX); err != nil {
		return WrapError(KindHardware, op, err, "failed to switch to receive path")
	}
	c.path = hardware.PathRX
	if err := c.setOutput(hardware.OutputRXEnable, true); err != nil {
		return WrapError(KindHardware, op, err, "failed to enable receiver")
	}
	return nil
}

func (c *RfController) enableTransmitLocked() error {
	const op = "EnableTransmitPath"

	if c.path == hardware.PathRX {
		return newError(KindInvalidTransition, op, "receive path still selected")
	}
	if c.flag.IsSet() {
		return newError(KindUnhealthyRejected, op, "emergency flag set")
	}
	if err := c.hw.Matrix.SetTRPath(hardware.PathTX); err != nil {
		return WrapError(KindHardware, op, err, "failed to switch to transmit path")
	}
	c.path = hardware.PathTX
	if err := c.setOutput(hardware.OutputTXEnable, true); err != nil {
		return WrapError(KindHardware, op, err, "failed to enable transmitter")
	}
	if err := c.setOutput(hardware.OutputPAEnable, true); err != nil {
		return WrapError(KindHardware, op, err, "failed to enable PA")
	}
	return nil
}

func (c *RfController) configureFiltersLocked() error {
	const op = "ConfigureBandFilters"

	band := c.status.Band()
	if err := c.hw.Matrix.SelectBandFilter(int(band)); err != nil {
		return WrapError(KindHardware, op, err, "failed to select %s filter", band)
	}
	if err := c.hw.Matrix.SelectAntenna(int(c.status.Antenna())); err != nil {
		return WrapError(KindHardware, op, err, "failed to select antenna")
	}
	return nil
}

func (c *RfController) waitPLLLock(budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		if c.hw.PLL.IsLocked() {
			c.status.pllLocked.Store(true)
			return nil
		}
		if !time.Now().Before(deadline) {
			c.status.pllLocked.Store(false)
			return newError(KindHardwareSequenceTimeout, "WaitPLLLock", "PLL did not lock within %s", budget)
		}
		c.sleep(budget / 10)
	}
}

func (c *RfController) setOutput(output hardware.Output, active bool) error {
	if c.outputs == nil {
		return nil
	}
	return c.outputs.SetOutput(output, active)
}
