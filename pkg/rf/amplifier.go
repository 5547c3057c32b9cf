package rf

import (
	"errors"
	"math"
	"sync/atomic"

	"github.com/dougsko/nexrigd/pkg/hardware"
	"github.com/dougsko/nexrigd/pkg/logging"
)

// AmplifierConfig holds PA settings
type AmplifierConfig struct {
	DefaultTargetW float64
	MaxTargetW     float64
	SlewWPerTick   float64
}

// PowerAmplifier ramps the PA drive toward the target power while the front
// end is transmitting. Target and drive are atomics so protection and
// emergency paths can lower them from any goroutine.
type PowerAmplifier struct {
	config  AmplifierConfig
	ctrl    *RfController
	drive   hardware.AmplifierDrive
	outputs OutputDriver

	targetBits atomic.Uint64 // float64 watts
	driveBits  atomic.Uint64 // float64 watts, commanded
	throttles  atomic.Uint64

	// last level written to hardware
	appliedBits atomic.Uint64
}

// NewPowerAmplifier creates the PA and attaches it to ctrl so that emergency
// stops and path changes zero its drive
func NewPowerAmplifier(config AmplifierConfig, ctrl *RfController, drive hardware.AmplifierDrive, outputs OutputDriver) *PowerAmplifier {
	if config.MaxTargetW <= 0 {
		config.MaxTargetW = 100
	}
	if config.SlewWPerTick <= 0 {
		config.SlewWPerTick = config.MaxTargetW
	}
	pa := &PowerAmplifier{
		config:  config,
		ctrl:    ctrl,
		drive:   drive,
		outputs: outputs,
	}
	pa.targetBits.Store(math.Float64bits(config.DefaultTargetW))
	ctrl.pa = pa
	return pa
}

// Name identifies the PA as a startup subsystem
func (p *PowerAmplifier) Name() string {
	return "power amplifier"
}

// Initialize brings the drive to zero
func (p *PowerAmplifier) Initialize() error {
	if err := p.drive.Initialize(); err != nil {
		return WrapError(KindHardware, "Initialize", err, "failed to initialize PA drive")
	}
	if err := p.drive.SetDrive(0); err != nil {
		return WrapError(KindHardware, "Initialize", err, "failed to zero PA drive")
	}
	p.appliedBits.Store(0)
	p.zeroDrive()
	logging.Info("pa", "Power amplifier initialized", logging.Fields{"target_w": p.TargetPower()})
	return nil
}

// SetTargetPower sets the output the PA ramps toward while transmitting
func (p *PowerAmplifier) SetTargetPower(watts float64) (Outcome, error) {
	if math.IsNaN(watts) || watts < 1 || watts > p.config.MaxTargetW {
		return OutcomeApplied, newError(KindConfiguration, "SetTargetPower",
			"target %.1f W outside 1-%.0f W", watts, p.config.MaxTargetW)
	}
	if watts == p.TargetPower() {
		return OutcomeNoOp, nil
	}
	p.targetBits.Store(math.Float64bits(watts))
	logging.Info("pa", "Target power set", logging.Fields{"target_w": watts})
	return OutcomeApplied, nil
}

// TargetPower returns the current target in watts
func (p *PowerAmplifier) TargetPower() float64 {
	return math.Float64frombits(p.targetBits.Load())
}

// Drive returns the commanded drive in watts
func (p *PowerAmplifier) Drive() float64 {
	return math.Float64frombits(p.driveBits.Load())
}

// Throttles counts target reductions made by Throttle
func (p *PowerAmplifier) Throttles() uint64 {
	return p.throttles.Load()
}

// Throttle lowers the target to at most ceilingW. It returns true if the
// target was reduced.
func (p *PowerAmplifier) Throttle(ceilingW float64) bool {
	if ceilingW < 0 || math.IsNaN(ceilingW) {
		ceilingW = 0
	}
	for {
		oldBits := p.targetBits.Load()
		old := math.Float64frombits(oldBits)
		if old <= ceilingW {
			return false
		}
		if p.targetBits.CompareAndSwap(oldBits, math.Float64bits(ceilingW)) {
			p.throttles.Add(1)
			// Pull the commanded drive down immediately; ramps only go up slowly
			for {
				d := p.driveBits.Load()
				if math.Float64frombits(d) <= ceilingW ||
					p.driveBits.CompareAndSwap(d, math.Float64bits(ceilingW)) {
					break
				}
			}
			return true
		}
	}
}

// UpdateControl moves the hardware drive one step toward the target. Drive
// ramps up by at most SlewWPerTick per call and drops immediately. Outside TX
// or with the emergency flag set the drive is zero. RF control task only.
func (p *PowerAmplifier) UpdateControl() error {
	desired := 0.0
	if p.ctrl.status.Mode() == ModeTX && !p.ctrl.flag.IsSet() {
		desired = p.TargetPower()
	}

	currentBits := p.driveBits.Load()
	next := math.Float64frombits(currentBits)
	switch {
	case next > desired:
		next = desired
	case next < desired:
		next = math.Min(desired, next+p.config.SlewWPerTick)
	}
	// Lost a race with an emergency zero or a throttle; honour it and retry next tick
	if !p.driveBits.CompareAndSwap(currentBits, math.Float64bits(next)) {
		next = p.Drive()
	}

	if next == math.Float64frombits(p.appliedBits.Load()) {
		return nil
	}
	if err := p.drive.SetDrive(float32(next)); err != nil {
		return WrapError(KindHardware, "UpdateControl", err, "failed to set PA drive")
	}
	p.appliedBits.Store(math.Float64bits(next))
	return nil
}

// EmergencyShutdown zeroes the drive and drops the PA enable
func (p *PowerAmplifier) EmergencyShutdown() error {
	p.zeroDrive()

	var errs []error
	if err := p.drive.SetDrive(0); err != nil {
		errs = append(errs, err)
	} else {
		p.appliedBits.Store(0)
	}
	if p.outputs != nil {
		if err := p.outputs.SetOutput(hardware.OutputPAEnable, false); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return WrapError(KindHardware, "EmergencyShutdown", errors.Join(errs...), "PA shutdown incomplete")
	}
	return nil
}

func (p *PowerAmplifier) zeroDrive() {
	p.driveBits.Store(0)
}
