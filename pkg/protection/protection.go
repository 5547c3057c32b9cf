package protection

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/dougsko/nexrigd/pkg/rf"
)

// Amplifier is the part of the PA protection acts on
type Amplifier interface {
	TargetPower() float64
	Throttle(ceilingW float64) bool
	EmergencyShutdown() error
}

// EmergencyStopper forces the front end to Standby without blocking
type EmergencyStopper interface {
	EmergencyStop()
}

// Assessment summarizes one CheckLimits pass
type Assessment struct {
	Severity     Severity
	SWR          rf.SWR
	Throttled    bool
	CeilingW     float64
	Emergency    bool
	NewRecords   int
	MeasuredAt   time.Time
	ForwardW     float32
	TemperatureC float32
}

// Stats are protection counters since startup
type Stats struct {
	Healthy     bool   `json:"healthy"`
	Warnings    uint64 `json:"warnings"`
	Throttles   uint64 `json:"throttles"`
	Emergencies uint64 `json:"emergencies"`
	Faults      uint64 `json:"faults"`
}

// ProtectionSystem evaluates measurements against limits and escalates
// through warning, throttle and emergency
type ProtectionSystem struct {
	status  *rf.HardwareStatus
	flag    *rf.EmergencyFlag
	stopper EmergencyStopper
	pa      Amplifier

	// mu guards limits and per-kind escalation state. Never held across
	// hardware I/O.
	mu           sync.Mutex
	limits       Limits
	levels       [faultKindCount]Severity
	lastThrottle time.Time

	emergency atomic.Bool
	history   *faultHistory

	sinksMu sync.RWMutex
	sinks   []FaultSink

	warnings    atomic.Uint64
	throttles   atomic.Uint64
	emergencies atomic.Uint64

	now func() time.Time
}

// NewProtectionSystem creates a protection system watching status
func NewProtectionSystem(limits Limits, status *rf.HardwareStatus, flag *rf.EmergencyFlag,
	stopper EmergencyStopper, pa Amplifier, historySize int) *ProtectionSystem {
	return &ProtectionSystem{
		status:  status,
		flag:    flag,
		stopper: stopper,
		pa:      pa,
		limits:  limits,
		history: newFaultHistory(historySize),
		now:     time.Now,
	}
}

// Name identifies protection as a startup subsystem
func (p *ProtectionSystem) Name() string {
	return "protection system"
}

// Initialize validates the configured limits
func (p *ProtectionSystem) Initialize() error {
	limits := p.Limits()
	if err := limits.Validate(); err != nil {
		return err
	}
	logging.Info("protection", "Protection system initialized", logging.Fields{
		"max_power_w": limits.MaxPowerW,
		"max_temp_c":  limits.MaxTempC,
		"max_swr":     limits.MaxSWR,
	})
	return nil
}

// AddFaultSink registers a receiver for fault records
func (p *ProtectionSystem) AddFaultSink(sink FaultSink) {
	p.sinksMu.Lock()
	p.sinks = append(p.sinks, sink)
	p.sinksMu.Unlock()
}

type evaluation struct {
	kind     FaultKind
	severity Severity
	measured float64
	limit    float64
}

// CheckLimits evaluates the latest measurements. Called once per control
// cycle by the RF control task.
func (p *ProtectionSystem) CheckLimits() Assessment {
	fwd := p.status.ForwardPower()
	refl := p.status.ReflectedPower()
	temp := p.status.Temperature()
	swr := rf.ComputeSWR(fwd, refl)

	reflFraction := 0.0
	if fwd >= rf.MinForwardPowerW {
		reflFraction = float64(refl) / float64(fwd)
	}

	now := p.now()
	assessment := Assessment{SWR: swr, MeasuredAt: now, ForwardW: fwd, TemperatureC: temp}

	var records []FaultRecord
	var ceiling float64
	throttle := false

	p.mu.Lock()
	limits := p.limits
	evals := [...]evaluation{
		{FaultOverPower, grade(float64(fwd), limits.MaxPowerW, limits.WarningMargin, SeverityThrottle),
			float64(fwd), limits.MaxPowerW},
		{FaultHighSWR, grade(float64(swr), limits.MaxSWR, limits.WarningMargin, SeverityThrottle),
			math.Min(float64(swr), MaxRecordedSWR), limits.MaxSWR},
		{FaultReflectedPower, grade(reflFraction, limits.MaxReflectedFraction, limits.WarningMargin, SeverityThrottle),
			reflFraction, limits.MaxReflectedFraction},
		{FaultOverTemperature, grade(float64(temp), limits.MaxTempC, limits.WarningMargin, SeverityEmergency),
			float64(temp), limits.MaxTempC},
	}

	ceiling = math.Inf(1)
	for _, e := range evals {
		if e.severity > assessment.Severity {
			assessment.Severity = e.severity
		}
		// Records are edge-triggered on escalation
		if e.severity > p.levels[e.kind] {
			records = append(records, newFaultRecord(e.kind, e.severity, e.measured, e.limit, "", now))
		}
		p.levels[e.kind] = e.severity

		if e.severity == SeverityThrottle {
			throttle = true
			switch e.kind {
			case FaultOverPower:
				ceiling = math.Min(ceiling, limits.MaxPowerW*limits.ThrottleFactor)
			default:
				ceiling = math.Min(ceiling, p.pa.TargetPower()*limits.ThrottleFactor)
			}
		}
	}
	if throttle && now.Sub(p.lastThrottle) < limits.ThrottleHoldoff() {
		throttle = false
	}
	if throttle {
		p.lastThrottle = now
	}
	p.mu.Unlock()

	for _, r := range records {
		p.record(r)
	}
	assessment.NewRecords = len(records)

	if throttle {
		p.throttles.Add(1)
		assessment.Throttled = true
		assessment.CeilingW = ceiling
		if p.pa.Throttle(ceiling) {
			logging.Critical.Warn("protection", "Throttling PA", logging.Fields{
				"ceiling_w": ceiling,
				"forward_w": fwd,
				"swr":       math.Min(float64(swr), MaxRecordedSWR),
			})
		}
	}

	if assessment.Severity == SeverityEmergency {
		assessment.Emergency = true
		p.trigger("over temperature", false)
	}
	return assessment
}

// grade maps a measurement onto a severity. Values at or above the limit
// escalate to atLimit; values within margin of it are warnings.
func grade(value, limit, margin float64, atLimit Severity) Severity {
	switch {
	case value >= limit:
		return atLimit
	case value >= limit*margin:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

// IsSystemHealthy reports whether no emergency condition is active
func (p *ProtectionSystem) IsSystemHealthy() bool {
	return !p.emergency.Load() && !p.flag.IsSet()
}

// TriggerEmergencyProtection asserts the emergency flag, forces Standby and
// shuts the PA down. Safe to call repeatedly and concurrently.
func (p *ProtectionSystem) TriggerEmergencyProtection(reason string) {
	p.trigger(reason, true)
}

func (p *ProtectionSystem) trigger(reason string, record bool) {
	edge := !p.emergency.Swap(true)
	p.flag.Assert(reason)
	p.stopper.EmergencyStop()

	if err := p.pa.EmergencyShutdown(); err != nil {
		logging.Critical.Error("protection", "PA emergency shutdown failed", logging.Fields{"error": err.Error()})
	}

	if !edge {
		return
	}
	p.emergencies.Add(1)
	if record {
		p.record(newFaultRecord(FaultEmergencyStop, SeverityEmergency, 0, 0, reason, p.now()))
	}
	logging.Critical.Error("protection", "EMERGENCY PROTECTION TRIGGERED", logging.Fields{"reason": reason})
}

// ResetProtection clears an emergency once the physical condition is gone
func (p *ProtectionSystem) ResetProtection() (rf.Outcome, error) {
	const op = "ResetProtection"

	fwd := p.status.ForwardPower()
	temp := p.status.Temperature()
	swr := rf.ComputeSWR(fwd, p.status.ReflectedPower())
	limits := p.Limits()

	switch {
	case float64(temp) >= limits.MaxTempC:
		return rf.OutcomeApplied, rf.NewError(rf.KindStillFaulted, op,
			"temperature %.1f C is at or above %.1f C", temp, limits.MaxTempC)
	case float64(fwd) >= limits.MaxPowerW:
		return rf.OutcomeApplied, rf.NewError(rf.KindStillFaulted, op,
			"forward power %.1f W is at or above %.1f W", fwd, limits.MaxPowerW)
	case float64(swr) >= limits.MaxSWR:
		return rf.OutcomeApplied, rf.NewError(rf.KindStillFaulted, op,
			"SWR %.2f is at or above %.2f", math.Min(float64(swr), MaxRecordedSWR), limits.MaxSWR)
	}

	if !p.emergency.Load() && !p.flag.IsSet() {
		return rf.OutcomeNoOp, nil
	}

	p.mu.Lock()
	p.levels = [faultKindCount]Severity{}
	p.emergency.Store(false)
	p.mu.Unlock()
	p.flag.Clear()

	logging.Info("protection", "Protection reset", logging.Fields{"temperature_c": temp})
	return rf.OutcomeApplied, nil
}

// SetLimits replaces the limits. Refused while the emergency flag is set.
func (p *ProtectionSystem) SetLimits(limits Limits) (rf.Outcome, error) {
	if err := limits.Validate(); err != nil {
		return rf.OutcomeApplied, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.flag.IsSet() {
		return rf.OutcomeApplied, rf.NewError(rf.KindUnhealthyRejected, "SetLimits",
			"limits cannot change during an emergency")
	}
	if limits == p.limits {
		return rf.OutcomeNoOp, nil
	}
	p.limits = limits

	logging.Info("protection", "Protection limits updated", logging.Fields{
		"max_power_w": limits.MaxPowerW,
		"max_temp_c":  limits.MaxTempC,
		"max_swr":     limits.MaxSWR,
	})
	return rf.OutcomeApplied, nil
}

// Limits returns the current limits
func (p *ProtectionSystem) Limits() Limits {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limits
}

// Faults returns the fault history, oldest first
func (p *ProtectionSystem) Faults() []FaultRecord {
	return p.history.snapshot()
}

// ClearFaultHistory empties the fault history
func (p *ProtectionSystem) ClearFaultHistory() {
	n := p.history.clear()
	logging.Info("protection", "Fault history cleared", logging.Fields{"records": n})
}

// Stats returns protection counters
func (p *ProtectionSystem) Stats() Stats {
	return Stats{
		Healthy:     p.IsSystemHealthy(),
		Warnings:    p.warnings.Load(),
		Throttles:   p.throttles.Load(),
		Emergencies: p.emergencies.Load(),
		Faults:      p.history.count(),
	}
}

func (p *ProtectionSystem) record(r FaultRecord) {
	p.history.add(r)
	if r.Severity == SeverityWarning {
		p.warnings.Add(1)
	}

	fields := logging.Fields{
		"kind":     r.Kind.String(),
		"measured": r.MeasuredValue,
		"limit":    r.LimitValue,
	}
	if r.Severity == SeverityWarning {
		logging.Critical.Warn("protection", "Fault recorded: "+r.Severity.String(), fields)
	} else {
		logging.Critical.Error("protection", "Fault recorded: "+r.Severity.String(), fields)
	}

	p.sinksMu.RLock()
	sinks := p.sinks
	p.sinksMu.RUnlock()
	for _, s := range sinks {
		s.RecordFault(r)
	}
}
