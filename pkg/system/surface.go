package system

import (
	"context"
	"errors"
	"fmt"

	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/dougsko/nexrigd/pkg/protection"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/dougsko/nexrigd/pkg/samples"
	"github.com/dougsko/nexrigd/pkg/storage"
)

// ErrNoStore is returned by persistence calls when no store is configured
var ErrNoStore = errors.New("storage not configured")

// submit hands fn to the RF control task and waits for its reply. A command
// that times out may still run later.
func (s *System) submit(ctx context.Context, op string, fn func() (rf.Outcome, error)) (rf.Outcome, error) {
	if !s.accepting.Load() {
		return rf.OutcomeApplied, rf.NewError(rf.KindUnhealthyRejected, op, "control task is not running")
	}

	cmd := command{op: op, fn: fn, reply: make(chan commandResult, 1)}
	select {
	case s.commands <- cmd:
	default:
		return rf.OutcomeApplied, rf.NewError(rf.KindHardwareSequenceTimeout, op, "command queue full")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.CommandTimeout)
	defer cancel()

	select {
	case r := <-cmd.reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return rf.OutcomeApplied, rf.WrapError(rf.KindHardwareSequenceTimeout, op, ctx.Err(),
			"no reply from control task")
	}
}

// SetFrequency retunes within the current band
func (s *System) SetFrequency(ctx context.Context, hz uint32) (rf.Outcome, error) {
	return s.submit(ctx, "SetFrequency", func() (rf.Outcome, error) {
		return s.ctrl.SetFrequency(hz)
	})
}

// SetBand switches band filters
func (s *System) SetBand(ctx context.Context, band rf.Band) (rf.Outcome, error) {
	return s.submit(ctx, "SetBand", func() (rf.Outcome, error) {
		return s.ctrl.SetBand(band)
	})
}

// SetAntenna selects an antenna port
func (s *System) SetAntenna(ctx context.Context, antenna rf.Antenna) (rf.Outcome, error) {
	return s.submit(ctx, "SetAntenna", func() (rf.Outcome, error) {
		return s.ctrl.SetAntenna(antenna)
	})
}

// SetMode requests a mode change through the state machine and waits for
// the sequence to finish
func (s *System) SetMode(ctx context.Context, mode rf.Mode) (rf.Outcome, error) {
	if !s.accepting.Load() {
		return rf.OutcomeApplied, rf.NewError(rf.KindUnhealthyRejected, "SetMode", "control task is not running")
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.CommandTimeout)
	defer cancel()
	return s.sm.SetMode(ctx, mode)
}

// SetTargetPower sets the PA output target
func (s *System) SetTargetPower(watts float64) (rf.Outcome, error) {
	return s.pa.SetTargetPower(watts)
}

// TargetPower returns the PA output target in watts
func (s *System) TargetPower() float64 {
	return s.pa.TargetPower()
}

// GetRfStatus returns a best-effort status snapshot
func (s *System) GetRfStatus() rf.Status {
	return s.ctrl.GetRfStatus()
}

// Emergency reports whether the emergency flag is set and why
func (s *System) Emergency() (bool, string) {
	if !s.flag.IsSet() {
		return false, ""
	}
	return true, s.flag.Reason()
}

// EmergencyStop is the operator stop. It never blocks on hardware
// sequencing and repeated calls have no further effect.
func (s *System) EmergencyStop(reason string) {
	if reason == "" {
		reason = "operator emergency stop"
	}
	s.prot.TriggerEmergencyProtection(reason)
}

// ResetProtection clears an emergency once the condition has gone
func (s *System) ResetProtection() (rf.Outcome, error) {
	if s.shutdown.Load() {
		return rf.OutcomeApplied, rf.NewError(rf.KindUnhealthyRejected, "ResetProtection",
			"system shut down: %s", s.ShutdownReason())
	}
	return s.prot.ResetProtection()
}

// SetProtectionLimits replaces the protection limits
func (s *System) SetProtectionLimits(limits protection.Limits) (rf.Outcome, error) {
	return s.prot.SetLimits(limits)
}

// ProtectionLimits returns the current limits
func (s *System) ProtectionLimits() protection.Limits {
	return s.prot.Limits()
}

// Faults returns the in-memory fault history, oldest first
func (s *System) Faults() []protection.FaultRecord {
	return s.prot.Faults()
}

// ClearFaults empties the in-memory history and the persisted log
func (s *System) ClearFaults() error {
	s.prot.ClearFaultHistory()
	if s.store == nil {
		return nil
	}
	_, err := s.store.ClearFaults()
	return err
}

// StoredFaults queries the persisted fault log
func (s *System) StoredFaults(query storage.FaultQuery) ([]protection.FaultRecord, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.GetFaults(query)
}

// NewTransmitBlock returns an empty block from the sample pool
func (s *System) NewTransmitBlock(pairs int) *samples.Block {
	return s.pool.Get(pairs)
}

// SubmitTransmit queues a block for the transmit sink. The queue drops its
// oldest block when full; blocks queued outside TX are discarded.
func (s *System) SubmitTransmit(b *samples.Block) {
	s.txQueue.Push(b)
}

// SaveSnapshot stores the current configuration under name
func (s *System) SaveSnapshot(name string) (storage.Snapshot, error) {
	if s.store == nil {
		return storage.Snapshot{}, ErrNoStore
	}

	band, freq, _ := s.ctrl.Status().BandAndFrequency()
	snap := storage.Snapshot{
		Name:         name,
		Band:         band,
		FrequencyHz:  freq,
		Antenna:      s.ctrl.GetCurrentAntenna(),
		Mode:         s.ctrl.GetCurrentMode(),
		TargetPowerW: s.pa.TargetPower(),
	}
	if err := s.store.SaveSnapshot(snap); err != nil {
		return storage.Snapshot{}, err
	}

	logging.Info("system", "Snapshot saved", logging.Fields{"name": name, "band": band.String(), "frequency_hz": freq})
	return snap, nil
}

// RestoreSnapshot applies a stored configuration through the normal
// validated calls: band, frequency, antenna, power target, then mode. It
// stops at the first refusal.
func (s *System) RestoreSnapshot(ctx context.Context, name string) (rf.Outcome, error) {
	if s.store == nil {
		return rf.OutcomeApplied, ErrNoStore
	}
	snap, err := s.store.GetSnapshot(name)
	if err != nil {
		return rf.OutcomeApplied, err
	}
	if err := snap.Validate(); err != nil {
		return rf.OutcomeApplied, err
	}

	steps := []struct {
		name string
		fn   func() (rf.Outcome, error)
	}{
		{"band", func() (rf.Outcome, error) { return s.SetBand(ctx, snap.Band) }},
		{"frequency", func() (rf.Outcome, error) { return s.SetFrequency(ctx, snap.FrequencyHz) }},
		{"antenna", func() (rf.Outcome, error) { return s.SetAntenna(ctx, snap.Antenna) }},
		{"power", func() (rf.Outcome, error) { return s.SetTargetPower(snap.TargetPowerW) }},
		{"mode", func() (rf.Outcome, error) { return s.restoreMode(ctx, snap.Mode) }},
	}

	result := rf.OutcomeNoOp
	for _, step := range steps {
		outcome, err := step.fn()
		if err != nil {
			logging.Warn("system", "Snapshot restore stopped", logging.Fields{
				"name":  name,
				"step":  step.name,
				"error": err.Error(),
			})
			return rf.OutcomeApplied, fmt.Errorf("restore %s: %s: %w", name, step.name, err)
		}
		if outcome == rf.OutcomeApplied {
			result = rf.OutcomeApplied
		}
	}

	logging.Info("system", "Snapshot restored", logging.Fields{"name": name, "result": result.String()})
	return result, nil
}

// restoreMode reaches mode, passing through Standby when the direct
// transition is not allowed
func (s *System) restoreMode(ctx context.Context, mode rf.Mode) (rf.Outcome, error) {
	current := s.ctrl.GetCurrentMode()
	if mode != current && current != rf.ModeStandby && !rf.AllowedTransition(current, mode) {
		if _, err := s.SetMode(ctx, rf.ModeStandby); err != nil {
			return rf.OutcomeApplied, err
		}
	}
	return s.SetMode(ctx, mode)
}

// ListSnapshots returns every stored snapshot
func (s *System) ListSnapshots() ([]storage.Snapshot, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListSnapshots()
}

// DeleteSnapshot removes a stored snapshot
func (s *System) DeleteSnapshot(name string) error {
	if s.store == nil {
		return ErrNoStore
	}
	return s.store.DeleteSnapshot(name)
}
