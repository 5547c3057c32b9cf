package system

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/dougsko/nexrigd/pkg/diagnostics"
	"github.com/dougsko/nexrigd/pkg/hardware"
	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/dougsko/nexrigd/pkg/samples"
)

const (
	// maxCommandsPerTick bounds how much queued work one control tick takes on
	maxCommandsPerTick = 4
	// statusEvery is the comms ticks between status pushes
	statusEvery = 10
	// poolLogEvery is the diagnostics ticks between pool summaries
	poolLogEvery = 600
)

// runRFControl is the critical task. It owns the hardware writers and runs
// on its own OS thread.
func (s *System) runRFControl(ctx context.Context) {
	if s.config.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	ticker := time.NewTicker(s.rfTask.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.flag.Notify():
			s.holdSafe()
		case <-ticker.C:
			start := time.Now()
			s.rfTick()
			s.rfTask.observe(time.Since(start))
		}
	}
}

// rfTick is one control cycle
func (s *System) rfTick() {
	if s.flag.IsSet() {
		s.holdSafe()
	}

	s.runCommands()
	s.sm.RunStateMachine()

	if err := s.ctrl.UpdateHardwareStatus(); err != nil {
		s.meterFailed(err)
	} else {
		s.meterFailures = 0
	}

	s.prot.CheckLimits()

	if err := s.pa.UpdateControl(); err != nil {
		logging.Critical.Error("system", "PA drive update failed", logging.Fields{"error": err.Error()})
		s.prot.TriggerEmergencyProtection("PA drive update failed")
	}
}

// holdSafe follows an emergency stop with the physical shutdown. It runs
// once per incident.
func (s *System) holdSafe() {
	incident := s.flag.Incidents()
	if incident == s.heldIncident {
		return
	}
	s.heldIncident = incident

	if err := s.ctrl.SafeHold(); err != nil {
		logging.Critical.Error("system", "Safe hold incomplete", logging.Fields{"error": err.Error()})
	}
	if err := s.pa.EmergencyShutdown(); err != nil {
		logging.Critical.Error("system", "PA emergency shutdown incomplete", logging.Fields{"error": err.Error()})
	}
	logging.Critical.Warn("system", "Front end held in standby", logging.Fields{
		"incident": incident,
		"reason":   s.flag.Reason(),
	})
}

// meterFailed escalates when protection has been blind for too long
func (s *System) meterFailed(err error) {
	s.meterFailures++
	if s.meterFailures == 1 {
		logging.Critical.Warn("system", "Power meter read failed", logging.Fields{"error": err.Error()})
	}
	if s.meterFailures == s.config.MeterFailureLimit {
		s.prot.TriggerEmergencyProtection(fmt.Sprintf("power meter unavailable for %d cycles", s.meterFailures))
	}
}

func (s *System) runCommands() {
	for i := 0; i < maxCommandsPerTick; i++ {
		select {
		case cmd := <-s.commands:
			outcome, err := cmd.fn()
			cmd.reply <- commandResult{outcome: outcome, err: err}
		default:
			return
		}
	}
}

func (s *System) failPendingCommands() {
	for {
		select {
		case cmd := <-s.commands:
			cmd.reply <- commandResult{err: rf.NewError(rf.KindUnhealthyRejected, cmd.op, "control task stopped")}
		default:
			return
		}
	}
}

// runSamples moves receive blocks from the source into the receive queue
// and drains the transmit queue to the sink. The source paces the loop.
func (s *System) runSamples(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		b := s.pool.Get(s.config.BlockPairs)
		if err := s.source.ReadBlock(ctx, b); err != nil {
			b.Release()
			if ctx.Err() != nil || errors.Is(err, samples.ErrSourceClosed) {
				return
			}
			failures++
			if failures == 1 || failures%100 == 0 {
				logging.Warn("system", "Sample source read failed", logging.Fields{
					"error":    err.Error(),
					"failures": failures,
				})
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		failures = 0

		start := time.Now()
		s.monitor.ProcessBlock(b)
		s.rxQueue.Push(b)
		s.drainTransmit()
		s.sampleTask.observe(time.Since(start))
	}
}

// drainTransmit forwards queued transmit blocks while transmitting and
// discards them otherwise
func (s *System) drainTransmit() {
	for {
		b, ok := s.txQueue.Pop()
		if !ok {
			return
		}
		if s.sink != nil && s.ctrl.GetCurrentMode() == rf.ModeTX && !s.flag.IsSet() {
			if err := s.sink.WriteBlock(b); err != nil {
				logging.Warn("system", "Transmit sink write failed", logging.Fields{"error": err.Error()})
			}
		} else {
			s.txDiscarded.Add(1)
		}
		b.Release()
	}
}

// commsTick fans receive blocks and status out to stream subscribers
func (s *System) commsTick() {
	for {
		b, ok := s.rxQueue.Pop()
		if !ok {
			break
		}
		if s.sampleSubs.len() > 0 {
			s.sampleSubs.publish(samples.EncodeFrame(b))
		}
		b.Release()
	}

	if s.commsTask.Ticks()%statusEvery == 0 && s.statusSubs.len() > 0 {
		s.statusSubs.publish(s.ctrl.GetRfStatus())
	}
}

// diagnosticsTick publishes the periodic snapshot
func (s *System) diagnosticsTick() {
	n := s.diagTask.Ticks()
	if s.host != nil && n%uint64(s.config.HostSampleEvery) == 0 {
		s.host.Sample()
	}

	logging.Critical.Drain(logging.GetGlobalLogger())

	snap := s.Diagnostics()
	s.metrics.Update(snap)
	s.reporter.Observe(snap)

	if n > 0 && n%poolLogEvery == 0 {
		s.pool.LogStats()
	}
}

// watchdogTick checks the RF task is alive and emergencies are not left
// standing, and shows health on the status LED
func (s *System) watchdogTick() {
	ticks := s.rfTask.Ticks()
	if ticks == s.lastRFTicks {
		s.EmergencyShutdown("rf control task stalled")
		return
	}
	s.lastRFTicks = ticks

	if s.flag.IsSet() && s.config.MaxEmergencyHold > 0 {
		if held := s.now().Sub(s.flag.AssertedAt()); held > s.config.MaxEmergencyHold {
			s.EmergencyShutdown(fmt.Sprintf("emergency held for %s", held.Round(time.Second)))
			return
		}
	}

	if err := s.hw.SetOutput(hardware.OutputStatusLED, s.prot.IsSystemHealthy()); err != nil {
		logging.Debug("system", "Status LED update failed", logging.Fields{"error": err.Error()})
	}
}

// Diagnostics assembles a read-only snapshot of the whole system
func (s *System) Diagnostics() diagnostics.Snapshot {
	now := s.now()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	uptime := time.Duration(0)
	if !started.IsZero() {
		uptime = now.Sub(started)
	}

	tasks := s.Tasks()
	taskStats := make([]diagnostics.TaskStats, 0, len(tasks))
	for _, t := range tasks {
		taskStats = append(taskStats, t.Stats())
	}

	snap := diagnostics.Snapshot{
		Timestamp:       now,
		Uptime:          uptime.Round(time.Second).String(),
		RF:              s.ctrl.GetRfStatus(),
		TargetPowerW:    s.pa.TargetPower(),
		DriveW:          s.pa.Drive(),
		Protection:      s.prot.Stats(),
		Limits:          s.prot.Limits(),
		StateMachine:    s.sm.Stats(),
		EmergencyActive: s.flag.IsSet(),
		Incidents:       s.flag.Incidents(),
		LogDropped:      logging.Critical.Dropped(),
		Tasks:           taskStats,
		Samples: diagnostics.SampleStats{
			RxQueued:  s.rxQueue.Len(),
			RxDropped: s.rxQueue.Dropped(),
			TxQueued:  s.txQueue.Len(),
			TxDropped: s.txQueue.Dropped() + s.txDiscarded.Load(),
			Levels:    s.monitor.Levels(),
			Monitor:   s.monitor.Stats(),
			Pool:      s.pool.Stats(),
		},
		Faults: s.prot.Faults(),
	}
	if snap.EmergencyActive {
		snap.EmergencyReason = s.flag.Reason()
	}
	if s.host != nil {
		snap.Host = s.host.Last()
	}
	return snap
}

// Spectrum returns the latest receive spectrum
func (s *System) Spectrum() samples.Spectrum {
	return s.monitor.Spectrum()
}
