package statemachine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/dougsko/nexrigd/pkg/rf"
)

// DefaultQueueSize bounds pending mode requests when none is configured
const DefaultQueueSize = 16

// Controller is the set of RF controller primitives the sequencer drives
type Controller interface {
	GetCurrentMode() rf.Mode
	Healthy() bool
	Flag() *rf.EmergencyFlag

	DisableTransmitPath() error
	DisableReceivePath() error
	EnableReceivePath() error
	EnableTransmitPath() error
	ConfigureBandFilters() error
	WaitPLLLock(budget time.Duration) error
	CommitMode(mode rf.Mode) error
	Settle()
	PLLLockBudget() time.Duration
}

// Request is a queued mode change
type Request struct {
	ID        uint64
	Mode      rf.Mode
	Submitted time.Time

	done     chan struct{}
	outcome  rf.Outcome
	err      error
	canceled atomic.Bool
}

func newRequest(id uint64, mode rf.Mode) *Request {
	return &Request{
		ID:        id,
		Mode:      mode,
		Submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// Done is closed when the request has been executed or rejected
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result waits for the request and returns its outcome
func (r *Request) Result() (rf.Outcome, error) {
	<-r.done
	return r.outcome, r.err
}

func (r *Request) finish(outcome rf.Outcome, err error) {
	r.outcome = outcome
	r.err = err
	close(r.done)
}

// Stats are sequencer counters since startup
type Stats struct {
	Pending     int    `json:"pending"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Rejected    uint64 `json:"rejected"`
	RolledBack  uint64 `json:"rolled_back"`
	LastFrom    string `json:"last_from,omitempty"`
	LastTo      string `json:"last_to,omitempty"`
	LastLatency string `json:"last_latency,omitempty"`
}

// RfStateMachine sequences mode transitions on the RF control task. Requests
// may be submitted from any goroutine; only RunStateMachine touches hardware.
type RfStateMachine struct {
	ctrl Controller

	mu      sync.Mutex
	queue   []*Request
	maxSize int
	nextID  uint64

	completed  atomic.Uint64
	failed     atomic.Uint64
	rejected   atomic.Uint64
	rolledBack atomic.Uint64

	lastMu      sync.Mutex
	lastFrom    rf.Mode
	lastTo      rf.Mode
	lastLatency time.Duration
	haveLast    bool
}

// NewRfStateMachine creates a sequencer with a bounded request queue
func NewRfStateMachine(ctrl Controller, queueSize int) *RfStateMachine {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &RfStateMachine{
		ctrl:    ctrl,
		maxSize: queueSize,
		queue:   make([]*Request, 0, queueSize),
	}
}

// RequestMode validates mode against the projected mode (the last queued
// target, or the current mode) and queues it. Requests equal to the projected
// mode complete immediately as no-ops.
func (sm *RfStateMachine) RequestMode(mode rf.Mode) (*Request, error) {
	const op = "RequestMode"

	if !mode.Valid() {
		return nil, rf.NewError(rf.KindConfiguration, op, "unknown mode %d", int32(mode))
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	projected := sm.ctrl.GetCurrentMode()
	if n := len(sm.queue); n > 0 {
		projected = sm.queue[n-1].Mode
	}

	sm.nextID++
	req := newRequest(sm.nextID, mode)

	if mode == projected {
		req.finish(rf.OutcomeNoOp, nil)
		return req, nil
	}
	if mode != rf.ModeStandby && (!sm.ctrl.Healthy() || sm.ctrl.Flag().IsSet()) {
		sm.rejected.Add(1)
		return nil, rf.NewError(rf.KindUnhealthyRejected, op, "protection reports unhealthy")
	}
	if !rf.AllowedTransition(projected, mode) {
		sm.rejected.Add(1)
		return nil, rf.NewError(rf.KindInvalidTransition, op, "%s -> %s is not allowed", projected, mode)
	}
	if len(sm.queue) >= sm.maxSize {
		sm.rejected.Add(1)
		return nil, rf.NewError(rf.KindInvalidTransition, op, "request queue full (%d pending)", len(sm.queue))
	}

	sm.queue = append(sm.queue, req)
	return req, nil
}

// SetMode submits a request and waits for it. If ctx ends before the request
// starts it is dropped; a request already executing runs to completion.
func (sm *RfStateMachine) SetMode(ctx context.Context, mode rf.Mode) (rf.Outcome, error) {
	req, err := sm.RequestMode(mode)
	if err != nil {
		return rf.OutcomeApplied, err
	}
	select {
	case <-req.Done():
		return req.Result()
	case <-ctx.Done():
		req.canceled.Store(true)
		return rf.OutcomeApplied, rf.WrapError(rf.KindHardwareSequenceTimeout, "SetMode", ctx.Err(),
			"mode request %d to %s not completed", req.ID, mode)
	}
}

// Pending returns the number of queued requests
func (sm *RfStateMachine) Pending() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.queue)
}

// RunStateMachine executes at most one queued request. Called once per tick
// by the RF control task.
func (sm *RfStateMachine) RunStateMachine() {
	if sm.ctrl.Flag().IsSet() {
		sm.rejectQueuedNonStandby()
	}

	req := sm.pop()
	if req == nil {
		return
	}
	if req.canceled.Load() {
		req.finish(rf.OutcomeApplied, rf.NewError(rf.KindHardwareSequenceTimeout, "RunStateMachine",
			"request %d canceled before it started", req.ID))
		return
	}

	start := time.Now()
	from := sm.ctrl.GetCurrentMode()
	outcome, err := sm.execute(req.Mode)
	req.finish(outcome, err)

	switch {
	case err != nil:
		if kind, ok := rf.KindOf(err); ok && kind.Class() == rf.ClassPolicy {
			sm.rejected.Add(1)
		} else {
			sm.failed.Add(1)
		}
	case outcome == rf.OutcomeApplied:
		sm.completed.Add(1)
		sm.lastMu.Lock()
		sm.lastFrom, sm.lastTo = from, req.Mode
		sm.lastLatency = time.Since(start)
		sm.haveLast = true
		sm.lastMu.Unlock()
	}
}

func (sm *RfStateMachine) pop() *Request {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.queue) == 0 {
		return nil
	}
	req := sm.queue[0]
	sm.queue[0] = nil
	sm.queue = sm.queue[1:]
	return req
}

func (sm *RfStateMachine) rejectQueuedNonStandby() {
	sm.mu.Lock()
	var dropped []*Request
	kept := sm.queue[:0]
	for _, req := range sm.queue {
		if req.Mode == rf.ModeStandby {
			kept = append(kept, req)
		} else {
			dropped = append(dropped, req)
		}
	}
	for i := len(kept); i < len(sm.queue); i++ {
		sm.queue[i] = nil
	}
	sm.queue = kept
	sm.mu.Unlock()

	for _, req := range dropped {
		sm.rejected.Add(1)
		req.finish(rf.OutcomeApplied, rf.NewError(rf.KindUnhealthyRejected, "RunStateMachine",
			"emergency asserted while %s request %d was queued", req.Mode, req.ID))
	}
	if len(dropped) > 0 {
		logging.Critical.Warn("statemachine", "Rejected queued mode requests on emergency", logging.Fields{
			"count": len(dropped),
		})
	}
}

// execute re-validates against the actual mode and runs the step table
func (sm *RfStateMachine) execute(mode rf.Mode) (rf.Outcome, error) {
	const op = "RunStateMachine"

	current := sm.ctrl.GetCurrentMode()
	if mode == current {
		return rf.OutcomeNoOp, nil
	}
	if mode != rf.ModeStandby && (!sm.ctrl.Healthy() || sm.ctrl.Flag().IsSet()) {
		return rf.OutcomeApplied, rf.NewError(rf.KindUnhealthyRejected, op, "protection reports unhealthy")
	}
	steps, ok := Steps(current, mode)
	if !ok {
		return rf.OutcomeApplied, rf.NewError(rf.KindInvalidTransition, op, "%s -> %s is not allowed", current, mode)
	}

	for _, step := range steps {
		if mode != rf.ModeStandby && sm.ctrl.Flag().IsSet() {
			sm.rollback(current, mode, step)
			return rf.OutcomeApplied, rf.NewError(rf.KindUnhealthyRejected, op,
				"emergency asserted before %s", step)
		}
		if err := sm.runStep(step, mode); err != nil {
			sm.rollback(current, mode, step)
			if _, typed := rf.KindOf(err); typed {
				return rf.OutcomeApplied, err
			}
			return rf.OutcomeApplied, rf.WrapError(rf.KindHardware, op, err, "%s failed", step)
		}
	}

	logging.Critical.Info("statemachine", "Mode transition complete", logging.Fields{
		"from": current.String(),
		"to":   mode.String(),
	})
	return rf.OutcomeApplied, nil
}

func (sm *RfStateMachine) runStep(step Step, mode rf.Mode) error {
	switch step {
	case StepDisableTransmit:
		return sm.ctrl.DisableTransmitPath()
	case StepDisableReceive:
		return sm.ctrl.DisableReceivePath()
	case StepSettle:
		sm.ctrl.Settle()
	case StepConfigureFilters:
		return sm.ctrl.ConfigureBandFilters()
	case StepEnableReceive:
		return sm.ctrl.EnableReceivePath()
	case StepWaitPLLLock:
		return sm.ctrl.WaitPLLLock(sm.ctrl.PLLLockBudget())
	case StepEnableTransmit:
		return sm.ctrl.EnableTransmitPath()
	case StepCommit:
		return sm.ctrl.CommitMode(mode)
	}
	return nil
}

// rollback leaves the front end in Standby after a failed sequence
func (sm *RfStateMachine) rollback(from, to rf.Mode, failed Step) {
	sm.rolledBack.Add(1)
	if err := sm.ctrl.DisableTransmitPath(); err != nil {
		logging.Critical.Error("statemachine", "Rollback failed to disable transmit path", logging.Fields{"error": err.Error()})
	}
	if err := sm.ctrl.DisableReceivePath(); err != nil {
		logging.Critical.Error("statemachine", "Rollback failed to disable receive path", logging.Fields{"error": err.Error()})
	}
	_ = sm.ctrl.CommitMode(rf.ModeStandby)

	logging.Critical.Warn("statemachine", "Transition rolled back to standby", logging.Fields{
		"from": from.String(),
		"to":   to.String(),
		"step": failed.String(),
	})
}

// Stats returns sequencer counters
func (sm *RfStateMachine) Stats() Stats {
	s := Stats{
		Pending:    sm.Pending(),
		Completed:  sm.completed.Load(),
		Failed:     sm.failed.Load(),
		Rejected:   sm.rejected.Load(),
		RolledBack: sm.rolledBack.Load(),
	}
	sm.lastMu.Lock()
	if sm.haveLast {
		s.LastFrom = sm.lastFrom.String()
		s.LastTo = sm.lastTo.String()
		s.LastLatency = sm.lastLatency.String()
	}
	sm.lastMu.Unlock()
	return s
}
