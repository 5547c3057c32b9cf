package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/nexrigd/pkg/diagnostics"
	"github.com/dougsko/nexrigd/pkg/hardware"
	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/dougsko/nexrigd/pkg/protection"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/dougsko/nexrigd/pkg/samples"
	"github.com/dougsko/nexrigd/pkg/statemachine"
	"github.com/dougsko/nexrigd/pkg/storage"
)

// Subsystem is a component brought up by InitializeHardware
type Subsystem interface {
	Name() string
	Initialize() error
}

// Config holds scheduler settings
type Config struct {
	ControlPeriod     time.Duration
	CommsPeriod       time.Duration
	DiagnosticsPeriod time.Duration
	WatchdogPeriod    time.Duration

	// MaxEmergencyHold is how long an emergency may stay asserted before the
	// watchdog shuts the system down. Zero disables the check.
	MaxEmergencyHold time.Duration

	// CommandTimeout bounds how long a caller waits for the RF task
	CommandTimeout   time.Duration
	CommandQueueSize int
	RequestQueueSize int

	BlockPairs int
	QueueDepth int
	FFTSize    int

	TempWarnC       float64
	StatusLogEvery  int
	HostSampleEvery int

	// MeterFailureLimit is how many consecutive failed power meter reads
	// trigger emergency protection
	MeterFailureLimit int

	LockOSThread bool
}

// DefaultConfig returns the scheduler rates of the transceiver firmware
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ControlPeriod <= 0 {
		c.ControlPeriod = time.Millisecond
	}
	if c.CommsPeriod <= 0 {
		c.CommsPeriod = 10 * time.Millisecond
	}
	if c.DiagnosticsPeriod <= 0 {
		c.DiagnosticsPeriod = 100 * time.Millisecond
	}
	if c.WatchdogPeriod <= 0 {
		c.WatchdogPeriod = time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 100 * time.Millisecond
	}
	if c.CommandQueueSize <= 0 {
		c.CommandQueueSize = 16
	}
	if c.RequestQueueSize <= 0 {
		c.RequestQueueSize = statemachine.DefaultQueueSize
	}
	if c.BlockPairs <= 0 {
		c.BlockPairs = 512
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 32
	}
	if c.FFTSize <= 0 {
		c.FFTSize = 1024
	}
	if c.StatusLogEvery <= 0 {
		c.StatusLogEvery = 100
	}
	if c.HostSampleEvery <= 0 {
		c.HostSampleEvery = 10
	}
	if c.MeterFailureLimit <= 0 {
		c.MeterFailureLimit = 100
	}
}

// Components are the constructed parts the scheduler drives. Store, Metrics,
// Host and Sink are optional.
type Components struct {
	Hardware   *hardware.HardwareManager
	Controller *rf.RfController
	Amplifier  *rf.PowerAmplifier
	Protection *protection.ProtectionSystem
	Source     samples.Source
	Sink       samples.Sink

	Store   *storage.Store
	Metrics *diagnostics.Metrics
	Host    *diagnostics.HostSampler
}

type command struct {
	op    string
	fn    func() (rf.Outcome, error)
	reply chan commandResult
}

type commandResult struct {
	outcome rf.Outcome
	err     error
}

// System owns the RF core and runs its tasks. Hardware is written only from
// the RF control task; other goroutines hand it commands.
type System struct {
	config Config

	hw   *hardware.HardwareManager
	ctrl *rf.RfController
	pa   *rf.PowerAmplifier
	prot *protection.ProtectionSystem
	sm   *statemachine.RfStateMachine
	flag *rf.EmergencyFlag

	source  samples.Source
	sink    samples.Sink
	pool    *samples.BlockPool
	rxQueue *samples.BlockQueue
	txQueue *samples.BlockQueue
	monitor *samples.SpectrumMonitor

	store    *storage.Store
	recorder *storage.FaultRecorder
	metrics  *diagnostics.Metrics
	host     *diagnostics.HostSampler
	reporter *diagnostics.Reporter

	subsystems []Subsystem

	rfTask       *Task
	sampleTask   *Task
	commsTask    *Task
	diagTask     *Task
	watchdogTask *Task

	commands  chan command
	accepting atomic.Bool

	sampleSubs subscribers[[]byte]
	statusSubs subscribers[rf.Status]

	txDiscarded atomic.Uint64

	// RF task only
	heldIncident  uint64
	meterFailures int

	// watchdog only
	lastRFTicks uint64

	initialized    atomic.Bool
	shutdown       atomic.Bool
	shutdownOnce   sync.Once
	shutdownReason atomic.Value // string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	wg      sync.WaitGroup

	now func() time.Time
}

// New assembles a system from constructed components
func New(config Config, c Components) *System {
	config.applyDefaults()

	sampleRate := c.Source.SampleRate()
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	blockPeriod := time.Duration(float64(config.BlockPairs) / float64(sampleRate) * float64(time.Second))

	s := &System{
		config:   config,
		hw:       c.Hardware,
		ctrl:     c.Controller,
		pa:       c.Amplifier,
		prot:     c.Protection,
		sm:       statemachine.NewRfStateMachine(c.Controller, config.RequestQueueSize),
		flag:     c.Controller.Flag(),
		source:   c.Source,
		sink:     c.Sink,
		pool:     samples.NewBlockPool(),
		rxQueue:  samples.NewBlockQueue("rx", config.QueueDepth),
		txQueue:  samples.NewBlockQueue("tx", config.QueueDepth),
		monitor:  samples.NewSpectrumMonitor(sampleRate, config.FFTSize),
		store:    c.Store,
		metrics:  c.Metrics,
		host:     c.Host,
		reporter: diagnostics.NewReporter(config.TempWarnC, config.StatusLogEvery),
		commands: make(chan command, config.CommandQueueSize),

		rfTask:       newTask(TaskRFControl, PriorityCritical, config.ControlPeriod),
		sampleTask:   newTask(TaskSamples, PriorityHigh, blockPeriod),
		commsTask:    newTask(TaskComms, PriorityNormal, config.CommsPeriod),
		diagTask:     newTask(TaskDiagnostics, PriorityLow, config.DiagnosticsPeriod),
		watchdogTask: newTask(TaskWatchdog, PriorityLow, config.WatchdogPeriod),

		now: time.Now,
	}
	s.shutdownReason.Store("")
	s.subsystems = []Subsystem{s.hw, s.ctrl, s.pa, s.prot, s.source}

	s.ctrl.SetHealthChecker(s.prot)
	if s.metrics != nil {
		s.prot.AddFaultSink(s.metrics)
	}
	if s.store != nil {
		s.recorder = storage.NewFaultRecorder(s.store, 64)
		s.prot.AddFaultSink(s.recorder)
	}
	return s
}

// AddFaultSink registers another receiver for protection fault records
func (s *System) AddFaultSink(sink protection.FaultSink) {
	s.prot.AddFaultSink(sink)
}

// InitializeHardware brings up every subsystem in order. The first failure
// triggers an emergency shutdown so no enable output is left energized.
func (s *System) InitializeHardware() error {
	for _, sub := range s.subsystems {
		logging.Info("system", "Initializing "+sub.Name())
		if err := sub.Initialize(); err != nil {
			logging.Error("system", "Subsystem failed to initialize", logging.Fields{
				"subsystem": sub.Name(),
				"error":     err.Error(),
			})
			s.EmergencyShutdown(sub.Name() + " failed to initialize")
			return fmt.Errorf("failed to initialize %s: %w", sub.Name(), err)
		}
	}
	s.initialized.Store(true)
	logging.Info("system", "Hardware initialized", logging.Fields{"subsystems": len(s.subsystems)})
	return nil
}

// Run starts the tasks and blocks until ctx ends, Stop is called or an
// emergency shutdown stops them. It leaves the front end in Standby with
// every enable output low.
func (s *System) Run(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.running:
		s.mu.Unlock()
		return errors.New("system already running")
	case s.shutdown.Load():
		s.mu.Unlock()
		return fmt.Errorf("emergency shutdown: %s", s.ShutdownReason())
	case !s.initialized.Load():
		s.mu.Unlock()
		return errors.New("hardware not initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = s.now()
	s.mu.Unlock()
	defer cancel()

	s.accepting.Store(true)
	logging.Info("system", "Starting tasks", logging.Fields{
		"control_period": s.config.ControlPeriod.String(),
		"block_pairs":    s.config.BlockPairs,
	})

	s.spawn(func() { s.runRFControl(ctx) })
	s.spawn(func() { s.runSamples(ctx) })
	s.spawn(func() { runPeriodic(ctx, s.commsTask, s.commsTick) })
	s.spawn(func() { runPeriodic(ctx, s.diagTask, s.diagnosticsTick) })
	s.spawn(func() { runPeriodic(ctx, s.watchdogTask, s.watchdogTick) })
	if s.recorder != nil {
		s.spawn(func() { s.recorder.Run(ctx) })
	}

	<-ctx.Done()
	s.accepting.Store(false)
	s.wg.Wait()

	s.failPendingCommands()
	logging.Critical.Drain(logging.GetGlobalLogger())
	s.shutdownHardware()
	s.sampleSubs.closeAll()
	s.statusSubs.closeAll()

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	close(s.done)
	s.mu.Unlock()

	logging.Info("system", "Tasks stopped")
	if s.shutdown.Load() {
		return fmt.Errorf("emergency shutdown: %s", s.ShutdownReason())
	}
	return nil
}

func (s *System) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop ends Run and waits for it to return
func (s *System) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the tasks are running
func (s *System) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close releases the hardware. Call after Run has returned.
func (s *System) Close() error {
	return s.hw.Close()
}

// EmergencyShutdown forces the front end safe and stops every task. Safe to
// call from any goroutine, repeatedly and before Run.
func (s *System) EmergencyShutdown(reason string) {
	s.prot.TriggerEmergencyProtection(reason)

	s.shutdownOnce.Do(func() {
		s.shutdownReason.Store(reason)
		s.shutdown.Store(true)
		s.accepting.Store(false)

		if err := s.hw.DisableAll(); err != nil {
			logging.Error("system", "Failed to drive enable outputs low", logging.Fields{"error": err.Error()})
		}
		logging.Error("system", "EMERGENCY SHUTDOWN", logging.Fields{"reason": reason})

		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// IsShutdown reports whether EmergencyShutdown has run
func (s *System) IsShutdown() bool {
	return s.shutdown.Load()
}

// ShutdownReason returns the reason given to EmergencyShutdown
func (s *System) ShutdownReason() string {
	return s.shutdownReason.Load().(string)
}

func (s *System) shutdownHardware() {
	if err := s.ctrl.Shutdown(); err != nil {
		logging.Error("system", "Failed to disable RF paths", logging.Fields{"error": err.Error()})
	}
	if err := s.pa.EmergencyShutdown(); err != nil {
		logging.Error("system", "Failed to shut PA down", logging.Fields{"error": err.Error()})
	}
	if err := s.source.Close(); err != nil {
		logging.Warn("system", "Failed to close sample source", logging.Fields{"error": err.Error()})
	}
	s.rxQueue.Drain()
	s.txQueue.Drain()
	if err := s.hw.DisableAll(); err != nil {
		logging.Error("system", "Failed to drive enable outputs low", logging.Fields{"error": err.Error()})
	}
}

// Hardware returns the enable output manager
func (s *System) Hardware() *hardware.HardwareManager {
	return s.hw
}

// Controller returns the RF controller
func (s *System) Controller() *rf.RfController {
	return s.ctrl
}

// Protection returns the protection system
func (s *System) Protection() *protection.ProtectionSystem {
	return s.prot
}

// StateMachine returns the mode sequencer
func (s *System) StateMachine() *statemachine.RfStateMachine {
	return s.sm
}

// Tasks returns the scheduled tasks in priority order
func (s *System) Tasks() []*Task {
	return []*Task{s.rfTask, s.sampleTask, s.commsTask, s.diagTask, s.watchdogTask}
}
