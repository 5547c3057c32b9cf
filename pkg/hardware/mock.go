package hardware

import (
	"fmt"
	"log"
	"sync"
)

// CallRecorder collects hardware calls in order across several mocks so tests
// can assert sequencing
type CallRecorder struct {
	calls []string
	mu    sync.Mutex
}

// NewCallRecorder creates an empty recorder
func NewCallRecorder() *CallRecorder {
	return &CallRecorder{}
}

// Record appends a formatted call
func (r *CallRecorder) Record(format string, args ...interface{}) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

// Calls returns a copy of the recorded calls
func (r *CallRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reset forgets all recorded calls
func (r *CallRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// MockGPIO implements GPIOInterface for testing
type MockGPIO struct {
	pins     map[int]bool
	initErr  error
	pinErrs  map[int]error
	recorder *CallRecorder
	mu       sync.RWMutex
}

// NewMockGPIO creates a new mock GPIO interface
func NewMockGPIO() *MockGPIO {
	return &MockGPIO{
		pins:    make(map[int]bool),
		pinErrs: make(map[int]error),
	}
}

// WithRecorder attaches a call recorder
func (g *MockGPIO) WithRecorder(r *CallRecorder) *MockGPIO {
	g.recorder = r
	return g
}

// SetInitError makes Initialize fail with err
func (g *MockGPIO) SetInitError(err error) {
	g.mu.Lock()
	g.initErr = err
	g.mu.Unlock()
}

// SetPinError makes writes to pin fail with err
func (g *MockGPIO) SetPinError(pin int, err error) {
	g.mu.Lock()
	if err == nil {
		delete(g.pinErrs, pin)
	} else {
		g.pinErrs[pin] = err
	}
	g.mu.Unlock()
}

// Initialize initializes the mock GPIO
func (g *MockGPIO) Initialize() error {
	g.mu.RLock()
	err := g.initErr
	g.mu.RUnlock()
	if err != nil {
		return err
	}

	log.Printf("MockGPIO: Initialized")
	return nil
}

// Close closes the mock GPIO
func (g *MockGPIO) Close() error {
	log.Printf("MockGPIO: Closed")
	return nil
}

// SetPin sets a GPIO pin value
func (g *MockGPIO) SetPin(pin int, value bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pinErrs[pin]; err != nil {
		return err
	}
	g.pins[pin] = value
	g.recorder.Record("gpio:%d=%t", pin, value)
	return nil
}

// GetPin gets a GPIO pin value
func (g *MockGPIO) GetPin(pin int) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	value := g.pins[pin]
	return value, nil
}

// HighPins returns every pin currently driven high
func (g *MockGPIO) HighPins() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var high []int
	for pin, v := range g.pins {
		if v {
			high = append(high, pin)
		}
	}
	return high
}

// MockPLL implements PLLSynthesizer for testing
type MockPLL struct {
	frequency uint32
	lockAfter int // IsLocked polls needed after SetFrequency
	polls     int
	neverLock bool
	setErr    error
	recorder  *CallRecorder
	mu        sync.Mutex
}

// NewMockPLL creates a PLL that locks immediately
func NewMockPLL() *MockPLL {
	return &MockPLL{}
}

// WithRecorder attaches a call recorder
func (p *MockPLL) WithRecorder(r *CallRecorder) *MockPLL {
	p.recorder = r
	return p
}

// SetLockAfter makes the PLL report lock only after n polls
func (p *MockPLL) SetLockAfter(n int) {
	p.mu.Lock()
	p.lockAfter = n
	p.mu.Unlock()
}

// SetNeverLock makes the PLL never report lock
func (p *MockPLL) SetNeverLock(never bool) {
	p.mu.Lock()
	p.neverLock = never
	p.mu.Unlock()
}

// SetError makes SetFrequency fail with err
func (p *MockPLL) SetError(err error) {
	p.mu.Lock()
	p.setErr = err
	p.mu.Unlock()
}

// Initialize initializes the mock PLL
func (p *MockPLL) Initialize() error {
	log.Printf("MockPLL: Initialized")
	return nil
}

// SetFrequency programs the synthesizer
func (p *MockPLL) SetFrequency(hz uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.setErr != nil {
		return p.setErr
	}
	p.frequency = hz
	p.polls = 0
	p.recorder.Record("pll:%d", hz)
	return nil
}

// IsLocked reports lock state
func (p *MockPLL) IsLocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.neverLock {
		return false
	}
	p.polls++
	return p.polls > p.lockAfter
}

// Frequency returns the last programmed frequency
func (p *MockPLL) Frequency() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frequency
}

// MockPowerMeter implements PowerMeter for testing
type MockPowerMeter struct {
	measurement Measurement
	readErr     error
	mu          sync.RWMutex
}

// NewMockPowerMeter creates a meter reading zero power at ambient temperature
func NewMockPowerMeter() *MockPowerMeter {
	return &MockPowerMeter{measurement: Measurement{TemperatureC: 25}}
}

// Initialize initializes the mock meter
func (m *MockPowerMeter) Initialize() error {
	log.Printf("MockPowerMeter: Initialized")
	return nil
}

// Set replaces the reading returned by Read
func (m *MockPowerMeter) Set(measurement Measurement) {
	m.mu.Lock()
	m.measurement = measurement
	m.mu.Unlock()
}

// SetError makes Read fail with err
func (m *MockPowerMeter) SetError(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// Read returns the configured reading
func (m *MockPowerMeter) Read() (Measurement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.readErr != nil {
		return Measurement{}, m.readErr
	}
	return m.measurement, nil
}

// MockSwitchMatrix implements SwitchMatrix for testing
type MockSwitchMatrix struct {
	filter    int
	antenna   int
	path      TRPath
	filterErr error
	antErr    error
	pathErr   error
	recorder  *CallRecorder
	mu        sync.RWMutex
}

// NewMockSwitchMatrix creates a new mock switch matrix
func NewMockSwitchMatrix() *MockSwitchMatrix {
	return &MockSwitchMatrix{filter: -1}
}

// WithRecorder attaches a call recorder
func (s *MockSwitchMatrix) WithRecorder(r *CallRecorder) *MockSwitchMatrix {
	s.recorder = r
	return s
}

// SetFilterError makes SelectBandFilter fail with err
func (s *MockSwitchMatrix) SetFilterError(err error) {
	s.mu.Lock()
	s.filterErr = err
	s.mu.Unlock()
}

// SetAntennaError makes SelectAntenna fail with err
func (s *MockSwitchMatrix) SetAntennaError(err error) {
	s.mu.Lock()
	s.antErr = err
	s.mu.Unlock()
}

// SetPathError makes SetTRPath fail with err
func (s *MockSwitchMatrix) SetPathError(err error) {
	s.mu.Lock()
	s.pathErr = err
	s.mu.Unlock()
}

// Initialize initializes the mock matrix
func (s *MockSwitchMatrix) Initialize() error {
	log.Printf("MockSwitchMatrix: Initialized")
	return nil
}

// SelectBandFilter selects a band-pass filter
func (s *MockSwitchMatrix) SelectBandFilter(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filterErr != nil {
		return s.filterErr
	}
	s.filter = index
	s.recorder.Record("filter:%d", index)
	return nil
}

// SelectAntenna selects an antenna port
func (s *MockSwitchMatrix) SelectAntenna(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.antErr != nil {
		return s.antErr
	}
	s.antenna = index
	s.recorder.Record("antenna:%d", index)
	return nil
}

// SetTRPath switches the transmit/receive path
func (s *MockSwitchMatrix) SetTRPath(path TRPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pathErr != nil {
		return s.pathErr
	}
	s.path = path
	s.recorder.Record("path:%s", path)
	return nil
}

// State returns the current filter, antenna and path
func (s *MockSwitchMatrix) State() (filter, antenna int, path TRPath) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter, s.antenna, s.path
}

// MockDrive implements AmplifierDrive for testing
type MockDrive struct {
	watts    float32
	setErr   error
	recorder *CallRecorder
	mu       sync.RWMutex
}

// NewMockDrive creates a new mock amplifier drive
func NewMockDrive() *MockDrive {
	return &MockDrive{}
}

// WithRecorder attaches a call recorder
func (d *MockDrive) WithRecorder(r *CallRecorder) *MockDrive {
	d.recorder = r
	return d
}

// SetError makes SetDrive fail with err
func (d *MockDrive) SetError(err error) {
	d.mu.Lock()
	d.setErr = err
	d.mu.Unlock()
}

// Initialize initializes the mock drive
func (d *MockDrive) Initialize() error {
	log.Printf("MockDrive: Initialized")
	return nil
}

// SetDrive sets the PA drive level
func (d *MockDrive) SetDrive(watts float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.setErr != nil {
		return d.setErr
	}
	d.watts = watts
	d.recorder.Record("drive:%.1f", watts)
	return nil
}

// Drive returns the last drive level
func (d *MockDrive) Drive() float32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.watts
}

// MockBackend bundles mocks sharing one recorder
type MockBackend struct {
	Recorder *CallRecorder
	GPIO     *MockGPIO
	PLL      *MockPLL
	Meter    *MockPowerMeter
	Matrix   *MockSwitchMatrix
	Drive    *MockDrive
}

// NewMockBackend creates a full set of mocks recording into one recorder
func NewMockBackend() *MockBackend {
	rec := NewCallRecorder()
	return &MockBackend{
		Recorder: rec,
		GPIO:     NewMockGPIO().WithRecorder(rec),
		PLL:      NewMockPLL().WithRecorder(rec),
		Meter:    NewMockPowerMeter(),
		Matrix:   NewMockSwitchMatrix().WithRecorder(rec),
		Drive:    NewMockDrive().WithRecorder(rec),
	}
}

// Backend exposes the mocks through the capability interfaces
func (m *MockBackend) Backend() *Backend {
	return &Backend{
		GPIO:   m.GPIO,
		PLL:    m.PLL,
		Meter:  m.Meter,
		Matrix: m.Matrix,
		Drive:  m.Drive,
	}
}
