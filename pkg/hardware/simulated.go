package hardware

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// SimulatedFrontEnd models the synthesizer, switch matrix, PA drive and power
// meter of the transceiver as one coupled plant. Forward power follows the
// drive level while the T/R path is on transmit, reflected power follows the
// selected antenna's reflection coefficient and the heatsink temperature
// relaxes toward a power dependent equilibrium.
type SimulatedFrontEnd struct {
	frequency uint32
	filter    int
	antenna   int
	path      TRPath
	drive     float32

	ambientC    float64
	temperature float64
	thermalTau  time.Duration
	degPerWatt  float64
	reflection  map[int]float64
	lastUpdate  time.Time

	now func() time.Time
	mu  sync.Mutex
}

// NewSimulatedFrontEnd creates a front end at ambient temperature with a
// well matched antenna on every port
func NewSimulatedFrontEnd() *SimulatedFrontEnd {
	s := &SimulatedFrontEnd{
		filter:     -1,
		antenna:    1,
		ambientC:   35,
		thermalTau: 30 * time.Second,
		degPerWatt: 0.4,
		reflection: map[int]float64{1: 0.05, 2: 0.1, 3: 0.2, 4: 0.3},
		now:        time.Now,
	}
	s.temperature = s.ambientC
	s.lastUpdate = s.now()
	return s
}

// NewSimulatedBackend returns a backend with GPIO from gpio and every RF
// capability served by one simulated front end
func NewSimulatedBackend(gpio GPIOInterface) (*Backend, *SimulatedFrontEnd) {
	if gpio == nil {
		gpio = NewMockGPIO()
	}
	fe := NewSimulatedFrontEnd()
	return &Backend{
		GPIO:   gpio,
		PLL:    fe,
		Meter:  fe,
		Matrix: fe,
		Drive:  fe,
	}, fe
}

// Initialize initializes the simulated plant
func (s *SimulatedFrontEnd) Initialize() error {
	return nil
}

// SetFrequency programs the simulated synthesizer
func (s *SimulatedFrontEnd) SetFrequency(hz uint32) error {
	if hz == 0 {
		return fmt.Errorf("invalid synthesizer frequency 0")
	}
	s.mu.Lock()
	s.frequency = hz
	s.mu.Unlock()
	return nil
}

// IsLocked reports lock once a frequency has been programmed
func (s *SimulatedFrontEnd) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frequency != 0
}

// SelectBandFilter selects a band-pass filter
func (s *SimulatedFrontEnd) SelectBandFilter(index int) error {
	s.mu.Lock()
	s.filter = index
	s.mu.Unlock()
	return nil
}

// SelectAntenna selects an antenna port
func (s *SimulatedFrontEnd) SelectAntenna(index int) error {
	if index < 1 || index > 4 {
		return fmt.Errorf("antenna port %d out of range", index)
	}
	s.mu.Lock()
	s.antenna = index
	s.mu.Unlock()
	return nil
}

// SetTRPath switches the transmit/receive path
func (s *SimulatedFrontEnd) SetTRPath(path TRPath) error {
	s.mu.Lock()
	s.advanceLocked()
	s.path = path
	s.mu.Unlock()
	return nil
}

// SetDrive sets the PA drive level
func (s *SimulatedFrontEnd) SetDrive(watts float32) error {
	if watts < 0 {
		return fmt.Errorf("negative drive %.1f W", watts)
	}
	s.mu.Lock()
	s.advanceLocked()
	s.drive = watts
	s.mu.Unlock()
	return nil
}

// Read returns the simulated meter reading
func (s *SimulatedFrontEnd) Read() (Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advanceLocked()

	fwd := s.forwardLocked()
	rho := s.reflection[s.antenna]
	return Measurement{
		ForwardW:     float32(fwd),
		ReflectedW:   float32(fwd * rho * rho),
		TemperatureC: float32(s.temperature),
	}, nil
}

// SetAntennaReflection sets the reflection coefficient seen on an antenna port
func (s *SimulatedFrontEnd) SetAntennaReflection(antenna int, rho float64) error {
	if rho < 0 || rho > 1 {
		return fmt.Errorf("reflection coefficient %.2f out of range", rho)
	}
	s.mu.Lock()
	s.reflection[antenna] = rho
	s.mu.Unlock()
	log.Printf("SimulatedFrontEnd: antenna %d reflection set to %.2f", antenna, rho)
	return nil
}

// SetTemperature forces the heatsink temperature
func (s *SimulatedFrontEnd) SetTemperature(celsius float64) {
	s.mu.Lock()
	s.temperature = celsius
	s.lastUpdate = s.now()
	s.mu.Unlock()
	log.Printf("SimulatedFrontEnd: temperature forced to %.1f C", celsius)
}

func (s *SimulatedFrontEnd) forwardLocked() float64 {
	if s.path != PathTX {
		return 0
	}
	return float64(s.drive)
}

// advanceLocked integrates the first order thermal model up to now
func (s *SimulatedFrontEnd) advanceLocked() {
	now := s.now()
	dt := now.Sub(s.lastUpdate)
	s.lastUpdate = now
	if dt <= 0 {
		return
	}

	equilibrium := s.ambientC + s.degPerWatt*s.forwardLocked()
	alpha := 1 - math.Exp(-dt.Seconds()/s.thermalTau.Seconds())
	s.temperature += (equilibrium - s.temperature) * alpha
}
