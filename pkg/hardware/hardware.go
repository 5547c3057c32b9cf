package hardware

import (
	"fmt"
	"log"
	"sync"
)

// HardwareConfig represents hardware configuration
type HardwareConfig struct {
	Backend      string // "mock" or "sysfs"
	EnableGPIO   bool
	GPIOBasePath string
	PAEnablePin  int
	TXEnablePin  int
	RXEnablePin  int
	StatusLEDPin int
}

// Output names a hardware enable line driven through GPIO
type Output int

const (
	OutputPAEnable Output = iota
	OutputTXEnable
	OutputRXEnable
	OutputStatusLED
	outputCount
)

// String returns the output name
func (o Output) String() string {
	switch o {
	case OutputPAEnable:
		return "pa_enable"
	case OutputTXEnable:
		return "tx_enable"
	case OutputRXEnable:
		return "rx_enable"
	case OutputStatusLED:
		return "status_led"
	default:
		return fmt.Sprintf("output(%d)", int(o))
	}
}

// TRPath selects the transmit/receive switching path of the pin-diode matrix
type TRPath int

const (
	PathOff TRPath = iota
	PathRX
	PathTX
)

// String returns the path name
func (p TRPath) String() string {
	switch p {
	case PathOff:
		return "off"
	case PathRX:
		return "rx"
	case PathTX:
		return "tx"
	default:
		return "unknown"
	}
}

// GPIOInterface defines GPIO operations
type GPIOInterface interface {
	Initialize() error
	Close() error
	SetPin(pin int, value bool) error
	GetPin(pin int) (bool, error)
}

// PLLSynthesizer defines frequency synthesis operations
type PLLSynthesizer interface {
	Initialize() error
	SetFrequency(hz uint32) error
	IsLocked() bool
}

// Measurement is a single power meter reading
type Measurement struct {
	ForwardW     float32
	ReflectedW   float32
	TemperatureC float32
}

// PowerMeter defines forward/reflected power and temperature sensing
type PowerMeter interface {
	Initialize() error
	Read() (Measurement, error)
}

// SwitchMatrix defines the pin-diode band filter, antenna and T/R switching
type SwitchMatrix interface {
	Initialize() error
	SelectBandFilter(index int) error
	SelectAntenna(index int) error
	SetTRPath(path TRPath) error
}

// AmplifierDrive defines the PA drive level control
type AmplifierDrive interface {
	Initialize() error
	SetDrive(watts float32) error
}

// Backend bundles one implementation of every hardware capability
type Backend struct {
	GPIO   GPIOInterface
	PLL    PLLSynthesizer
	Meter  PowerMeter
	Matrix SwitchMatrix
	Drive  AmplifierDrive
}

// HardwareManager owns the GPIO enable outputs. All outputs start low and are
// forced low again on Close and DisableAll.
type HardwareManager struct {
	config HardwareConfig
	mutex  sync.RWMutex

	gpio    GPIOInterface
	outputs [outputCount]bool

	initialized bool
}

// NewHardwareManager creates a new hardware manager using gpio for enable outputs.
// A nil gpio selects a backend from config.
func NewHardwareManager(config HardwareConfig, gpio GPIOInterface) *HardwareManager {
	if gpio == nil && config.EnableGPIO {
		if config.Backend == "sysfs" {
			gpio = NewLinuxGPIO(config.GPIOBasePath)
		} else {
			gpio = NewMockGPIO()
		}
	}
	return &HardwareManager{
		config: config,
		gpio:   gpio,
	}
}

// Name identifies the manager as a startup subsystem
func (h *HardwareManager) Name() string {
	return "hardware manager"
}

// Initialize initializes GPIO and drives every enable output low
func (h *HardwareManager) Initialize() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.initialized {
		return nil
	}

	log.Printf("Hardware: Initializing hardware manager (%s backend)...", h.config.Backend)

	if h.config.EnableGPIO && h.gpio != nil {
		if err := h.gpio.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize GPIO: %w", err)
		}
		log.Printf("Hardware: GPIO initialized (PA pin: %d, TX pin: %d, RX pin: %d, LED pin: %d)",
			h.config.PAEnablePin, h.config.TXEnablePin, h.config.RXEnablePin, h.config.StatusLEDPin)
	}

	h.initialized = true
	if err := h.disableAllLocked(); err != nil {
		h.initialized = false
		return fmt.Errorf("failed to drive enable outputs low: %w", err)
	}

	log.Printf("Hardware: Hardware manager initialized successfully")
	return nil
}

// Close drives all outputs low and shuts down GPIO
func (h *HardwareManager) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.initialized {
		return nil
	}

	log.Printf("Hardware: Shutting down hardware manager...")

	if err := h.disableAllLocked(); err != nil {
		log.Printf("Hardware: Error driving outputs low: %v", err)
	}

	if h.config.EnableGPIO && h.gpio != nil {
		if err := h.gpio.Close(); err != nil {
			log.Printf("Hardware: Error closing GPIO: %v", err)
		}
	}

	h.initialized = false
	log.Printf("Hardware: Hardware manager shut down")
	return nil
}

// SetOutput drives an enable output
func (h *HardwareManager) SetOutput(output Output, active bool) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.setOutputLocked(output, active)
}

// setOutputLocked sets an output (must be called with lock held)
func (h *HardwareManager) setOutputLocked(output Output, active bool) error {
	if output < 0 || output >= outputCount {
		return fmt.Errorf("unknown output %d", int(output))
	}
	if active && !h.initialized {
		return fmt.Errorf("cannot enable %s: hardware not initialized", output)
	}

	if !h.config.EnableGPIO || h.gpio == nil {
		// Just track state in mock mode
		h.outputs[output] = active
		return nil
	}

	pin := h.pinFor(output)
	if err := h.gpio.SetPin(pin, active); err != nil {
		return fmt.Errorf("failed to set %s: %w", output, err)
	}
	h.outputs[output] = active
	return nil
}

// GetOutput returns the last driven state of an output
func (h *HardwareManager) GetOutput(output Output) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if output < 0 || output >= outputCount {
		return false
	}
	return h.outputs[output]
}

// DisableAll drives every enable output low. It keeps going after a failed
// pin and returns the first error.
func (h *HardwareManager) DisableAll() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.disableAllLocked()
}

func (h *HardwareManager) disableAllLocked() error {
	var firstErr error
	for o := Output(0); o < outputCount; o++ {
		if err := h.setOutputLocked(o, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AllOutputsLow reports whether no enable output is energized
func (h *HardwareManager) AllOutputsLow() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, on := range h.outputs {
		if on {
			return false
		}
	}
	return true
}

// IsInitialized returns whether hardware is initialized
func (h *HardwareManager) IsInitialized() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.initialized
}

// GetConfig returns the hardware configuration
func (h *HardwareManager) GetConfig() HardwareConfig {
	return h.config
}

func (h *HardwareManager) pinFor(output Output) int {
	switch output {
	case OutputPAEnable:
		return h.config.PAEnablePin
	case OutputTXEnable:
		return h.config.TXEnablePin
	case OutputRXEnable:
		return h.config.RXEnablePin
	default:
		return h.config.StatusLEDPin
	}
}
