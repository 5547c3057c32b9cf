package hardware

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultGPIOBasePath is the Linux sysfs GPIO class directory
const DefaultGPIOBasePath = "/sys/class/gpio"

// LinuxGPIO implements GPIOInterface using Linux sysfs GPIO
type LinuxGPIO struct {
	basePath     string
	exportedPins map[int]string // pin -> direction
	mutex        sync.Mutex
}

// NewLinuxGPIO creates a new Linux GPIO interface rooted at basePath
func NewLinuxGPIO(basePath string) *LinuxGPIO {
	if basePath == "" {
		basePath = DefaultGPIOBasePath
	}
	return &LinuxGPIO{
		basePath:     basePath,
		exportedPins: make(map[int]string),
	}
}

// Initialize initializes the Linux GPIO system
func (g *LinuxGPIO) Initialize() error {
	if _, err := os.Stat(g.basePath); os.IsNotExist(err) {
		return fmt.Errorf("GPIO not available on this system (%s)", g.basePath)
	}

	log.Printf("LinuxGPIO: Initialized (%s)", g.basePath)
	return nil
}

// Close unexports all pins. Output pins are written low first so nothing is
// left energized when the kernel releases them.
func (g *LinuxGPIO) Close() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	for pin, direction := range g.exportedPins {
		if direction == "out" {
			if err := g.writeValue(pin, false); err != nil {
				log.Printf("LinuxGPIO: failed to drive pin %d low: %v", pin, err)
			}
		}
		if err := g.unexportPin(pin); err != nil {
			log.Printf("LinuxGPIO: %v", err)
		}
		delete(g.exportedPins, pin)
	}

	log.Printf("LinuxGPIO: Closed")
	return nil
}

// SetPin sets a GPIO pin value
func (g *LinuxGPIO) SetPin(pin int, value bool) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if err := g.ensureExported(pin, "out"); err != nil {
		return err
	}
	return g.writeValue(pin, value)
}

// GetPin gets a GPIO pin value
func (g *LinuxGPIO) GetPin(pin int) (bool, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	// Pins already driven as outputs are read back without changing direction
	if _, ok := g.exportedPins[pin]; !ok {
		if err := g.ensureExported(pin, "in"); err != nil {
			return false, err
		}
	}

	data, err := os.ReadFile(g.pinPath(pin, "value"))
	if err != nil {
		return false, fmt.Errorf("failed to read pin %d value: %w", pin, err)
	}

	return strings.TrimSpace(string(data)) == "1", nil
}

func (g *LinuxGPIO) ensureExported(pin int, direction string) error {
	if current, ok := g.exportedPins[pin]; ok && current == direction {
		return nil
	}

	if err := g.exportPin(pin); err != nil {
		return fmt.Errorf("failed to export pin %d: %w", pin, err)
	}
	if err := g.setPinDirection(pin, direction); err != nil {
		return fmt.Errorf("failed to set pin %d direction: %w", pin, err)
	}

	g.exportedPins[pin] = direction
	return nil
}

func (g *LinuxGPIO) writeValue(pin int, value bool) error {
	valueStr := "0"
	if value {
		valueStr = "1"
	}

	if err := os.WriteFile(g.pinPath(pin, "value"), []byte(valueStr), 0644); err != nil {
		return fmt.Errorf("failed to set pin %d value: %w", pin, err)
	}
	return nil
}

func (g *LinuxGPIO) pinPath(pin int, attr string) string {
	return filepath.Join(g.basePath, fmt.Sprintf("gpio%d", pin), attr)
}

// exportPin exports a GPIO pin to userspace
func (g *LinuxGPIO) exportPin(pin int) error {
	pinDir := filepath.Join(g.basePath, fmt.Sprintf("gpio%d", pin))
	if _, err := os.Stat(pinDir); err == nil {
		return nil // Already exported
	}

	exportPath := filepath.Join(g.basePath, "export")
	if err := os.WriteFile(exportPath, []byte(strconv.Itoa(pin)), 0644); err != nil {
		return fmt.Errorf("failed to export GPIO pin %d: %w", pin, err)
	}

	// The kernel creates the pin directory asynchronously
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(pinDir); err == nil {
			log.Printf("LinuxGPIO: Exported pin %d", pin)
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}

	return fmt.Errorf("pin %d directory did not appear after export", pin)
}

// unexportPin unexports a GPIO pin from userspace
func (g *LinuxGPIO) unexportPin(pin int) error {
	unexportPath := filepath.Join(g.basePath, "unexport")
	if err := os.WriteFile(unexportPath, []byte(strconv.Itoa(pin)), 0644); err != nil {
		return fmt.Errorf("failed to unexport GPIO pin %d: %w", pin, err)
	}
	return nil
}

// setPinDirection sets the direction of a GPIO pin
func (g *LinuxGPIO) setPinDirection(pin int, direction string) error {
	if err := os.WriteFile(g.pinPath(pin, "direction"), []byte(direction), 0644); err != nil {
		return fmt.Errorf("failed to set pin %d direction to %s: %w", pin, direction, err)
	}
	return nil
}
