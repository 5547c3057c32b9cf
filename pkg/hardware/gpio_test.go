package hardware

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// fakeSysfs lays out a sysfs-like GPIO tree with the given pins pre-exported
func fakeSysfs(t *testing.T, pins ...int) string {
	t.Helper()
	base := t.TempDir()
	for _, name := range []string{"export", "unexport"} {
		if err := os.WriteFile(filepath.Join(base, name), nil, 0644); err != nil {
			t.Fatalf("Failed to create %s: %v", name, err)
		}
	}
	for _, pin := range pins {
		dir := filepath.Join(base, "gpio"+strconv.Itoa(pin))
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create pin dir: %v", err)
		}
		os.WriteFile(filepath.Join(dir, "value"), []byte("0\n"), 0644)
		os.WriteFile(filepath.Join(dir, "direction"), []byte("in\n"), 0644)
	}
	return base
}

func readAttr(t *testing.T, base string, pin int, attr string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(base, "gpio"+strconv.Itoa(pin), attr))
	if err != nil {
		t.Fatalf("Failed to read %s: %v", attr, err)
	}
	return strings.TrimSpace(string(data))
}

func TestLinuxGPIO(t *testing.T) {
	base := fakeSysfs(t, 17, 22)
	gpio := NewLinuxGPIO(base)

	if err := gpio.Initialize(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	t.Run("Set Pin", func(t *testing.T) {
		if err := gpio.SetPin(17, true); err != nil {
			t.Fatalf("Failed to set pin: %v", err)
		}
		if got := readAttr(t, base, 17, "direction"); got != "out" {
			t.Errorf("Expected direction out, got %q", got)
		}
		if got := readAttr(t, base, 17, "value"); got != "1" {
			t.Errorf("Expected value 1, got %q", got)
		}

		value, err := gpio.GetPin(17)
		if err != nil {
			t.Fatalf("Failed to read back pin: %v", err)
		}
		if !value {
			t.Error("Expected pin to read high")
		}
		if got := readAttr(t, base, 17, "direction"); got != "out" {
			t.Errorf("Read back changed direction to %q", got)
		}
	})

	t.Run("Get Input Pin", func(t *testing.T) {
		value, err := gpio.GetPin(22)
		if err != nil {
			t.Fatalf("Failed to read pin: %v", err)
		}
		if value {
			t.Error("Expected pin to read low")
		}
	})

	t.Run("Export Timeout", func(t *testing.T) {
		if err := gpio.SetPin(40, true); err == nil {
			t.Error("Expected error when pin directory never appears")
		}
	})

	t.Run("Close Drives Outputs Low", func(t *testing.T) {
		if err := gpio.Close(); err != nil {
			t.Fatalf("Failed to close: %v", err)
		}
		if got := readAttr(t, base, 17, "value"); got != "0" {
			t.Errorf("Expected value 0 after close, got %q", got)
		}
	})
}

func TestLinuxGPIOUnavailable(t *testing.T) {
	gpio := NewLinuxGPIO(filepath.Join(t.TempDir(), "missing"))
	if err := gpio.Initialize(); err == nil {
		t.Error("Expected error when sysfs GPIO is missing")
	}
}
