package protection

import (
	"math"
	"time"

	"github.com/dougsko/nexrigd/pkg/rf"
)

// Limits are the thresholds protection evaluates every control cycle
type Limits struct {
	MaxPowerW            float64 `json:"max_power_w"`
	MaxTempC             float64 `json:"max_temp_c"`
	MaxSWR               float64 `json:"max_swr"`
	MaxReflectedFraction float64 `json:"max_reflected_fraction"`

	// WarningMargin is the fraction of a limit at which a warning is recorded
	WarningMargin float64 `json:"warning_margin"`
	// ThrottleFactor scales target power down on each throttle
	ThrottleFactor    float64 `json:"throttle_factor"`
	ThrottleHoldoffMs int     `json:"throttle_holdoff_ms"`
}

// DefaultLimits returns limits for a 100 W transceiver
func DefaultLimits() Limits {
	return Limits{
		MaxPowerW:            100,
		MaxTempC:             85,
		MaxSWR:               3.0,
		MaxReflectedFraction: 0.25,
		WarningMargin:        0.9,
		ThrottleFactor:       0.8,
		ThrottleHoldoffMs:    100,
	}
}

// ThrottleHoldoff returns the minimum spacing between throttle actions
func (l Limits) ThrottleHoldoff() time.Duration {
	return time.Duration(l.ThrottleHoldoffMs) * time.Millisecond
}

// Validate rejects limits protection cannot enforce
func (l Limits) Validate() error {
	const op = "SetLimits"

	for name, v := range map[string]float64{
		"max_power_w":            l.MaxPowerW,
		"max_temp_c":             l.MaxTempC,
		"max_swr":                l.MaxSWR,
		"max_reflected_fraction": l.MaxReflectedFraction,
		"warning_margin":         l.WarningMargin,
		"throttle_factor":        l.ThrottleFactor,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return rf.NewError(rf.KindConfiguration, op, "%s must be a finite number", name)
		}
	}

	switch {
	case l.MaxPowerW <= 0:
		return rf.NewError(rf.KindConfiguration, op, "max_power_w must be positive")
	case l.MaxTempC <= 0:
		return rf.NewError(rf.KindConfiguration, op, "max_temp_c must be positive")
	case l.MaxSWR <= 1:
		return rf.NewError(rf.KindConfiguration, op, "max_swr must be greater than 1")
	case l.MaxReflectedFraction <= 0 || l.MaxReflectedFraction >= 1:
		return rf.NewError(rf.KindConfiguration, op, "max_reflected_fraction must be between 0 and 1")
	case l.WarningMargin <= 0 || l.WarningMargin >= 1:
		return rf.NewError(rf.KindConfiguration, op, "warning_margin must be between 0 and 1")
	case l.ThrottleFactor <= 0 || l.ThrottleFactor >= 1:
		return rf.NewError(rf.KindConfiguration, op, "throttle_factor must be between 0 and 1")
	case l.ThrottleHoldoffMs < 0:
		return rf.NewError(rf.KindConfiguration, op, "throttle_holdoff_ms must not be negative")
	}
	return nil
}
