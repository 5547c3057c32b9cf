package diagnostics

import (
	"github.com/dougsko/nexrigd/pkg/logging"
)

// Reporter writes the periodic status line and temperature warnings
type Reporter struct {
	tempWarnC float64
	logEvery  int

	ticks   int
	warning bool
}

// NewReporter logs status every logEvery calls and warns when the PA
// temperature exceeds tempWarnC
func NewReporter(tempWarnC float64, logEvery int) *Reporter {
	if logEvery <= 0 {
		logEvery = 100
	}
	return &Reporter{tempWarnC: tempWarnC, logEvery: logEvery}
}

// Observe processes one snapshot. It returns true when it logged a status line.
func (r *Reporter) Observe(s Snapshot) bool {
	temp := float64(s.RF.TemperatureC)
	switch {
	case r.tempWarnC > 0 && temp > r.tempWarnC && !r.warning:
		r.warning = true
		logging.Warn("diagnostics", "PA temperature high", logging.Fields{
			"temperature_c": temp,
			"warn_c":        r.tempWarnC,
		})
	case r.warning && temp <= r.tempWarnC:
		r.warning = false
		logging.Info("diagnostics", "PA temperature back to normal", logging.Fields{"temperature_c": temp})
	}

	r.ticks++
	if r.ticks%r.logEvery != 0 {
		return false
	}

	fields := logging.Fields{
		"mode":          s.RF.Mode.String(),
		"band":          s.RF.Band.String(),
		"frequency_hz":  s.RF.FrequencyHz,
		"forward_w":     s.RF.ForwardPowerW,
		"swr":           s.RF.SWR,
		"temperature_c": temp,
		"cpu_pct":       s.Host.CPUPercent,
		"mem_pct":       s.Host.MemoryPercent,
		"rx_dropped":    s.Samples.RxDropped,
		"healthy":       s.Protection.Healthy,
	}
	if rfTask, ok := s.Task("rf_control"); ok {
		fields["rf_overruns"] = rfTask.Overruns
	}
	logging.Info("diagnostics", "Status", fields)
	return true
}

// TemperatureWarning reports whether the high temperature warning is active
func (r *Reporter) TemperatureWarning() bool {
	return r.warning
}
