package diagnostics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/dougsko/nexrigd/pkg/protection"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports diagnostics snapshots as Prometheus collectors
type Metrics struct {
	gatherer prometheus.Gatherer

	Frequency      prometheus.Gauge
	Mode           *prometheus.GaugeVec
	ForwardPower   prometheus.Gauge
	ReflectedPower prometheus.Gauge
	SWR            prometheus.Gauge
	Temperature    prometheus.Gauge
	PLLLocked      prometheus.Gauge
	TargetPower    prometheus.Gauge
	Healthy        prometheus.Gauge
	Emergency      prometheus.Gauge

	TaskTicks    *prometheus.CounterVec
	TaskOverruns *prometheus.CounterVec
	SampleDrops  *prometheus.CounterVec
	Faults       *prometheus.CounterVec
	Throttles    prometheus.Counter
	Transitions  prometheus.Counter

	CPUPercent    prometheus.Gauge
	MemoryPercent prometheus.Gauge

	// last totals seen, so monotonic snapshot counters become counter deltas
	mu   sync.Mutex
	seen map[string]uint64
}

// NewMetrics registers collectors against reg, defaulting to the global
// registry when nil
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{gatherer: gatherer, seen: make(map[string]uint64)}

	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&m.Frequency, "nexrig_rf_frequency_hz", "Tuned frequency in Hz."},
		{&m.ForwardPower, "nexrig_rf_forward_power_watts", "Measured forward power."},
		{&m.ReflectedPower, "nexrig_rf_reflected_power_watts", "Measured reflected power."},
		{&m.SWR, "nexrig_rf_swr", "Standing wave ratio, capped at the fault record ceiling."},
		{&m.Temperature, "nexrig_rf_temperature_celsius", "PA temperature."},
		{&m.PLLLocked, "nexrig_rf_pll_locked", "1 when the synthesizer reports lock."},
		{&m.TargetPower, "nexrig_pa_target_power_watts", "PA target power."},
		{&m.Healthy, "nexrig_protection_healthy", "1 when no emergency condition is active."},
		{&m.Emergency, "nexrig_emergency_active", "1 while the emergency flag is set."},
		{&m.CPUPercent, "nexrig_host_cpu_percent", "Host CPU utilisation."},
		{&m.MemoryPercent, "nexrig_host_memory_percent", "Host memory utilisation."},
	}
	for _, g := range gauges {
		gauge, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: g.name, Help: g.help}), g.name)
		if err != nil {
			return nil, err
		}
		*g.dst = gauge
	}

	var err error
	if m.Mode, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexrig_rf_mode",
		Help: "1 for the current operating mode.",
	}, []string{"mode"}), "nexrig_rf_mode"); err != nil {
		return nil, err
	}

	counterVecs := []struct {
		dst    **prometheus.CounterVec
		name   string
		help   string
		labels []string
	}{
		{&m.TaskTicks, "nexrig_task_ticks_total", "Periodic task iterations.", []string{"task"}},
		{&m.TaskOverruns, "nexrig_task_overruns_total", "Task iterations that exceeded their period.", []string{"task"}},
		{&m.SampleDrops, "nexrig_sample_blocks_dropped_total", "Sample blocks dropped on queue overflow.", []string{"direction"}},
		{&m.Faults, "nexrig_faults_total", "Fault records by kind and severity.", []string{"kind", "severity"}},
	}
	for _, c := range counterVecs {
		vec, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{Name: c.name, Help: c.help}, c.labels), c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = vec
	}

	if m.Throttles, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexrig_protection_throttles_total",
		Help: "Throttle actions issued by protection.",
	}), "nexrig_protection_throttles_total"); err != nil {
		return nil, err
	}
	if m.Transitions, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexrig_mode_transitions_total",
		Help: "Completed mode transitions.",
	}), "nexrig_mode_transitions_total"); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler exposes the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordFault counts a fault record. It never blocks.
func (m *Metrics) RecordFault(record protection.FaultRecord) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues(record.Kind.String(), record.Severity.String()).Inc()
}

// Update sets gauges and advances counters from a snapshot
func (m *Metrics) Update(s Snapshot) {
	if m == nil {
		return
	}

	m.Frequency.Set(float64(s.RF.FrequencyHz))
	m.ForwardPower.Set(float64(s.RF.ForwardPowerW))
	m.ReflectedPower.Set(float64(s.RF.ReflectedPowerW))
	swr := float64(s.RF.SWR)
	if s.RF.SWR.IsInf() {
		swr = protection.MaxRecordedSWR
	}
	m.SWR.Set(swr)
	m.Temperature.Set(float64(s.RF.TemperatureC))
	m.PLLLocked.Set(boolGauge(s.RF.PLLLocked))
	m.TargetPower.Set(s.TargetPowerW)
	m.Healthy.Set(boolGauge(s.Protection.Healthy))
	m.Emergency.Set(boolGauge(s.EmergencyActive))
	m.CPUPercent.Set(s.Host.CPUPercent)
	m.MemoryPercent.Set(s.Host.MemoryPercent)

	for _, mode := range []rf.Mode{rf.ModeStandby, rf.ModeRX, rf.ModeTX, rf.ModeCalibrate} {
		m.Mode.WithLabelValues(mode.String()).Set(boolGauge(mode == s.RF.Mode))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range s.Tasks {
		m.TaskTicks.WithLabelValues(t.Name).Add(m.delta("ticks/"+t.Name, t.Ticks))
		m.TaskOverruns.WithLabelValues(t.Name).Add(m.delta("overruns/"+t.Name, t.Overruns))
	}
	m.SampleDrops.WithLabelValues("rx").Add(m.delta("drops/rx", s.Samples.RxDropped))
	m.SampleDrops.WithLabelValues("tx").Add(m.delta("drops/tx", s.Samples.TxDropped))
	m.Throttles.Add(m.delta("throttles", s.Protection.Throttles))
	m.Transitions.Add(m.delta("transitions", s.StateMachine.Completed))
}

// delta returns how far total moved since the last call. Caller holds mu.
func (m *Metrics) delta(key string, total uint64) float64 {
	prev := m.seen[key]
	m.seen[key] = total
	if total < prev {
		return 0
	}
	return float64(total - prev)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
