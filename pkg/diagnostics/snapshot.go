package diagnostics

import (
	"time"

	"github.com/dougsko/nexrigd/pkg/protection"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/dougsko/nexrigd/pkg/samples"
	"github.com/dougsko/nexrigd/pkg/statemachine"
)

// TaskStats are scheduling counters for one periodic task
type TaskStats struct {
	Name       string `json:"name"`
	Priority   string `json:"priority"`
	Ticks      uint64 `json:"ticks"`
	Overruns   uint64 `json:"overruns"`
	MaxLatency string `json:"max_latency"`
}

// SampleStats describe the sample path
type SampleStats struct {
	RxQueued  int                  `json:"rx_queued"`
	RxDropped uint64               `json:"rx_dropped"`
	TxQueued  int                  `json:"tx_queued"`
	TxDropped uint64               `json:"tx_dropped"`
	Levels    samples.Levels       `json:"levels"`
	Monitor   samples.MonitorStats `json:"monitor"`
	Pool      samples.PoolStats    `json:"pool"`
}

// Snapshot is a periodic read-only view of the whole system
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`

	RF           rf.Status          `json:"rf"`
	TargetPowerW float64            `json:"target_power_w"`
	DriveW       float64            `json:"drive_w"`
	Protection   protection.Stats   `json:"protection"`
	Limits       protection.Limits  `json:"limits"`
	StateMachine statemachine.Stats `json:"state_machine"`

	EmergencyActive bool   `json:"emergency_active"`
	EmergencyReason string `json:"emergency_reason,omitempty"`
	Incidents       uint64 `json:"incidents"`

	// LogDropped counts control path log lines lost to a full queue
	LogDropped uint64 `json:"log_dropped"`

	Tasks   []TaskStats `json:"tasks"`
	Samples SampleStats `json:"samples"`
	Host    HostStats   `json:"host"`

	Faults []protection.FaultRecord `json:"faults"`
}

// Task returns the stats for the named task
func (s Snapshot) Task(name string) (TaskStats, bool) {
	for _, t := range s.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskStats{}, false
}
