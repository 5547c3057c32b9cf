package diagnostics

import (
	"runtime"
	"sync"

	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats are host resource measurements
type HostStats struct {
	CPUCores      int     `json:"cpu_cores"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Load1         float64 `json:"load_1min"`
	Goroutines    int     `json:"goroutines"`
}

// HostSampler reads CPU, memory and load through gopsutil
type HostSampler struct {
	mu    sync.Mutex
	last  HostStats
	cores int

	cpuPercent func() ([]float64, error)
	memPercent func() (float64, error)
	loadAvg    func() (float64, error)

	warned bool
}

// NewHostSampler creates a sampler and counts CPU cores once
func NewHostSampler() *HostSampler {
	cores := 0
	if info, err := cpu.Info(); err == nil {
		for _, c := range info {
			cores += int(c.Cores)
		}
	}
	if cores == 0 {
		cores = runtime.NumCPU()
	}

	return &HostSampler{
		cores: cores,
		cpuPercent: func() ([]float64, error) {
			// Zero interval compares against the previous call and never sleeps
			return cpu.Percent(0, false)
		},
		memPercent: func() (float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
		loadAvg: func() (float64, error) {
			avg, err := load.Avg()
			if err != nil {
				return 0, err
			}
			return avg.Load1, nil
		},
	}
}

// Sample takes a new measurement. Readings that fail keep their last value.
func (h *HostSampler) Sample() HostStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := h.last
	stats.CPUCores = h.cores
	stats.Goroutines = runtime.NumGoroutine()

	var failed error
	if pct, err := h.cpuPercent(); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else if err != nil {
		failed = err
	}
	if pct, err := h.memPercent(); err == nil {
		stats.MemoryPercent = pct
	} else {
		failed = err
	}
	if l, err := h.loadAvg(); err == nil {
		stats.Load1 = l
	} else {
		failed = err
	}

	if failed != nil && !h.warned {
		h.warned = true
		logging.Warn("diagnostics", "Host statistics unavailable", logging.Fields{"error": failed.Error()})
	}

	h.last = stats
	return stats
}

// Last returns the previous measurement without sampling
func (h *HostSampler) Last() HostStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
