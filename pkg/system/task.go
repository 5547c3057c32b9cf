package system

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dougsko/nexrigd/pkg/diagnostics"
)

// Priority orders tasks by how much they matter to RF safety. Goroutines
// have no OS priority, so the RF control task gets a locked OS thread and
// nothing on it blocks on the network or disk.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Task names
const (
	TaskRFControl   = "rf_control"
	TaskSamples     = "samples"
	TaskComms       = "comms"
	TaskDiagnostics = "diagnostics"
	TaskWatchdog    = "watchdog"
)

// Task is a periodic activity with scheduling counters
type Task struct {
	Name     string
	Priority Priority
	Period   time.Duration

	ticks      atomic.Uint64
	overruns   atomic.Uint64
	maxLatency atomic.Int64
}

func newTask(name string, priority Priority, period time.Duration) *Task {
	return &Task{Name: name, Priority: priority, Period: period}
}

// observe records one pass that took elapsed
func (t *Task) observe(elapsed time.Duration) {
	t.ticks.Add(1)
	if t.Period > 0 && elapsed > t.Period {
		t.overruns.Add(1)
	}
	for {
		cur := t.maxLatency.Load()
		if int64(elapsed) <= cur || t.maxLatency.CompareAndSwap(cur, int64(elapsed)) {
			return
		}
	}
}

// Ticks counts completed passes
func (t *Task) Ticks() uint64 {
	return t.ticks.Load()
}

// Overruns counts passes that took longer than the period
func (t *Task) Overruns() uint64 {
	return t.overruns.Load()
}

// Stats returns the task's counters
func (t *Task) Stats() diagnostics.TaskStats {
	return diagnostics.TaskStats{
		Name:       t.Name,
		Priority:   t.Priority.String(),
		Ticks:      t.ticks.Load(),
		Overruns:   t.overruns.Load(),
		MaxLatency: time.Duration(t.maxLatency.Load()).String(),
	}
}

// runPeriodic calls fn once per period until ctx ends. A pass that runs long
// is counted as an overrun; missed ticks are skipped, not queued.
func runPeriodic(ctx context.Context, t *Task, fn func()) {
	ticker := time.NewTicker(t.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			fn()
			t.observe(time.Since(start))
		}
	}
}
