package logging

import (
	"sync/atomic"
	"time"
)

// Deferred queues log lines for a later Drain instead of writing them. Code
// on the RF control path logs through it so a slow log file or console can
// never stall a control cycle. Logging never blocks; when the queue is full
// the line is dropped and counted.
type Deferred struct {
	entries chan deferredEntry

	dropped  atomic.Uint64
	reported atomic.Uint64
}

type deferredEntry struct {
	at        time.Time
	level     LogLevel
	component string
	message   string
	fields    Fields
}

// Critical is the queue used by the RF control path. The diagnostics task
// drains it.
var Critical = NewDeferred(1024)

// NewDeferred creates a queue holding up to depth lines
func NewDeferred(depth int) *Deferred {
	if depth <= 0 {
		depth = 256
	}
	return &Deferred{entries: make(chan deferredEntry, depth)}
}

func (d *Deferred) push(level LogLevel, component, message string, fields []Fields) {
	select {
	case d.entries <- deferredEntry{
		at:        time.Now(),
		level:     level,
		component: component,
		message:   message,
		fields:    firstFields(fields),
	}:
	default:
		d.dropped.Add(1)
	}
}

// Debug queues a debug message
func (d *Deferred) Debug(component, message string, fields ...Fields) {
	d.push(LevelDebug, component, message, fields)
}

// Info queues an info message
func (d *Deferred) Info(component, message string, fields ...Fields) {
	d.push(LevelInfo, component, message, fields)
}

// Warn queues a warning message
func (d *Deferred) Warn(component, message string, fields ...Fields) {
	d.push(LevelWarn, component, message, fields)
}

// Error queues an error message
func (d *Deferred) Error(component, message string, fields ...Fields) {
	d.push(LevelError, component, message, fields)
}

// Drain writes every queued line through logger, stamped with the time it
// was queued, and reports new drops. It returns the number of lines written.
func (d *Deferred) Drain(logger *Logger) int {
	n := 0
	for {
		select {
		case e := <-d.entries:
			logger.logAt(e.at, e.level, e.component, e.message, e.fields)
			n++
		default:
			d.reportDrops(logger)
			return n
		}
	}
}

func (d *Deferred) reportDrops(logger *Logger) {
	total := d.dropped.Load()
	last := d.reported.Swap(total)
	if total > last {
		logger.Warn("logging", "Deferred log lines dropped", Fields{
			"dropped": total - last,
			"total":   total,
		})
	}
}

// Pending returns the number of queued lines
func (d *Deferred) Pending() int {
	return len(d.entries)
}

// Dropped returns the number of lines lost to a full queue
func (d *Deferred) Dropped() uint64 {
	return d.dropped.Load()
}
