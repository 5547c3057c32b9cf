package protection

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FaultKind names the condition that produced a fault record
type FaultKind int

const (
	FaultOverPower FaultKind = iota
	FaultHighSWR
	FaultReflectedPower
	FaultOverTemperature
	FaultEmergencyStop
	faultKindCount
)

var faultKindNames = [faultKindCount]string{
	"over_power",
	"high_swr",
	"reflected_power",
	"over_temperature",
	"emergency_stop",
}

func (k FaultKind) String() string {
	if k < 0 || k >= faultKindCount {
		return fmt.Sprintf("fault(%d)", int(k))
	}
	return faultKindNames[k]
}

// MarshalText encodes the kind by name
func (k FaultKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name
func (k *FaultKind) UnmarshalText(text []byte) error {
	parsed, err := ParseFaultKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseFaultKind parses a kind name
func ParseFaultKind(name string) (FaultKind, error) {
	for i, n := range faultKindNames {
		if n == strings.ToLower(name) {
			return FaultKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown fault kind %q", name)
}

// Severity is the escalation level of a condition
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityThrottle
	SeverityEmergency
)

var severityNames = [...]string{"none", "warning", "throttle", "emergency"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText encodes the severity by name
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses a severity name
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == strings.ToLower(name) {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// MaxRecordedSWR stands in for total reflection in fault records
const MaxRecordedSWR = 999.0

// FaultRecord is an immutable record of a limit excursion
type FaultRecord struct {
	ID            string    `json:"id"`
	Kind          FaultKind `json:"kind"`
	Severity      Severity  `json:"severity"`
	MeasuredValue float64   `json:"measured_value"`
	LimitValue    float64   `json:"limit_value"`
	Detail        string    `json:"detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func newFaultRecord(kind FaultKind, severity Severity, measured, limit float64, detail string, at time.Time) FaultRecord {
	return FaultRecord{
		ID:            uuid.NewString(),
		Kind:          kind,
		Severity:      severity,
		MeasuredValue: measured,
		LimitValue:    limit,
		Detail:        detail,
		Timestamp:     at,
	}
}

// FaultSink receives every fault record. RecordFault must not block.
type FaultSink interface {
	RecordFault(record FaultRecord)
}

// faultHistory keeps the most recent records in arrival order
type faultHistory struct {
	mu      sync.RWMutex
	records []FaultRecord
	size    int
	total   uint64
}

func newFaultHistory(size int) *faultHistory {
	if size <= 0 {
		size = 64
	}
	return &faultHistory{
		records: make([]FaultRecord, 0, size),
		size:    size,
	}
}

func (h *faultHistory) add(record FaultRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) == h.size {
		copy(h.records, h.records[1:])
		h.records = h.records[:h.size-1]
	}
	h.records = append(h.records, record)
	h.total++
}

func (h *faultHistory) snapshot() []FaultRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]FaultRecord, len(h.records))
	copy(out, h.records)
	return out
}

func (h *faultHistory) clear() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.records)
	h.records = h.records[:0]
	return n
}

func (h *faultHistory) count() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}
