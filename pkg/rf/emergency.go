package rf

import (
	"sync/atomic"
	"time"
)

// EmergencyFlag is the process-wide interlock observed by every task on each
// tick. It is asserted once per incident and cleared only through a validated
// protection reset.
type EmergencyFlag struct {
	set        atomic.Bool
	incidents  atomic.Uint64
	assertedAt atomic.Int64 // unix nanoseconds
	reason     atomic.Value // string
	notify     chan struct{}
}

// NewEmergencyFlag creates a clear flag
func NewEmergencyFlag() *EmergencyFlag {
	f := &EmergencyFlag{notify: make(chan struct{}, 1)}
	f.reason.Store("")
	return f
}

// Assert sets the flag. It returns true only on the clear to set edge, which
// starts a new incident.
func (f *EmergencyFlag) Assert(reason string) bool {
	if !f.set.CompareAndSwap(false, true) {
		return false
	}
	f.incidents.Add(1)
	f.assertedAt.Store(time.Now().UnixNano())
	f.reason.Store(reason)

	select {
	case f.notify <- struct{}{}:
	default:
	}
	return true
}

// IsSet reports whether an incident is active
func (f *EmergencyFlag) IsSet() bool {
	return f.set.Load()
}

// Clear ends the incident. It returns false if the flag was not set.
func (f *EmergencyFlag) Clear() bool {
	return f.set.CompareAndSwap(true, false)
}

// Incidents counts clear to set edges since startup
func (f *EmergencyFlag) Incidents() uint64 {
	return f.incidents.Load()
}

// AssertedAt returns when the current or last incident began
func (f *EmergencyFlag) AssertedAt() time.Time {
	ns := f.assertedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reason returns the reason given for the current or last incident
func (f *EmergencyFlag) Reason() string {
	return f.reason.Load().(string)
}

// Notify returns a channel that receives after each new incident
func (f *EmergencyFlag) Notify() <-chan struct{} {
	return f.notify
}
