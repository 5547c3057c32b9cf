package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/dougsko/nexrigd/pkg/protection"
)

// FaultRecorder persists fault records off the control path. RecordFault
// never blocks; records arriving while the buffer is full are counted and
// dropped from the persistent log only (protection keeps its own history).
type FaultRecorder struct {
	store   *Store
	records chan protection.FaultRecord

	dropped atomic.Uint64
	written atomic.Uint64

	done chan struct{}
	once sync.Once
}

// NewFaultRecorder creates a recorder buffering up to depth records
func NewFaultRecorder(store *Store, depth int) *FaultRecorder {
	if depth <= 0 {
		depth = 64
	}
	return &FaultRecorder{
		store:   store,
		records: make(chan protection.FaultRecord, depth),
		done:    make(chan struct{}),
	}
}

// RecordFault queues record for persistence
func (r *FaultRecorder) RecordFault(record protection.FaultRecord) {
	select {
	case r.records <- record:
	default:
		r.dropped.Add(1)
	}
}

// Run writes queued records until ctx ends, then flushes what is buffered
func (r *FaultRecorder) Run(ctx context.Context) {
	defer r.once.Do(func() { close(r.done) })

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case record := <-r.records:
					r.write(record)
				default:
					return
				}
			}
		case record := <-r.records:
			r.write(record)
		}
	}
}

// Done is closed when Run has returned
func (r *FaultRecorder) Done() <-chan struct{} {
	return r.done
}

func (r *FaultRecorder) write(record protection.FaultRecord) {
	if err := r.store.StoreFault(record); err != nil {
		logging.Error("storage", "Failed to persist fault", logging.Fields{
			"id":    record.ID,
			"kind":  record.Kind.String(),
			"error": err.Error(),
		})
		return
	}
	r.written.Add(1)
}

// Dropped returns the number of records that did not fit in the buffer
func (r *FaultRecorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written returns the number of records persisted
func (r *FaultRecorder) Written() uint64 {
	return r.written.Load()
}
