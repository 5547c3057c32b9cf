package system

import (
	"sync"
	"sync/atomic"

	"github.com/dougsko/nexrigd/pkg/rf"
)

// Subscription delivers values published by the comms task. Slow readers
// lose values instead of holding the publisher up.
type Subscription[T any] struct {
	C <-chan T

	ch      chan T
	dropped atomic.Uint64
	once    sync.Once
	remove  func(*Subscription[T])
}

// Dropped counts values lost because the subscriber was behind
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close ends the subscription and closes C
func (s *Subscription[T]) Close() {
	s.once.Do(func() { s.remove(s) })
}

type subscribers[T any] struct {
	mu   sync.RWMutex
	subs map[*Subscription[T]]struct{}
}

func (l *subscribers[T]) add(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan T, buffer)
	sub := &Subscription[T]{C: ch, ch: ch, remove: l.remove}

	l.mu.Lock()
	if l.subs == nil {
		l.subs = make(map[*Subscription[T]]struct{})
	}
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
	return sub
}

func (l *subscribers[T]) remove(sub *Subscription[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[sub]; ok {
		delete(l.subs, sub)
		close(sub.ch)
	}
}

func (l *subscribers[T]) publish(v T) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for sub := range l.subs {
		select {
		case sub.ch <- v:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (l *subscribers[T]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

func (l *subscribers[T]) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		delete(l.subs, sub)
		close(sub.ch)
	}
}

// SubscribeSamples streams encoded receive frames (see samples.EncodeFrame)
func (s *System) SubscribeSamples(buffer int) *Subscription[[]byte] {
	return s.sampleSubs.add(buffer)
}

// SubscribeStatus streams RF status about ten times a second
func (s *System) SubscribeStatus(buffer int) *Subscription[rf.Status] {
	return s.statusSubs.add(buffer)
}
