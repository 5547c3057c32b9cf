package samples

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/nexrigd/pkg/logging"
)

// DefaultDropLogInterval limits overflow warnings
const DefaultDropLogInterval = 5 * time.Second

// BlockQueue is a bounded FIFO of blocks. When full it drops the oldest
// block, so producers never wait and consumers always see the newest data
// in order.
type BlockQueue struct {
	name string

	mu    sync.Mutex
	ring  []*Block
	head  int
	count int

	ready chan struct{}

	pushed  atomic.Uint64
	dropped atomic.Uint64

	logInterval   time.Duration
	lastDropLog   time.Time
	droppedLogged uint64
	now           func() time.Time
}

// NewBlockQueue creates a queue holding at most depth blocks
func NewBlockQueue(name string, depth int) *BlockQueue {
	if depth <= 0 {
		depth = 1
	}
	return &BlockQueue{
		name:        name,
		ring:        make([]*Block, depth),
		ready:       make(chan struct{}, 1),
		logInterval: DefaultDropLogInterval,
		now:         time.Now,
	}
}

// Push appends b, releasing the oldest block if the queue is full. It
// reports whether a block was dropped.
func (q *BlockQueue) Push(b *Block) bool {
	var evicted *Block

	q.mu.Lock()
	depth := len(q.ring)
	if q.count == depth {
		evicted = q.ring[q.head]
		q.ring[q.head] = nil
		q.head = (q.head + 1) % depth
		q.count--
	}
	q.ring[(q.head+q.count)%depth] = b
	q.count++
	q.pushed.Add(1)

	logDrop := false
	var sinceLast uint64
	if evicted != nil {
		total := q.dropped.Add(1)
		now := q.now()
		if now.Sub(q.lastDropLog) >= q.logInterval {
			logDrop = true
			sinceLast = total - q.droppedLogged
			q.lastDropLog = now
			q.droppedLogged = total
		}
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}

	if evicted == nil {
		return false
	}
	if logDrop {
		logging.Warn("samples", "Queue overflow, dropping oldest blocks", logging.Fields{
			"queue":   q.name,
			"dropped": sinceLast,
			"seq":     evicted.Seq,
		})
	}
	evicted.Release()
	return true
}

// Pop removes the oldest block
func (q *BlockQueue) Pop() (*Block, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil, false
	}
	b := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return b, true
}

// Drain releases every queued block and returns how many there were
func (q *BlockQueue) Drain() int {
	n := 0
	for {
		b, ok := q.Pop()
		if !ok {
			return n
		}
		b.Release()
		n++
	}
}

// Ready is signalled after a push. One signal may cover several blocks.
func (q *BlockQueue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued blocks
func (q *BlockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue depth
func (q *BlockQueue) Cap() int {
	return len(q.ring)
}

// Dropped returns the number of blocks evicted by overflow
func (q *BlockQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Pushed returns the number of blocks ever pushed
func (q *BlockQueue) Pushed() uint64 {
	return q.pushed.Load()
}
