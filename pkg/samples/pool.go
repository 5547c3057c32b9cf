package samples

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/nexrigd/pkg/logging"
)

// Block is a fixed-size run of interleaved I/Q int16 samples
type Block struct {
	Seq       uint64
	Timestamp time.Time
	// Data holds I0, Q0, I1, Q1, ...
	Data []int16
	pool *BlockPool
}

// Pairs returns the number of I/Q pairs in the block
func (b *Block) Pairs() int {
	return len(b.Data) / 2
}

// Reset zeroes the samples so a recycled block never leaks old data
func (b *Block) Reset() {
	for i := range b.Data {
		b.Data[i] = 0
	}
	b.Seq = 0
	b.Timestamp = time.Time{}
}

// Release returns the block to its pool
func (b *Block) Release() {
	if b != nil && b.pool != nil {
		b.pool.Put(b)
	}
}

// Size classes in I/Q pairs
const (
	smallPairs  = 512
	mediumPairs = 2048
	largePairs  = 8192
)

// BlockPool recycles blocks in three size classes
type BlockPool struct {
	small  *sync.Pool
	medium *sync.Pool
	large  *sync.Pool

	hits   atomic.Int64
	misses atomic.Int64
	direct atomic.Int64
}

func (p *BlockPool) newClass(pairs int) *sync.Pool {
	return &sync.Pool{
		New: func() interface{} {
			p.misses.Add(1)
			return &Block{Data: make([]int16, 2*pairs), pool: p}
		},
	}
}

// NewBlockPool creates an empty pool
func NewBlockPool() *BlockPool {
	p := &BlockPool{}
	p.small = p.newClass(smallPairs)
	p.medium = p.newClass(mediumPairs)
	p.large = p.newClass(largePairs)
	return p
}

// Get returns a zeroed block holding pairs I/Q pairs
func (p *BlockPool) Get(pairs int) *Block {
	if pairs <= 0 {
		pairs = 1
	}
	if pairs > largePairs {
		p.direct.Add(1)
		return &Block{Data: make([]int16, 2*pairs), pool: p}
	}

	var b *Block
	switch {
	case pairs <= smallPairs:
		b = p.small.Get().(*Block)
	case pairs <= mediumPairs:
		b = p.medium.Get().(*Block)
	default:
		b = p.large.Get().(*Block)
	}
	p.hits.Add(1)

	b.Data = b.Data[:2*pairs]
	return b
}

// Put recycles b. Oversized blocks are left to the garbage collector.
func (p *BlockPool) Put(b *Block) {
	if b == nil || b.Data == nil {
		return
	}
	b.Data = b.Data[:cap(b.Data)]
	b.Reset()

	switch pairs := cap(b.Data) / 2; {
	case pairs <= smallPairs:
		p.small.Put(b)
	case pairs <= mediumPairs:
		p.medium.Put(b)
	case pairs <= largePairs:
		p.large.Put(b)
	}
}

// PoolStats are allocation counters
type PoolStats struct {
	Gets   int64 `json:"gets"`
	Allocs int64 `json:"allocs"`
	Direct int64 `json:"direct"`
}

// Stats returns allocation counters. Allocs counts pool misses.
func (p *BlockPool) Stats() PoolStats {
	return PoolStats{
		Gets:   p.hits.Load() + p.direct.Load(),
		Allocs: p.misses.Load(),
		Direct: p.direct.Load(),
	}
}

// LogStats writes a one-line summary of pool reuse
func (p *BlockPool) LogStats() {
	s := p.Stats()
	if s.Gets == 0 {
		return
	}
	reuse := 100 * float64(s.Gets-s.Allocs-s.Direct) / float64(s.Gets)
	logging.Debug("samples", "Block pool stats", logging.Fields{
		"gets":      s.Gets,
		"allocs":    s.Allocs,
		"direct":    s.Direct,
		"reuse_pct": reuse,
	})
}
