package samples

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockPool(t *testing.T) {
	pool := NewBlockPool()

	t.Run("Sizes", func(t *testing.T) {
		for _, pairs := range []int{1, 256, 512, 1024, 4096, 8192, 10000} {
			b := pool.Get(pairs)
			assert.Equal(t, pairs, b.Pairs())
			assert.Len(t, b.Data, 2*pairs)
			b.Release()
		}
	})

	t.Run("Recycled Blocks Are Zeroed", func(t *testing.T) {
		b := pool.Get(256)
		for i := range b.Data {
			b.Data[i] = int16(i + 1)
		}
		b.Seq = 42
		b.Release()

		again := pool.Get(256)
		assert.Equal(t, uint64(0), again.Seq)
		for i, v := range again.Data {
			if v != 0 {
				t.Fatalf("sample %d = %d after recycle", i, v)
			}
		}
		again.Release()
	})

	t.Run("Concurrent Use", func(t *testing.T) {
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					b := pool.Get(512)
					b.Data[0] = 1
					b.Release()
				}
			}()
		}
		wg.Wait()
		assert.GreaterOrEqual(t, pool.Stats().Gets, int64(1600))
	})

	t.Run("Direct Allocation Counted", func(t *testing.T) {
		before := pool.Stats().Direct
		pool.Get(largePairs + 1).Release()
		assert.Equal(t, before+1, pool.Stats().Direct)
	})
}

func newBlock(pool *BlockPool, seq uint64) *Block {
	b := pool.Get(4)
	b.Seq = seq
	return b
}

func TestBlockQueueOrderAndOverflow(t *testing.T) {
	pool := NewBlockPool()
	q := NewBlockQueue("rx", 3)

	for seq := uint64(1); seq <= 3; seq++ {
		assert.False(t, q.Push(newBlock(pool, seq)))
	}
	assert.Equal(t, 3, q.Len())

	// Full: the oldest block goes
	assert.True(t, q.Push(newBlock(pool, 4)))
	assert.True(t, q.Push(newBlock(pool, 5)))
	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, uint64(5), q.Pushed())

	var got []uint64
	for {
		b, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, b.Seq)
		b.Release()
	}
	assert.Equal(t, []uint64{3, 4, 5}, got)
	assert.Equal(t, 0, q.Len())
}

func TestBlockQueueReadySignal(t *testing.T) {
	pool := NewBlockPool()
	q := NewBlockQueue("rx", 4)

	select {
	case <-q.Ready():
		t.Fatal("ready before any push")
	default:
	}

	q.Push(newBlock(pool, 1))
	q.Push(newBlock(pool, 2))

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal")
	}
	assert.Equal(t, 2, q.Drain())
}

func TestBlockQueueDropLogRateLimited(t *testing.T) {
	pool := NewBlockPool()
	q := NewBlockQueue("rx", 1)
	clock := time.Unix(1700000000, 0)
	q.now = func() time.Time { return clock }

	q.Push(newBlock(pool, 1))
	for seq := uint64(2); seq <= 10; seq++ {
		q.Push(newBlock(pool, seq))
	}
	assert.Equal(t, uint64(9), q.Dropped())
	assert.Equal(t, uint64(1), q.droppedLogged, "first overflow logs immediately")

	q.Push(newBlock(pool, 11))
	assert.Equal(t, uint64(1), q.droppedLogged, "suppressed inside the interval")

	clock = clock.Add(DefaultDropLogInterval)
	q.Push(newBlock(pool, 12))
	assert.Equal(t, uint64(11), q.droppedLogged)
}

func TestToneSource(t *testing.T) {
	src := NewToneSource(ToneConfig{SampleRate: 48000, ToneHz: 1500, Amplitude: 0.5})
	require.NoError(t, src.Initialize())
	pool := NewBlockPool()

	t.Run("Sequence Numbers Increase", func(t *testing.T) {
		var last uint64
		for i := 0; i < 5; i++ {
			b := pool.Get(256)
			require.NoError(t, src.ReadBlock(context.Background(), b))
			assert.Equal(t, last+1, b.Seq)
			assert.False(t, b.Timestamp.IsZero())
			last = b.Seq
			b.Release()
		}
	})

	t.Run("Amplitude", func(t *testing.T) {
		b := pool.Get(256)
		require.NoError(t, src.ReadBlock(context.Background(), b))
		for i := 0; i < b.Pairs(); i++ {
			iv, qv := float64(b.Data[2*i]), float64(b.Data[2*i+1])
			assert.InDelta(t, 16383.5, math.Hypot(iv, qv), 1)
		}
		b.Release()
	})

	t.Run("Closed", func(t *testing.T) {
		require.NoError(t, src.Close())
		b := pool.Get(16)
		assert.True(t, errors.Is(src.ReadBlock(context.Background(), b), ErrSourceClosed))
	})
}

func TestToneSourcePacing(t *testing.T) {
	src := NewToneSource(ToneConfig{SampleRate: 1000, ToneHz: 10, Paced: true})
	require.NoError(t, src.Initialize())
	pool := NewBlockPool()

	// 100 pairs at 1 kHz is 100 ms per block; the first block is immediate
	b := pool.Get(100)
	start := time.Now()
	require.NoError(t, src.ReadBlock(context.Background(), b))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := src.ReadBlock(ctx, b)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSpectrumMonitor(t *testing.T) {
	const rate, size = 48000, 1024
	binHz := float32(rate) / size

	testCases := []struct {
		name   string
		toneHz float64
	}{
		{"Positive Offset", 1500},
		{"Negative Offset", -3000},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src := NewToneSource(ToneConfig{SampleRate: rate, ToneHz: tc.toneHz, Amplitude: 0.5})
			require.NoError(t, src.Initialize())
			mon := NewSpectrumMonitor(rate, size)
			pool := NewBlockPool()

			for i := 0; i < 4; i++ {
				b := pool.Get(512)
				require.NoError(t, src.ReadBlock(context.Background(), b))
				mon.ProcessBlock(b)
				b.Release()
			}

			spec := mon.Spectrum()
			assert.Len(t, spec.Bins, size)
			assert.InDelta(t, tc.toneHz, spec.PeakHz, float64(binHz))
			assert.InDelta(t, -6.0, spec.PeakdB, 1.0)

			levels := mon.Levels()
			assert.InDelta(t, -6.0, levels.RMSdBFS, 0.5)
			assert.False(t, levels.Clipping)
			assert.Equal(t, uint64(4), mon.Stats().Blocks)
			assert.Equal(t, uint64(0), mon.Stats().SequenceGaps)
		})
	}

	t.Run("Silence And Gaps", func(t *testing.T) {
		mon := NewSpectrumMonitor(rate, size)
		pool := NewBlockPool()

		b := pool.Get(64)
		b.Seq = 1
		mon.ProcessBlock(b)
		assert.Equal(t, float32(FloorDB), mon.Levels().RMSdBFS)

		b.Seq = 5
		mon.ProcessBlock(b)
		assert.Equal(t, uint64(1), mon.Stats().SequenceGaps)
		b.Release()
	})

	t.Run("Clipping", func(t *testing.T) {
		mon := NewSpectrumMonitor(rate, size)
		b := NewBlockPool().Get(8)
		b.Seq = 1
		b.Data[0] = 32767
		mon.ProcessBlock(b)
		assert.True(t, mon.Levels().Clipping)
		assert.Equal(t, uint64(1), mon.Stats().ClipBlocks)
	})
}

func TestFrame(t *testing.T) {
	pool := NewBlockPool()

	t.Run("Round Trip", func(t *testing.T) {
		b := pool.Get(4)
		defer b.Release()
		b.Seq = 77
		b.Timestamp = time.Unix(1700000000, 123456789)
		copy(b.Data, []int16{1, -1, 32767, -32768, 0, 5, -5, 100})

		data := EncodeFrame(b)
		require.Len(t, data, FrameHeaderSize+16)

		f, err := DecodeFrame(data)
		require.NoError(t, err)
		assert.Equal(t, uint64(77), f.Seq)
		assert.True(t, f.Timestamp.Equal(b.Timestamp))
		assert.Equal(t, 4, f.Pairs())
		assert.Equal(t, []int16{1, -1, 32767, -32768, 0, 5, -5, 100}, f.Data)
	})

	t.Run("Rejects Malformed", func(t *testing.T) {
		b := pool.Get(2)
		defer b.Release()
		good := EncodeFrame(b)

		_, err := DecodeFrame(good[:10])
		assert.Error(t, err)

		bad := append([]byte(nil), good...)
		bad[0] = 'X'
		_, err = DecodeFrame(bad)
		assert.Error(t, err)

		_, err = DecodeFrame(good[:len(good)-2])
		assert.Error(t, err)
	})
}
