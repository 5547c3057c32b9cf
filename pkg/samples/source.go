package samples

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/dougsko/nexrigd/pkg/logging"
)

// ErrSourceClosed is returned by ReadBlock after Close
var ErrSourceClosed = errors.New("sample source closed")

// Source produces receive blocks. ReadBlock fills b and may block until the
// next block is due.
type Source interface {
	Name() string
	Initialize() error
	SampleRate() int
	ReadBlock(ctx context.Context, b *Block) error
	Close() error
}

// Sink consumes transmit blocks
type Sink interface {
	WriteBlock(b *Block) error
}

// ToneConfig configures a synthetic source
type ToneConfig struct {
	SampleRate int
	ToneHz     float64
	// Amplitude is the tone level relative to full scale
	Amplitude float64
	// NoiseLevel is the noise level relative to full scale
	NoiseLevel float64
	// Paced makes ReadBlock wait for real time to cover each block
	Paced bool
}

// ToneSource generates a complex tone with optional noise, standing in for
// the ADC when no converter is attached
type ToneSource struct {
	config ToneConfig

	mu     sync.Mutex
	phase  float64
	seq    uint64
	next   time.Time
	rng    uint64
	closed bool
}

// NewToneSource creates a tone source
func NewToneSource(config ToneConfig) *ToneSource {
	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	if config.Amplitude <= 0 || config.Amplitude > 1 {
		config.Amplitude = 0.5
	}
	return &ToneSource{config: config, rng: 0x9E3779B97F4A7C15}
}

// Name identifies the source as a startup subsystem
func (s *ToneSource) Name() string {
	return "sample source"
}

// Initialize resets the generator
func (s *ToneSource) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = 0
	s.seq = 0
	s.next = time.Time{}
	s.closed = false

	logging.Info("samples", "Tone source initialized", logging.Fields{
		"sample_rate": s.config.SampleRate,
		"tone_hz":     s.config.ToneHz,
		"paced":       s.config.Paced,
	})
	return nil
}

// SampleRate returns the I/Q sample rate in Hz
func (s *ToneSource) SampleRate() int {
	return s.config.SampleRate
}

// SetTone changes the tone offset
func (s *ToneSource) SetTone(hz float64) {
	s.mu.Lock()
	s.config.ToneHz = hz
	s.mu.Unlock()
}

// ReadBlock fills b with the next block and stamps its sequence number
func (s *ToneSource) ReadBlock(ctx context.Context, b *Block) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSourceClosed
	}

	pairs := b.Pairs()
	duration := time.Duration(float64(pairs) / float64(s.config.SampleRate) * float64(time.Second))
	var wait time.Duration
	if s.config.Paced {
		now := time.Now()
		if s.next.IsZero() || now.Sub(s.next) > 4*duration {
			// Started or fell far behind; resynchronize rather than burst
			s.next = now
		}
		wait = s.next.Sub(now)
		s.next = s.next.Add(duration)
	}

	step := 2 * math.Pi * s.config.ToneHz / float64(s.config.SampleRate)
	amp := s.config.Amplitude * 32767
	noise := s.config.NoiseLevel * 32767
	for i := 0; i < pairs; i++ {
		iv := amp * math.Cos(s.phase)
		qv := amp * math.Sin(s.phase)
		if noise > 0 {
			iv += noise * s.uniform()
			qv += noise * s.uniform()
		}
		b.Data[2*i] = clamp16(iv)
		b.Data[2*i+1] = clamp16(qv)
		s.phase = math.Mod(s.phase+step, 2*math.Pi)
	}
	s.seq++
	b.Seq = s.seq
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	b.Timestamp = time.Now()
	return nil
}

// Close stops the source
func (s *ToneSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// uniform returns a value in [-1, 1) from an xorshift generator
func (s *ToneSource) uniform() float64 {
	s.rng ^= s.rng << 13
	s.rng ^= s.rng >> 7
	s.rng ^= s.rng << 17
	return float64(s.rng>>11)/float64(1<<53)*2 - 1
}

func clamp16(v float64) int16 {
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}

// CountingSink accepts transmit blocks and counts them. It stands in for the
// DAC when no converter is attached.
type CountingSink struct {
	mu      sync.Mutex
	blocks  uint64
	pairs   uint64
	lastSeq uint64
}

// WriteBlock records b
func (s *CountingSink) WriteBlock(b *Block) error {
	s.mu.Lock()
	s.blocks++
	s.pairs += uint64(b.Pairs())
	s.lastSeq = b.Seq
	s.mu.Unlock()
	return nil
}

// Counts returns blocks and pairs written and the last sequence number
func (s *CountingSink) Counts() (blocks, pairs, lastSeq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks, s.pairs, s.lastSeq
}
