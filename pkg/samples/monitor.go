package samples

import (
	"math"
	"math/cmplx"
	"sync"
	"time"

	"github.com/mjibson/go-dsp/fft"
)

// FloorDB is reported for silence
const FloorDB = -100.0

// Levels are signal levels of the last block in dB relative to full scale
type Levels struct {
	Timestamp int64   `json:"timestamp"`
	RMSdBFS   float32 `json:"rms_dbfs"`
	PeakdBFS  float32 `json:"peak_dbfs"`
	Clipping  bool    `json:"clipping"`
}

// Spectrum is a centred magnitude spectrum. Bin 0 is -SampleRate/2.
type Spectrum struct {
	Timestamp  int64     `json:"timestamp"`
	SampleRate int       `json:"sample_rate"`
	BinHz      float32   `json:"bin_hz"`
	Bins       []float32 `json:"bins"`
	PeakBin    int       `json:"peak_bin"`
	PeakHz     float32   `json:"peak_hz"`
	PeakdB     float32   `json:"peak_db"`
}

// SpectrumMonitor measures I/Q levels and spectrum for diagnostics
type SpectrumMonitor struct {
	mu sync.RWMutex

	sampleRate int
	fftSize    int

	levels   Levels
	spectrum []float32
	peakBin  int
	specTime time.Time

	buffer []complex128
	window []float64
	work   []complex128

	blocks    uint64
	clipCount uint64
	lastSeq   uint64
	gaps      uint64
}

// NewSpectrumMonitor creates a monitor with an fftSize-point transform
func NewSpectrumMonitor(sampleRate, fftSize int) *SpectrumMonitor {
	if fftSize < 8 {
		fftSize = 8
	}
	return &SpectrumMonitor{
		sampleRate: sampleRate,
		fftSize:    fftSize,
		spectrum:   make([]float32, fftSize),
		window:     makeHannWindow(fftSize),
		work:       make([]complex128, fftSize),
		levels:     Levels{RMSdBFS: FloorDB, PeakdBFS: FloorDB},
	}
}

func makeHannWindow(size int) []float64 {
	w := make([]float64, size)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return w
}

// ProcessBlock updates levels and, once fftSize pairs are buffered, the
// spectrum
func (m *SpectrumMonitor) ProcessBlock(b *Block) {
	pairs := b.Pairs()
	if pairs == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastSeq != 0 && b.Seq != m.lastSeq+1 {
		m.gaps++
	}
	m.lastSeq = b.Seq
	m.blocks++

	var sumSquares, peak float64
	clipping := false
	for i := 0; i < pairs; i++ {
		iv, qv := float64(b.Data[2*i]), float64(b.Data[2*i+1])
		mag2 := iv*iv + qv*qv
		sumSquares += mag2
		if mag2 > peak {
			peak = mag2
		}
		if math.Abs(iv) >= 32000 || math.Abs(qv) >= 32000 {
			clipping = true
		}
		m.buffer = append(m.buffer, complex(iv/32768, qv/32768))
	}
	if clipping {
		m.clipCount++
	}

	m.levels = Levels{
		Timestamp: time.Now().UnixMilli(),
		RMSdBFS:   toDB(math.Sqrt(sumSquares/float64(pairs)) / 32768),
		PeakdBFS:  toDB(math.Sqrt(peak) / 32768),
		Clipping:  clipping,
	}

	if len(m.buffer) >= m.fftSize {
		// Keep only the newest window
		m.buffer = m.buffer[len(m.buffer)-m.fftSize:]
		m.computeSpectrum()
		m.buffer = m.buffer[:0]
	}
}

func (m *SpectrumMonitor) computeSpectrum() {
	for i := 0; i < m.fftSize; i++ {
		m.work[i] = m.buffer[i] * complex(m.window[i], 0)
	}
	out := fft.FFT(m.work)

	// Centre DC: negative frequencies first
	half := m.fftSize / 2
	best := float32(math.Inf(-1))
	for i := 0; i < m.fftSize; i++ {
		src := (i + half) % m.fftSize
		db := toDB(cmplx.Abs(out[src]) / float64(half))
		m.spectrum[i] = db
		if db > best {
			best = db
			m.peakBin = i
		}
	}
	m.specTime = time.Now()
}

func toDB(v float64) float32 {
	if v <= 0 {
		return FloorDB
	}
	db := 20 * math.Log10(v)
	if db < FloorDB {
		return FloorDB
	}
	return float32(db)
}

// Levels returns the levels of the last processed block
func (m *SpectrumMonitor) Levels() Levels {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.levels
}

// Spectrum returns a copy of the latest spectrum
func (m *SpectrumMonitor) Spectrum() Spectrum {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bins := make([]float32, len(m.spectrum))
	copy(bins, m.spectrum)
	binHz := float32(m.sampleRate) / float32(m.fftSize)

	return Spectrum{
		Timestamp:  m.specTime.UnixMilli(),
		SampleRate: m.sampleRate,
		BinHz:      binHz,
		Bins:       bins,
		PeakBin:    m.peakBin,
		PeakHz:     float32(m.peakBin-m.fftSize/2) * binHz,
		PeakdB:     bins[m.peakBin],
	}
}

// MonitorStats are block counters
type MonitorStats struct {
	Blocks       uint64 `json:"blocks"`
	ClipBlocks   uint64 `json:"clip_blocks"`
	SequenceGaps uint64 `json:"sequence_gaps"`
	LastSeq      uint64 `json:"last_seq"`
}

// Stats returns block counters
func (m *SpectrumMonitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitorStats{
		Blocks:       m.blocks,
		ClipBlocks:   m.clipCount,
		SequenceGaps: m.gaps,
		LastSeq:      m.lastSeq,
	}
}
