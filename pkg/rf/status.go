package rf

import (
	"encoding/json"
	"math"
	"runtime"
	"sync/atomic"
	"time"
)

// snapshotRetries bounds how often Snapshot re-reads a (band, frequency) pair
// that raced with a writer
const snapshotRetries = 8

// HardwareStatus is the shared view of the front end. Every field is an
// independent atomic so reads never block. Band and frequency are written
// together under a sequence counter, letting Snapshot return a pair from a
// single write.
type HardwareStatus struct {
	seq       atomic.Uint64
	frequency atomic.Uint32
	band      atomic.Int32
	mode      atomic.Int32
	antenna   atomic.Int32
	pllLocked atomic.Bool

	forwardBits     atomic.Uint32
	reflectedBits   atomic.Uint32
	temperatureBits atomic.Uint32

	epoch      time.Time
	lastUpdate atomic.Int64 // nanoseconds since epoch
}

// NewHardwareStatus creates the status in Standby on band at frequency
func NewHardwareStatus(band Band, frequency uint32, antenna Antenna) *HardwareStatus {
	s := &HardwareStatus{epoch: time.Now()}
	s.band.Store(int32(band))
	s.frequency.Store(frequency)
	s.mode.Store(int32(ModeStandby))
	s.antenna.Store(int32(antenna))
	s.storeFloat(&s.temperatureBits, 25)
	return s
}

// Status is a best-effort copy of HardwareStatus. Fields are loaded one at a
// time; only Band and FrequencyHz are guaranteed to come from the same write,
// and only when Coherent is true.
type Status struct {
	FrequencyHz     uint32    `json:"frequency_hz"`
	Band            Band      `json:"band"`
	Mode            Mode      `json:"mode"`
	Antenna         Antenna   `json:"antenna"`
	PLLLocked       bool      `json:"pll_locked"`
	ForwardPowerW   float32   `json:"forward_power_w"`
	ReflectedPowerW float32   `json:"reflected_power_w"`
	TemperatureC    float32   `json:"temperature_c"`
	SWR             SWR       `json:"swr"`
	LastUpdate      time.Time `json:"last_update"`
	Coherent        bool      `json:"coherent"`
}

// Snapshot assembles a Status
func (s *HardwareStatus) Snapshot() Status {
	band, freq, coherent := s.BandAndFrequency()
	fwd := s.ForwardPower()
	refl := s.ReflectedPower()
	return Status{
		FrequencyHz:     freq,
		Band:            band,
		Mode:            s.Mode(),
		Antenna:         s.Antenna(),
		PLLLocked:       s.pllLocked.Load(),
		ForwardPowerW:   fwd,
		ReflectedPowerW: refl,
		TemperatureC:    s.Temperature(),
		SWR:             ComputeSWR(fwd, refl),
		LastUpdate:      s.LastUpdate(),
		Coherent:        coherent,
	}
}

// BandAndFrequency reads the pair published by one write. It gives up after
// snapshotRetries attempts and reports false with the last values read.
func (s *HardwareStatus) BandAndFrequency() (Band, uint32, bool) {
	var band Band
	var freq uint32
	for i := 0; i < snapshotRetries; i++ {
		before := s.seq.Load()
		band = Band(s.band.Load())
		freq = s.frequency.Load()
		if before&1 == 0 && s.seq.Load() == before {
			return band, freq, true
		}
		runtime.Gosched()
	}
	return band, freq, false
}

// Frequency returns the current frequency in Hz
func (s *HardwareStatus) Frequency() uint32 { return s.frequency.Load() }

// Band returns the current band
func (s *HardwareStatus) Band() Band { return Band(s.band.Load()) }

// Mode returns the current mode
func (s *HardwareStatus) Mode() Mode { return Mode(s.mode.Load()) }

// Antenna returns the current antenna port
func (s *HardwareStatus) Antenna() Antenna { return Antenna(s.antenna.Load()) }

// PLLLocked returns the last observed PLL lock state
func (s *HardwareStatus) PLLLocked() bool { return s.pllLocked.Load() }

// ForwardPower returns forward power in watts
func (s *HardwareStatus) ForwardPower() float32 { return s.loadFloat(&s.forwardBits) }

// ReflectedPower returns reflected power in watts
func (s *HardwareStatus) ReflectedPower() float32 { return s.loadFloat(&s.reflectedBits) }

// Temperature returns the PA temperature in Celsius
func (s *HardwareStatus) Temperature() float32 { return s.loadFloat(&s.temperatureBits) }

// LastUpdate returns when measurements were last published
func (s *HardwareStatus) LastUpdate() time.Time {
	return s.epoch.Add(time.Duration(s.lastUpdate.Load()))
}

// publishBandFrequency stores both fields inside one sequence window.
// Callers serialize writers.
func (s *HardwareStatus) publishBandFrequency(band Band, freq uint32) {
	s.seq.Add(1)
	s.band.Store(int32(band))
	s.frequency.Store(freq)
	s.seq.Add(1)
}

func (s *HardwareStatus) publishFrequency(freq uint32) {
	s.seq.Add(1)
	s.frequency.Store(freq)
	s.seq.Add(1)
}

func (s *HardwareStatus) storeMode(m Mode) { s.mode.Store(int32(m)) }

func (s *HardwareStatus) storeAntenna(a Antenna) { s.antenna.Store(int32(a)) }

// publishMeasurements stores meter readings and stamps LastUpdate
func (s *HardwareStatus) publishMeasurements(locked bool, fwd, refl, temp float32) {
	s.pllLocked.Store(locked)
	s.storeFloat(&s.forwardBits, fwd)
	s.storeFloat(&s.reflectedBits, refl)
	s.storeFloat(&s.temperatureBits, temp)
	s.lastUpdate.Store(int64(time.Since(s.epoch)))
}

func (s *HardwareStatus) storeFloat(dst *atomic.Uint32, v float32) {
	dst.Store(math.Float32bits(v))
}

func (s *HardwareStatus) loadFloat(src *atomic.Uint32) float32 {
	return math.Float32frombits(src.Load())
}

// MinForwardPowerW is the forward power below which SWR is reported as 1.0
const MinForwardPowerW = 1e-3

// SWR is a standing wave ratio. Total reflection is +Inf.
type SWR float64

// ComputeSWR returns (1+rho)/(1-rho) with rho = sqrt(reflected/forward).
// Forward power under MinForwardPowerW yields 1.0.
func ComputeSWR(forwardW, reflectedW float32) SWR {
	if forwardW < MinForwardPowerW || reflectedW <= 0 {
		return 1.0
	}
	rho := math.Sqrt(float64(reflectedW) / float64(forwardW))
	if rho >= 1 {
		return SWR(math.Inf(1))
	}
	return SWR((1 + rho) / (1 - rho))
}

// IsInf reports total reflection
func (s SWR) IsInf() bool {
	return math.IsInf(float64(s), 1)
}

// MarshalJSON encodes total reflection as the string "inf"
func (s SWR) MarshalJSON() ([]byte, error) {
	if s.IsInf() {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(math.Round(float64(s)*100) / 100)
}

// UnmarshalJSON accepts a number or "inf"
func (s *SWR) UnmarshalJSON(data []byte) error {
	if string(data) == `"inf"` {
		*s = SWR(math.Inf(1))
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = SWR(v)
	return nil
}
