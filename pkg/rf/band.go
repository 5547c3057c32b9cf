package rf

import (
	"fmt"
	"strings"
)

// Band identifies an amateur band with a fixed frequency range
type Band int32

const (
	Band160m Band = iota
	Band80m
	Band40m
	Band20m
	Band17m
	Band15m
	Band12m
	Band10m
	Band6m
	Band2m
	bandCount
)

// BandRange is an inclusive frequency range in Hz
type BandRange struct {
	MinHz uint32 `json:"min_hz"`
	MaxHz uint32 `json:"max_hz"`
}

// Contains reports whether hz lies within the range
func (r BandRange) Contains(hz uint32) bool {
	return hz >= r.MinHz && hz <= r.MaxHz
}

// Midpoint returns the center of the range
func (r BandRange) Midpoint() uint32 {
	return r.MinHz + (r.MaxHz-r.MinHz)/2
}

var bandTable = [bandCount]struct {
	name string
	rng  BandRange
}{
	Band160m: {"160m", BandRange{1800000, 2000000}},
	Band80m:  {"80m", BandRange{3500000, 4000000}},
	Band40m:  {"40m", BandRange{7000000, 7300000}},
	Band20m:  {"20m", BandRange{14000000, 14350000}},
	Band17m:  {"17m", BandRange{18068000, 18168000}},
	Band15m:  {"15m", BandRange{21000000, 21450000}},
	Band12m:  {"12m", BandRange{24890000, 24990000}},
	Band10m:  {"10m", BandRange{28000000, 29700000}},
	Band6m:   {"6m", BandRange{50000000, 54000000}},
	Band2m:   {"2m", BandRange{144000000, 148000000}},
}

// Bands returns every band in table order
func Bands() []Band {
	bands := make([]Band, 0, bandCount)
	for b := Band(0); b < bandCount; b++ {
		bands = append(bands, b)
	}
	return bands
}

// Valid reports whether b is a known band
func (b Band) Valid() bool {
	return b >= 0 && b < bandCount
}

func (b Band) String() string {
	if !b.Valid() {
		return fmt.Sprintf("band(%d)", int32(b))
	}
	return bandTable[b].name
}

// MarshalText encodes the band by name
func (b Band) MarshalText() ([]byte, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("invalid band %d", int32(b))
	}
	return []byte(b.String()), nil
}

// UnmarshalText decodes a band name
func (b *Band) UnmarshalText(text []byte) error {
	parsed, err := ParseBand(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ParseBand parses a band name such as "40m"
func ParseBand(name string) (Band, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for b := Band(0); b < bandCount; b++ {
		if bandTable[b].name == name {
			return b, nil
		}
	}
	return 0, newError(KindConfiguration, "ParseBand", "unknown band %q", name)
}

// GetBandRange returns the frequency range of b
func GetBandRange(b Band) (BandRange, error) {
	if !b.Valid() {
		return BandRange{}, newError(KindConfiguration, "GetBandRange", "unknown band %d", int32(b))
	}
	return bandTable[b].rng, nil
}

// FrequencyToBand returns the band containing hz
func FrequencyToBand(hz uint32) (Band, error) {
	for b := Band(0); b < bandCount; b++ {
		if bandTable[b].rng.Contains(hz) {
			return b, nil
		}
	}
	return 0, newError(KindOutOfBand, "FrequencyToBand", "%d Hz is not inside any band", hz)
}

// Mode is the operating mode of the RF front end
type Mode int32

const (
	ModeStandby Mode = iota
	ModeRX
	ModeTX
	ModeCalibrate
)

var modeNames = [...]string{"standby", "rx", "tx", "calibrate"}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m >= ModeStandby && m <= ModeCalibrate
}

func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("mode(%d)", int32(m))
	}
	return modeNames[m]
}

// MarshalText encodes the mode by name
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mode %d", int32(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode parses a mode name, case-insensitive
func ParseMode(name string) (Mode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range modeNames {
		if n == name {
			return Mode(i), nil
		}
	}
	return 0, newError(KindConfiguration, "ParseMode", "unknown mode %q", name)
}

// AllowedTransition reports whether the mode table permits from -> to.
// Every change between RX, TX and Calibrate routes through Standby.
func AllowedTransition(from, to Mode) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	return from == ModeStandby || to == ModeStandby
}

// Antenna is an antenna port, numbered from 1
type Antenna int32

const (
	Antenna1 Antenna = iota + 1
	Antenna2
	Antenna3
	Antenna4
)

// Valid reports whether a is a known antenna port
func (a Antenna) Valid() bool {
	return a >= Antenna1 && a <= Antenna4
}

func (a Antenna) String() string {
	return fmt.Sprintf("ANT%d", int32(a))
}

// ParseAntenna validates a port number
func ParseAntenna(port int) (Antenna, error) {
	a := Antenna(port)
	if !a.Valid() {
		return 0, newError(KindConfiguration, "ParseAntenna", "antenna %d out of range 1-4", port)
	}
	return a, nil
}
