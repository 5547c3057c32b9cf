package rf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrequencyToBand(t *testing.T) {
	testCases := []struct {
		hz      uint32
		want    Band
		wantErr bool
	}{
		{1800000, Band160m, false},
		{2000000, Band160m, false},
		{3573000, Band80m, false},
		{7074000, Band40m, false},
		{14074000, Band20m, false},
		{18100000, Band17m, false},
		{21074000, Band15m, false},
		{24915000, Band12m, false},
		{28074000, Band10m, false},
		{50313000, Band6m, false},
		{144174000, Band2m, false},
		{5000000, 0, true},
		{10136000, 0, true}, // 30m is not in the table
		{0, 0, true},
	}

	for _, tc := range testCases {
		band, err := FrequencyToBand(tc.hz)
		if tc.wantErr {
			assert.True(t, errors.Is(err, ErrOutOfBand), "%d Hz", tc.hz)
			continue
		}
		require.NoError(t, err, "%d Hz", tc.hz)
		assert.Equal(t, tc.want, band, "%d Hz", tc.hz)
	}
}

func TestBandTable(t *testing.T) {
	bands := Bands()
	require.Len(t, bands, 10)

	for _, b := range bands {
		rng, err := GetBandRange(b)
		require.NoError(t, err)
		assert.Less(t, rng.MinHz, rng.MaxHz, b.String())
		assert.True(t, rng.Contains(rng.Midpoint()), b.String())

		parsed, err := ParseBand(b.String())
		require.NoError(t, err)
		assert.Equal(t, b, parsed)
	}

	rng, _ := GetBandRange(Band40m)
	assert.Equal(t, uint32(7150000), rng.Midpoint())

	_, err := GetBandRange(Band(42))
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = ParseBand("30m")
	assert.True(t, errors.Is(err, ErrConfiguration))

	b, err := ParseBand(" 20M ")
	require.NoError(t, err)
	assert.Equal(t, Band20m, b)
}

func TestBandText(t *testing.T) {
	text, err := Band17m.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "17m", string(text))

	var b Band
	require.NoError(t, b.UnmarshalText([]byte("6m")))
	assert.Equal(t, Band6m, b)
	assert.Error(t, b.UnmarshalText([]byte("11m")))

	_, err = Band(-1).MarshalText()
	assert.Error(t, err)
}

func TestModes(t *testing.T) {
	for _, name := range []string{"standby", "RX", "tx", "Calibrate"} {
		_, err := ParseMode(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseMode("monitor")
	assert.True(t, errors.Is(err, ErrConfiguration))

	allowed := map[[2]Mode]bool{
		{ModeStandby, ModeRX}:        true,
		{ModeRX, ModeStandby}:        true,
		{ModeStandby, ModeTX}:        true,
		{ModeTX, ModeStandby}:        true,
		{ModeStandby, ModeCalibrate}: true,
		{ModeCalibrate, ModeStandby}: true,
	}
	modes := []Mode{ModeStandby, ModeRX, ModeTX, ModeCalibrate}
	for _, from := range modes {
		for _, to := range modes {
			want := from == to || allowed[[2]Mode{from, to}]
			assert.Equal(t, want, AllowedTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, AllowedTransition(ModeStandby, Mode(9)))
}

func TestParseAntenna(t *testing.T) {
	for port := 1; port <= 4; port++ {
		a, err := ParseAntenna(port)
		require.NoError(t, err)
		assert.Equal(t, Antenna(port), a)
	}
	for _, port := range []int{0, 5, -1} {
		_, err := ParseAntenna(port)
		assert.True(t, errors.Is(err, ErrConfiguration), "port %d", port)
	}
	assert.Equal(t, "ANT3", Antenna3.String())
}
