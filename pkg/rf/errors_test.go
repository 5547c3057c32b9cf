package rf

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatching(t *testing.T) {
	err := newError(KindOutOfBand, "SetFrequency", "5000000 Hz is outside 40m")
	wrapped := fmt.Errorf("control surface: %w", err)

	assert.True(t, errors.Is(wrapped, ErrOutOfBand))
	assert.False(t, errors.Is(wrapped, ErrInvalidTransition))
	assert.Equal(t, "SetFrequency: 5000000 Hz is outside 40m", err.Error())

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindOutOfBand, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorCause(t *testing.T) {
	cause := errors.New("spi timeout")
	err := WrapError(KindHardware, "SetBand", cause, "failed to select filter")

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrHardware))
	assert.Equal(t, "SetBand: failed to select filter: spi timeout", err.Error())
}

func TestErrorClass(t *testing.T) {
	policy := []Kind{KindOutOfBand, KindInvalidTransition, KindUnhealthyRejected, KindStillFaulted, KindConfiguration}
	for _, k := range policy {
		assert.Equal(t, ClassPolicy, k.Class(), k.String())
	}
	for _, k := range []Kind{KindHardwareSequenceTimeout, KindHardware} {
		assert.Equal(t, ClassHardware, k.Class(), k.String())
	}
	assert.Equal(t, "hardware", ClassHardware.String())
	assert.Equal(t, "unchanged", OutcomeNoOp.String())
	assert.Equal(t, "still_faulted", KindStillFaulted.String())
}

func TestParseKind(t *testing.T) {
	for k := range kindNames {
		parsed, ok := ParseKind(k.String())
		assert.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseKind("meltdown")
	assert.False(t, ok)
}
