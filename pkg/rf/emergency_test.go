package rf

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmergencyFlag(t *testing.T) {
	f := NewEmergencyFlag()
	assert.False(t, f.IsSet())
	assert.True(t, f.AssertedAt().IsZero())

	assert.True(t, f.Assert("over temperature"))
	assert.False(t, f.Assert("again"))
	assert.True(t, f.IsSet())
	assert.Equal(t, uint64(1), f.Incidents())
	assert.Equal(t, "over temperature", f.Reason())
	assert.False(t, f.AssertedAt().IsZero())

	select {
	case <-f.Notify():
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}

	assert.True(t, f.Clear())
	assert.False(t, f.Clear())
	assert.True(t, f.Assert("second incident"))
	assert.Equal(t, uint64(2), f.Incidents())
}

func TestEmergencyFlagConcurrentAssert(t *testing.T) {
	f := NewEmergencyFlag()

	var wg sync.WaitGroup
	var mu sync.Mutex
	edges := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Assert("race") {
				mu.Lock()
				edges++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, edges)
	assert.Equal(t, uint64(1), f.Incidents())
}
