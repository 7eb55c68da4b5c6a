package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimingDelay_Wait_FailureDelays(t *testing.T) {
	td := NewTimingDelay(TimingConfig{BaseDelayMs: 20, RandomDelayMs: 10})

	start := time.Now()
	td.Wait(false)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestTimingDelay_Wait_SuccessSkipsDelay(t *testing.T) {
	td := NewTimingDelay(TimingConfig{BaseDelayMs: 50, RandomDelayMs: 0})

	start := time.Now()
	td.Wait(true)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 10*time.Millisecond)
}

func TestTimingDelay_WaitFrom_CountsElapsedTime(t *testing.T) {
	td := NewTimingDelay(TimingConfig{BaseDelayMs: 30, RandomDelayMs: 0})

	start := time.Now().Add(-20 * time.Millisecond)
	before := time.Now()
	td.WaitFrom(start, false)
	elapsed := time.Since(before)

	// Roughly 20ms was already spent, only the remainder should be slept
	assert.Less(t, elapsed, 25*time.Millisecond)
}
