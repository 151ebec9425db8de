package detectors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateTracker_WindowExpiry(t *testing.T) {
	tr := NewRateTracker(time.Second, 10)
	base := time.Now()

	assert.Equal(t, 1, tr.Observe("ip", base))
	assert.Equal(t, 2, tr.Observe("ip", base.Add(100*time.Millisecond)))
	assert.Equal(t, 3, tr.Observe("ip", base.Add(900*time.Millisecond)))

	// Two seconds on, the earlier hits have rolled out of the window.
	assert.Equal(t, 1, tr.Observe("ip", base.Add(2*time.Second)))
}

func TestRateTracker_EvictsOldestKey(t *testing.T) {
	tr := NewRateTracker(time.Minute, 2)
	now := time.Now()
	tr.Observe("a", now)
	tr.Observe("b", now)
	tr.Observe("c", now) // evicts a

	assert.Equal(t, 1, tr.Observe("a", now), "evicted key starts over")
}

func TestTimingTracker_RegularityNeedsSamples(t *testing.T) {
	tr := NewTimingTracker(10, 20)
	base := time.Now()

	var reg float64
	var n int
	for i := 0; i < 4; i++ {
		reg, n = tr.Observe("k", base.Add(time.Duration(i)*time.Second))
	}
	assert.Zero(t, reg, "fewer than five gaps yields no regularity")
	assert.Less(t, n, 5)
}

func TestTimingTracker_MetronomicVersusJittery(t *testing.T) {
	tr := NewTimingTracker(10, 20)
	base := time.Now()

	var regular float64
	for i := 0; i < 8; i++ {
		regular, _ = tr.Observe("even", base.Add(time.Duration(i)*time.Second))
	}
	assert.Greater(t, regular, 0.95, "identical gaps have no variation")

	jitter := []time.Duration{0, 100, 3100, 3400, 9000, 9050, 15000, 15500}
	var irregular float64
	for _, off := range jitter {
		irregular, _ = tr.Observe("odd", base.Add(off*time.Millisecond))
	}
	assert.Less(t, irregular, 0.5)
}

func TestCountryMemory_SwapAndTTL(t *testing.T) {
	cm := NewCountryMemory(10, time.Minute)
	now := time.Now()

	assert.Empty(t, cm.Swap("sig", "DE", now))
	assert.Equal(t, "DE", cm.Swap("sig", "BR", now.Add(time.Second)))

	// Past the TTL the old sighting no longer counts as a baseline.
	assert.Empty(t, cm.Swap("sig", "US", now.Add(2*time.Minute)))
}

func TestWeightSet_ReplaceAndDefault(t *testing.T) {
	ws := NewWeightSet()
	assert.Equal(t, 1.0, ws.Multiplier("behavioral", "burst_rate"))

	ws.Replace(map[string]float64{"behavioral/burst_rate": 1.4})
	assert.Equal(t, 1.4, ws.Multiplier("behavioral", "burst_rate"))
	assert.Equal(t, 1.0, ws.Multiplier("behavioral", "other"))
}
