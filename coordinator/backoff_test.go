package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Multiplier: 2}
	b.setDefaults()
	b.Jitter = 0

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, d := range want {
		assert.Equal(t, d, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 10*time.Second, b.Delay(1000), "large attempts do not overflow")
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		b := Backoff{Base: 4 * time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.25, Rand: func() float64 { return r }}
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}

	capped := Backoff{Base: time.Second, Max: 2 * time.Second, Multiplier: 2, Jitter: 1, Rand: func() float64 { return 0.999 }}
	assert.LessOrEqual(t, capped.Delay(5), 2*time.Second, "jitter never exceeds the cap")
}

func TestBackoffDefaults(t *testing.T) {
	var b Backoff
	b.setDefaults()
	assert.Equal(t, DefaultBackoff().Base, b.Base)
	assert.Equal(t, DefaultBackoff().Max, b.Max)
	assert.NotNil(t, b.Rand)

	b = Backoff{Base: time.Minute, Max: time.Second, Jitter: 3}
	b.setDefaults()
	assert.Equal(t, time.Minute, b.Max, "max is raised to base")
	assert.Equal(t, 1.0, b.Jitter)
}
