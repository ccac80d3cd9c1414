package probe

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadroomIsTighterResource(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		want   float64
	}{
		{"idle", Sample{Memory: 1, CPU: 1}, 1},
		{"memory bound", Sample{Memory: 0.1, CPU: 0.9}, 0.1},
		{"cpu bound", Sample{Memory: 0.8, CPU: 0.3}, 0.3},
		{"clamped high", Sample{Memory: 4, CPU: 2}, 1},
		{"clamped low", Sample{Memory: -1, CPU: 0.5}, 0},
		{"nan", Sample{Memory: math.NaN(), CPU: 0.5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.sample.Headroom(), 1e-9)
		})
	}
}

func TestStaticAndFunc(t *testing.T) {
	ctx := context.Background()
	s, err := Static{Memory: 0.2, CPU: 0.7}.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.2, s.Headroom())

	failing := Func(func(context.Context) (Sample, error) { return Sample{}, fmt.Errorf("no data") })
	_, err = failing.Sample(ctx)
	assert.Error(t, err)

	s, err = Unlimited.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Headroom())
}

func TestSystemProbeStaysInRange(t *testing.T) {
	s, err := NewSystem().Sample(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.Memory, 0.0)
	assert.LessOrEqual(t, s.Memory, 1.0)
	assert.GreaterOrEqual(t, s.CPU, 0.0)
	assert.LessOrEqual(t, s.CPU, 1.0)
}

func TestSystemProbeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSystem().Sample(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
