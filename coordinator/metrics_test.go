package coordinator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/peer"
	"github.com/c0deZ3R0/offsync/storage/memory"
)

func TestCounterMetricsTrackSuccessfulCycle(t *testing.T) {
	server := newPeer(t, memory.New())
	metrics := NewCounterMetrics()
	cfg := testConfig()
	cfg.Metrics = metrics
	c := newCoordinator(t, openLog(t, "D1"), peer.Loopback{Store: server, DeviceID: "D1"}, cfg)
	enqueueN(t, c, "a", 3)

	_, err := c.ForceSync(context.Background())
	require.NoError(t, err)

	snap := metrics.Snapshot()
	assert.Equal(t, 3, snap.Pushed)
	assert.Equal(t, 3, snap.Pulled)
	assert.Empty(t, snap.Errors)
	assert.Contains(t, snap.MeanDuration, PhasePush)
	assert.Contains(t, snap.MeanDuration, PhasePull)
	assert.Contains(t, snap.MeanDuration, PhaseCycle)
}

func TestCounterMetricsCountErrorsByCode(t *testing.T) {
	metrics := NewCounterMetrics()
	cfg := testConfig()
	cfg.Metrics = metrics
	c := newCoordinator(t, openLog(t, "D1"), failingPush(errors.NewTransient(errors.OpPush, fmt.Errorf("offline"))), cfg)
	enqueueN(t, c, "a", 1)

	_, err := c.ForceSync(context.Background())
	require.Error(t, err)

	snap := metrics.Snapshot()
	assert.Equal(t, 1, snap.Errors[PhasePush+":"+string(errors.ErrCodeTransientTransport)])
	assert.Zero(t, snap.Pushed)
}

func TestDefaultMetricsAreNoop(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, NoopMetrics{}, cfg.Metrics)
}
