package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/version"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	mu    sync.Mutex
	ops   map[string]synckit.Operation
	calls int
}

func newSource() *fakeSource {
	return &fakeSource{ops: make(map[string]synckit.Operation)}
}

func (s *fakeSource) Operation(_ context.Context, id string) (synckit.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	op, ok := s.ops[id]
	if !ok {
		return synckit.Operation{}, errors.NewNotFound(errors.OpLoad, "test", "operation "+id)
	}
	return op, nil
}

// put registers an operation; rank is the device counter so ops of one
// entity order by it.
func (s *fakeSource) put(id, entity string, rank uint64, p synckit.Priority) synckit.Operation {
	return s.putAt(id, entity, rank, p, epoch.Add(time.Duration(rank)*time.Millisecond))
}

func (s *fakeSource) putAt(id, entity string, rank uint64, p synckit.Priority, created time.Time) synckit.Operation {
	op := synckit.Operation{
		ID:           id,
		EntityType:   "topic",
		EntityID:     entity,
		Kind:         synckit.KindUpdate,
		Payload:      json.RawMessage(`{}`),
		Priority:     p,
		OriginDevice: "d1",
		Version:      version.NewVectorClockFromMap(map[string]uint64{"d1": rank}),
		CreatedAt:    created,
	}
	s.mu.Lock()
	s.ops[id] = op
	s.mu.Unlock()
	return op
}

func newTestBatcher(t *testing.T, src Source, clock *fakeClock, tweak func(*Config)) *Batcher {
	t.Helper()
	cfg := &Config{
		Logger: logging.Discard(),
		Now:    clock.Now,
		NewID:  sequentialIDs(),
	}
	if tweak != nil {
		tweak(cfg)
	}
	b, err := New(src, cfg)
	require.NoError(t, err)
	return b
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("batch-%d", n)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.True(t, errors.IsValidation(err))

	_, err = New(newSource(), &Config{LowWatermark: 0.8, HighWatermark: 0.3})
	assert.True(t, errors.IsValidation(err))

	b, err := New(newSource(), nil)
	require.NoError(t, err)
	pace := b.Pace()
	assert.Equal(t, 100, pace.Size)
	assert.Equal(t, 30*time.Second, pace.Interval)
	assert.Equal(t, 1.0, pace.Multiplier)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	src.put("a", "e1", 1, synckit.PriorityLow)
	b := newTestBatcher(t, src, &fakeClock{now: epoch}, nil)

	require.NoError(t, b.Enqueue(ctx, "a", synckit.PriorityLow))
	require.NoError(t, b.Enqueue(ctx, "a", synckit.PriorityLow))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, src.calls)

	// a repeat with a stronger priority upgrades the queued entry
	require.NoError(t, b.Enqueue(ctx, "a", synckit.PriorityHigh))
	assert.Equal(t, synckit.PriorityHigh, b.Snapshot()[0].Priority)

	batch := b.NextBatch(10, 0)
	require.Equal(t, []string{"a"}, batch.IDs())
	require.NoError(t, b.Enqueue(ctx, "a", synckit.PriorityLow))
	assert.Zero(t, b.Len(), "an id in an outstanding batch is not queued twice")

	err := b.Enqueue(ctx, "missing", synckit.PriorityLow)
	assert.True(t, errors.IsNotFound(err))
	err = b.Enqueue(ctx, "a", synckit.Priority(9))
	assert.True(t, errors.IsValidation(err))
}

func TestNextBatchRespectsPriorityUnderLoad(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	b := newTestBatcher(t, src, &fakeClock{now: epoch}, nil)

	priorities := []synckit.Priority{synckit.PriorityLow, synckit.PriorityMedium, synckit.PriorityHigh, synckit.PriorityCritical}
	for i := 0; i < 20; i++ {
		p := priorities[i%4]
		id := fmt.Sprintf("%s-%d", p, i)
		src.put(id, id, 1, p)
		require.NoError(t, b.Enqueue(ctx, id, p))
	}

	batch := b.NextBatch(10, 0)
	require.Len(t, batch.Operations, 10)
	assert.Equal(t, synckit.PriorityCritical, batch.Priority)
	for i, op := range batch.Operations {
		assert.GreaterOrEqual(t, op.Priority, synckit.PriorityHigh, op.ID)
		if i < 5 {
			assert.Equal(t, synckit.PriorityCritical, op.Priority, "critical items lead the batch")
		}
	}
	assert.Equal(t, 10, b.Len())
}

func TestAgingPromotesWaitingOperations(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	clock := &fakeClock{now: epoch}
	b := newTestBatcher(t, src, clock, func(c *Config) { c.AgingThreshold = time.Minute })

	src.put("old-low", "e1", 1, synckit.PriorityLow)
	require.NoError(t, b.Enqueue(ctx, "old-low", synckit.PriorityLow))
	clock.Advance(2*time.Minute + time.Second)

	src.putAt("fresh-medium", "e2", 1, synckit.PriorityMedium, clock.Now())
	require.NoError(t, b.Enqueue(ctx, "fresh-medium", synckit.PriorityMedium))
	src.putAt("fresh-critical", "e3", 1, synckit.PriorityCritical, clock.Now())
	require.NoError(t, b.Enqueue(ctx, "fresh-critical", synckit.PriorityCritical))

	snap := b.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "fresh-critical", snap[0].ID)
	assert.Equal(t, "old-low", snap[1].ID)
	assert.Equal(t, synckit.PriorityHigh, snap[1].Effective, "two thresholds promote low to high")

	batch := b.NextBatch(2, 0)
	assert.Equal(t, []string{"fresh-critical", "old-low"}, batch.IDs())
}

func TestRefilledOperationKeepsItsAge(t *testing.T) {
	src := newSource()
	clock := &fakeClock{now: epoch.Add(30 * time.Minute)}
	b := newTestBatcher(t, src, clock, func(c *Config) { c.AgingThreshold = time.Minute })

	// queued again after a restart, half an hour after it was recorded
	old := src.putAt("old-low", "e1", 1, synckit.PriorityLow, epoch)
	require.NoError(t, b.Add(old, 0))
	fresh := src.putAt("fresh-high", "e2", 1, synckit.PriorityHigh, clock.Now())
	require.NoError(t, b.Add(fresh, 0))

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "old-low", snap[0].ID)
	assert.Equal(t, synckit.PriorityCritical, snap[0].Effective)
	assert.Equal(t, epoch, snap[0].Since)
	assert.Equal(t, []string{"old-low"}, b.NextBatch(1, 0).IDs())

	// an operation stamped by a clock running ahead starts waiting now
	ahead := src.putAt("ahead", "e3", 1, synckit.PriorityLow, clock.Now().Add(time.Hour))
	require.NoError(t, b.Add(ahead, 0))
	for _, q := range b.Snapshot() {
		if q.ID == "ahead" {
			assert.Equal(t, clock.Now(), q.Since)
			assert.Equal(t, synckit.PriorityLow, q.Effective)
		}
	}
}

func TestNegativeAgingThresholdDisablesAging(t *testing.T) {
	src := newSource()
	clock := &fakeClock{now: epoch.Add(time.Hour)}
	b := newTestBatcher(t, src, clock, func(c *Config) { c.AgingThreshold = -1 })

	require.NoError(t, b.Add(src.putAt("a", "e1", 1, synckit.PriorityLow, epoch), 0))
	snap := b.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, synckit.PriorityLow, snap[0].Effective)

	def, err := New(src, &Config{Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, def.cfg.AgingThreshold, "zero takes the default")
}

func TestEntityOrderSurvivesBatchBoundaries(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	b := newTestBatcher(t, src, &fakeClock{now: epoch}, nil)

	// enqueued out of order on purpose
	for _, rank := range []uint64{3, 1, 2} {
		id := fmt.Sprintf("e-%d", rank)
		src.put(id, "topic-42", rank, synckit.PriorityMedium)
		require.NoError(t, b.Enqueue(ctx, id, synckit.PriorityMedium))
	}
	src.put("other", "topic-7", 1, synckit.PriorityLow)
	require.NoError(t, b.Enqueue(ctx, "other", synckit.PriorityLow))

	first := b.NextBatch(2, 0)
	assert.Equal(t, []string{"e-1", "e-2"}, first.IDs())

	// topic-42 has a batch outstanding, so its next op must wait
	second := b.NextBatch(10, 0)
	assert.Equal(t, []string{"other"}, second.IDs())
	assert.True(t, b.NextBatch(10, 0).Empty())

	b.Done(first.ID)
	third := b.NextBatch(10, 0)
	assert.Equal(t, []string{"e-3"}, third.IDs())
	assert.Equal(t, 2, b.InFlight())
}

func TestUrgentOperationPullsItsPredecessors(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	b := newTestBatcher(t, src, &fakeClock{now: epoch}, nil)

	src.put("x1", "x", 1, synckit.PriorityLow)
	src.put("x2", "x", 2, synckit.PriorityCritical)
	src.put("y1", "y", 1, synckit.PriorityHigh)
	for _, id := range []string{"x1", "x2", "y1"} {
		require.NoError(t, b.Enqueue(ctx, id, src.ops[id].Priority))
	}

	batch := b.NextBatch(2, 0)
	assert.Equal(t, []string{"x1", "x2"}, batch.IDs())
	assert.Equal(t, synckit.PriorityCritical, batch.Priority)
}

func TestNextBatchByteBound(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	b := newTestBatcher(t, src, &fakeClock{now: epoch}, nil)

	big := src.put("big", "e1", 1, synckit.PriorityHigh)
	big.Payload = json.RawMessage(`"` + strings.Repeat("x", 4096) + `"`)
	src.ops["big"] = big
	src.put("small", "e2", 1, synckit.PriorityLow)
	require.NoError(t, b.Enqueue(ctx, "big", synckit.PriorityHigh))
	require.NoError(t, b.Enqueue(ctx, "small", synckit.PriorityLow))

	batch := b.NextBatch(10, 1024)
	assert.Equal(t, []string{"big"}, batch.IDs(), "an oversized operation still goes out alone")
	assert.Equal(t, big.EncodedSize(), batch.Bytes)

	batch = b.NextBatch(10, 1024)
	assert.Equal(t, []string{"small"}, batch.IDs())
}

func TestRetryRequeuesAfterDelay(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	clock := &fakeClock{now: epoch}
	b := newTestBatcher(t, src, clock, nil)

	src.put("a", "e1", 1, synckit.PriorityMedium)
	src.put("b", "e2", 1, synckit.PriorityMedium)
	require.NoError(t, b.Enqueue(ctx, "a", synckit.PriorityMedium))
	require.NoError(t, b.Enqueue(ctx, "b", synckit.PriorityMedium))

	batch := b.NextBatch(10, 0)
	require.Len(t, batch.Operations, 2)
	b.Retry(batch.ID, []string{"a"}, time.Minute)
	b.Retry(batch.ID, []string{"a", "b"}, 0)

	assert.Equal(t, 1, b.Len(), "b was delivered and dropped")
	assert.Zero(t, b.InFlight())
	assert.True(t, b.NextBatch(10, 0).Empty(), "a is held back")

	clock.Advance(time.Minute)
	again := b.NextBatch(10, 0)
	assert.Equal(t, []string{"a"}, again.IDs())
}

func TestDeferredOperationBlocksLaterOnesOfItsEntity(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	clock := &fakeClock{now: epoch}
	b := newTestBatcher(t, src, clock, nil)

	src.put("first", "e1", 1, synckit.PriorityMedium)
	src.put("second", "e1", 2, synckit.PriorityMedium)
	require.NoError(t, b.EnqueueAfter(ctx, "first", synckit.PriorityMedium, 30*time.Second))
	require.NoError(t, b.Enqueue(ctx, "second", synckit.PriorityMedium))

	assert.True(t, b.NextBatch(10, 0).Empty())
	clock.Advance(30 * time.Second)
	assert.Equal(t, []string{"first", "second"}, b.NextBatch(10, 0).IDs())
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	b := newTestBatcher(t, src, &fakeClock{now: epoch}, nil)
	src.put("a", "e1", 1, synckit.PriorityMedium)
	require.NoError(t, b.Enqueue(ctx, "a", synckit.PriorityMedium))

	assert.True(t, b.Remove("a"))
	assert.False(t, b.Remove("a"))
	assert.True(t, b.NextBatch(10, 0).Empty())
}

func TestAddUsesOperationPriority(t *testing.T) {
	src := newSource()
	b := newTestBatcher(t, src, &fakeClock{now: epoch}, nil)
	op := src.put("a", "e1", 1, synckit.PriorityHigh)

	require.NoError(t, b.Add(op, 0))
	require.NoError(t, b.Add(op, 0))
	assert.Equal(t, 1, b.Len())
	assert.Zero(t, src.calls)
	assert.Error(t, b.Add(synckit.Operation{}, 0))
}

func TestExpediteReleasesDeferredOperations(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	clock := &fakeClock{now: epoch}
	b := newTestBatcher(t, src, clock, nil)

	src.put("a", "e1", 1, synckit.PriorityMedium)
	src.put("b", "e2", 1, synckit.PriorityMedium)
	require.NoError(t, b.EnqueueAfter(ctx, "a", synckit.PriorityMedium, time.Hour))
	require.NoError(t, b.Enqueue(ctx, "b", synckit.PriorityMedium))

	assert.Equal(t, 1, b.Expedite())
	assert.ElementsMatch(t, []string{"a", "b"}, b.NextBatch(10, 0).IDs())
}
