package batcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/probe"
	"github.com/c0deZ3R0/offsync/synckit"
)

func fastBatcher(t *testing.T, src Source, tweak func(*Config)) *Batcher {
	t.Helper()
	// operations are stamped relative to epoch, so the clock starts there
	start := time.Now()
	cfg := &Config{
		Logger:            logging.Discard(),
		Now:               func() time.Time { return epoch.Add(time.Since(start)) },
		Interval:          5 * time.Millisecond,
		MinInterval:       time.Millisecond,
		MaxInterval:       50 * time.Millisecond,
		MinBatchThreshold: 1,
		DrainTimeout:      time.Second,
	}
	if tweak != nil {
		tweak(cfg)
	}
	b, err := New(src, cfg)
	require.NoError(t, err)
	return b
}

func TestAdaptShrinksAndRecovers(t *testing.T) {
	ctx := context.Background()
	b := newTestBatcher(t, newSource(), &fakeClock{now: epoch}, func(c *Config) {
		c.MaxItems = 80
		c.MinBatchSize = 10
		c.Interval = 10 * time.Second
		c.MaxInterval = 60 * time.Second
	})

	starved := probe.Static{Memory: 0.05, CPU: 0.9}
	b.adapt(ctx, starved)
	assert.Equal(t, Pace{Size: 40, Interval: 20 * time.Second, Multiplier: 1}, b.Pace())
	for i := 0; i < 5; i++ {
		b.adapt(ctx, starved)
	}
	assert.Equal(t, 10, b.Pace().Size, "never below the floor")
	assert.Equal(t, 60*time.Second, b.Pace().Interval, "never above the cap")

	// between the watermarks nothing moves
	b.adapt(ctx, probe.Static{Memory: 0.3, CPU: 0.3})
	assert.Equal(t, 10, b.Pace().Size)

	idle := probe.Unlimited
	for i := 0; i < 5; i++ {
		b.adapt(ctx, idle)
	}
	assert.Equal(t, Pace{Size: 80, Interval: 10 * time.Second, Multiplier: 1}, b.Pace())

	broken := probe.Func(func(context.Context) (probe.Sample, error) { return probe.Sample{}, fmt.Errorf("no /proc") })
	b.adapt(ctx, broken)
	assert.Equal(t, 80, b.Pace().Size, "a failing probe keeps the pace")
}

func TestNextDelay(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	clock := &fakeClock{now: epoch}
	b := newTestBatcher(t, src, clock, func(c *Config) {
		c.MaxItems = 2
		c.MinBatchSize = 1
		c.Interval = 40 * time.Second
		c.MinBatchThreshold = 2
		c.CriticalMaxWait = 30 * time.Second
	})

	// empty queue: below the threshold the loop slows down
	assert.Equal(t, 80*time.Second, b.nextDelay())

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("op-%d", i)
		src.put(id, id, 1, synckit.PriorityMedium)
		require.NoError(t, b.Enqueue(ctx, id, synckit.PriorityMedium))
	}
	assert.Equal(t, 40*time.Second, b.nextDelay())

	for i := 3; i < 5; i++ {
		id := fmt.Sprintf("op-%d", i)
		src.put(id, id, 1, synckit.PriorityMedium)
		require.NoError(t, b.Enqueue(ctx, id, synckit.PriorityMedium))
	}
	assert.Equal(t, 20*time.Second, b.nextDelay(), "more than two batches queued speeds up")

	b.SetPace(4)
	assert.Equal(t, 80*time.Second, b.nextDelay())
	b.SetPace(0)
	assert.Equal(t, 1.0, b.Pace().Multiplier)

	src.put("urgent", "urgent", 1, synckit.PriorityCritical)
	require.NoError(t, b.Enqueue(ctx, "urgent", synckit.PriorityCritical))
	clock.Advance(25 * time.Second)
	assert.Equal(t, 5*time.Second, b.nextDelay(), "a waiting critical op caps the delay")

	clock.Advance(time.Minute)
	assert.Equal(t, time.Second, b.nextDelay(), "clamped to the minimum interval")
}

func TestRunDeliversQueuedOperations(t *testing.T) {
	src := newSource()
	b := fastBatcher(t, src, nil)

	var mu sync.Mutex
	var delivered []string
	handler := func(ctx context.Context, batch synckit.Batch) error {
		mu.Lock()
		delivered = append(delivered, batch.IDs()...)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, probe.Unlimited, handler) }()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("op-%d", i)
		src.put(id, "topic-42", uint64(i+1), synckit.PriorityMedium)
		require.NoError(t, b.Enqueue(context.Background(), id, synckit.PriorityMedium))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 5
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	assert.Equal(t, []string{"op-0", "op-1", "op-2", "op-3", "op-4"}, delivered)
	mu.Unlock()
	assert.Zero(t, b.InFlight())
}

func TestRunRejectsSecondLoop(t *testing.T) {
	b := fastBatcher(t, newSource(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	handler := func(context.Context, synckit.Batch) error { return nil }
	go func() { done <- b.Run(ctx, nil, handler) }()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.running
	}, time.Second, time.Millisecond)
	assert.Error(t, b.Run(ctx, nil, handler))

	cancel()
	require.NoError(t, <-done)
	assert.Error(t, b.Run(context.Background(), nil, nil))
}

func TestRunRequeuesFailedBatch(t *testing.T) {
	src := newSource()
	b := fastBatcher(t, src, nil)
	src.put("a", "e1", 1, synckit.PriorityHigh)
	require.NoError(t, b.Enqueue(context.Background(), "a", synckit.PriorityHigh))

	var attempts atomic.Int32
	handler := func(ctx context.Context, batch synckit.Batch) error {
		if attempts.Add(1) == 1 {
			return fmt.Errorf("remote unavailable")
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, probe.Unlimited, handler) }()

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, b.Len())
	assert.Zero(t, b.InFlight())
}

func TestRunRecoversFromHandlerPanic(t *testing.T) {
	src := newSource()
	b := fastBatcher(t, src, nil)
	src.put("a", "e1", 1, synckit.PriorityHigh)
	require.NoError(t, b.Enqueue(context.Background(), "a", synckit.PriorityHigh))

	var attempts atomic.Int32
	handler := func(context.Context, synckit.Batch) error {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, probe.Unlimited, handler) }()

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestCancelledLoopDrainsRunningHandler(t *testing.T) {
	src := newSource()
	b := fastBatcher(t, src, nil)
	src.put("a", "e1", 1, synckit.PriorityMedium)
	require.NoError(t, b.Enqueue(context.Background(), "a", synckit.PriorityMedium))

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerErr atomic.Value
	handler := func(ctx context.Context, batch synckit.Batch) error {
		close(started)
		<-release
		handlerErr.Store(fmt.Sprint(ctx.Err()))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, probe.Unlimited, handler) }()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("loop returned while its handler was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "<nil>", handlerErr.Load(), "the handler context outlives loop cancellation")
	assert.Zero(t, b.InFlight())
}

func TestCriticalEnqueueWakesLoop(t *testing.T) {
	src := newSource()
	b := fastBatcher(t, src, func(c *Config) {
		c.Interval = time.Hour
		c.MaxInterval = 2 * time.Hour
	})
	got := make(chan synckit.Batch, 1)
	handler := func(ctx context.Context, batch synckit.Batch) error {
		got <- batch
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx, probe.Unlimited, handler) }()

	src.put("urgent", "e1", 1, synckit.PriorityCritical)
	require.NoError(t, b.Enqueue(context.Background(), "urgent", synckit.PriorityCritical))

	select {
	case batch := <-got:
		assert.Equal(t, []string{"urgent"}, batch.IDs())
	case <-time.After(2 * time.Second):
		t.Fatal("critical enqueue did not wake the loop")
	}
}
