package batcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/offsync/probe"
	"github.com/c0deZ3R0/offsync/synckit"
)

// Handler delivers one batch. It should release the batch with Done or
// Retry; a batch it leaves outstanding is released by the loop, and
// requeued if the handler failed.
type Handler func(ctx context.Context, batch synckit.Batch) error

// Run drives the background cycle until ctx is cancelled. Each cycle samples
// p, adapts batch size and cadence, and hands at most one batch to handle.
// Low headroom shrinks batches and slows the loop instead of failing.
//
// Cancelling ctx stops new cycles. A handler already running keeps a
// context detached from that cancellation, bounded by DrainTimeout, so it
// can finish or roll its batch back.
func (b *Batcher) Run(ctx context.Context, p probe.Probe, handle Handler) error {
	if handle == nil {
		return configError(fmt.Errorf("handler is required"))
	}
	if p == nil {
		p = probe.Unlimited
	}
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return configError(fmt.Errorf("run loop is already running"))
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	b.logger.Info("batch loop started", slog.Duration("interval", b.cfg.Interval))
	timer := time.NewTimer(b.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("batch loop stopped", slog.Int("queued", b.Len()))
			return nil
		case <-timer.C:
		case <-b.signal:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		b.cycle(ctx, p, handle)
		timer.Reset(b.nextDelay())
	}
}

func (b *Batcher) cycle(ctx context.Context, p probe.Probe, handle Handler) {
	if ctx.Err() != nil {
		return
	}
	b.adapt(ctx, p)
	batch := b.NextBatch(b.Pace().Size, b.cfg.MaxBytes)
	if batch.Empty() {
		return
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.DrainTimeout)
	defer cancel()
	err := b.safeHandle(hctx, handle, batch)
	if err != nil {
		b.logger.LogError(ctx, err, "batch handler failed",
			slog.String("batch_id", batch.ID),
			slog.Int("operations", len(batch.Operations)),
		)
		b.Retry(batch.ID, batch.IDs(), b.Pace().Interval)
		return
	}
	b.Done(batch.ID)
}

func (b *Batcher) safeHandle(ctx context.Context, handle Handler, batch synckit.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch handler panicked: %v", r)
		}
	}()
	return handle(ctx, batch)
}

// adapt moves batch size and interval toward the resource headroom
// reported by p.
func (b *Batcher) adapt(ctx context.Context, p probe.Probe) {
	sample, err := p.Sample(ctx)
	if err != nil {
		b.logger.Warn("resource probe failed, keeping pace", slog.Any("error", err))
		return
	}
	headroom := sample.Headroom()

	b.mu.Lock()
	size, interval := b.size, b.interval
	switch {
	case headroom < b.cfg.LowWatermark:
		b.size = max(b.size/2, b.cfg.MinBatchSize)
		b.interval = min(b.interval*2, b.cfg.MaxInterval)
	case headroom > b.cfg.HighWatermark:
		b.size = min(b.size*2, b.cfg.MaxItems)
		b.interval = max(b.interval/2, b.cfg.Interval)
	}
	changed := size != b.size || interval != b.interval
	next := Pace{Size: b.size, Interval: b.interval, Multiplier: b.pace}
	b.mu.Unlock()

	if changed {
		b.logger.Info("batch pacing adjusted",
			slog.Float64("headroom", headroom),
			slog.Int("batch_size", next.Size),
			slog.Duration("interval", next.Interval),
		)
	}
}

// nextDelay applies queue pressure and the pace multiplier to the adapted
// interval, and shortens it so a waiting critical operation is not held
// past CriticalMaxWait.
func (b *Batcher) nextDelay() time.Duration {
	now := b.cfg.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.interval
	switch n := len(b.queued); {
	case n > 2*b.size:
		d /= 2
	case n < b.cfg.MinBatchThreshold:
		d *= 2
	}
	d = time.Duration(float64(d) * b.pace)

	for _, it := range b.queued {
		if it.effective(now, b.cfg.AgingThreshold) != synckit.PriorityCritical {
			continue
		}
		if wait := it.since.Add(b.cfg.CriticalMaxWait).Sub(now); wait < d {
			d = wait
		}
	}
	return min(max(d, b.cfg.MinInterval), b.cfg.MaxInterval)
}
