package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/history"
	"github.com/c0deZ3R0/offsync/oplog"
	"github.com/c0deZ3R0/offsync/synckit"
)

// ForceSync runs one full cycle now, ignoring the batch cadence and any
// retry delay: every pending operation is pushed in as many batches as it
// takes, then remote operations are pulled and reconciled.
//
// Delivery failures are returned after the affected operations have gone
// back to Pending (or to Failed once out of retries).
func (c *Coordinator) ForceSync(ctx context.Context) (SyncSummary, error) {
	if err := c.checkOpen(errors.OpSync); err != nil {
		return SyncSummary{}, err
	}
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	summary := SyncSummary{StartedAt: c.cfg.Now()}
	if c.transport == nil {
		return summary, errors.NewWithComponent(errors.OpSync, component, fmt.Errorf("no remote configured"))
	}

	if err := c.transition(ctx, StateCollecting); err != nil {
		return summary, err
	}
	if err := c.refill(ctx); err != nil {
		return c.finish(ctx, history.TriggerForced, summary, err)
	}
	if n := c.batcher.Expedite(); n > 0 {
		c.logger.Debug("retry delays skipped for forced sync", slog.Int("operations", n))
	}

	for {
		batch := c.batcher.NextBatch(0, 0)
		if batch.Empty() {
			break
		}
		if err := c.transition(ctx, StateTransmitting); err != nil {
			c.batcher.Retry(batch.ID, batch.IDs(), 0)
			return c.finish(ctx, history.TriggerForced, summary, err)
		}
		if err := c.transmit(ctx, batch, &summary); err != nil {
			return c.finish(ctx, history.TriggerForced, summary, err)
		}
		c.emit(Event{Type: EventProgress, Count: summary.Pushed})
	}

	if err := c.transition(ctx, StateReconciling); err != nil {
		return c.finish(ctx, history.TriggerForced, summary, err)
	}
	err := c.reconcile(ctx, &summary)
	return c.finish(ctx, history.TriggerForced, summary, err)
}

// deliver is the batch loop handler: it transmits one batch and, when that
// worked, reconciles.
func (c *Coordinator) deliver(ctx context.Context, batch synckit.Batch) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	summary := SyncSummary{StartedAt: c.cfg.Now()}
	if c.transport == nil {
		// file-only: leave the batch queued for an export
		c.batcher.Retry(batch.ID, batch.IDs(), c.batcher.Pace().Interval)
		return nil
	}
	for _, to := range []State{StateCollecting, StateTransmitting} {
		if err := c.transition(ctx, to); err != nil {
			c.batcher.Retry(batch.ID, batch.IDs(), 0)
			c.finish(ctx, history.TriggerBatch, summary, err)
			return nil
		}
	}
	if err := c.transmit(ctx, batch, &summary); err != nil {
		c.finish(ctx, history.TriggerBatch, summary, err)
		return nil
	}
	if err := c.transition(ctx, StateReconciling); err != nil {
		c.finish(ctx, history.TriggerBatch, summary, err)
		return nil
	}
	err := c.reconcile(ctx, &summary)
	c.finish(ctx, history.TriggerBatch, summary, err)
	return nil
}

// Nudge asks the running coordinator to pull now rather than at the next
// tick. Nudges that arrive while one is pending coalesce.
func (c *Coordinator) Nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pullLoop reconciles on a timer, slowed down while degraded, and on
// Nudge. Without a pull interval only nudges trigger a pull.
func (c *Coordinator) pullLoop(ctx context.Context) error {
	var timer *time.Timer
	var tick <-chan time.Time
	if c.cfg.PullInterval > 0 {
		timer = time.NewTimer(c.pullDelay())
		defer timer.Stop()
		tick = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-c.wake:
		}
		c.pullOnce(ctx)
		if timer != nil {
			timer.Stop()
			timer.Reset(c.pullDelay())
		}
	}
}

func (c *Coordinator) pullDelay() time.Duration {
	return time.Duration(float64(c.cfg.PullInterval) * c.batcher.Pace().Multiplier)
}

func (c *Coordinator) pullOnce(ctx context.Context) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	summary := SyncSummary{StartedAt: c.cfg.Now()}
	if err := c.transition(ctx, StateReconciling); err != nil {
		c.finish(ctx, history.TriggerPull, summary, err)
		return
	}
	err := c.reconcile(ctx, &summary)
	c.finish(ctx, history.TriggerPull, summary, err)
}

// finish closes a cycle: it settles the state, records the run in the
// history and reports the outcome.
func (c *Coordinator) finish(ctx context.Context, trigger history.Trigger, summary SyncSummary, err error) (SyncSummary, error) {
	summary.Duration = c.cfg.Now().Sub(summary.StartedAt)
	if terr := c.transition(ctx, c.restState()); terr != nil && err == nil {
		err = terr
	}
	c.remember(ctx, trigger, summary, err)
	c.cfg.Metrics.RecordCycleDuration(PhaseCycle, summary.Duration)
	c.cfg.Metrics.RecordOperations(summary.Pushed, summary.Pulled)
	c.cfg.Metrics.RecordConflicts(summary.Merged, summary.Conflicts)

	if err != nil {
		c.logger.LogError(ctx, err, "sync cycle failed",
			slog.Int("pushed", summary.Pushed),
			slog.Int("retried", summary.Retried),
			slog.Int("pulled", summary.Pulled),
		)
		s := summary
		c.emit(Event{Type: EventSyncFailed, Summary: &s, Error: err.Error()})
		return summary, err
	}

	c.logger.Info("sync cycle completed",
		slog.Duration("duration", summary.Duration),
		slog.Int("batches", summary.Batches),
		slog.Int("pushed", summary.Pushed),
		slog.Int("rejected", summary.Rejected),
		slog.Int("pulled", summary.Pulled),
		slog.Int("conflicts", summary.Conflicts),
		slog.Uint64("server_version", summary.ServerVersion),
	)
	s := summary
	c.emit(Event{Type: EventSyncComplete, Summary: &s})
	return summary, nil
}

// refill queues every Pending operation. The batcher is memory only, so
// this is how work recorded before a restart, or returned to Pending by
// maintenance, gets picked up.
func (c *Coordinator) refill(ctx context.Context) error {
	ops, err := c.log.GetPending(ctx, 0)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := c.batcher.Add(op, 0); err != nil {
			return err
		}
	}
	return nil
}

// transmit pushes one batch and settles every operation in it. The batch
// is always released before transmit returns, and no operation is left
// InFlight even when ctx was cancelled.
func (c *Coordinator) transmit(ctx context.Context, batch synckit.Batch, summary *SyncSummary) error {
	entries := make([]oplog.Entry, 0, len(batch.Operations))
	for _, op := range batch.Operations {
		e, err := c.log.Get(ctx, op.ID)
		if err != nil || e.State.Status != synckit.StatusPending {
			// superseded by a pulled operation, or already settled
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		c.batcher.Done(batch.ID)
		return nil
	}
	ids := make([]string, len(entries))
	batch.Operations = make([]synckit.Operation, len(entries))
	for i, e := range entries {
		ids[i] = e.Operation.ID
		batch.Operations[i] = e.Operation
	}

	if err := c.log.MarkMany(ctx, ids, synckit.StatusInFlight, nil); err != nil {
		c.batcher.Retry(batch.ID, ids, c.cfg.Backoff.Delay(1))
		return err
	}
	summary.Batches++

	// settling must survive the cancellation that may have ended the push
	settle := context.WithoutCancel(ctx)
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PushTimeout)
	started := c.cfg.Now()
	res, err := c.transport.Push(pctx, batch)
	cancel()
	c.cfg.Metrics.RecordCycleDuration(PhasePush, c.cfg.Now().Sub(started))
	if err != nil {
		err = classify(errors.OpPush, err)
		c.cfg.Metrics.RecordErrors(PhasePush, string(errors.CodeOf(err)))
		retry, serr := c.giveBack(settle, entries, err, summary)
		c.batcher.Retry(batch.ID, retry, c.retryDelay(entries, err))
		c.recordFailure(ctx, err)
		if serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}
	c.recordSuccess()

	rejected := make(map[string]string, len(res.Rejected))
	for _, r := range res.Rejected {
		rejected[r.ID] = r.Reason
	}
	accepted := make(map[string]bool, len(res.AcceptedIDs))
	for _, id := range res.AcceptedIDs {
		accepted[id] = true
	}

	var done []string
	var missing []oplog.Entry
	var settleErr error
	for _, e := range entries {
		id := e.Operation.ID
		switch reason, refused := rejected[id]; {
		case accepted[id]:
			done = append(done, id)
		case refused:
			cause := errors.NewPermanent(errors.OpPush, fmt.Errorf("rejected by remote: %s", reason))
			if err := c.log.Mark(settle, id, synckit.StatusFailed, cause); err != nil {
				settleErr = errors.Join(settleErr, err)
			}
			summary.Rejected++
			c.logger.Warn("operation rejected by remote",
				slog.String("operation_id", id),
				slog.String("reason", reason),
			)
		default:
			missing = append(missing, e)
		}
	}
	if err := c.log.MarkMany(settle, done, synckit.StatusCompleted, nil); err != nil {
		settleErr = errors.Join(settleErr, err)
	}
	summary.Pushed += len(done)

	var retry []string
	if len(missing) > 0 {
		cause := errors.NewTransient(errors.OpPush, fmt.Errorf("not acknowledged by remote"))
		var err error
		retry, err = c.giveBack(settle, missing, cause, summary)
		settleErr = errors.Join(settleErr, err)
	}
	c.batcher.Retry(batch.ID, retry, c.retryDelay(missing, nil))
	return settleErr
}

// giveBack returns InFlight entries to Pending after a failed attempt, or
// to Failed once they have used up MaxRetries. It returns the ids that go
// back in the queue.
func (c *Coordinator) giveBack(ctx context.Context, entries []oplog.Entry, cause error, summary *SyncSummary) ([]string, error) {
	var retry, exhausted []string
	for _, e := range entries {
		if e.State.RetryCount+1 >= c.cfg.MaxRetries {
			exhausted = append(exhausted, e.Operation.ID)
		} else {
			retry = append(retry, e.Operation.ID)
		}
	}
	var err error
	if mErr := c.log.MarkMany(ctx, retry, synckit.StatusPending, cause); mErr != nil {
		err = errors.Join(err, mErr)
	}
	if mErr := c.log.MarkMany(ctx, exhausted, synckit.StatusFailed, cause); mErr != nil {
		err = errors.Join(err, mErr)
	}
	summary.Retried += len(retry)
	summary.Failed += len(exhausted)
	if len(exhausted) > 0 {
		c.logger.Warn("operations failed after exhausting retries",
			slog.Int("operations", len(exhausted)),
			slog.Int("max_retries", c.cfg.MaxRetries),
			slog.String("error", cause.Error()),
		)
	}
	return retry, err
}

// retryDelay backs off by the most-retried entry, honouring a Retry-After
// hint from the remote when it asks for longer.
func (c *Coordinator) retryDelay(entries []oplog.Entry, err error) time.Duration {
	attempt := 1
	for _, e := range entries {
		if e.State.RetryCount+1 > attempt {
			attempt = e.State.RetryCount + 1
		}
	}
	return max(c.cfg.Backoff.Delay(attempt), errors.RetryAfter(err))
}

// reconcile pulls every page after the saved cursor and applies it. The
// cursor is saved after each page, so an interrupted reconcile resumes
// where it stopped; re-applying an operation is a no-op anyway.
func (c *Coordinator) reconcile(ctx context.Context, summary *SyncSummary) error {
	since, err := c.cursors.Load(ctx, c.cfg.RemoteName)
	if err != nil {
		return err
	}
	summary.Cursor = since
	before := summary.NewData()

	for page := 0; page < c.cfg.MaxPullPages; page++ {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.PullTimeout)
		started := c.cfg.Now()
		res, err := c.transport.Pull(pctx, since)
		cancel()
		c.cfg.Metrics.RecordCycleDuration(PhasePull, c.cfg.Now().Sub(started))
		if err != nil {
			err = classify(errors.OpPull, err)
			c.cfg.Metrics.RecordErrors(PhasePull, string(errors.CodeOf(err)))
			c.recordFailure(ctx, err)
			return err
		}
		c.recordSuccess()
		summary.ServerVersion = res.ServerVersion

		for _, op := range res.Operations {
			summary.Pulled++
			if err := c.ingest(ctx, op, summary); err != nil {
				return err
			}
		}

		next := res.Next(since)
		if next.Compare(since) > 0 {
			if since, err = c.cursors.Save(ctx, c.cfg.RemoteName, next); err != nil {
				return err
			}
			summary.Cursor = since
		}
		if !res.HasMore || len(res.Operations) == 0 {
			break
		}
	}

	if n := summary.NewData() - before; n > 0 {
		c.emit(Event{Type: EventNewData, Count: n})
	}
	return nil
}

// ingest applies one pulled operation. Malformed operations are skipped so
// one bad record cannot block the rest of the feed.
func (c *Coordinator) ingest(ctx context.Context, op synckit.Operation, summary *SyncSummary, opts ...oplog.ApplyOption) error {
	if err := op.Validate(); err != nil {
		summary.Skipped++
		c.logger.Warn("skipping invalid remote operation",
			slog.String("operation_id", op.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	res, err := c.log.Apply(ctx, op, opts...)
	if err != nil {
		return err
	}
	for _, id := range res.Superseded {
		c.batcher.Remove(id)
	}
	switch res.Outcome {
	case oplog.OutcomeApplied:
		summary.Applied++
	case oplog.OutcomeMerged:
		summary.Merged++
	case oplog.OutcomeSuperseded:
		summary.Superseded++
	case oplog.OutcomeDuplicate:
		summary.Duplicates++
	case oplog.OutcomeConflict:
		summary.Conflicts++
		if res.Conflict != nil {
			c.logger.Warn("concurrent edits need a manual decision",
				slog.String("conflict_id", res.Conflict.ID),
				slog.String("entity", op.EntityKey().String()),
			)
			c.emit(Event{Type: EventConflict, ConflictID: res.Conflict.ID})
		}
	}
	return nil
}
