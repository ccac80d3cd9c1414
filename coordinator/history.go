package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/history"
)

// remember stores the run. A history write that fails is logged and never
// changes the outcome of the run itself.
func (c *Coordinator) remember(ctx context.Context, trigger history.Trigger, summary SyncSummary, runErr error) {
	rec := history.Record{
		Trigger:       trigger,
		Outcome:       history.OutcomeSuccess,
		StartedAt:     summary.StartedAt,
		Duration:      summary.Duration,
		Pushed:        summary.Pushed,
		Rejected:      summary.Rejected,
		Failed:        summary.Failed,
		Pulled:        summary.Pulled,
		NewData:       summary.NewData(),
		Conflicts:     summary.Conflicts,
		ServerVersion: summary.ServerVersion,
	}
	if runErr != nil {
		rec.Outcome = history.OutcomeFailed
		rec.Error = runErr.Error()
		rec.Code = string(errors.CodeOf(runErr))
	}
	// the run may have ended because ctx was cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.history.Append(ctx, rec); err != nil {
		c.logger.LogError(ctx, err, "sync history not recorded", slog.String("trigger", string(trigger)))
	}
}

// History returns past runs matching f, newest first.
func (c *Coordinator) History(ctx context.Context, f history.Filter) ([]history.Record, error) {
	if err := c.checkOpen(errors.OpLoad); err != nil {
		return nil, err
	}
	return c.history.List(ctx, f)
}

// HistoryCounts tallies successful and failed runs.
func (c *Coordinator) HistoryCounts(ctx context.Context) (history.Counts, error) {
	if err := c.checkOpen(errors.OpLoad); err != nil {
		return history.Counts{}, err
	}
	return c.history.Counts(ctx)
}

// PruneHistory drops the records of runs started before the horizon.
func (c *Coordinator) PruneHistory(ctx context.Context, before time.Time) (int, error) {
	if err := c.checkOpen(errors.OpCompact); err != nil {
		return 0, err
	}
	return c.history.Prune(ctx, before)
}
