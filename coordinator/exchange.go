package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/history"
	"github.com/c0deZ3R0/offsync/oplog"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/transport/filetransport"
)

// ExportToFile writes every pending and completed operation, with the
// log's version per entity type, to an exchange file at path. Failed
// operations were refused by the remote and are not exported.
func (c *Coordinator) ExportToFile(ctx context.Context, path string) (int, error) {
	if err := c.checkOpen(errors.OpExport); err != nil {
		return 0, err
	}
	entries := c.log.Operations(func(e oplog.Entry) bool {
		return e.State.Status != synckit.StatusFailed
	})
	ops := make([]synckit.Operation, len(entries))
	for i, e := range entries {
		ops[i] = e.Operation
	}
	doc := filetransport.New(c.log.Device(), ops, c.log.Versions(), c.cfg.Now())
	if err := filetransport.ExportToFile(path, doc); err != nil {
		c.logger.LogError(ctx, err, "export failed", slog.String("path", path))
		return 0, err
	}
	c.logger.Info("operations exported", slog.String("path", path), slog.Int("operations", len(ops)))
	return len(ops), nil
}

// ImportFromFile applies the operations of an exchange file. Importing the
// same file again changes nothing.
func (c *Coordinator) ImportFromFile(ctx context.Context, path string) (SyncSummary, error) {
	if err := c.checkOpen(errors.OpImport); err != nil {
		return SyncSummary{}, err
	}
	doc, err := filetransport.ImportFromFile(path)
	if err != nil {
		return SyncSummary{}, err
	}
	return c.Import(ctx, doc)
}

// Import applies a decoded exchange document through the same path as
// pulled operations. Unless imports are kept local, new operations are
// stored Pending and relayed to the remote on the next cycle.
func (c *Coordinator) Import(ctx context.Context, doc filetransport.Exchange) (SyncSummary, error) {
	if err := c.checkOpen(errors.OpImport); err != nil {
		return SyncSummary{}, err
	}
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	summary := SyncSummary{StartedAt: c.cfg.Now()}
	relay := c.transport != nil && !c.cfg.KeepImportsLocal
	var opts []oplog.ApplyOption
	if relay {
		opts = append(opts, oplog.AsPending())
	}

	for _, op := range doc.Operations {
		summary.Pulled++
		known := c.log.Known(op.ID)
		err := c.ingest(ctx, op, &summary, opts...)
		if err == nil && relay && !known && c.log.Known(op.ID) {
			err = c.batcher.Add(op, 0)
		}
		if err != nil {
			summary.Duration = c.cfg.Now().Sub(summary.StartedAt)
			c.remember(ctx, history.TriggerImport, summary, err)
			return summary, err
		}
	}
	summary.Duration = c.cfg.Now().Sub(summary.StartedAt)
	c.remember(ctx, history.TriggerImport, summary, nil)

	c.logger.Info("exchange imported",
		slog.String("from_device", doc.DeviceID),
		slog.Int("operations", summary.Pulled),
		slog.Int("duplicates", summary.Duplicates),
		slog.Int("conflicts", summary.Conflicts),
		slog.Bool("relayed", relay),
	)
	if n := summary.NewData(); n > 0 {
		c.emit(Event{Type: EventNewData, Count: n})
	}
	return summary, nil
}

// InboxHandler adapts Import to a filetransport.Watcher.
func (c *Coordinator) InboxHandler() filetransport.ImportFunc {
	return func(ctx context.Context, path string, doc filetransport.Exchange) error {
		_, err := c.Import(ctx, doc)
		return err
	}
}

// Compact drops operations synced before the horizon from the log.
func (c *Coordinator) Compact(ctx context.Context, before time.Time) (int, error) {
	return c.log.Compact(ctx, before)
}

// RecoverInFlight returns operations stuck InFlight for longer than
// olderThan to Pending and queues them again.
func (c *Coordinator) RecoverInFlight(ctx context.Context, olderThan time.Duration) ([]string, error) {
	ids, err := c.log.RecoverInFlight(ctx, olderThan)
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	return ids, c.refill(ctx)
}
