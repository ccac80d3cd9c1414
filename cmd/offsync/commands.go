package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/offsync/coordinator"
	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/history"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/oplog"
	"github.com/c0deZ3R0/offsync/synckit"
)

func enqueueCmd(a *app) *cobra.Command {
	var kind, priority string
	cmd := &cobra.Command{
		Use:     "enqueue <entity-type> <entity-id> [payload|-]",
		GroupID: "local",
		Short:   "Record a local change",
		Long: `Record a change to one entity in the local operation log. The payload is
a JSON document given inline or read from stdin with "-". Deletes take no
payload. The change is delivered on the next sync.`,
		Example: `  offsync enqueue topic topic-42 '{"title":"A"}'
  offsync enqueue topic topic-42 --kind delete
  cat doc.json | offsync enqueue note n-7 - --priority high`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := synckit.ParsePriority(priority)
			if err != nil {
				return errors.NewValidationError(errors.OpRecord, err)
			}
			var payload json.RawMessage
			if len(args) == 3 {
				payload, err = readPayload(cmd.InOrStdin(), args[2])
				if err != nil {
					return err
				}
			}

			c, closeAll, err := a.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			op, err := c.Enqueue(cmd.Context(), synckit.Mutation{
				EntityType: args[0],
				EntityID:   args[1],
				Kind:       synckit.Kind(kind),
				Payload:    payload,
				Priority:   p,
			})
			if err != nil {
				return err
			}
			if ok, err := a.out.emit(op); ok {
				return err
			}
			a.out.success(fmt.Sprintf("recorded %s %s/%s as %s (version %d)", op.Kind, op.EntityType, op.EntityID, op.ID, op.Rank()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(synckit.KindUpdate), "create, update or delete")
	cmd.Flags().StringVarP(&priority, "priority", "p", synckit.PriorityMedium.String(), "low, medium, high or critical")
	return cmd
}

func readPayload(stdin io.Reader, arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, errors.NewValidationError(errors.OpRecord, fmt.Errorf("payload is not valid JSON"))
	}
	return json.RawMessage(data), nil
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: "local",
		Short:   "Show pending, failed and conflicting operations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeAll, err := a.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			st := c.Status()
			stats := c.Log().Stats()
			if ok, err := a.out.emit(struct {
				Device string     `json:"device"`
				Status any        `json:"status"`
				Log    oplog.Stats `json:"log"`
			}{a.cfg.Device, st, stats}); ok {
				return err
			}
			a.out.status(st, a.cfg.Device)
			a.out.field("completed", stats.Completed)
			a.out.field("entities", stats.Entities)
			if !a.cfg.HasRemote() {
				a.out.warning("no remote configured; use export/import to exchange changes")
			}
			return nil
		},
	}
}

func conflictsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "conflicts",
		GroupID: "local",
		Short:   "List conflicts that need a manual decision",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeAll, err := a.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			records := c.Conflicts(cmd.Context())
			if all {
				records = c.Log().Conflicts(false)
			}
			if ok, err := a.out.emit(records); ok {
				return err
			}
			if len(records) == 0 {
				a.out.success("no open conflicts")
				return nil
			}
			for _, r := range records {
				a.out.conflict(r)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func resolveCmd(a *app) *cobra.Command {
	var pick, payload, kind, note string
	cmd := &cobra.Command{
		Use:     "resolve <conflict-id>",
		GroupID: "local",
		Short:   "Settle a conflict by picking a side or supplying a value",
		Long: `Settle an open conflict. --pick keeps one of the conflicting operations;
--payload supplies a new value. Either way a new local operation is
recorded that supersedes every side, and it is delivered on the next sync.`,
		Example: `  offsync resolve 5f0c... --pick 9b21...
  offsync resolve 5f0c... --payload '{"grade":90}' --note "agreed in class"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (pick == "") == (payload == "") {
				return errors.NewValidationError(errors.OpResolve, fmt.Errorf("exactly one of --pick or --payload is required"))
			}
			choice := oplog.Choice{OperationID: pick, Note: note}
			if payload != "" {
				raw, err := readPayload(cmd.InOrStdin(), payload)
				if err != nil {
					return err
				}
				choice.Payload = raw
				choice.Kind = synckit.Kind(kind)
			}

			c, closeAll, err := a.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			op, err := c.ResolveConflict(cmd.Context(), args[0], choice)
			if errors.IsConflict(err) {
				return fmt.Errorf("%w (run 'offsync conflicts' to see what is left)", err)
			}
			if err != nil {
				return err
			}
			if ok, err := a.out.emit(op); ok {
				return err
			}
			a.out.success(fmt.Sprintf("conflict %s resolved by %s", args[0], op.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&pick, "pick", "", "id of the operation to keep")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON value to settle on, or - for stdin")
	cmd.Flags().StringVar(&kind, "kind", string(synckit.KindUpdate), "kind of the settling operation with --payload")
	cmd.Flags().StringVar(&note, "note", "", "note stored with the resolution")
	return cmd
}

func compactCmd(a *app) *cobra.Command {
	var olderThan, stale time.Duration
	cmd := &cobra.Command{
		Use:     "compact",
		GroupID: "local",
		Short:   "Drop long-synced operations and recover stuck ones",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan == 0 {
				olderThan = a.cfg.Maintenance.Retention
			}
			if stale == 0 {
				stale = a.cfg.Maintenance.StaleAfter
			}
			c, closeAll, err := a.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			recovered, err := c.RecoverInFlight(cmd.Context(), stale)
			if err != nil {
				return err
			}
			n, err := c.Compact(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			if ok, err := a.out.emit(map[string]int{"compacted": n, "recovered": len(recovered)}); ok {
				return err
			}
			a.out.success(fmt.Sprintf("compacted %d operations synced more than %s ago", n, olderThan))
			if len(recovered) > 0 {
				a.out.warning(fmt.Sprintf("returned %d stuck operations to pending", len(recovered)))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention horizon (default: maintenance.retention)")
	cmd.Flags().DurationVar(&stale, "stale-after", 0, "age after which in-flight operations are recovered (default: maintenance.stale_after)")
	return cmd
}

func syncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Push pending operations and pull remote ones now",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.HasRemote() {
				return errors.NewValidationError(errors.OpSync, fmt.Errorf("no remote configured (set remote.url or --remote)"))
			}
			c, closeAll, err := a.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			summary, syncErr := c.ForceSync(cmd.Context())
			if ok, err := a.out.emit(summary); ok {
				if syncErr != nil {
					return syncErr
				}
				return err
			}
			a.out.summary(summary)
			if syncErr != nil {
				if errors.IsTransient(syncErr) {
					a.out.warning("remote unreachable; changes stay queued for the next sync")
				}
				return syncErr
			}
			st := c.Status()
			if st.Conflicts > 0 {
				a.out.warning(fmt.Sprintf("%d open conflicts; see 'offsync conflicts'", st.Conflicts))
			}
			a.out.success("in sync")
			return nil
		},
	}
}

func historyCmd(a *app) *cobra.Command {
	var (
		failed bool
		limit  int
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:     "history",
		GroupID: "sync",
		Short:   "Show past sync runs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return errors.NewValidationError(errors.OpLoad, fmt.Errorf("--limit must not be negative"))
			}
			c, closeAll, err := a.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			f := history.Filter{Limit: limit}
			if failed {
				f.Outcome = history.OutcomeFailed
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			records, err := c.History(cmd.Context(), f)
			if err != nil {
				return err
			}
			if ok, err := a.out.emit(records); ok {
				return err
			}
			if len(records) == 0 {
				a.out.success("no sync runs recorded")
				return nil
			}
			for _, r := range records {
				a.out.run(r)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "only show failed runs")
	cmd.Flags().IntVar(&limit, "limit", 20, "show at most this many runs (0 for all)")
	cmd.Flags().DurationVar(&since, "since", 0, "only show runs started within this long ago")
	return cmd
}

func exportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "export <file>",
		GroupID: "sync",
		Short:   "Write local operations to an exchange file",
		Long: `Write every pending and synced operation to an exchange file that another
device can import. A .gz suffix compresses the file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeAll, err := a.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			var n int
			err = a.logger.LogOperation(cmd.Context(), logging.Operation(errors.OpExport), logging.Component("cli"), func() error {
				n, err = c.ExportToFile(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			if ok, err := a.out.emit(map[string]any{"file": args[0], "operations": n}); ok {
				return err
			}
			a.out.success(fmt.Sprintf("exported %d operations to %s", n, args[0]))
			return nil
		},
	}
}

func importCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "import <file>",
		GroupID: "sync",
		Short:   "Apply an exchange file from another device",
		Long: `Apply the operations of an exchange file. Importing the same file twice
changes nothing. With a remote configured, imported operations are
relayed to it on the next sync unless sync.keep_imports_local is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return errors.NewNotFound(errors.OpImport, "cli", args[0])
			}
			c, closeAll, err := a.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			var summary coordinator.SyncSummary
			err = a.logger.LogOperation(cmd.Context(), logging.Operation(errors.OpImport), logging.Component("cli"), func() error {
				summary, err = c.ImportFromFile(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			if ok, err := a.out.emit(summary); ok {
				return err
			}
			a.out.summary(summary)
			a.out.success(fmt.Sprintf("imported %s", args[0]))
			return nil
		},
	}
}
