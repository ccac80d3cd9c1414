package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/offsync/config"
	"github.com/c0deZ3R0/offsync/coordinator"
	"github.com/c0deZ3R0/offsync/cursor"
	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/history"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/maintenance"
	"github.com/c0deZ3R0/offsync/peer"
	"github.com/c0deZ3R0/offsync/statusfeed"
	"github.com/c0deZ3R0/offsync/storage/postgres"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/transport/filetransport"
	"github.com/c0deZ3R0/offsync/transport/httptransport"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		GroupID: "run",
		Short:   "Run a sync endpoint other devices push to and pull from",
		Long: `Serve the sync endpoint from this machine's storage:

  POST /sync/push         accept a batch of operations
  GET  /sync/pull?since=  operations accepted after a sequence number
  GET  /sync/version      current sequence number
  GET  /sync/stream       server-sent events as the sequence number advances
  GET  /health
  GET  /feed/ws           websocket feed of accepted operations
  GET  /feed/status

With the postgres driver and storage.notify set, every accepted operation
is announced over LISTEN/NOTIFY so several serve processes sharing one
database all feed their websocket clients.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Serve.Addr
			}
			ctx := cmd.Context()
			notify := a.cfg.Storage.Driver == config.DriverPostgres && a.cfg.Storage.Notify

			var store *peer.Store
			var handler *httptransport.Handler
			feed := statusfeed.New(func() any {
				return map[string]any{"device": a.cfg.Device, "server_version": store.Version()}
			}, &statusfeed.Config{Logger: a.logger.WithComponent(logging.Component("statusfeed"))})
			announce := func(count int, last uint64) {
				feed.PublishAccepted(count, last)
				handler.Notify()
			}

			var opts []peer.Option
			if !notify {
				opts = append(opts, peer.OnAccept(func(ops []synckit.Operation, last uint64) {
					announce(len(ops), last)
				}))
			}
			store, err := a.openPeer(ctx, opts...)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Log().Close(); err != nil {
					a.logger.LogError(ctx, err, "close peer log")
				}
			}()

			handler = httptransport.NewHandler(store,
				httptransport.WithMaxRequestSize(a.cfg.Serve.MaxRequestSize),
				httptransport.WithRequestTimeout(a.cfg.Serve.RequestTimeout),
				httptransport.WithStreamPoll(a.cfg.Serve.StreamPoll),
				httptransport.WithServerLogger(a.logger.WithComponent(logging.Component("http-handler"))),
			)
			mux := http.NewServeMux()
			mux.Handle("/sync/", handler)
			mux.Handle("/health", handler)
			mux.Handle("/feed/", http.StripPrefix("/feed", feed))

			var listener *postgres.ChangeListener
			if notify {
				if listener, err = newSequenceListener(a.cfg, store, announce, a.logger); err != nil {
					return err
				}
				defer listener.Close()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return feed.Run(gctx) })
			g.Go(func() error { return serveHTTP(gctx, addr, mux, a.logger) })
			if listener != nil {
				g.Go(func() error { return ignoreCanceled(listener.Run(gctx)) })
			}
			g.Go(func() error {
				reloadOnHangup(gctx, a)
				return nil
			})

			a.logger.Info("sync endpoint serving",
				slog.String("addr", addr),
				slog.Uint64("server_version", store.Version()),
				slog.Bool("notify", notify),
			)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: serve.addr)")
	return cmd
}

// newSequenceListener announces every sequence key another process
// commits. An empty key follows a reconnect and announces the version.
func newSequenceListener(cfg *config.Config, store *peer.Store, announce func(count int, last uint64), logger *logging.Logger) (*postgres.ChangeListener, error) {
	pcfg := postgres.DefaultConfig(cfg.Storage.DSN)
	listener, err := postgres.NewChangeListener(pcfg.ConnectionString, pcfg.NotifyChannel, postgres.ListenerOptions{
		Logger: logger.WithComponent(logging.Component("postgres-listener")),
	})
	if err != nil {
		return nil, errors.NewStorageError(errors.OpLoad, err)
	}
	listener.Subscribe(func(key string) {
		if key == "" {
			announce(0, store.Version())
			return
		}
		seq, err := strconv.ParseUint(strings.TrimPrefix(key, peer.SeqPrefix), 10, 64)
		if err != nil {
			logger.Debug("ignoring notification", slog.String("key", key))
			return
		}
		announce(1, seq)
	})
	return listener, nil
}

func daemonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "daemon",
		GroupID: "run",
		Short:   "Sync in the background until interrupted",
		Long: `Run the background sync loop: pending operations are delivered in adaptive
batches, remote operations are pulled periodically, exchange files dropped
into inbox.dir are imported, and maintenance jobs run on their schedules.
With status.addr set, a websocket feed of sync events is served there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			metrics := coordinator.NewCounterMetrics()
			a.metrics = metrics
			c, closeAll, err := a.openCoordinator(ctx)
			if err != nil {
				return err
			}
			defer closeAll()

			sched, err := maintenance.New(c, maintenanceConfig(a))
			if err != nil {
				return err
			}
			var inbox *filetransport.Watcher
			if dir := a.cfg.Inbox.Dir; dir != "" {
				inbox, err = filetransport.NewWatcher(dir, c.InboxHandler(),
					filetransport.WithSettle(a.cfg.Inbox.Settle),
					filetransport.WithWatcherLogger(a.logger.WithComponent(logging.Component("inbox"))),
				)
				if err != nil {
					return err
				}
			}
			var remote *httptransport.Client
			if a.cfg.Sync.Live && a.cfg.HasRemote() {
				t, err := a.transport()
				if err != nil {
					return err
				}
				remote = t.(*httptransport.Client)
			}

			g, gctx := errgroup.WithContext(ctx)

			var feed *statusfeed.Feed
			if a.cfg.Status.Addr != "" {
				feed = statusfeed.New(func() any {
					return map[string]any{
						"status":      c.Status(),
						"metrics":     metrics.Snapshot(),
						"maintenance": sched.Jobs(),
						"history":     recentHistory(gctx, c, a.logger),
					}
				}, &statusfeed.Config{
					OriginPatterns: a.cfg.Status.OriginPatterns,
					Logger:         a.logger.WithComponent(logging.Component("statusfeed")),
				})
				g.Go(func() error { return feed.Run(gctx) })
				g.Go(func() error { return serveHTTP(gctx, a.cfg.Status.Addr, feed, a.logger) })
			}
			g.Go(func() error {
				relayEvents(gctx, c.Events(), feed, a.logger)
				return nil
			})

			if inbox != nil {
				g.Go(func() error { return inbox.Run(gctx) })
			}
			g.Go(func() error {
				reloadOnHangup(gctx, a)
				return nil
			})
			if remote != nil {
				g.Go(func() error {
					watchRemote(gctx, remote, c, a.logger.WithComponent(logging.Component("live")))
					return nil
				})
			}

			if err := sched.Start(); err != nil {
				return err
			}
			g.Go(func() error {
				<-gctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return sched.Stop(stopCtx)
			})

			if err := c.Start(gctx); err != nil {
				return err
			}
			g.Go(func() error {
				<-gctx.Done()
				return c.Stop()
			})

			a.logger.Info("daemon running",
				slog.Bool("remote", a.cfg.HasRemote()),
				slog.Bool("live", remote != nil),
				slog.String("inbox", a.cfg.Inbox.Dir),
				slog.String("status_addr", a.cfg.Status.Addr),
			)
			err = g.Wait()
			a.logger.Info("daemon stopped", slog.Any("status", c.Status()))
			return err
		},
	}
}

// watchRemote nudges c every time the remote's version stream reports a
// new version, reconnecting with backoff until ctx is done.
func watchRemote(ctx context.Context, remote *httptransport.Client, c *coordinator.Coordinator, logger *logging.Logger) {
	backoff := coordinator.DefaultBackoff()
	attempt := 0
	for {
		err := remote.Watch(ctx, cursor.Cursor{}, func(v uint64) error {
			attempt = 0
			logger.Debug("remote advanced", slog.Uint64("server_version", v))
			c.Nudge()
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		attempt++
		wait := max(backoff.Delay(attempt), errors.RetryAfter(err))
		logger.Warn("remote stream lost",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// reloadOnHangup reads the configuration again on SIGHUP and applies its
// log level. Other settings take effect on restart.
func reloadOnHangup(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := a.reload()
		if err != nil {
			a.logger.LogError(ctx, err, "config reload failed")
			continue
		}
		if !logging.SetLevel(cfg.Log.Level) {
			a.logger.Warn("unknown log level, keeping the current one", slog.String("level", cfg.Log.Level))
			continue
		}
		a.logger.Info("log level applied", slog.String("level", cfg.Log.Level))
	}
}

func maintenanceConfig(a *app) *maintenance.Config {
	m := a.cfg.Maintenance
	m.Logger = a.logger.WithComponent(logging.Component("maintenance"))
	return &m
}

// recentHistory is the history block of the status document: run counts
// and the last few runs. It is left out when the log cannot be read.
func recentHistory(ctx context.Context, c *coordinator.Coordinator, logger *logging.Logger) any {
	counts, err := c.HistoryCounts(ctx)
	if err != nil {
		logger.LogError(ctx, err, "sync history unavailable")
		return nil
	}
	recent, err := c.History(ctx, history.Filter{Limit: 10})
	if err != nil {
		logger.LogError(ctx, err, "sync history unavailable")
		return nil
	}
	return map[string]any{
		"counts": counts,
		"recent": recent,
	}
}

// relayEvents logs coordinator events and forwards them to feed, if any,
// until the channel closes or ctx is done.
func relayEvents(ctx context.Context, events <-chan coordinator.Event, feed *statusfeed.Feed, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case coordinator.EventSyncFailed:
				logger.Warn("sync failed", slog.String("error", ev.Error))
			case coordinator.EventConflict:
				logger.Warn("conflict needs a decision", slog.String("conflict_id", ev.ConflictID))
			default:
				logger.Debug("sync event", slog.String("type", string(ev.Type)), slog.String("state", ev.State.String()))
			}
			if feed != nil {
				feed.PublishEvent(ev)
			}
		}
	}
}

// serveHTTP runs an HTTP server on addr until ctx is done, then shuts it
// down gracefully.
func serveHTTP(ctx context.Context, addr string, h http.Handler, logger *logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.String("addr", addr), slog.String("error", err.Error()))
		return err
	}
	<-errc
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
