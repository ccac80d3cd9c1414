package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c0deZ3R0/offsync/batcher"
	"github.com/c0deZ3R0/offsync/config"
	"github.com/c0deZ3R0/offsync/coordinator"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/oplog"
	"github.com/c0deZ3R0/offsync/peer"
	"github.com/c0deZ3R0/offsync/probe"
	"github.com/c0deZ3R0/offsync/storage"
	"github.com/c0deZ3R0/offsync/storage/memory"
	"github.com/c0deZ3R0/offsync/storage/postgres"
	"github.com/c0deZ3R0/offsync/storage/sqlite"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/transport"
	"github.com/c0deZ3R0/offsync/transport/httptransport"
)

// app holds what every command needs once flags and config are loaded.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	out    *printer
	// metrics, when set, collects cycle measurements for coordinators
	// opened by this app.
	metrics coordinator.Metrics
	// reload reads the configuration again with the same sources.
	reload func() (*config.Config, error)
}

// openProvider opens the configured storage. For postgres, notifyPrefixes
// selects which writes are announced over LISTEN/NOTIFY.
func (a *app) openProvider(notifyPrefixes ...string) (storage.Provider, error) {
	s := a.cfg.Storage
	switch s.Driver {
	case config.DriverMemory:
		a.logger.Warn("using in-memory storage; nothing survives this process")
		return memory.New(), nil
	case config.DriverSQLite:
		c := sqlite.DefaultConfig(s.Path)
		c.TableName = s.Table
		c.Logger = a.logger.WithComponent(logging.Component("sqlite-store"))
		return sqlite.New(c)
	case config.DriverPostgres:
		c := postgres.DefaultConfig(s.DSN)
		if s.Table != "" {
			c.TableName = s.Table
		}
		c.Logger = a.logger.WithComponent(logging.Component("postgres-store"))
		if s.Notify {
			c.NotifyPrefixes = notifyPrefixes
		}
		return postgres.New(c)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", s.Driver)
	}
}

func (a *app) resolver() (*synckit.Resolver, error) {
	logOpt := synckit.WithLogger(a.logger.WithComponent(logging.Component("resolver")))
	if a.cfg.PolicyFile == "" {
		return synckit.NewResolver(logOpt), nil
	}
	policy, err := synckit.LoadPolicy(a.cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	r, err := policy.BuildResolver(logOpt)
	if err != nil {
		return nil, err
	}
	a.logger.Info("merge policy loaded", slog.String("file", a.cfg.PolicyFile), slog.Any("strategies", r.Strategies()))
	return r, nil
}

// openLog opens the operation log of device on a fresh provider. Closing
// the log closes the provider.
func (a *app) openLog(ctx context.Context, device string, notifyPrefixes ...string) (*oplog.Log, error) {
	resolver, err := a.resolver()
	if err != nil {
		return nil, err
	}
	provider, err := a.openProvider(notifyPrefixes...)
	if err != nil {
		return nil, err
	}
	log, err := oplog.Open(ctx, provider, device,
		oplog.WithLogger(a.logger.WithComponent(logging.Component("oplog"))),
		oplog.WithResolver(resolver),
	)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	return log, nil
}

func (a *app) transport() (transport.Transport, error) {
	if !a.cfg.HasRemote() {
		return nil, nil
	}
	r := a.cfg.Remote
	opts := []httptransport.ClientOption{
		httptransport.WithClientCompression(r.Compression),
		httptransport.WithClientTimeout(r.Timeout),
		httptransport.WithPullLimit(r.PullLimit),
		httptransport.WithClientLogger(a.logger.WithComponent(logging.Component("http-client"))),
	}
	if r.Token != "" {
		opts = append(opts, httptransport.WithToken(r.Token))
	}
	return httptransport.NewClient(r.URL, a.cfg.Device, opts...)
}

func (a *app) coordinatorConfig() *coordinator.Config {
	s := a.cfg.Sync
	bcfg := batcher.DefaultConfig()
	if s.BatchSize > 0 {
		bcfg.MaxItems = s.BatchSize
	}
	if s.BatchBytes > 0 {
		bcfg.MaxBytes = s.BatchBytes
	}
	if s.Interval > 0 {
		bcfg.Interval = s.Interval
	}
	bcfg.Logger = a.logger.WithComponent(logging.Component("batcher"))

	return &coordinator.Config{
		Batcher:           bcfg,
		Probe:             probe.NewSystem(),
		MaxRetries:        s.MaxRetries,
		DegradedThreshold: s.DegradedThreshold,
		PushTimeout:       s.PushTimeout,
		PullTimeout:       s.PullTimeout,
		PullInterval:      s.PullInterval,
		KeepImportsLocal:  s.KeepImportsLocal,
		Metrics:           a.metrics,
		Logger:            a.logger.WithComponent(logging.Component("coordinator")),
	}
}

// openCoordinator opens the device log and wraps it in a coordinator. The
// returned close function closes both.
func (a *app) openCoordinator(ctx context.Context) (*coordinator.Coordinator, func(), error) {
	t, err := a.transport()
	if err != nil {
		return nil, nil, err
	}
	log, err := a.openLog(ctx, a.cfg.Device)
	if err != nil {
		return nil, nil, err
	}
	c, err := coordinator.New(log, t, a.coordinatorConfig())
	if err != nil {
		_ = log.Close()
		return nil, nil, err
	}
	closeAll := func() {
		if err := c.Close(); err != nil {
			a.logger.LogError(ctx, err, "close coordinator")
		}
		if err := log.Close(); err != nil {
			a.logger.LogError(ctx, err, "close operation log")
		}
	}
	return c, closeAll, nil
}

// openPeer opens the serving side: a log owned by the server identity
// plus its sequence index.
func (a *app) openPeer(ctx context.Context, opts ...peer.Option) (*peer.Store, error) {
	log, err := a.openLog(ctx, a.cfg.Device, peer.SeqPrefix)
	if err != nil {
		return nil, err
	}
	opts = append([]peer.Option{peer.WithLogger(a.logger.WithComponent(logging.Component("peer")))}, opts...)
	s, err := peer.Open(ctx, log, opts...)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return s, nil
}
