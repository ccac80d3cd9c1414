// Package coordinator runs the sync cycle of one device. A Coordinator owns
// the operation log, the batcher and the transport; none of them refer back
// to it. Results reach observers through Status and the Events channel.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/offsync/batcher"
	"github.com/c0deZ3R0/offsync/cursor"
	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/history"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/oplog"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/transport"
)

const component = "coordinator"

// Coordinator orchestrates collecting, transmitting and reconciling.
type Coordinator struct {
	log       *oplog.Log
	transport transport.Transport
	batcher   *batcher.Batcher
	cursors   *cursor.Store
	history   *history.Store
	cfg       Config
	logger    *logging.Logger

	// cycleMu serializes cycles and imports
	cycleMu sync.Mutex

	mu           sync.Mutex
	state        State
	degraded     bool
	online       bool
	failures     int
	lastErr      string
	lastSyncedAt *time.Time
	events       chan Event
	wake         chan struct{}
	dropped      int
	closed       bool
	stop         context.CancelFunc
	group        *errgroup.Group
}

// New builds a coordinator for log. A nil transport runs the coordinator in
// file-only mode: operations are exchanged through ExportToFile and
// ImportFromFile, and sync cycles have nothing to do.
func New(log *oplog.Log, t transport.Transport, config *Config) (*Coordinator, error) {
	if log == nil {
		return nil, configError(fmt.Errorf("operation log is required"))
	}
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, configError(err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().WithComponent(logging.Component(component))
	}
	logger := cfg.Logger.WithDevice(log.Device())

	var bcfg batcher.Config
	if cfg.Batcher != nil {
		bcfg = *cfg.Batcher
	}
	if bcfg.Now == nil {
		bcfg.Now = cfg.Now
	}
	b, err := batcher.New(batcher.SourceFunc(func(ctx context.Context, id string) (synckit.Operation, error) {
		e, err := log.Get(ctx, id)
		return e.Operation, err
	}), &bcfg)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		log:       log,
		transport: t,
		batcher:   b,
		cursors:   cursor.NewStore(log.Store()),
		history:   history.NewStore(log.Store()),
		cfg:       cfg,
		logger:    logger,
		events:    make(chan Event, cfg.EventBuffer),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Log returns the operation log.
func (c *Coordinator) Log() *oplog.Log { return c.log }

// Events delivers notifications. Sends never block; when the buffer is
// full the event is dropped. The channel is closed by Close.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Enqueue records a local mutation and queues it for delivery. It never
// touches the network.
func (c *Coordinator) Enqueue(ctx context.Context, m synckit.Mutation) (synckit.Operation, error) {
	if err := c.checkOpen(errors.OpEnqueue); err != nil {
		return synckit.Operation{}, err
	}
	op, err := c.log.Record(ctx, m)
	if err != nil {
		return synckit.Operation{}, err
	}
	if err := c.batcher.Add(op, 0); err != nil {
		return op, err
	}
	c.logger.Debug("mutation enqueued",
		slog.String("operation_id", op.ID),
		slog.String("entity", op.EntityKey().String()),
		slog.String("priority", op.Priority.String()),
	)
	return op, nil
}

// Conflicts lists the conflicts awaiting a manual decision.
func (c *Coordinator) Conflicts(ctx context.Context) []synckit.ConflictRecord {
	return c.log.Conflicts(true)
}

// ResolveConflict records a manual decision as a new local operation and
// queues it. Its clock dominates every side of the conflict, so it wins on
// every replica once delivered.
func (c *Coordinator) ResolveConflict(ctx context.Context, id string, choice oplog.Choice) (synckit.Operation, error) {
	if err := c.checkOpen(errors.OpResolve); err != nil {
		return synckit.Operation{}, err
	}
	op, err := c.log.ResolveConflict(ctx, id, choice)
	if err != nil {
		return synckit.Operation{}, err
	}
	if err := c.batcher.Add(op, 0); err != nil {
		return op, err
	}
	c.logger.Info("conflict resolved manually",
		slog.String("conflict_id", id),
		slog.String("operation_id", op.ID),
	)
	c.emit(Event{Type: EventConflict, ConflictID: id, Count: len(c.log.Conflicts(true))})
	return op, nil
}

// Status returns a snapshot of the coordinator and the log.
func (c *Coordinator) Status() Status {
	stats := c.log.Stats()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:               c.state,
		Degraded:            c.degraded,
		Online:              c.online,
		Pending:             stats.Pending,
		InFlight:            stats.InFlight,
		Failed:              stats.Failed,
		Conflicts:           stats.OpenConflicts,
		Queued:              c.batcher.Len(),
		LastError:           c.lastErr,
		ConsecutiveFailures: c.failures,
		Pace:                c.batcher.Pace(),
	}
	if c.lastSyncedAt != nil {
		at := *c.lastSyncedAt
		s.LastSyncedAt = &at
	}
	return s
}

// Start runs the batch loop and the pull ticker in the background until
// Stop or Close, or until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.checkOpen(errors.OpSync); err != nil {
		return err
	}
	if err := c.refill(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return errors.NewWithComponent(errors.OpSync, component, fmt.Errorf("coordinator is already running"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.batcher.Run(gctx, c.cfg.Probe, c.deliver) })
	if c.transport != nil {
		g.Go(func() error { return c.pullLoop(gctx) })
	}
	c.stop, c.group = cancel, g
	c.logger.Info("coordinator started",
		slog.Duration("pull_interval", c.cfg.PullInterval),
		slog.Int("queued", c.batcher.Len()),
	)
	return nil
}

// Stop ends background work and waits for the running cycle. Operations
// of an interrupted batch are back to Pending when it returns.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	stop, g := c.stop, c.group
	c.stop, c.group = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	err := g.Wait()

	// wait out a ForceSync or import running on a caller goroutine
	c.cycleMu.Lock()
	c.cycleMu.Unlock()

	c.logger.Info("coordinator stopped", slog.Int("queued", c.batcher.Len()))
	return err
}

// Close stops background work and closes the Events channel. The log
// stays open; its owner closes it.
func (c *Coordinator) Close() error {
	err := c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
		if c.dropped > 0 {
			c.logger.Warn("events dropped while the channel was full", slog.Int("dropped", c.dropped))
		}
	}
	return err
}

func (c *Coordinator) checkOpen(op errors.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.NewWithComponent(op, component, errors.ErrClosed)
	}
	return nil
}

// transition moves the state machine. An illegal move is a bug in the
// caller: it is logged and the state is left unchanged.
func (c *Coordinator) transition(ctx context.Context, to State) error {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return nil
	}
	if !from.CanTransition(to) {
		c.mu.Unlock()
		err := errors.NewInvalidTransition(errors.OpTransit, component, from, to)
		c.logger.LogError(ctx, err, "illegal coordinator transition rejected",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		return err
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	c.emit(Event{Type: EventStateChanged})
	return nil
}

// restState is where a finished cycle lands.
func (c *Coordinator) restState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		return StateDegraded
	}
	return StateIdle
}

func (c *Coordinator) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = c.cfg.Now()
	}
	ev.State = c.state
	select {
	case c.events <- ev:
	default:
		c.dropped++
	}
}

// recordSuccess notes that the remote answered.
func (c *Coordinator) recordSuccess() {
	now := c.cfg.Now().UTC()
	c.mu.Lock()
	recovered := c.degraded
	c.degraded = false
	c.online = true
	c.failures = 0
	c.lastErr = ""
	c.lastSyncedAt = &now
	c.mu.Unlock()

	if recovered {
		c.batcher.SetPace(1)
		c.logger.Info("remote reachable again, leaving degraded mode")
	}
}

// recordFailure counts a failed transmission and enters degraded mode at
// the threshold. Failures caused by our own shutdown are not counted.
func (c *Coordinator) recordFailure(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	c.failures++
	c.lastErr = err.Error()
	if errors.IsTransient(err) {
		c.online = false
	}
	entering := !c.degraded && c.failures > c.cfg.DegradedThreshold
	if entering {
		c.degraded = true
	}
	failures := c.failures
	c.mu.Unlock()

	if entering {
		c.batcher.SetPace(c.cfg.DegradedPace)
		c.logger.Warn("sync degraded after consecutive transmission failures",
			slog.Int("failures", failures),
			slog.Float64("pace", c.cfg.DegradedPace),
			slog.String("error", err.Error()),
		)
	}
}

// classify makes sure a transport failure is either transient or
// permanent. Anything a transport did not classify, including timeouts and
// storage failures on the remote, is worth retrying.
func classify(op errors.Operation, err error) error {
	if errors.IsTransient(err) || errors.IsPermanent(err) {
		return err
	}
	return errors.NewTransient(op, err)
}
