// Package maintenance runs the periodic housekeeping of an operation log:
// compaction of long-synced operations and recovery of operations whose
// sender disappeared while they were in flight.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
)

// Job names.
const (
	JobCompact = "compact"
	JobRecover = "recover-in-flight"
)

// Target is what the jobs act on. Both *oplog.Log and
// *coordinator.Coordinator implement it; the coordinator also requeues
// recovered operations.
type Target interface {
	Compact(ctx context.Context, before time.Time) (int, error)
	RecoverInFlight(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// HistoryPruner is implemented by targets that keep a sync history. The
// compact job prunes it with the same retention as the log.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, before time.Time) (int, error)
}

// Config holds the schedules. Specs use the standard five-field cron
// syntax or descriptors such as "@hourly" and "@every 10m".
type Config struct {
	CompactSchedule string        `mapstructure:"compact_schedule"`
	Retention       time.Duration `mapstructure:"retention"`
	RecoverSchedule string        `mapstructure:"recover_schedule"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	// JobTimeout bounds one run.
	JobTimeout time.Duration `mapstructure:"job_timeout"`

	Logger *logging.Logger  `mapstructure:"-"`
	Now    func() time.Time `mapstructure:"-"`
}

// DefaultConfig compacts daily with 30 days of retention and recovers
// operations stuck in flight for an hour, every hour.
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.CompactSchedule == "" {
		c.CompactSchedule = "@daily"
	}
	if c.Retention == 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.RecoverSchedule == "" {
		c.RecoverSchedule = "@hourly"
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = time.Hour
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("maintenance"))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// JobStatus describes one job.
type JobStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	LastRun    time.Time `json:"last_run,omitempty"`
	NextRun    time.Time `json:"next_run,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	Runs       int       `json:"runs"`
}

type job struct {
	status  JobStatus
	entry   cron.EntryID
	handler func(ctx context.Context) (string, error)
}

// Scheduler runs the maintenance jobs on their cron schedules.
type Scheduler struct {
	target Target
	cfg    Config
	logger *logging.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
}

// New validates the schedules and prepares the jobs. Nothing runs until Start.
func New(target Target, config *Config) (*Scheduler, error) {
	if target == nil {
		return nil, errors.NewValidationError(errors.OpConfig, fmt.Errorf("maintenance target is required"))
	}
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.setDefaults()
	if cfg.Retention < 0 || cfg.StaleAfter < 0 {
		return nil, errors.NewValidationError(errors.OpConfig, fmt.Errorf("retention and stale-after must not be negative"))
	}

	s := &Scheduler{
		target: target,
		cfg:    cfg,
		logger: cfg.Logger,
		jobs:   make(map[string]*job),
	}
	s.cron = cron.New(
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)

	for name, spec := range map[string]string{JobCompact: cfg.CompactSchedule, JobRecover: cfg.RecoverSchedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, errors.NewValidationError(errors.OpConfig, fmt.Errorf("invalid %s schedule %q: %w", name, spec, err))
		}
	}
	s.jobs[JobCompact] = &job{status: JobStatus{Name: JobCompact, Schedule: cfg.CompactSchedule}, handler: s.compact}
	s.jobs[JobRecover] = &job{status: JobStatus{Name: JobRecover, Schedule: cfg.RecoverSchedule}, handler: s.recover}
	return s, nil
}

// Start schedules the jobs. Starting twice is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	for name, j := range s.jobs {
		name := name
		id, err := s.cron.AddFunc(j.status.Schedule, func() { s.Run(context.Background(), name) })
		if err != nil {
			return errors.NewValidationError(errors.OpConfig, fmt.Errorf("schedule %s: %w", name, err))
		}
		j.entry = id
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("maintenance scheduled",
		slog.String("compact", s.cfg.CompactSchedule),
		slog.Duration("retention", s.cfg.Retention),
		slog.String("recover", s.cfg.RecoverSchedule),
		slog.Duration("stale_after", s.cfg.StaleAfter),
	)
	return nil
}

// Stop unschedules the jobs and waits for a running one to finish or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, j := range s.jobs {
		s.cron.Remove(j.entry)
		j.entry = 0
	}
	done := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-done.Done():
		s.logger.Info("maintenance stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes one job now, outside its schedule.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errors.NewNotFound(errors.OpConfig, "maintenance", "job "+name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	started := s.cfg.Now()
	result, err := j.handler(ctx)
	if err != nil {
		result = "failed: " + err.Error()
		s.logger.LogError(ctx, err, "maintenance job failed", slog.String("job", name))
	} else {
		s.logger.Info("maintenance job completed",
			slog.String("job", name),
			slog.String("result", result),
			slog.Duration("took", s.cfg.Now().Sub(started)),
		)
	}

	s.mu.Lock()
	j.status.LastRun = started
	j.status.LastResult = result
	j.status.Runs++
	s.mu.Unlock()
	return err
}

// Jobs reports every job, ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.status
		if s.running {
			st.NextRun = s.cron.Entry(j.entry).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) compact(ctx context.Context) (string, error) {
	before := s.cfg.Now().Add(-s.cfg.Retention)
	n, err := s.target.Compact(ctx, before)
	if err != nil {
		return "", err
	}
	hp, ok := s.target.(HistoryPruner)
	if !ok {
		return fmt.Sprintf("%d operations compacted", n), nil
	}
	pruned, err := hp.PruneHistory(ctx, before)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d operations compacted, %d history records pruned", n, pruned), nil
}

func (s *Scheduler) recover(ctx context.Context) (string, error) {
	ids, err := s.target.RecoverInFlight(ctx, s.cfg.StaleAfter)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d operations recovered", len(ids)), nil
}

// cronLogger routes cron's own messages through the structured logger.
type cronLogger struct{ l *logging.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
