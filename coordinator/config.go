package coordinator

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/offsync/batcher"
	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/probe"
)

// Config tunes retries, timeouts and background cadence. Zero values take
// the defaults listed on each field.
type Config struct {
	// Batcher configures the owned batcher. Nil uses batcher.DefaultConfig().
	Batcher *batcher.Config

	// Probe reports resource headroom to the batch loop. Defaults to
	// probe.Unlimited.
	Probe probe.Probe

	// MaxRetries is the number of failed delivery attempts after which an
	// operation is marked Failed. Default 5.
	MaxRetries int

	// DegradedThreshold is how many consecutive failed transmissions are
	// tolerated; the next one enters degraded mode. Default 3.
	DegradedThreshold int

	// DegradedPace multiplies the batch and pull intervals while degraded.
	// Default 4.
	DegradedPace float64

	// PushTimeout and PullTimeout bound each transport call. Default 30s.
	PushTimeout time.Duration
	PullTimeout time.Duration

	// PullInterval is the background pull cadence. Default 1m; negative
	// disables background pulls.
	PullInterval time.Duration

	// MaxPullPages bounds the pages fetched in one reconcile. Default 100.
	MaxPullPages int

	Backoff Backoff

	// RemoteName keys the persisted pull cursor. Default "remote".
	RemoteName string

	// KeepImportsLocal stores imported operations as Completed instead of
	// relaying them to the remote. It is implied when there is no transport.
	KeepImportsLocal bool

	// EventBuffer is the capacity of the Events channel. Default 64. Events
	// that do not fit are dropped.
	EventBuffer int

	// Metrics receives cycle measurements. Defaults to NoopMetrics.
	Metrics Metrics

	Logger *logging.Logger
	Now    func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Probe == nil {
		c.Probe = probe.Unlimited
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.DegradedThreshold == 0 {
		c.DegradedThreshold = 3
	}
	if c.DegradedPace == 0 {
		c.DegradedPace = 4
	}
	if c.PushTimeout == 0 {
		c.PushTimeout = 30 * time.Second
	}
	if c.PullTimeout == 0 {
		c.PullTimeout = 30 * time.Second
	}
	if c.PullInterval == 0 {
		c.PullInterval = time.Minute
	}
	if c.MaxPullPages == 0 {
		c.MaxPullPages = 100
	}
	c.Backoff.setDefaults()
	if c.RemoteName == "" {
		c.RemoteName = "remote"
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	if c.Metrics == nil {
		c.Metrics = NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c *Config) validate() error {
	switch {
	case c.MaxRetries < 1:
		return fmt.Errorf("max retries must be positive, got %d", c.MaxRetries)
	case c.DegradedThreshold < 1:
		return fmt.Errorf("degraded threshold must be positive, got %d", c.DegradedThreshold)
	case c.DegradedPace < 1:
		return fmt.Errorf("degraded pace must be at least 1, got %.2f", c.DegradedPace)
	case c.PushTimeout < 0 || c.PullTimeout < 0:
		return fmt.Errorf("timeouts must not be negative")
	case c.MaxPullPages < 1:
		return fmt.Errorf("max pull pages must be positive, got %d", c.MaxPullPages)
	case c.EventBuffer < 0:
		return fmt.Errorf("event buffer must not be negative")
	}
	return nil
}

func configError(err error) error {
	return errors.NewValidationError(errors.OpConfig, err)
}
