package batcher

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
)

// Config tunes batch bounds, pacing and aging.
//
// DefaultConfig() applies:
//   - 100 items / 1 MiB per batch, shrinking to 10 items under pressure
//   - a 30s base interval clamped to [1s, 10m]
//   - promotion by one priority class per 2 minutes of waiting
type Config struct {
	// MaxItems and MaxBytes bound one batch. At least one operation is
	// always selected, even if it alone exceeds MaxBytes.
	MaxItems int
	MaxBytes int

	// MinBatchSize is the floor the batch size shrinks to when the
	// resource probe reports low headroom.
	MinBatchSize int

	// Interval is the base cadence of the run loop.
	Interval    time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration

	// AgingThreshold promotes an operation one class for every full
	// threshold it has waited since it was created. Zero means 2 minutes;
	// a negative value disables aging.
	AgingThreshold time.Duration

	// CriticalMaxWait triggers an early cycle when a critical operation
	// has waited this long.
	CriticalMaxWait time.Duration

	// MinBatchThreshold is the queue length below which the loop slows
	// down to twice its interval.
	MinBatchThreshold int

	// LowWatermark and HighWatermark are headroom levels in [0,1]. Below
	// low the loop shrinks batches and slows down; above high it recovers.
	LowWatermark  float64
	HighWatermark float64

	// DrainTimeout bounds a batch handler that is still running when the
	// loop is cancelled.
	DrainTimeout time.Duration

	// Logger defaults to a "batcher" component logger.
	Logger *logging.Logger

	// Now overrides time.Now.
	Now func() time.Time

	// NewID generates batch ids. Defaults to uuid.NewString.
	NewID func() string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.MaxItems == 0 {
		c.MaxItems = 100
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 1 << 20
	}
	if c.MinBatchSize == 0 {
		c.MinBatchSize = 10
	}
	if c.MinBatchSize > c.MaxItems {
		c.MinBatchSize = c.MaxItems
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.MinInterval == 0 {
		c.MinInterval = time.Second
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 10 * time.Minute
	}
	if c.AgingThreshold == 0 {
		c.AgingThreshold = 2 * time.Minute
	}
	if c.CriticalMaxWait == 0 {
		c.CriticalMaxWait = 30 * time.Second
	}
	if c.MinBatchThreshold == 0 {
		c.MinBatchThreshold = 5
	}
	if c.LowWatermark == 0 {
		c.LowWatermark = 0.2
	}
	if c.HighWatermark == 0 {
		c.HighWatermark = 0.5
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("batcher"))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c *Config) validate() error {
	switch {
	case c.MaxItems < 1:
		return fmt.Errorf("max items must be positive, got %d", c.MaxItems)
	case c.MinInterval > c.MaxInterval:
		return fmt.Errorf("min interval %s exceeds max interval %s", c.MinInterval, c.MaxInterval)
	case c.LowWatermark < 0 || c.HighWatermark > 1 || c.LowWatermark > c.HighWatermark:
		return fmt.Errorf("watermarks must satisfy 0 <= low <= high <= 1, got %.2f and %.2f", c.LowWatermark, c.HighWatermark)
	}
	return nil
}

func configError(err error) error {
	return errors.NewValidationError(errors.OpConfig, err)
}
