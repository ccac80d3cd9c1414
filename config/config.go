// Package config loads the application settings of the offsync command
// from offsync.yaml, OFFSYNC_* environment variables and command flags,
// in increasing order of precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/maintenance"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// EnvPrefix is the prefix of every environment override, e.g.
// OFFSYNC_REMOTE_URL for remote.url.
const EnvPrefix = "OFFSYNC"

// Config is the full application configuration.
type Config struct {
	// Device identifies this installation in operation origins.
	// Defaults to the host name.
	Device string `mapstructure:"device"`

	Storage     StorageConfig      `mapstructure:"storage"`
	Remote      RemoteConfig       `mapstructure:"remote"`
	Sync        SyncConfig         `mapstructure:"sync"`
	Inbox       InboxConfig        `mapstructure:"inbox"`
	Serve       ServeConfig        `mapstructure:"serve"`
	Status      StatusConfig       `mapstructure:"status"`
	Maintenance maintenance.Config `mapstructure:"maintenance"`
	Log         logging.Config     `mapstructure:"log"`

	// PolicyFile is an optional YAML or JSON merge policy.
	PolicyFile string `mapstructure:"policy_file"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// StorageConfig selects the storage.Provider.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// DSN is the PostgreSQL connection string.
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
	// Notify publishes accepted operations over LISTEN/NOTIFY (postgres only).
	Notify bool `mapstructure:"notify"`
}

// RemoteConfig points at the sync endpoint. An empty URL runs the device
// in file-exchange mode only.
type RemoteConfig struct {
	URL         string        `mapstructure:"url"`
	Token       string        `mapstructure:"token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PullLimit   int           `mapstructure:"pull_limit"`
	Compression bool          `mapstructure:"compression"`
}

// SyncConfig tunes the coordinator and its batcher.
type SyncConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	DegradedThreshold int           `mapstructure:"degraded_threshold"`
	PushTimeout       time.Duration `mapstructure:"push_timeout"`
	PullTimeout       time.Duration `mapstructure:"pull_timeout"`
	PullInterval      time.Duration `mapstructure:"pull_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	BatchBytes        int           `mapstructure:"batch_bytes"`
	Interval          time.Duration `mapstructure:"interval"`
	KeepImportsLocal  bool          `mapstructure:"keep_imports_local"`
	// Live follows the remote's version stream and pulls as soon as it
	// advances.
	Live bool `mapstructure:"live"`
}

// InboxConfig enables the exchange-file inbox watcher of the daemon.
type InboxConfig struct {
	Dir    string        `mapstructure:"dir"`
	Settle time.Duration `mapstructure:"settle"`
}

// ServeConfig configures the peer endpoint.
type ServeConfig struct {
	Addr           string        `mapstructure:"addr"`
	PullLimit      int           `mapstructure:"pull_limit"`
	MaxRequestSize int64         `mapstructure:"max_request_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// StreamPoll is how often /sync/stream checks the version when no
	// local write woke it, and how often it sends a keepalive.
	StreamPoll time.Duration `mapstructure:"stream_poll"`
}

// StatusConfig enables the websocket status feed of the daemon. An empty
// Addr disables it.
type StatusConfig struct {
	Addr           string   `mapstructure:"addr"`
	OriginPatterns []string `mapstructure:"origin_patterns"`
}

// New returns a viper instance with every default registered, the
// environment bound and the standard search path for offsync.yaml.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigName("offsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "offsync"))
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default of every key. Viper only maps
// environment variables onto keys it knows about, so every field has one.
func SetDefaults(v *viper.Viper) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "device"
	}
	v.SetDefault("device", host)
	v.SetDefault("policy_file", "")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.path", "offsync.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", "")
	v.SetDefault("storage.notify", false)

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.pull_limit", 500)
	v.SetDefault("remote.compression", true)

	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.degraded_threshold", 3)
	v.SetDefault("sync.push_timeout", 30*time.Second)
	v.SetDefault("sync.pull_timeout", 30*time.Second)
	v.SetDefault("sync.pull_interval", time.Minute)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.batch_bytes", 1<<20)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.keep_imports_local", false)
	v.SetDefault("sync.live", false)

	v.SetDefault("inbox.dir", "")
	v.SetDefault("inbox.settle", 250*time.Millisecond)

	v.SetDefault("serve.addr", ":8080")
	v.SetDefault("serve.pull_limit", 500)
	v.SetDefault("serve.max_request_size", 10<<20)
	v.SetDefault("serve.request_timeout", 30*time.Second)
	v.SetDefault("serve.stream_poll", 5*time.Second)

	v.SetDefault("status.addr", "")
	v.SetDefault("status.origin_patterns", []string{})

	m := maintenance.DefaultConfig()
	v.SetDefault("maintenance.compact_schedule", m.CompactSchedule)
	v.SetDefault("maintenance.retention", m.Retention)
	v.SetDefault("maintenance.recover_schedule", m.RecoverSchedule)
	v.SetDefault("maintenance.stale_after", m.StaleAfter)
	v.SetDefault("maintenance.job_timeout", m.JobTimeout)

	l := logging.DefaultConfig
	v.SetDefault("log.level", l.Level)
	v.SetDefault("log.format", l.Format)
	v.SetDefault("log.add_source", l.AddSource)
	v.SetDefault("log.environment", l.Environment)
	v.SetDefault("log.file", l.File)
	v.SetDefault("log.max_size_mb", l.MaxSizeMB)
	v.SetDefault("log.max_backups", l.MaxBackups)
	v.SetDefault("log.max_age_days", l.MaxAgeDays)
}

// Load reads the config file (explicit path, or offsync.yaml on the
// search path when path is empty), overlays the environment and any flags
// already bound to v, and validates the result. A missing file on the
// search path is not an error; a missing explicit file is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.NewValidationError(errors.OpConfig, fmt.Errorf("read config: %w", err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewValidationError(errors.OpConfig, fmt.Errorf("decode config: %w", err))
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.Device) == "" {
		problems = append(problems, fmt.Errorf("device must not be empty"))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Path == "" {
			problems = append(problems, fmt.Errorf("storage.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			problems = append(problems, fmt.Errorf("storage.dsn is required for postgres"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown storage.driver %q (want memory, sqlite or postgres)", c.Storage.Driver))
	}
	if c.Storage.Notify && c.Storage.Driver != DriverPostgres {
		problems = append(problems, fmt.Errorf("storage.notify needs the postgres driver"))
	}
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Errorf("remote.url %q is not an http(s) URL", c.Remote.URL))
		}
	}
	if c.Sync.MaxRetries < 0 || c.Sync.DegradedThreshold < 0 || c.Sync.BatchSize < 0 || c.Sync.BatchBytes < 0 {
		problems = append(problems, fmt.Errorf("sync limits must not be negative"))
	}
	if len(problems) > 0 {
		return errors.NewValidationError(errors.OpConfig, errors.Join(problems...))
	}
	return nil
}

// HasRemote reports whether a sync endpoint is configured.
func (c *Config) HasRemote() bool { return c.Remote.URL != "" }
