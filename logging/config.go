package logging

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Environments select defaults for format, level and source info.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// EnvPrefix is prepended to every logging environment variable.
const EnvPrefix = "OFFSYNC_"

// GetConfigFromEnv is DefaultConfig with the environment applied.
func GetConfigFromEnv() Config {
	return ApplyEnv(DefaultConfig)
}

// ApplyEnv overlays OFFSYNC_LOG_* variables on config and then applies the
// environment-specific defaults.
func ApplyEnv(config Config) Config {
	explicitSource := false
	if env := os.Getenv(EnvPrefix + "ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
	}
	if level := os.Getenv(EnvPrefix + "LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := os.Getenv(EnvPrefix + "LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	if addSource := os.Getenv(EnvPrefix + "LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
		explicitSource = true
	}
	if file := os.Getenv(EnvPrefix + "LOG_FILE"); file != "" {
		config.File = file
	}
	if size := os.Getenv(EnvPrefix + "LOG_MAX_SIZE_MB"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			config.MaxSizeMB = n
		}
	}

	switch config.Environment {
	case EnvProduction:
		if config.Format == "" {
			config.Format = "json"
		}
		if config.Level == "" {
			config.Level = "info"
		}
		if !explicitSource {
			config.AddSource = false
		}
	case EnvTest:
		if config.Format == "" {
			config.Format = "text"
		}
		if config.Level == "" {
			config.Level = "debug"
		}
		if !explicitSource {
			config.AddSource = false
		}
	case EnvDevelopment:
		if config.Format == "" {
			config.Format = "text"
		}
		if config.Level == "" {
			config.Level = "debug"
		}
	}

	return config
}

// CustomLevel extends slog with a level below debug and one above error.
type CustomLevel slog.Level

const (
	LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)
	LevelFatal CustomLevel = CustomLevel(slog.LevelError + 4)
)

func (l CustomLevel) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelFatal:
		return "FATAL"
	default:
		return slog.Level(l).String()
	}
}

// DynamicLevelVar is a level shared by a logger and everything derived
// from it, so SetLevel reaches component loggers created earlier.
type DynamicLevelVar struct {
	*slog.LevelVar
}

func NewDynamicLevelVar(initial slog.Level) *DynamicLevelVar {
	v := &slog.LevelVar{}
	v.Set(initial)
	return &DynamicLevelVar{LevelVar: v}
}

// SetFromString reports false, leaving the level as it was, for a name it
// does not know.
func (d *DynamicLevelVar) SetFromString(name string) bool {
	name = strings.ToLower(name)
	switch name {
	case "trace", "debug", "info", "warn", "warning", "error":
		d.Set(ParseLevel(name))
	case "fatal":
		d.Set(slog.Level(LevelFatal))
	default:
		return false
	}
	return true
}

// NewLoggerWithDynamicLevel builds a logger for config together with the
// variable that controls its level.
func NewLoggerWithDynamicLevel(config Config) (*Logger, *DynamicLevelVar) {
	level := NewDynamicLevelVar(ParseLevel(strings.ToLower(config.Level)))
	return newLogger(config, level.LevelVar), level
}
