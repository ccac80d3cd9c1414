// Package logging provides structured logging for offsync components on top of log/slog.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/c0deZ3R0/offsync/errors"
)

// Logger embeds *slog.Logger and adds the sync-specific helpers.
type Logger struct {
	*slog.Logger
}

// Config is the [log] section of the configuration file.
type Config struct {
	Level       string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format      string `json:"format" mapstructure:"format"`           // text, json
	AddSource   bool   `json:"add_source" mapstructure:"add_source"`   // whether to add source code information
	Environment string `json:"environment" mapstructure:"environment"` // development, production, test

	// File, when set, sends output to a rotating log file instead of stderr.
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig is used by Default when Init was never called.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "text",
	AddSource:   false,
	Environment: EnvDevelopment,
	MaxSizeMB:   50,
	MaxBackups:  3,
	MaxAgeDays:  28,
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
	defaultLevel  *DynamicLevelVar
)

// Operation and Component implement slog.LogValuer so they render consistently.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer logs a SyncError as a group of its fields.
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	if e.Metadata != nil {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}

	return slog.GroupValue(attrs...)
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "trace":
		return slog.Level(LevelTrace)
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(config Config, level slog.Leveler) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	out := Output(config)
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Output returns the writer a config logs to: a lumberjack rotating file
// when File is set, stderr otherwise.
func Output(config Config) io.Writer {
	if config.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   true,
	}
}

// NewWriterLogger builds a logger that writes to w. Tests use it to capture output.
func NewWriterLogger(w io.Writer, config Config) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level), AddSource: config.AddSource}
	if config.Format == "json" {
		return &Logger{Logger: slog.New(slog.NewJSONHandler(w, opts))}
	}
	return &Logger{Logger: slog.New(slog.NewTextHandler(w, opts))}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Init initializes the global logger with the provided configuration.
// Its level can be changed later with SetLevel.
func Init(config Config) {
	l, level := NewLoggerWithDynamicLevel(config)
	defaultMu.Lock()
	defaultLogger, defaultLevel = l, level
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// SetLevel changes the level of the global logger and of every logger
// derived from it. It reports false for an unknown level name.
func SetLevel(name string) bool {
	defaultMu.RLock()
	level := defaultLevel
	defaultMu.RUnlock()
	if level == nil {
		Default()
		return SetLevel(name)
	}
	return level.SetFromString(name)
}

// Default returns the default logger instance. Without Init it is built
// from DefaultConfig and the OFFSYNC_LOG_* environment.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}
	Init(GetConfigFromEnv())
	return Default()
}

func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent tags every record with the component name.
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// WithDevice tags every record with the local device id.
func (l *Logger) WithDevice(deviceID string) *Logger {
	return &Logger{Logger: l.With(slog.String("device_id", deviceID))}
}

type ctxKey string

// RequestIDKey and BatchIDKey are picked up by WithContext.
const (
	RequestIDKey ctxKey = "request_id"
	BatchIDKey   ctxKey = "batch_id"
)

// WithContext adds the request ID found in ctx, if any, and attrs.
func (l *Logger) WithContext(ctx context.Context, attrs ...slog.Attr) *Logger {
	contextAttrs := make([]any, 0, len(attrs)+2)

	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		contextAttrs = append(contextAttrs, slog.String("request_id", fmt.Sprintf("%v", reqID)))
	}
	if batchID := ctx.Value(BatchIDKey); batchID != nil {
		contextAttrs = append(contextAttrs, slog.String("batch_id", fmt.Sprintf("%v", batchID)))
	}

	for _, attr := range attrs {
		contextAttrs = append(contextAttrs, attr)
	}

	return &Logger{Logger: l.With(contextAttrs...)}
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+3)

	var syncErr *errors.SyncError
	if errors.As(err, &syncErr) {
		allAttrs = append(allAttrs, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else if err != nil {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}

	pc, file, line, ok := runtime.Caller(1)
	if ok {
		fn := runtime.FuncForPC(pc)
		allAttrs = append(allAttrs,
			slog.Group("caller",
				slog.String("file", file),
				slog.Int("line", line),
				slog.String("function", fn.Name()),
			),
		)
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation runs fn between a debug start record and a completion
// record that carries the elapsed time, or the error.
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op).WithComponent(component)

	opLogger.DebugContext(ctx, "operation started")

	err := fn()
	duration := time.Since(start)

	if err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", duration),
			slog.Bool("success", false),
		)
		return err
	}

	opLogger.InfoContext(ctx, "operation completed",
		slog.Duration("duration", duration),
		slog.Bool("success", true),
	)

	return nil
}

// WithComponent derives a component logger from the default one.
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}
