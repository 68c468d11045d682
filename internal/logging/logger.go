package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"embedded-kvstore/internal/config"
)

type Logger struct {
	*slog.Logger
	config *config.LoggingConfig
}

type ContextKey string

const (
	InvocationIDKey ContextKey = "invocation_id"
	CommandKey      ContextKey = "command"
)

// NewLogger creates a new structured logger using slog
func NewLogger(cfg *config.LoggingConfig) *Logger {
	return newLogger(cfg, nil)
}

// NewLoggerWithWriter is NewLogger with the output replaced by w.
func NewLoggerWithWriter(cfg *config.LoggingConfig, w io.Writer) *Logger {
	return newLogger(cfg, w)
}

func newLogger(cfg *config.LoggingConfig, writer io.Writer) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if writer == nil {
		switch cfg.Output {
		case "stdout":
			writer = os.Stdout
		case "stderr", "":
			writer = os.Stderr
		default:
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				writer = file
			} else {
				writer = os.Stderr
				slog.Warn("Failed to open log file, using stderr", "error", err, "file", cfg.Output)
			}
		}
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	switch cfg.Format {
	case "text", "console":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return &Logger{
		Logger: logger,
		config: cfg,
	}
}

// WithContext creates a new logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if id := ctx.Value(InvocationIDKey); id != nil {
		logger = logger.With("invocation_id", id)
	}
	if cmd := ctx.Value(CommandKey); cmd != nil {
		logger = logger.With("command", cmd)
	}

	return &Logger{
		Logger: logger,
		config: l.config,
	}
}

// WithField creates a new logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		config: l.config,
	}
}

// WithError creates a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
		config: l.config,
	}
}

// Library returns the logger handed to kvdb.Options. Library events are only
// forwarded when database logging is enabled.
func (l *Logger) Library() *slog.Logger {
	if l.config != nil && !l.config.EnableDatabaseLogging {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.Logger.With("component", "kvdb")
}

// DatabaseOperation logs database operations
func (l *Logger) DatabaseOperation(ctx context.Context, operation, family, key string, duration time.Duration, err error) {
	logger := l.WithContext(ctx).With(
		"operation", operation,
		"family", family,
		"key", key,
		"duration_ms", duration.Milliseconds(),
	)

	if err != nil {
		logger.Error("Database operation failed", "error", err.Error())
	} else {
		logger.Debug("Database operation completed")
	}
}

// BackupEvent logs backup lifecycle events
func (l *Logger) BackupEvent(ctx context.Context, event, path string, id uint64, details map[string]interface{}) {
	args := []interface{}{
		"event", event,
		"backup_path", path,
		"backup_id", id,
	}

	for key, value := range details {
		args = append(args, key, value)
	}

	l.WithContext(ctx).Info("Backup event", args...)
}
