package statekv

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with statekv-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithVersion adds a version field to the logger.
func (l *Logger) WithVersion(version int64) *Logger {
	return &Logger{
		Logger: l.Logger.With("version", version),
	}
}

// LogLoad logs a version load.
func (l *Logger) LogLoad(ctx context.Context, version int64, numKeys int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "load failed",
			"version", version,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "version loaded",
			"version", version,
			"num_keys", numKeys,
		)
	}
}

// LogCommit logs a commit attempt.
func (l *Logger) LogCommit(ctx context.Context, version int64, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"version", version,
			"elapsed", elapsed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "commit completed",
			"version", version,
			"elapsed", elapsed,
		)
	}
}

// LogRollback logs a rollback.
func (l *Logger) LogRollback(ctx context.Context, version int64) {
	l.DebugContext(ctx, "rolled back",
		"version", version,
	)
}

// LogCleanupWarning logs a best-effort cleanup failure. Cleanup failures are
// never propagated.
func (l *Logger) LogCleanupWarning(ctx context.Context, what string, err error) {
	l.WarnContext(ctx, "cleanup failed",
		"what", what,
		"error", err,
	)
}
