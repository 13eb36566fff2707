package cdclake

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with table-specific context.
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
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithTable adds the table name to the logger.
func (l *Logger) WithTable(name string) *Logger {
	return &Logger{Logger: l.Logger.With("table", name)}
}

// LogFlush logs the outcome of an explicit flush.
func (l *Logger) LogFlush(ctx context.Context, checkpoint LSN, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"checkpoint", checkpoint,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "flush completed", "checkpoint", checkpoint)
}

// LogCommit logs the outcome of a requested snapshot.
func (l *Logger) LogCommit(ctx context.Context, op string, lsn, checkpoint LSN, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"lsn", lsn,
			"checkpoint", checkpoint,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, op+" completed",
		"lsn", lsn,
		"checkpoint", checkpoint,
	)
}

// LogRecovery logs the outcome of opening a table.
func (l *Logger) LogRecovery(ctx context.Context, checkpoint, resume LSN, err error) {
	if err != nil {
		l.ErrorContext(ctx, "table recovery failed", "error", err)
		return
	}
	l.InfoContext(ctx, "table opened",
		"checkpoint", checkpoint,
		"resume_lsn", resume,
	)
}

// LogQuarantine logs an object taken out of service.
func (l *Logger) LogQuarantine(ctx context.Context, kind, name string, err error) {
	l.WarnContext(ctx, "object quarantined",
		"kind", kind,
		"name", name,
		"error", err,
	)
}
