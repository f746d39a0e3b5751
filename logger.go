package indexgo

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/hupe1980/indexgo/model"
)

// Logger wraps slog.Logger with indexgo-specific context.
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
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithTransaction adds a transaction id field to the logger.
func (l *Logger) WithTransaction(tx model.TransactionID) *Logger {
	return &Logger{
		Logger: l.Logger.With("tx", uint64(tx)),
	}
}

// WithSegment adds a segment field to the logger.
func (l *Logger) WithSegment(id model.SegmentID) *Logger {
	return &Logger{
		Logger: l.Logger.With("segment", id.String()),
	}
}

// LogUpdate logs an update transaction.
func (l *Logger) LogUpdate(ctx context.Context, added, deleted int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "update failed",
			"added", added,
			"deleted", deleted,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "update completed",
			"added", added,
			"deleted", deleted,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, term string, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"term", term,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"term", term,
			"results", resultsFound,
		)
	}
}

// LogFlush logs a flush operation.
func (l *Logger) LogFlush(err error) {
	if err != nil {
		l.Error("flush failed", "error", err)
	} else {
		l.Debug("flush completed")
	}
}

// LogRecovery logs a redo log recovery run.
func (l *Logger) LogRecovery(entries int, err error) {
	if err != nil {
		l.Error("redo log recovery failed",
			"entries", entries,
			"error", err,
		)
	} else if entries > 0 {
		l.Info("redo log recovery completed",
			"entries", entries,
		)
	}
}
