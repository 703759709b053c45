package lattice

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with lattice-specific context.
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
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogAdd logs an add operation.
func (l *Logger) LogAdd(id uint64, name string, err error) {
	if err != nil {
		l.Error("add failed",
			"name", name,
			"error", err,
		)
	} else {
		l.Debug("add completed",
			"id", id,
			"name", name,
		)
	}
}

// LogUpdate logs an update operation.
func (l *Logger) LogUpdate(id uint64, err error) {
	if err != nil {
		l.Error("update failed",
			"id", id,
			"error", err,
		)
	} else {
		l.Debug("update completed",
			"id", id,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(id uint64, err error) {
	if err != nil {
		l.Error("delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.Debug("delete completed",
			"id", id,
		)
	}
}

// LogFind logs a prefix query.
func (l *Logger) LogFind(prefix string, results int) {
	l.Debug("prefix query completed",
		"prefix", prefix,
		"results", results,
	)
}

// LogSnapshot logs a snapshot operation.
func (l *Logger) LogSnapshot(filename string, nodes int, err error) {
	if err != nil {
		l.Error("snapshot failed",
			"filename", filename,
			"error", err,
		)
	} else {
		l.Info("snapshot saved",
			"filename", filename,
			"nodes", nodes,
		)
	}
}

// LogRecovery logs a WAL recovery run.
func (l *Logger) LogRecovery(entriesReplayed, skipped int, truncated bool) {
	l.Info("WAL recovery completed",
		"entries_replayed", entriesReplayed,
		"skipped", skipped,
		"truncated", truncated,
	)
}

// LogLoad logs a snapshot load.
func (l *Logger) LogLoad(filename string, loaded, skipped int) {
	l.Info("snapshot loaded",
		"filename", filename,
		"nodes", loaded,
		"skipped", skipped,
	)
}
