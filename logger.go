package velo

import (
	"log/slog"
	"os"

	"github.com/velodb/velo/core"
)

// Logger is a thin wrapper around slog.Logger that keeps field names for
// transaction ids and LSNs consistent across all subsystems.
type Logger struct {
	*slog.Logger
}

// NewLogger builds a Logger on top of an arbitrary slog handler. A nil
// handler falls back to info-level text on stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger emits JSON records to stderr at the given minimum level.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger emits line-oriented text to stderr at the given minimum level.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger drops everything. It is the default when no logger is configured.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithTxn returns a Logger whose records carry the transaction id.
func (l *Logger) WithTxn(txn core.TxnID) *Logger {
	return &Logger{Logger: l.Logger.With("txn", uint64(txn))}
}

// WithLSN returns a Logger whose records carry the log sequence number.
func (l *Logger) WithLSN(lsn core.LSN) *Logger {
	return &Logger{Logger: l.Logger.With("lsn", uint64(lsn))}
}
