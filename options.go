package velo

import (
	"time"

	"github.com/velodb/velo/clock"
	"github.com/velodb/velo/fs"
	"github.com/velodb/velo/kvstate"
	"github.com/velodb/velo/wal"
)

type options struct {
	logger     *Logger
	fsys       fs.FileSystem
	clk        clock.Clock
	namespace  string
	store      kvstate.Store
	walOptions []func(o *wal.Options)
	gcInterval time.Duration
}

// Option configures database open behavior.
type Option func(*options)

// WithLogger configures structured logging. If nil is passed, logging is
// disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithFS configures the storage capability. Tests use fs.NewMem or
// fs.NewFaulty; the default is the local filesystem.
func WithFS(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys == nil {
			fsys = fs.Default
		}
		o.fsys = fsys
	}
}

// WithClock configures the time source for log entry timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c == nil {
			c = clock.Default
		}
		o.clk = c
	}
}

// WithNamespace configures the table name recorded in log entries. Defaults
// to "default".
func WithNamespace(namespace string) Option {
	return func(o *options) {
		if namespace != "" {
			o.namespace = namespace
		}
	}
}

// WithStore configures the applied-state backend that committed transactions
// are replayed into. The default is an in-memory store rebuilt from the log
// on every open; pass a pebble-backed store to persist applied state across
// restarts. The database takes ownership and closes the store.
func WithStore(s kvstate.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithWALOptions passes options through to the write-ahead logger.
//
// Example:
//
//	velo.Open("./data", velo.WithWALOptions(func(o *wal.Options) {
//	    o.SegmentSize = 16 * 1024 * 1024
//	    o.Compression = wal.CompressionZstd
//	}))
func WithWALOptions(fns ...func(o *wal.Options)) Option {
	return func(o *options) {
		o.walOptions = append(o.walOptions, fns...)
	}
}

// WithGCInterval configures how often version garbage collection runs in the
// background. Zero disables background collection; GC can still be triggered
// through the MVCC manager directly.
func WithGCInterval(interval time.Duration) Option {
	return func(o *options) {
		o.gcInterval = interval
	}
}

func defaultOptions() options {
	return options{
		logger:     NoopLogger(),
		fsys:       fs.Default,
		clk:        clock.Default,
		namespace:  "default",
		gcInterval: time.Minute,
	}
}
