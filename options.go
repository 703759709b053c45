package lattice

import (
	"log/slog"
	"os"
	"time"

	"github.com/synrix/lattice/internal/fs"
	"github.com/synrix/lattice/usage"
	"github.com/synrix/lattice/wal"
)

// PersistPolicy controls when the lattice snapshots itself and checkpoints
// the WAL after adds.
type PersistPolicy struct {
	// IntervalNodes triggers a save after this many adds since the last
	// save. Zero disables the node-count trigger.
	IntervalNodes int

	// Interval triggers a save when this much time passed since the last
	// save. Zero disables the time trigger.
	Interval time.Duration

	// Pressure additionally saves when the store reaches 90% of max_nodes,
	// gated on IntervalNodes so it does not fire on every add at the line.
	Pressure bool
}

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	fsys             fs.FileSystem
	walOptions       []func(*wal.Options)
	persist          PersistPolicy
	licenseKey       string
	usageDir         string
	usageLimit       uint64
	writeSpinBudget  int
	writeRetryBudget int
}

// Option configures Open/OpenDisk behavior.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithFileSystem overrides the filesystem used for the WAL and snapshot
// write paths. Tests use it to inject faults.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

// WithWALOptions tunes the write-ahead log (batching, batch bounds,
// adjustment interval).
//
// Example:
//
//	lattice.Open(path, 10_000, 1, lattice.WithWALOptions(func(o *wal.Options) {
//	    o.BatchSize = 1000
//	}))
func WithWALOptions(optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walOptions = append(o.walOptions, optFns...)
	}
}

// WithAutoPersist configures the snapshot+checkpoint policy. The zero
// policy disables auto-persist entirely; Save must then be called
// explicitly (Close still saves when dirty).
func WithAutoPersist(p PersistPolicy) Option {
	return func(o *options) {
		o.persist = p
	}
}

// WithLicenseKey overrides the SYNRIX_LICENSE_KEY environment variable.
func WithLicenseKey(key string) Option {
	return func(o *options) {
		o.licenseKey = key
	}
}

// WithUsageDir overrides the platform state directory holding the global
// usage file. Tests point it at a temp directory.
func WithUsageDir(dir string) Option {
	return func(o *options) {
		o.usageDir = dir
	}
}

// WithUsageLimit overrides the default free-tier node cap. A limit already
// stored in the usage file still wins.
func WithUsageLimit(limit uint64) Option {
	return func(o *options) {
		o.usageLimit = limit
	}
}

// WithWriteLockBudgets overrides the writer-lock spin and retry budgets.
func WithWriteLockBudgets(spin, retry int) Option {
	return func(o *options) {
		o.writeSpinBudget = spin
		o.writeRetryBudget = retry
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		fsys:             fs.Default,
		usageLimit:       usage.DefaultFreeTierLimit,
		persist: PersistPolicy{
			IntervalNodes: 1000,
			Interval:      time.Minute,
		},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		if os.Getenv("SYNRIX_VERBOSE") != "" {
			o.logger = NewTextLogger(slog.LevelInfo)
		} else {
			o.logger = NoopLogger()
		}
	}
	return o
}
