// Package wal provides write-ahead logging for durability and crash recovery.
//
// Every state-changing operation is written into the log file before it is
// acknowledged. A background flusher amortizes the commit (header rewrite
// plus fsync) across a batch whose size adapts to the observed write rate.
// Recovery replays the committed region bounded by the state ledger in the
// file header, then walks the uncommitted tail entry by entry, so torn or
// stale bytes past the commit boundary are never misread.
package wal

import (
	"log/slog"
	"time"

	"github.com/synrix/lattice/internal/fs"
)

// Op identifies the operation recorded by a log entry.
type Op uint32

const (
	// OpAddNode records a node creation. The payload is the variable-length
	// add-node encoding (see AddNodePayload).
	OpAddNode Op = 1
	// OpUpdateNode records a payload update. The entry data is the raw new
	// data bytes.
	OpUpdateNode Op = 2
	// OpDeleteNode records a tombstone. No payload.
	OpDeleteNode Op = 3
	// OpAddChild records a parent to child link (see AddChildPayload).
	OpAddChild Op = 4
	// OpCheckpoint marks a recovery floor. No payload.
	OpCheckpoint Op = 5
)

// Valid reports whether op is a known operation tag.
func (op Op) Valid() bool {
	return op >= OpAddNode && op <= OpCheckpoint
}

func (op Op) String() string {
	switch op {
	case OpAddNode:
		return "add-node"
	case OpUpdateNode:
		return "update-node"
	case OpDeleteNode:
		return "delete-node"
	case OpAddChild:
		return "add-child"
	case OpCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// Options contains configuration for the WAL.
type Options struct {
	// FS is the file system used for all I/O. Defaults to the local FS.
	FS fs.FileSystem

	// Logger receives structured log output. Defaults to slog.Default().
	Logger *slog.Logger

	// Batching enables the background flusher. When false every append is
	// committed (header rewrite plus fsync) inline before it returns.
	Batching bool

	// BatchSize is the initial number of uncommitted entries that triggers
	// a commit. The effective size adapts to the write rate at runtime.
	BatchSize int

	// MinBatch and MaxBatch clamp the adaptive batch size.
	MinBatch int
	MaxBatch int

	// AdjustInterval is how often the adaptive sizing reacts to the
	// observed write rate.
	AdjustInterval time.Duration
}

// DefaultOptions returns default WAL options.
var DefaultOptions = Options{
	Batching:       true,
	BatchSize:      256,
	MinBatch:       64,
	MaxBatch:       8192,
	AdjustInterval: time.Second,
}
