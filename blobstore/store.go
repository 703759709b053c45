// Package blobstore abstracts where lattice archives live: a local
// directory, process memory (tests), or an S3-compatible object store.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blobstore: blob not found")

// Store is a named-blob container.
type Store interface {
	// Open opens an existing blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create starts a new blob. The data is visible under name only
	// after Close returns nil.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the blob names carrying prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle.
type Blob interface {
	io.ReaderAt
	io.Closer
	// Size returns the blob length in bytes.
	Size() int64
}

// WritableBlob is a streaming write handle. Writes are not visible until
// Close succeeds; implementations either publish atomically or abort.
type WritableBlob interface {
	io.WriteCloser
	Sync() error
}
