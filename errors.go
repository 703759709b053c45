package lattice

import (
	"errors"
	"fmt"

	"github.com/synrix/lattice/internal/seqlock"
	"github.com/synrix/lattice/node"
	"github.com/synrix/lattice/store"
	"github.com/synrix/lattice/usage"
)

var (
	// ErrNotFound is returned when no live node carries the requested id.
	ErrNotFound = errors.New("node not found")

	// ErrFull is returned when a disk-mode lattice has no free slots left.
	ErrFull = errors.New("lattice is full")

	// ErrCorruption indicates an unreadable snapshot or chunk set.
	ErrCorruption = errors.New("data corruption detected")

	// ErrLockTimeout is returned when the writer lock cannot be acquired.
	// Hitting it means a caller is violating the single-writer rule.
	ErrLockTimeout = errors.New("write lock acquisition timed out")

	// ErrInvalidNode is returned for payloads or types that cannot fit the
	// fixed node layout.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidPath is returned for unusable lattice paths.
	ErrInvalidPath = errors.New("invalid path")

	// ErrFreeTierLimit is returned by Add when the cross-process usage cap
	// is reached. The add is not performed.
	ErrFreeTierLimit = errors.New("free tier node limit reached")

	// ErrLicenseExpired is reserved for license-aware builds.
	ErrLicenseExpired = errors.New("license expired")

	// ErrLicenseInvalid is reserved for license-aware builds.
	ErrLicenseInvalid = errors.New("license invalid")

	// ErrClosed is returned by operations on a closed lattice.
	ErrClosed = errors.New("lattice is closed")
)

// translateError unifies errors from the storage layers into the sentinel
// kinds exposed at the API.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrFull) {
		return fmt.Errorf("%w: %w", ErrFull, err)
	}
	if errors.Is(err, seqlock.ErrLockTimeout) {
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	if errors.Is(err, usage.ErrLimitExceeded) {
		return fmt.Errorf("%w: %w", ErrFreeTierLimit, err)
	}
	if errors.Is(err, node.ErrDataTooLarge) || errors.Is(err, node.ErrEmptyBinary) {
		return fmt.Errorf("%w: %w", ErrInvalidNode, err)
	}
	return err
}
