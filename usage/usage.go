// Package usage enforces the free-tier node cap through a per-license
// counter file shared by every lattice process on the machine.
//
// The file holds two decimal integers, total consumed and limit, separated
// by a newline. Its name is the hex FNV-1a hash of the license key, so the
// key itself never lands on disk. Cross-process safety comes from an
// exclusive OS file lock held across the read-validate-increment-rewrite
// cycle.
package usage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/synrix/lattice/internal/hash"
)

// DefaultFreeTierLimit is the node cap applied when the counter file does
// not carry one yet.
const DefaultFreeTierLimit = 10000

// ErrLimitExceeded is returned when an increment would cross the stored
// limit.
var ErrLimitExceeded = errors.New("usage: free tier node limit exceeded")

// Banner is printed to stderr (once per process) when the free-tier cap
// is hit.
const Banner = `
============================================================
  Synrix free tier limit reached.

  This lattice has consumed its free node allowance.
  Existing data stays readable; new nodes are rejected.

  Set SYNRIX_LICENSE_KEY to a licensed key to raise the cap.
============================================================
`

// Tracker manages one license's counter file.
type Tracker struct {
	mu    sync.Mutex
	path  string
	limit uint64

	bannerOnce sync.Once
}

// New creates a tracker in the platform state directory. An empty
// licenseKey falls back to SYNRIX_LICENSE_KEY, then to the shared
// free-tier bucket. limit <= 0 selects DefaultFreeTierLimit.
func New(licenseKey string, limit uint64) (*Tracker, error) {
	dir, err := stateDir()
	if err != nil {
		return nil, err
	}
	return NewAt(dir, licenseKey, limit)
}

// NewAt creates a tracker rooted at dir. Used by tests and embedders that
// manage their own state directory.
func NewAt(dir, licenseKey string, limit uint64) (*Tracker, error) {
	if licenseKey == "" {
		licenseKey = os.Getenv("SYNRIX_LICENSE_KEY")
	}
	if licenseKey == "" {
		licenseKey = "FREE_TIER"
	}
	if limit == 0 {
		limit = DefaultFreeTierLimit
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("usage: create state dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%016x.dat", hash.FNV1a64(licenseKey))
	return &Tracker{path: filepath.Join(dir, name), limit: limit}, nil
}

// stateDir returns the per-user state directory for usage files.
func stateDir() (string, error) {
	if runtime.GOOS == "windows" {
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			return "", fmt.Errorf("usage: LOCALAPPDATA not set")
		}
		return filepath.Join(base, "Synrix", "license_usage"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("usage: resolve home: %w", err)
	}
	return filepath.Join(home, ".synrix", "license_usage"), nil
}

// Path returns the counter file location.
func (t *Tracker) Path() string { return t.path }

// Consume atomically adds n to the license's total. It returns the new
// total, or the current total with ErrLimitExceeded when the cap would be
// crossed. The file is rewritten in place inside the lock.
func (t *Tracker) Consume(n uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return 0, fmt.Errorf("usage: open %s: %w", t.path, err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return 0, fmt.Errorf("usage: lock %s: %w", t.path, err)
	}
	defer unlockFile(f)

	total, limit := t.readLocked(f)
	if total+n > limit {
		return total, fmt.Errorf("%w: %d of %d used", ErrLimitExceeded, total, limit)
	}
	total += n

	if err := t.rewriteLocked(f, total, limit); err != nil {
		return total, err
	}
	return total, nil
}

// Refund subtracts n from the license's total, clamped at zero. Write
// paths use it when an operation charged the quota and then failed before
// the node materialized.
func (t *Tracker) Refund(n uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("usage: open %s: %w", t.path, err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("usage: lock %s: %w", t.path, err)
	}
	defer unlockFile(f)

	total, limit := t.readLocked(f)
	if n > total {
		n = total
	}
	return t.rewriteLocked(f, total-n, limit)
}

// Total reads the current counter without modifying it.
func (t *Tracker) Total() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usage: open %s: %w", t.path, err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return 0, fmt.Errorf("usage: lock %s: %w", t.path, err)
	}
	defer unlockFile(f)

	total, _ := t.readLocked(f)
	return total, nil
}

// Limit returns the configured cap.
func (t *Tracker) Limit() uint64 { return t.limit }

// PrintBanner writes the free-tier banner to w, once per tracker.
func (t *Tracker) PrintBanner(w io.Writer) {
	t.bannerOnce.Do(func() {
		fmt.Fprint(w, Banner)
	})
}

// readLocked parses the counter file. A missing, empty, or malformed file
// resets to zero consumed under the configured limit rather than failing:
// a corrupt counter must never brick the store.
func (t *Tracker) readLocked(f *os.File) (total, limit uint64) {
	limit = t.limit

	raw, err := io.ReadAll(f)
	if err != nil || len(raw) == 0 {
		return 0, limit
	}
	parts := strings.SplitN(strings.TrimSpace(string(raw)), "\n", 2)
	if len(parts) != 2 {
		return 0, limit
	}
	tv, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	lv, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil || lv == 0 {
		return 0, limit
	}
	return tv, lv
}

func (t *Tracker) rewriteLocked(f *os.File, total, limit uint64) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("usage: truncate: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("usage: seek: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n%d", total, limit); err != nil {
		return fmt.Errorf("usage: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("usage: sync: %w", err)
	}
	return nil
}
