package wal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/synrix/lattice/internal/fs"
)

// WAL is an append-only log with a background flusher.
//
// Writers append entries straight into the file under the mutex and return;
// the flusher batches the commit (header rewrite plus a single fsync) and
// performs it outside the lock. An acknowledged append therefore survives a
// process crash immediately, and survives power loss once the next commit
// lands. Durability is observed through FlushWait.
type WAL struct {
	mu        sync.Mutex
	flushCond *sync.Cond // wakes the flusher
	doneCond  *sync.Cond // wakes FlushWait callers after each commit

	fsys fs.FileSystem
	file fs.File
	path string

	hdr     header // durable state as last committed to disk
	nextSeq uint64 // highest assigned sequence (may exceed hdr.Sequence)

	writtenSeq  uint64 // highest sequence written into the file
	pending     int    // entries written but not yet committed
	writeOffset int64  // file offset where the next entry lands

	flushedSeq     uint64
	flushes        uint64 // completed commits
	flushErr       error  // latched; delivered on FlushWait
	flushRequested bool
	flushing       bool
	stopping       bool
	closed         bool
	done           chan struct{}

	batching       bool
	batchSize      int
	minBatch       int
	maxBatch       int
	adjustInterval time.Duration

	// rolling one-second write rate window
	windowStart  time.Time
	windowWrites int
	lastAdjust   time.Time

	logger     *slog.Logger
	verbose    bool
	verboseLog rate.Sometimes
}

// Open opens or creates the log file at path and starts the flusher when
// batching is enabled.
func Open(path string, optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions.BatchSize
	}
	if opts.MinBatch <= 0 {
		opts.MinBatch = DefaultOptions.MinBatch
	}
	if opts.MaxBatch < opts.MinBatch {
		opts.MaxBatch = DefaultOptions.MaxBatch
	}
	if opts.AdjustInterval <= 0 {
		opts.AdjustInterval = DefaultOptions.AdjustInterval
	}

	file, err := opts.FS.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}

	now := time.Now()
	w := &WAL{
		fsys:           opts.FS,
		file:           file,
		path:           path,
		batching:       opts.Batching,
		batchSize:      opts.BatchSize,
		minBatch:       opts.MinBatch,
		maxBatch:       opts.MaxBatch,
		adjustInterval: opts.AdjustInterval,
		windowStart:    now,
		lastAdjust:     now,
		logger:         opts.Logger,
		verbose:        os.Getenv("SYNRIX_WAL_VERBOSE") != "",
		verboseLog:     rate.Sometimes{Interval: time.Second},
	}
	w.flushCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if st.Size() < HeaderSize {
		if err := w.writeHeaderLocked(); err != nil {
			file.Close()
			return nil, err
		}
		w.writeOffset = HeaderSize
	} else {
		var raw [HeaderSize]byte
		if _, err := file.ReadAt(raw[:], 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: read header: %w", err)
		}
		hdr, err := decodeHeader(raw[:])
		if err != nil {
			file.Close()
			return nil, err
		}
		w.hdr = hdr
		w.writeOffset = int64(hdr.LastValidOffset)
		if w.writeOffset < HeaderSize || w.writeOffset > st.Size() {
			w.writeOffset = HeaderSize
		}
	}
	w.nextSeq = w.hdr.Sequence
	w.writtenSeq = w.hdr.Sequence
	w.flushedSeq = w.hdr.Sequence

	if w.batching {
		w.done = make(chan struct{})
		go w.flusher()
	}
	return w, nil
}

// Sequence returns the highest assigned sequence number.
func (w *WAL) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// CheckpointSequence returns the current recovery floor.
func (w *WAL) CheckpointSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hdr.Checkpoint
}

// Stats is a point-in-time view of the flusher.
type Stats struct {
	BatchSize int    // current adaptive batch threshold
	Flushes   uint64 // completed commits since open
	Pending   int    // entries written but not yet committed
}

func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{BatchSize: w.batchSize, Flushes: w.flushes, Pending: w.pending}
}

// Append records an entry and returns its sequence number, or 0 when the
// log is closed or a write error has been latched. The entry bytes and a
// trailing zero sentinel reach the file before Append returns; with
// batching, the commit that makes them power-fail durable is deferred to
// the flusher.
func (w *WAL) Append(op Op, nodeID uint64, data []byte) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.flushErr != nil {
		return 0
	}
	if len(data) > MaxEntryData {
		return 0
	}

	w.nextSeq++
	seq := w.nextSeq

	eh := entryHeader{Sequence: seq, Op: op, NodeID: nodeID, DataSize: uint32(len(data))}

	// The entry is written together with a zero sentinel header behind it;
	// the next append overwrites the sentinel, so recovery always finds a
	// clean end-of-log marker.
	buf := make([]byte, EntryHeaderSize+len(data)+EntryHeaderSize)
	eh.encode(buf)
	copy(buf[EntryHeaderSize:], data)
	if _, err := w.file.WriteAt(buf, w.writeOffset); err != nil {
		w.flushErr = fmt.Errorf("wal: write entry: %w", err)
		w.doneCond.Broadcast()
		return 0
	}
	w.writeOffset += int64(EntryHeaderSize + len(data))
	w.writtenSeq = seq
	w.pending++

	w.noteWrite()

	if !w.batching {
		if err := w.commitLocked(); err != nil {
			w.flushErr = err
			w.doneCond.Broadcast()
			return 0
		}
		return seq
	}
	if w.pending >= w.batchSize {
		w.flushRequested = true
		w.flushCond.Signal()
	}
	return seq
}

// Flush signals the flusher to commit written entries. It does not wait.
func (w *WAL) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || !w.batching {
		return
	}
	w.flushRequested = true
	w.flushCond.Signal()
}

// FlushWait blocks until every entry with sequence at or below seq is
// durable, then returns the latched flush error if any.
func (w *WAL) FlushWait(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.flushedSeq < seq && w.flushErr == nil && !w.closed {
		w.flushRequested = true
		w.flushCond.Signal()
		w.doneCond.Wait()
	}
	return w.flushErr
}

// Checkpoint drains pending entries, records the current sequence as the
// recovery floor, and truncates the file back to the header. Entries at or
// below the checkpoint are covered by the snapshot that preceded it.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("wal: closed")
	}
	target := w.nextSeq
	for (w.flushedSeq < target || w.flushing) && w.flushErr == nil {
		if !w.batching {
			break
		}
		w.flushRequested = true
		w.flushCond.Signal()
		w.doneCond.Wait()
	}
	if w.flushErr != nil {
		return w.flushErr
	}

	w.hdr.Checkpoint = target
	w.hdr.Sequence = target
	w.hdr.CommitCount = target
	w.hdr.LastValidOffset = HeaderSize
	if err := w.writeHeaderLocked(); err != nil {
		return err
	}
	if err := w.file.Truncate(HeaderSize); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync after checkpoint: %w", err)
	}
	w.writeOffset = HeaderSize
	return nil
}

// Close commits written entries, stops the flusher, and closes the file.
// Idempotent.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}

	if w.batching {
		w.stopping = true
		w.flushRequested = true
		w.flushCond.Signal()
		w.mu.Unlock()
		<-w.done
		w.mu.Lock()
	} else if w.pending > 0 {
		if err := w.commitLocked(); err != nil && w.flushErr == nil {
			w.flushErr = err
		}
	}

	w.closed = true
	w.doneCond.Broadcast()
	err := w.flushErr
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	w.mu.Unlock()
	return err
}

// flusher is the background goroutine that commits written entries.
func (w *WAL) flusher() {
	defer close(w.done)

	w.mu.Lock()
	for {
		for !w.flushRequested && !w.stopping {
			w.flushCond.Wait()
		}
		w.flushRequested = false

		if w.pending > 0 {
			high := w.writtenSeq
			entries := w.pending
			hdr := w.hdr
			hdr.Sequence = high
			hdr.CommitCount = high
			hdr.LastValidOffset = uint64(w.writeOffset)
			w.flushing = true

			w.mu.Unlock()
			err := w.commit(hdr)
			w.mu.Lock()

			w.flushing = false
			if err != nil {
				if w.flushErr == nil {
					w.flushErr = err
				}
			} else {
				w.hdr = hdr
				w.flushedSeq = high
				// Appends racing the commit stay pending for the next one.
				w.pending -= entries
				w.flushes++
				if w.verbose {
					w.verboseLog.Do(func() {
						w.logger.Info("wal flush",
							slog.Int("entries", entries),
							slog.Int("batch_size", w.batchSize),
							slog.Uint64("sequence", high))
					})
				}
			}
			w.maybeAdjustLocked()
		}
		w.doneCond.Broadcast()

		if w.stopping {
			w.mu.Unlock()
			return
		}
	}
}

// commit publishes everything written up to hdr: a header rewrite and a
// single fsync. Entry bytes and their sentinel are already in the file,
// written by Append. Runs without the mutex in the flusher path.
func (w *WAL) commit(hdr header) error {
	var raw [HeaderSize]byte
	hdr.encode(raw[:])
	if _, err := w.file.WriteAt(raw[:], 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// commitLocked commits inline. Used when batching is off and on close.
// Caller holds w.mu.
func (w *WAL) commitLocked() error {
	if w.pending == 0 {
		return nil
	}
	hdr := w.hdr
	hdr.Sequence = w.writtenSeq
	hdr.CommitCount = w.writtenSeq
	hdr.LastValidOffset = uint64(w.writeOffset)

	if err := w.commit(hdr); err != nil {
		return err
	}
	w.hdr = hdr
	w.flushedSeq = w.writtenSeq
	w.flushes++
	w.pending = 0
	return nil
}

func (w *WAL) writeHeaderLocked() error {
	var raw [HeaderSize]byte
	w.hdr.encode(raw[:])
	if _, err := w.file.WriteAt(raw[:], 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync header: %w", err)
	}
	return nil
}

// noteWrite feeds the rolling write-rate window. Caller holds w.mu.
func (w *WAL) noteWrite() {
	w.windowWrites++
}

// maybeAdjustLocked resizes the batch from the rate observed over the last
// window. Caller holds w.mu.
func (w *WAL) maybeAdjustLocked() {
	now := time.Now()
	elapsed := now.Sub(w.windowStart)
	if elapsed < w.adjustInterval {
		return
	}
	perSec := float64(w.windowWrites) / elapsed.Seconds()
	w.windowStart = now
	w.windowWrites = 0
	w.adjustForRate(perSec)
}

// adjustForRate grows the batch by 1.2x above 10000 writes/s and shrinks
// it by 0.8x below 1000 writes/s, clamped to [minBatch, maxBatch].
func (w *WAL) adjustForRate(perSec float64) {
	switch {
	case perSec > 10000:
		w.batchSize = int(float64(w.batchSize) * 1.2)
	case perSec < 1000:
		w.batchSize = int(float64(w.batchSize) * 0.8)
	}
	if w.batchSize < w.minBatch {
		w.batchSize = w.minBatch
	}
	if w.batchSize > w.maxBatch {
		w.batchSize = w.maxBatch
	}
}

var _ io.Closer = (*WAL)(nil)
