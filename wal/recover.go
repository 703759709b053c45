package wal

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/synrix/lattice/internal/mmap"
)

// Handler receives replayed entries during recovery. Payload slices are
// valid only for the duration of the callback.
type Handler struct {
	AddNode    func(seq uint64, nodeID uint64, p AddNodePayload) error
	UpdateNode func(seq uint64, nodeID uint64, data []byte) error
	DeleteNode func(seq uint64, nodeID uint64) error
	AddChild   func(seq uint64, p AddChildPayload) error
}

// RecoverStats summarizes a recovery run.
type RecoverStats struct {
	Replayed  int  // entries dispatched to the handler
	Skipped   int  // checkpoint markers and undecodable entries
	Truncated bool // the file was cut back at a corruption boundary
}

// Recover replays the log at path through h and returns how many entries
// were applied. It is called before Open, on a file no writer holds.
//
// The file is mapped read-only and scanned entry by entry. Up to the state
// ledger's last valid offset lies the committed region: corruption there
// truncates the file at the boundary so the next run starts clean. Past
// the ledger lies the tail a crash may have left behind: entries with
// contiguous sequences replay, and the first malformed one silently ends
// the log, because torn or stale bytes past the commit boundary are not
// corruption. A replayed tail is promoted into the ledger so the next
// writer appends after it instead of overwriting it. Recovery never fails
// on a bad entry.
func Recover(path string, h Handler, logger *slog.Logger) (RecoverStats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return RecoverStats{}, nil
	}
	if err != nil {
		return RecoverStats{}, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	if st.Size() < HeaderSize {
		// Too short to hold a header. Reset so Open starts fresh.
		if st.Size() > 0 {
			os.Truncate(path, 0)
		}
		return RecoverStats{Truncated: st.Size() > 0}, nil
	}

	m, err := mmap.Open(path)
	if err != nil {
		return RecoverStats{}, fmt.Errorf("wal: map %s: %w", path, err)
	}
	data := m.Bytes()

	hdr, err := decodeHeader(data)
	if err != nil {
		m.Close()
		logger.Warn("wal header unreadable, resetting", slog.String("path", path), slog.Any("error", err))
		os.Truncate(path, 0)
		return RecoverStats{Truncated: true}, nil
	}

	durable := int64(hdr.LastValidOffset)
	if durable > int64(len(data)) {
		durable = int64(len(data))
	}
	if durable < HeaderSize {
		durable = HeaderSize
	}
	limit := int64(len(data))

	var stats RecoverStats
	off := int64(HeaderSize)
	valid := off               // end of the last fully processed entry
	next := hdr.Checkpoint + 1 // sequences run contiguously from the floor
	lastSeq := hdr.Checkpoint

	for off+EntryHeaderSize <= limit {
		raw := data[off : off+EntryHeaderSize]
		if isZeroEntryHeader(raw) {
			break // sentinel
		}
		eh := decodeEntryHeader(raw)

		bad := eh.Sequence != next ||
			!eh.Op.Valid() ||
			eh.DataSize > MaxEntryData ||
			off+EntryHeaderSize+int64(eh.DataSize) > limit
		if bad {
			// Inside the committed region this is corruption; in the tail
			// it just marks the end of what the crash left behind.
			if off < durable {
				stats.Truncated = true
			}
			break
		}

		payload := data[off+EntryHeaderSize : off+EntryHeaderSize+int64(eh.DataSize)]
		off += EntryHeaderSize + int64(eh.DataSize)
		valid = off
		next = eh.Sequence + 1
		lastSeq = eh.Sequence

		if eh.Op == OpCheckpoint {
			stats.Skipped++
			continue
		}

		if err := dispatch(h, eh, payload); err != nil {
			logger.Warn("wal replay entry failed",
				slog.Uint64("sequence", eh.Sequence),
				slog.String("op", eh.Op.String()),
				slog.Any("error", err))
			stats.Skipped++
			continue
		}
		stats.Replayed++
	}

	m.Close()

	switch {
	case stats.Truncated:
		if err := rewriteLedger(path, valid, lastSeq, hdr, true); err != nil {
			logger.Warn("wal truncate after corruption failed",
				slog.String("path", path), slog.Any("error", err))
		} else {
			logger.Warn("wal truncated at corruption boundary",
				slog.String("path", path), slog.Int64("offset", valid))
		}
	case lastSeq > hdr.Sequence:
		if err := rewriteLedger(path, valid, lastSeq, hdr, false); err != nil {
			logger.Warn("wal tail promotion failed",
				slog.String("path", path), slog.Any("error", err))
		}
	}

	if stats.Replayed > 0 || stats.Skipped > 0 {
		logger.Info("wal recovery complete",
			slog.Int("replayed", stats.Replayed),
			slog.Int("skipped", stats.Skipped),
			slog.Bool("truncated", stats.Truncated))
	}
	return stats, nil
}

func dispatch(h Handler, eh entryHeader, payload []byte) error {
	switch eh.Op {
	case OpAddNode:
		if h.AddNode == nil {
			return nil
		}
		p, err := DecodeAddNode(payload)
		if err != nil {
			return err
		}
		return h.AddNode(eh.Sequence, eh.NodeID, p)
	case OpUpdateNode:
		if h.UpdateNode == nil {
			return nil
		}
		return h.UpdateNode(eh.Sequence, eh.NodeID, payload)
	case OpDeleteNode:
		if h.DeleteNode == nil {
			return nil
		}
		return h.DeleteNode(eh.Sequence, eh.NodeID)
	case OpAddChild:
		if h.AddChild == nil {
			return nil
		}
		p, err := DecodeAddChild(payload)
		if err != nil {
			return err
		}
		return h.AddChild(eh.Sequence, p)
	default:
		return fmt.Errorf("wal: unknown op %d", eh.Op)
	}
}

// rewriteLedger settles the file boundary after a recovery run: it cuts
// the file at the corruption boundary when truncate is set, and rewrites
// the header so the ledger ends exactly at what survived.
func rewriteLedger(path string, valid int64, lastSeq uint64, hdr header, truncate bool) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if truncate {
		if err := f.Truncate(valid); err != nil {
			return err
		}
	}
	hdr.Sequence = lastSeq
	hdr.CommitCount = lastSeq
	hdr.LastValidOffset = uint64(valid)
	var raw [HeaderSize]byte
	hdr.encode(raw[:])
	if _, err := f.WriteAt(raw[:], 0); err != nil {
		return err
	}
	return f.Sync()
}
