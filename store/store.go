// Package store owns the node records of a lattice.
//
// Two modes exist. RAM mode keeps records in a growable contiguous array
// with parallel per-slot metadata slices. Disk mode maps a pre-allocated
// image file shared read-write, so stores go straight through the mapping
// and the kernel handles dirty-page writeback; capacity is fixed at open
// time. Parent to child links live in an in-memory side table in both
// modes, because the on-disk children pointer is always stale.
package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/synrix/lattice/node"
)

var (
	// ErrFull is returned when a fixed-capacity store cannot take another
	// node.
	ErrFull = errors.New("store: capacity exhausted")

	// ErrBadSlot is returned for slot indexes outside the used range.
	ErrBadSlot = errors.New("store: slot out of range")
)

// Mode selects the record backing.
type Mode int

const (
	// ModeRAM keeps records in a growable heap array.
	ModeRAM Mode = iota
	// ModeDisk serves records from a shared read-write file mapping.
	ModeDisk
)

func (m Mode) String() string {
	if m == ModeDisk {
		return "disk"
	}
	return "ram"
}

// Store holds node records and their side metadata.
type Store struct {
	mode Mode

	rec  []byte // record backing: heap array or mapping offset past the header
	cap  int    // slot capacity
	used int    // append watermark
	live int    // non-tombstone records

	// Parallel per-slot metadata. ids is the forward map slot -> node id
	// that the reverse index checks against. The access counters are
	// atomic: lock-free readers bump them from Touch outside any lock.
	ids        []uint64
	access     []atomic.Uint64
	lastAccess []atomic.Int64

	children map[uint64][]uint64 // parent id -> child ids, in link order

	// fence forces a full barrier after each mutation so concurrent
	// seqlock readers observe completed record writes.
	fence atomic.Uint64

	disk *diskBacking // nil in RAM mode
}

// NewRAM creates a RAM-mode store with room for initialCap nodes before
// the first growth.
func NewRAM(initialCap int) *Store {
	if initialCap < 1 {
		initialCap = 1
	}
	return &Store{
		mode:       ModeRAM,
		rec:        make([]byte, initialCap*node.RecordSize),
		cap:        initialCap,
		ids:        make([]uint64, initialCap),
		access:     make([]atomic.Uint64, initialCap),
		lastAccess: make([]atomic.Int64, initialCap),
		children:   make(map[uint64][]uint64),
	}
}

// Mode returns the record backing mode.
func (s *Store) Mode() Mode { return s.mode }

// Cap returns the slot capacity. RAM stores grow past it; disk stores
// never do.
func (s *Store) Cap() int { return s.cap }

// Used returns the append watermark (slots handed out, tombstones
// included).
func (s *Store) Used() int { return s.used }

// Live returns the number of non-tombstone records.
func (s *Store) Live() int { return s.live }

// Allocate reserves the next slot. RAM mode doubles the backing when
// full; disk mode returns ErrFull.
func (s *Store) Allocate() (int, error) {
	if s.used == s.cap {
		if s.mode == ModeDisk {
			return 0, fmt.Errorf("%w: %d nodes", ErrFull, s.cap)
		}
		s.grow()
	}
	slot := s.used
	s.used++
	return slot, nil
}

// grow doubles the record array and every parallel slice.
func (s *Store) grow() {
	newCap := s.cap * 2
	rec := make([]byte, newCap*node.RecordSize)
	copy(rec, s.rec)
	s.rec = rec

	ids := make([]uint64, newCap)
	copy(ids, s.ids)
	s.ids = ids

	access := make([]atomic.Uint64, newCap)
	for i := range s.access {
		access[i].Store(s.access[i].Load())
	}
	s.access = access

	last := make([]atomic.Int64, newCap)
	for i := range s.lastAccess {
		last[i].Store(s.lastAccess[i].Load())
	}
	s.lastAccess = last

	s.cap = newCap
}

// Record returns the backing bytes of slot. The slice aliases the store
// and is only safe to touch under the writer lock or a seqlock read.
func (s *Store) Record(slot int) []byte {
	off := slot * node.RecordSize
	return s.rec[off : off+node.RecordSize]
}

// WriteNode marshals n into slot and publishes the write.
func (s *Store) WriteNode(slot int, n *node.Node) error {
	if slot < 0 || slot >= s.used {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}
	if err := node.Marshal(n, s.Record(slot)); err != nil {
		return err
	}
	s.setID(slot, uint64(n.ID))
	s.fence.Add(1) // full barrier: record visible before the id map
	return nil
}

// ReadNode unmarshals slot into a caller-owned Node.
func (s *Store) ReadNode(slot int, n *node.Node) error {
	if slot < 0 || slot >= s.used {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}
	decoded, err := node.Unmarshal(s.Record(slot))
	if err != nil {
		return err
	}
	*n = decoded
	return nil
}

// IDAt returns the forward-mapped node id of slot, 0 for tombstones and
// out-of-range slots.
func (s *Store) IDAt(slot int) uint64 {
	if slot < 0 || slot >= s.used {
		return 0
	}
	if s.mode == ModeDisk {
		return uint64(node.PeekID(s.Record(slot)))
	}
	return s.ids[slot]
}

func (s *Store) setID(slot int, id uint64) {
	if s.mode == ModeRAM {
		s.ids[slot] = id
	}
}

// Tombstone clears the id of slot, removing the record from the live set.
// The slot is never reused; compaction reclaims it offline.
func (s *Store) Tombstone(slot int) error {
	if slot < 0 || slot >= s.used {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}
	id := s.IDAt(slot)
	rec := s.Record(slot)
	for i := 0; i < 8; i++ {
		rec[i] = 0
	}
	s.setID(slot, 0)
	if id != 0 {
		s.live--
		delete(s.children, id)
	}
	s.fence.Add(1)
	return nil
}

// Adopt registers a record placed into slot during load or recovery,
// rebuilding the forward map and the live count.
func (s *Store) Adopt(slot int, id uint64) {
	if slot >= s.used {
		s.used = slot + 1
	}
	s.setID(slot, id)
	if id != 0 {
		s.live++
	}
}

// NoteAdd bumps the live count for a freshly written slot.
func (s *Store) NoteAdd() { s.live++ }

// Touch records an access to slot. Lock-free readers call it concurrently,
// so it mutates nothing beyond the atomic counters.
func (s *Store) Touch(slot int) {
	if slot < 0 || slot >= s.used {
		return
	}
	if s.mode == ModeDisk {
		s.disk.touch(uint64(slot))
		return
	}
	s.access[slot].Add(1)
	s.lastAccess[slot].Store(node.Now())
}

// AccessStats returns the access counter and last-access timestamp of
// slot.
func (s *Store) AccessStats(slot int) (count uint64, last int64) {
	if slot < 0 || slot >= s.used {
		return 0, 0
	}
	if s.mode == ModeDisk {
		return s.disk.stats(uint64(slot))
	}
	return s.access[slot].Load(), s.lastAccess[slot].Load()
}

// Children returns a copy of the child ids of parent, in link order.
func (s *Store) Children(parentID uint64) []uint64 {
	kids := s.children[parentID]
	if len(kids) == 0 {
		return nil
	}
	out := make([]uint64, len(kids))
	copy(out, kids)
	return out
}

// Link appends child to parent's child list. Duplicate forward edges are
// skipped; the return value reports whether the link was added.
func (s *Store) Link(parentID, childID uint64) bool {
	kids := s.children[parentID]
	for _, k := range kids {
		if k == childID {
			return false
		}
	}
	s.children[parentID] = append(kids, childID)
	s.fence.Add(1)
	return true
}

// ChildCountOf returns the current side-table fanout of parent.
func (s *Store) ChildCountOf(parentID uint64) int {
	return len(s.children[parentID])
}

// Flush forces dirty pages to disk. A no-op in RAM mode.
func (s *Store) Flush() error {
	if s.mode == ModeDisk {
		return s.disk.flush()
	}
	return nil
}

// Close releases the backing. Disk mode flushes and unmaps.
func (s *Store) Close() error {
	if s.mode == ModeDisk {
		return s.disk.close()
	}
	s.rec = nil
	return nil
}
