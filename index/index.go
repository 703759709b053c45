// Package index maintains the lookup structures of a lattice: the reverse
// id-to-slot map, the name-prefix buckets, and the live-id bitmap.
//
// The index is rebuildable state. It is never persisted; opens and
// recoveries reconstruct it from the records.
package index

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/synrix/lattice/node"
)

// revGrowthCap bounds the reverse map at a multiple of the configured
// node capacity. Chunked storage produces sparse local ids, so the map
// must be allowed to outgrow the slot count, but not without limit.
const revGrowthCap = 10

// BulkLoadThreshold is the expected record count past which loaders defer
// prefix maintenance (MarkDirty before, Rebuild after) instead of paying
// the per-insert bucket upkeep.
const BulkLoadThreshold = 10000

const slotNone = -1

// Index holds the rebuildable lookup state.
type Index struct {
	// forward reads the authoritative id of a slot, for the consistency
	// check on reverse lookups.
	forward func(slot int) uint64
	slots   func() int

	maxNodes int
	rev      []int32 // local id -> slot, slotNone when vacant

	prefix *prefixIndex
	dirty  bool

	live *roaring64.Bitmap // full node ids of live records
}

// New creates an empty index over a store described by the two accessors.
// maxNodes caps reverse-map growth; 0 means unbounded.
func New(forward func(slot int) uint64, slots func() int, maxNodes int) *Index {
	return &Index{
		forward:  forward,
		slots:    slots,
		maxNodes: maxNodes,
		prefix:   newPrefixIndex(),
		live:     roaring64.New(),
	}
}

// Insert registers a node at slot. While the index is marked dirty, prefix
// maintenance is deferred to the next Rebuild.
func (ix *Index) Insert(id node.ID, name string, slot int) {
	ix.setRev(id.Local(), slot)
	ix.live.Add(uint64(id))

	if ix.dirty {
		return
	}
	ix.prefix.add(name, uint64(id))
}

// Remove drops a node from every structure.
func (ix *Index) Remove(id node.ID, name string) {
	local := id.Local()
	if int(local) < len(ix.rev) {
		ix.rev[local] = slotNone
	}
	ix.live.Remove(uint64(id))
	if !ix.dirty {
		ix.prefix.remove(name, uint64(id))
	}
}

// Slot resolves id to its slot index.
//
// The fast path is a reverse-map read plus a consistency check against the
// forward map. On mismatch (stale or corrupt reverse entry) it falls back
// to a linear scan. Slot never mutates the index, so it is safe inside a
// lock-free read section; writer paths use SlotRepair to heal the entry.
func (ix *Index) Slot(id node.ID) (int, bool) {
	local := id.Local()
	if int(local) < len(ix.rev) {
		if slot := ix.rev[local]; slot != slotNone {
			if ix.forward(int(slot)) == uint64(id) {
				return int(slot), true
			}
		}
	}
	return ix.scan(id)
}

// SlotRepair is Slot for callers holding the writer lock: when the lookup
// had to fall back to a scan, the stale reverse entry is repaired in place
// so the next lookup is fast again.
func (ix *Index) SlotRepair(id node.ID) (int, bool) {
	local := id.Local()
	if int(local) < len(ix.rev) {
		if slot := ix.rev[local]; slot != slotNone {
			if ix.forward(int(slot)) == uint64(id) {
				return int(slot), true
			}
		}
	}
	slot, ok := ix.scan(id)
	if ok {
		ix.setRev(local, slot)
	}
	return slot, ok
}

// scan is the safety net: walk every slot comparing forward ids.
func (ix *Index) scan(id node.ID) (int, bool) {
	n := ix.slots()
	for slot := 0; slot < n; slot++ {
		if ix.forward(slot) == uint64(id) {
			return slot, true
		}
	}
	return 0, false
}

func (ix *Index) setRev(local uint32, slot int) {
	if int(local) >= len(ix.rev) {
		limit := ix.revLimit()
		if limit > 0 && int(local) >= limit {
			return // beyond the growth cap; lookups fall back to scan
		}
		grown := make([]int32, int(local)+1)
		copy(grown, ix.rev)
		for i := len(ix.rev); i < len(grown); i++ {
			grown[i] = slotNone
		}
		ix.rev = grown
	}
	ix.rev[local] = int32(slot)
}

func (ix *Index) revLimit() int {
	if ix.maxNodes <= 0 {
		return 0
	}
	return ix.maxNodes * revGrowthCap
}

// Contains reports whether id is live.
func (ix *Index) Contains(id node.ID) bool {
	return ix.live.Contains(uint64(id))
}

// LiveCount returns the number of live nodes.
func (ix *Index) LiveCount() uint64 {
	return ix.live.GetCardinality()
}

// LiveIDs iterates the live node ids in ascending order.
func (ix *Index) LiveIDs(visit func(id node.ID) bool) {
	it := ix.live.Iterator()
	for it.HasNext() {
		if !visit(node.ID(it.Next())) {
			return
		}
	}
}

// Dirty reports whether the prefix index needs a rebuild before queries.
func (ix *Index) Dirty() bool { return ix.dirty }

// MarkDirty defers prefix maintenance until the next Rebuild. Used around
// bulk loads.
func (ix *Index) MarkDirty() { ix.dirty = true }

// Rebuild reconstructs the prefix buckets from scratch. iterate must call
// yield once per live node.
func (ix *Index) Rebuild(iterate func(yield func(id node.ID, name string))) {
	ix.prefix = newPrefixIndex()
	iterate(func(id node.ID, name string) {
		ix.prefix.add(name, uint64(id))
	})
	ix.dirty = false
}

// ByPrefix returns the ids whose names carry the bucket prefix of name,
// in insertion order. The result is a copy.
func (ix *Index) ByPrefix(prefix string) []node.ID {
	return ix.prefix.lookup(prefix)
}

// Filter narrows prefix queries.
type Filter struct {
	MinConfidence float64
	Since         int64 // inclusive lower timestamp bound, 0 = unbounded
	Until         int64 // inclusive upper timestamp bound, 0 = unbounded
}

// ByPrefixFiltered returns the bucket ids that pass f. meta resolves the
// confidence and timestamp of an id; ids it cannot resolve are dropped.
func (ix *Index) ByPrefixFiltered(prefix string, f Filter, meta func(id node.ID) (confidence float64, timestamp int64, ok bool)) []node.ID {
	ids := ix.prefix.lookup(prefix)
	out := ids[:0]
	for _, id := range ids {
		conf, ts, ok := meta(id)
		if !ok {
			continue
		}
		if conf < f.MinConfidence {
			continue
		}
		if f.Since != 0 && ts < f.Since {
			continue
		}
		if f.Until != 0 && ts > f.Until {
			continue
		}
		out = append(out, id)
	}
	return out
}
