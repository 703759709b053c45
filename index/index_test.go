package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synrix/lattice/node"
)

// fakeStore is the minimal forward map an Index needs.
type fakeStore struct {
	ids []uint64
}

func (f *fakeStore) forward(slot int) uint64 {
	if slot < 0 || slot >= len(f.ids) {
		return 0
	}
	return f.ids[slot]
}

func (f *fakeStore) slots() int { return len(f.ids) }

func (f *fakeStore) put(id node.ID) int {
	f.ids = append(f.ids, uint64(id))
	return len(f.ids) - 1
}

func newTestIndex(fs *fakeStore, maxNodes int) *Index {
	return New(fs.forward, fs.slots, maxNodes)
}

func TestSlotFastPath(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 100)

	id := node.MakeID(1, 7)
	slot := fs.put(id)
	ix.Insert(id, "ISA_rule", slot)

	got, ok := ix.Slot(id)
	require.True(t, ok)
	assert.Equal(t, slot, got)
}

func TestSlotFallsBackToScanOnStaleEntry(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 100)

	id := node.MakeID(1, 7)
	slot := fs.put(id)
	// Poison the reverse map: point the id at a slot holding a different id.
	other := fs.put(node.MakeID(1, 8))
	ix.Insert(id, "ISA_rule", other)

	got, ok := ix.Slot(id)
	require.True(t, ok, "scan fallback must find the node")
	assert.Equal(t, slot, got)
}

func TestSlotReadPathNeverRepairs(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 100)

	id := node.MakeID(1, 7)
	slot := fs.put(id)
	other := fs.put(node.MakeID(1, 8))
	ix.Insert(id, "ISA_rule", other)

	// Slot runs inside lock-free read sections, so the stale reverse entry
	// must survive the lookup untouched.
	got, ok := ix.Slot(id)
	require.True(t, ok)
	assert.Equal(t, slot, got)
	assert.Equal(t, int32(other), ix.rev[id.Local()], "read path mutated the reverse map")

	// SlotRepair runs under the writer lock and heals the entry.
	got, ok = ix.SlotRepair(id)
	require.True(t, ok)
	assert.Equal(t, slot, got)
	assert.Equal(t, int32(slot), ix.rev[id.Local()])
}

func TestSlotMissing(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 100)
	_, ok := ix.Slot(node.MakeID(1, 99))
	assert.False(t, ok)
}

func TestSparseIDsWithinGrowthCap(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 10) // reverse map may grow to 100 entries

	sparse := node.MakeID(0, 95)
	slot := fs.put(sparse)
	ix.Insert(sparse, "CHUNK:1:0:3", slot)

	got, ok := ix.Slot(sparse)
	require.True(t, ok)
	assert.Equal(t, slot, got)

	// Past the cap the map refuses to grow but lookups still work by scan.
	wild := node.MakeID(0, 5000)
	wildSlot := fs.put(wild)
	ix.Insert(wild, "CHUNK:1:1:3", wildSlot)

	got, ok = ix.Slot(wild)
	require.True(t, ok)
	assert.Equal(t, wildSlot, got)
}

func TestPrefixBuckets(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 0)

	names := map[string][]string{
		"ISA_":      {"ISA_add", "ISA_sub"},
		"MATERIAL_": {"MATERIAL_steel"},
		"custom:":   {"custom:one", "custom:two", "custom:three"},
	}
	var local uint32
	for _, group := range names {
		for _, name := range group {
			local++
			id := node.MakeID(1, local)
			ix.Insert(id, name, fs.put(id))
		}
	}

	assert.Len(t, ix.ByPrefix("ISA_"), 2)
	assert.Len(t, ix.ByPrefix("MATERIAL_"), 1)
	assert.Len(t, ix.ByPrefix("custom:"), 3)
	assert.Empty(t, ix.ByPrefix("LEARNING_"))
	assert.Empty(t, ix.ByPrefix("absent_"))
}

func TestPrefixInsertionOrder(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 0)

	var want []node.ID
	for i := 1; i <= 5; i++ {
		id := node.MakeID(1, uint32(i))
		ix.Insert(id, fmt.Sprintf("LEARNING_%d", i), fs.put(id))
		want = append(want, id)
	}
	assert.Equal(t, want, ix.ByPrefix("LEARNING_"))
}

func TestRemoveDropsEverywhere(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 0)

	id := node.MakeID(1, 1)
	slot := fs.put(id)
	ix.Insert(id, "ISA_x", slot)
	require.True(t, ix.Contains(id))

	fs.ids[slot] = 0
	ix.Remove(id, "ISA_x")

	assert.False(t, ix.Contains(id))
	assert.Empty(t, ix.ByPrefix("ISA_"))
	_, ok := ix.Slot(id)
	assert.False(t, ok)
	assert.Zero(t, ix.LiveCount())
}

func TestDirtyRebuild(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 0)

	type entry struct {
		id   node.ID
		name string
	}
	var entries []entry

	ix.MarkDirty()
	for i := 1; i <= 20; i++ {
		id := node.MakeID(1, uint32(i))
		name := fmt.Sprintf("PERFORMANCE_%d", i)
		ix.Insert(id, name, fs.put(id))
		entries = append(entries, entry{id, name})
	}

	require.True(t, ix.Dirty())
	assert.Empty(t, ix.ByPrefix("PERFORMANCE_"), "dirty index must not serve stale buckets as fresh")

	ix.Rebuild(func(yield func(id node.ID, name string)) {
		for _, e := range entries {
			yield(e.id, e.name)
		}
	})

	assert.False(t, ix.Dirty())
	assert.Len(t, ix.ByPrefix("PERFORMANCE_"), 20)
}

func TestByPrefixFiltered(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 0)

	meta := map[node.ID]struct {
		conf float64
		ts   int64
	}{}
	for i := 1; i <= 10; i++ {
		id := node.MakeID(1, uint32(i))
		ix.Insert(id, fmt.Sprintf("ISA_%d", i), fs.put(id))
		meta[id] = struct {
			conf float64
			ts   int64
		}{conf: float64(i) / 10, ts: int64(i * 1000)}
	}
	lookup := func(id node.ID) (float64, int64, bool) {
		m, ok := meta[id]
		return m.conf, m.ts, ok
	}

	got := ix.ByPrefixFiltered("ISA_", Filter{MinConfidence: 0.75}, lookup)
	assert.Len(t, got, 3, "confidence >= 0.75 keeps 8,9,10")

	got = ix.ByPrefixFiltered("ISA_", Filter{Since: 3000, Until: 5000}, lookup)
	assert.Len(t, got, 3, "timestamps 3000..5000 keep 3,4,5")

	got = ix.ByPrefixFiltered("ISA_", Filter{MinConfidence: 0.5, Since: 6000}, lookup)
	assert.Len(t, got, 5)
}

func TestLiveIDsOrdered(t *testing.T) {
	fs := &fakeStore{}
	ix := newTestIndex(fs, 0)

	for _, local := range []uint32{5, 1, 3} {
		id := node.MakeID(0, local)
		ix.Insert(id, "X_n", fs.put(id))
	}

	var got []uint32
	ix.LiveIDs(func(id node.ID) bool {
		got = append(got, id.Local())
		return true
	})
	assert.Equal(t, []uint32{1, 3, 5}, got)
}
