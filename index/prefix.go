package index

import "github.com/synrix/lattice/node"

// Legacy named buckets kept as a fast path. These four prefixes dominated
// early workloads and skip the dynamic bucket map entirely.
const (
	prefixISA         = "ISA_"
	prefixMaterial    = "MATERIAL_"
	prefixLearning    = "LEARNING_"
	prefixPerformance = "PERFORMANCE_"
)

// bucket holds the ids of one prefix, in insertion order.
type bucket struct {
	prefix string
	ids    []uint64
}

func (b *bucket) remove(id uint64) {
	for i, v := range b.ids {
		if v == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			return
		}
	}
}

// prefixIndex buckets node ids by name prefix (text up to and including
// the first '_' or ':'). Buckets are created on demand and live in an
// append-only array; the byName map locates them.
type prefixIndex struct {
	isa         bucket
	material    bucket
	learning    bucket
	performance bucket

	dynamic []*bucket
	byName  map[string]*bucket
}

func newPrefixIndex() *prefixIndex {
	return &prefixIndex{
		isa:         bucket{prefix: prefixISA},
		material:    bucket{prefix: prefixMaterial},
		learning:    bucket{prefix: prefixLearning},
		performance: bucket{prefix: prefixPerformance},
		byName:      make(map[string]*bucket),
	}
}

// legacy returns the named fast-path bucket for p, or nil.
func (px *prefixIndex) legacy(p string) *bucket {
	switch p {
	case prefixISA:
		return &px.isa
	case prefixMaterial:
		return &px.material
	case prefixLearning:
		return &px.learning
	case prefixPerformance:
		return &px.performance
	}
	return nil
}

func (px *prefixIndex) find(p string, create bool) *bucket {
	if b := px.legacy(p); b != nil {
		return b
	}
	if b, ok := px.byName[p]; ok {
		return b
	}
	if !create {
		return nil
	}
	b := &bucket{prefix: p}
	px.dynamic = append(px.dynamic, b)
	px.byName[p] = b
	return b
}

func (px *prefixIndex) add(name string, id uint64) {
	b := px.find(node.PrefixOf(name), true)
	b.ids = append(b.ids, id)
}

func (px *prefixIndex) remove(name string, id uint64) {
	if b := px.find(node.PrefixOf(name), false); b != nil {
		b.remove(id)
	}
}

// lookup returns a copy of the bucket for prefix, nil when absent.
func (px *prefixIndex) lookup(prefix string) []node.ID {
	b := px.find(prefix, false)
	if b == nil || len(b.ids) == 0 {
		return nil
	}
	out := make([]node.ID, len(b.ids))
	for i, id := range b.ids {
		out[i] = node.ID(id)
	}
	return out
}
