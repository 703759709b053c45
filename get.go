package lattice

import (
	"fmt"
	"time"

	"github.com/synrix/lattice/index"
	"github.com/synrix/lattice/node"
)

// Get returns a copy of the node with the given id. The returned record is
// caller-owned; it never aliases the backing array.
func (l *Lattice) Get(id node.ID) (node.Node, error) {
	start := time.Now()
	n, err := l.get(id)
	l.metrics.RecordGet(time.Since(start), err)
	return n, err
}

func (l *Lattice) get(id node.ID) (node.Node, error) {
	var (
		n     node.Node
		found bool
	)
	l.lock.Read(func() {
		n = node.Node{}
		found = false
		slot, ok := l.idx.Slot(id)
		if !ok {
			return
		}
		if err := l.st.ReadNode(slot, &n); err != nil {
			return
		}
		l.st.Touch(slot)
		found = true
	})
	if !found {
		return node.Node{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return n, nil
}

// GetBinary returns the payload bytes of id and whether the payload is
// binary-mode. Text payloads return their string bytes with isBinary false.
func (l *Lattice) GetBinary(id node.ID) (data []byte, isBinary bool, err error) {
	n, err := l.Get(id)
	if err != nil {
		return nil, false, err
	}
	b := n.Data.Bytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out, n.Data.Binary, nil
}

// Filter narrows prefix queries by confidence and timestamp range.
type Filter = index.Filter

// FindByPrefix returns up to limit ids whose names share the given prefix,
// in insertion order. The cost is O(k) in the result count.
func (l *Lattice) FindByPrefix(prefix string, limit int) []node.ID {
	start := time.Now()
	var ids []node.ID
	l.lock.Read(func() {
		ids = l.idx.ByPrefix(prefix)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	l.metrics.RecordFind(len(ids), time.Since(start))
	l.logger.LogFind(prefix, len(ids))
	return ids
}

// FindByPrefixFiltered is FindByPrefix narrowed by a confidence floor and
// a timestamp window.
func (l *Lattice) FindByPrefixFiltered(prefix string, limit int, f Filter) []node.ID {
	start := time.Now()
	var ids []node.ID
	l.lock.Read(func() {
		ids = l.idx.ByPrefixFiltered(prefix, f, func(id node.ID) (float64, int64, bool) {
			slot, ok := l.idx.Slot(id)
			if !ok {
				return 0, 0, false
			}
			var n node.Node
			if err := l.st.ReadNode(slot, &n); err != nil {
				return 0, 0, false
			}
			return n.Confidence, n.Timestamp, true
		})
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	l.metrics.RecordFind(len(ids), time.Since(start))
	l.logger.LogFind(prefix, len(ids))
	return ids
}

// Contains reports whether a live node carries id.
func (l *Lattice) Contains(id node.ID) bool {
	var ok bool
	l.lock.Read(func() {
		_, ok = l.idx.Slot(id)
	})
	return ok
}
