package lattice

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/synrix/lattice/node"
	"github.com/synrix/lattice/store"
	"github.com/synrix/lattice/wal"
)

// Add creates a node with a text payload (at most 511 bytes) and returns
// its id. The mutation is WAL-logged before it is applied. parentID may be
// zero; a non-zero parent gains a forward edge to the new node.
func (l *Lattice) Add(typ node.Type, name, text string, parentID node.ID) (node.ID, error) {
	start := time.Now()
	p, err := node.Text(text)
	if err != nil {
		l.metrics.RecordAdd(time.Since(start), err)
		return 0, fmt.Errorf("%w: %w", ErrInvalidNode, err)
	}
	id, err := l.addNode(typ, name, p, parentID)
	l.metrics.RecordAdd(time.Since(start), err)
	l.logger.LogAdd(uint64(id), name, err)
	return id, err
}

// AddBinary creates a node with a binary payload of 1..510 bytes, stored
// length-prefixed.
func (l *Lattice) AddBinary(typ node.Type, name string, data []byte, parentID node.ID) (node.ID, error) {
	start := time.Now()
	p, err := node.Binary(data)
	if err != nil {
		l.metrics.RecordAdd(time.Since(start), err)
		return 0, fmt.Errorf("%w: %w", ErrInvalidNode, err)
	}
	id, err := l.addNode(typ, name, p, parentID)
	l.metrics.RecordAdd(time.Since(start), err)
	l.logger.LogAdd(uint64(id), name, err)
	return id, err
}

// addNode is the single write path behind every add variant: constraints,
// usage cap, WAL append, store write, index insert, auto-persist.
func (l *Lattice) addNode(typ node.Type, name string, p node.Payload, parentID node.ID) (node.ID, error) {
	if !typ.Valid() {
		return 0, fmt.Errorf("%w: type %d", ErrInvalidNode, typ)
	}
	if len(name) >= node.NameSize {
		return 0, fmt.Errorf("%w: name length %d >= %d", ErrInvalidNode, len(name), node.NameSize)
	}
	if !strings.ContainsAny(name, "_:") {
		l.logger.Warn("node name has no prefix separator", "name", name)
	}
	if l.closed {
		return 0, ErrClosed
	}

	// Capacity is checked before the usage file is charged so a full
	// disk-mode lattice does not consume free-tier quota.
	if l.st.Mode() == store.ModeDisk && l.st.Used() >= l.st.Cap() {
		return 0, fmt.Errorf("%w: %d nodes", ErrFull, l.st.Cap())
	}
	if parentID != 0 && l.st.ChildCountOf(uint64(parentID)) >= node.MaxChildCount {
		return 0, fmt.Errorf("%w: parent %d has %d children", ErrFull, parentID, node.MaxChildCount)
	}

	if _, err := l.usage.Consume(1); err != nil {
		l.usage.PrintBanner(os.Stderr)
		return 0, translateError(err)
	}

	if err := l.lock.WriteBegin(); err != nil {
		return 0, translateError(err)
	}

	id := node.MakeID(l.deviceID, l.nextLocal)
	entry := wal.AddNodePayload{
		Type:     uint8(typ),
		Name:     name,
		Data:     encodeWALData(p),
		ParentID: uint64(parentID),
	}
	if seq := l.wal.Append(wal.OpAddNode, uint64(id), entry.Encode()); seq == 0 {
		l.lock.WriteEnd()
		l.refundUsage()
		if err := l.wal.FlushWait(0); err != nil {
			return 0, fmt.Errorf("lattice: wal append: %w", err)
		}
		return 0, fmt.Errorf("lattice: wal append failed")
	}

	slot, err := l.st.Allocate()
	if err != nil {
		l.lock.WriteEnd()
		l.refundUsage()
		return 0, translateError(err)
	}
	n := node.Node{
		ID:         id,
		Type:       typ,
		Name:       name,
		Data:       p,
		ParentID:   parentID,
		Confidence: 1.0,
		Timestamp:  node.Now(),
	}
	if err := l.st.WriteNode(slot, &n); err != nil {
		l.lock.WriteEnd()
		l.refundUsage()
		return 0, fmt.Errorf("%w: %w", ErrInvalidNode, err)
	}
	l.st.NoteAdd()
	l.idx.Insert(id, name, slot)
	if parentID != 0 {
		l.linkChild(uint64(parentID), uint64(id))
	}
	l.nextLocal++
	l.nodesSince++
	l.dirty = true
	l.lock.WriteEnd()

	l.maybeAutoPersist()
	return id, nil
}

// refundUsage returns one charged node to the free-tier counter after a
// failed add. A refund failure only warns; the quota leak is preferable to
// masking the original error.
func (l *Lattice) refundUsage() {
	if err := l.usage.Refund(1); err != nil {
		l.logger.Warn("usage refund failed", "error", err)
	}
}

// AddChild records a parent-to-child edge between two existing nodes.
// Duplicate forward edges are skipped, making the operation idempotent.
func (l *Lattice) AddChild(parentID, childID node.ID) error {
	if l.closed {
		return ErrClosed
	}
	if err := l.lock.WriteBegin(); err != nil {
		return translateError(err)
	}
	defer l.lock.WriteEnd()

	if _, ok := l.idx.SlotRepair(parentID); !ok {
		return fmt.Errorf("%w: parent %d", ErrNotFound, parentID)
	}
	if _, ok := l.idx.SlotRepair(childID); !ok {
		return fmt.Errorf("%w: child %d", ErrNotFound, childID)
	}
	for _, c := range l.st.Children(uint64(parentID)) {
		if c == uint64(childID) {
			return nil
		}
	}
	if l.st.ChildCountOf(uint64(parentID)) >= node.MaxChildCount {
		return fmt.Errorf("%w: parent %d has %d children", ErrFull, parentID, node.MaxChildCount)
	}

	entry := wal.AddChildPayload{ParentID: uint64(parentID), ChildID: uint64(childID)}
	if seq := l.wal.Append(wal.OpAddChild, uint64(parentID), entry.Encode()); seq == 0 {
		if err := l.wal.FlushWait(0); err != nil {
			return fmt.Errorf("lattice: wal append: %w", err)
		}
		return fmt.Errorf("lattice: wal append failed")
	}
	l.linkChild(uint64(parentID), uint64(childID))
	l.dirty = true
	return nil
}

// Children returns the ids of parentID's children, in insertion order.
func (l *Lattice) Children(parentID node.ID) []node.ID {
	var out []node.ID
	l.lock.Read(func() {
		raw := l.st.Children(uint64(parentID))
		out = make([]node.ID, len(raw))
		for i, c := range raw {
			out[i] = node.ID(c)
		}
	})
	return out
}
