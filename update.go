package lattice

import (
	"fmt"
	"time"

	"github.com/synrix/lattice/node"
	"github.com/synrix/lattice/wal"
)

// Update replaces the text payload of id. Only the payload and the
// timestamp change; confidence is left as is.
func (l *Lattice) Update(id node.ID, text string) error {
	start := time.Now()
	p, err := node.Text(text)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidNode, err)
		l.metrics.RecordUpdate(time.Since(start), err)
		return err
	}
	err = l.updateNode(id, p)
	l.metrics.RecordUpdate(time.Since(start), err)
	l.logger.LogUpdate(uint64(id), err)
	return err
}

// UpdateBinary replaces the payload of id with a binary payload.
func (l *Lattice) UpdateBinary(id node.ID, data []byte) error {
	start := time.Now()
	p, err := node.Binary(data)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidNode, err)
		l.metrics.RecordUpdate(time.Since(start), err)
		return err
	}
	err = l.updateNode(id, p)
	l.metrics.RecordUpdate(time.Since(start), err)
	l.logger.LogUpdate(uint64(id), err)
	return err
}

func (l *Lattice) updateNode(id node.ID, p node.Payload) error {
	if l.closed {
		return ErrClosed
	}
	if err := l.lock.WriteBegin(); err != nil {
		return translateError(err)
	}
	defer l.lock.WriteEnd()

	slot, ok := l.idx.SlotRepair(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if seq := l.wal.Append(wal.OpUpdateNode, uint64(id), encodeWALData(p)); seq == 0 {
		if err := l.wal.FlushWait(0); err != nil {
			return fmt.Errorf("lattice: wal append: %w", err)
		}
		return fmt.Errorf("lattice: wal append failed")
	}

	var n node.Node
	if err := l.st.ReadNode(slot, &n); err != nil {
		return err
	}
	n.Data = p
	n.Timestamp = node.Now()
	if err := l.st.WriteNode(slot, &n); err != nil {
		return err
	}
	l.dirty = true
	return nil
}

// SetConfidence sets the confidence score of id. The change is durable
// through the next snapshot; it is not WAL-logged (the log carries payload
// mutations only, so a crash before the next save loses the score, never
// the node).
func (l *Lattice) SetConfidence(id node.ID, confidence float64) error {
	if l.closed {
		return ErrClosed
	}
	if err := l.lock.WriteBegin(); err != nil {
		return translateError(err)
	}
	defer l.lock.WriteEnd()

	slot, ok := l.idx.SlotRepair(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	var n node.Node
	if err := l.st.ReadNode(slot, &n); err != nil {
		return err
	}
	n.Confidence = confidence
	if err := l.st.WriteNode(slot, &n); err != nil {
		return err
	}
	l.dirty = true
	return nil
}

// Delete tombstones id. The slot is not reused; offline compaction
// reclaims it.
func (l *Lattice) Delete(id node.ID) error {
	start := time.Now()
	err := l.deleteNode(id)
	l.metrics.RecordDelete(time.Since(start), err)
	l.logger.LogDelete(uint64(id), err)
	return err
}

func (l *Lattice) deleteNode(id node.ID) error {
	if l.closed {
		return ErrClosed
	}
	if err := l.lock.WriteBegin(); err != nil {
		return translateError(err)
	}
	defer l.lock.WriteEnd()

	slot, ok := l.idx.SlotRepair(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	var n node.Node
	if err := l.st.ReadNode(slot, &n); err != nil {
		return err
	}
	if seq := l.wal.Append(wal.OpDeleteNode, uint64(id), nil); seq == 0 {
		if err := l.wal.FlushWait(0); err != nil {
			return fmt.Errorf("lattice: wal append: %w", err)
		}
		return fmt.Errorf("lattice: wal append failed")
	}
	if err := l.st.Tombstone(slot); err != nil {
		return err
	}
	l.idx.Remove(id, n.Name)
	l.dirty = true
	return nil
}
