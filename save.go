package lattice

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/synrix/lattice/backup"
	"github.com/synrix/lattice/index"
	"github.com/synrix/lattice/node"
	"github.com/synrix/lattice/snapshot"
	"github.com/synrix/lattice/store"
)

// Save writes an atomic snapshot of the live state and checkpoints the
// WAL, truncating it back to its header. Saving twice in a row produces
// byte-identical files.
func (l *Lattice) Save() error {
	start := time.Now()
	nodes := l.st.Live()
	err := l.save()
	l.metrics.RecordSave(nodes, time.Since(start), err)
	l.logger.LogSnapshot(l.path, nodes, err)
	return err
}

func (l *Lattice) save() error {
	if err := l.lock.WriteBegin(); err != nil {
		return translateError(err)
	}
	defer l.lock.WriteEnd()
	return l.saveLocked()
}

func (l *Lattice) saveLocked() error {
	switch l.st.Mode() {
	case store.ModeRAM:
		live := l.st.Live()
		hdr := snapshot.Header{
			TotalNodes:  uint32(live),
			NextLocalID: l.nextLocal,
			NodesToLoad: uint32(live),
		}
		err := snapshot.Write(l.fsys, l.path, hdr, func(emit func(rec []byte) error) error {
			for slot := 0; slot < l.st.Used(); slot++ {
				if l.st.IDAt(slot) == 0 {
					continue
				}
				if err := emit(l.st.Record(slot)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("lattice: snapshot: %w", err)
		}
	case store.ModeDisk:
		hdr := snapshot.Header{
			TotalNodes:  uint32(l.st.Used()),
			NextLocalID: l.nextLocal,
			NodesToLoad: uint32(l.st.Used()),
		}
		if err := l.st.SetHeader(hdr); err != nil {
			return fmt.Errorf("lattice: header: %w", err)
		}
		if err := l.st.Flush(); err != nil {
			return fmt.Errorf("lattice: msync: %w", err)
		}
	}

	if err := l.wal.Checkpoint(); err != nil {
		return fmt.Errorf("lattice: checkpoint: %w", err)
	}
	l.nodesSince = 0
	l.lastSave = time.Now()
	l.dirty = false
	return nil
}

// Compact rewrites the backing storage without tombstoned slots. It is an
// offline operation: it takes the writer lock for its full duration and
// must not race concurrent readers holding old ids (live ids all survive).
func (l *Lattice) Compact() error {
	if l.closed {
		return ErrClosed
	}
	if err := l.lock.WriteBegin(); err != nil {
		return translateError(err)
	}
	defer l.lock.WriteEnd()

	switch l.st.Mode() {
	case store.ModeRAM:
		if err := l.compactRAM(); err != nil {
			return err
		}
	case store.ModeDisk:
		if err := l.compactDisk(); err != nil {
			return err
		}
	}
	return l.saveLocked()
}

func (l *Lattice) compactRAM() error {
	fresh := store.NewRAM(l.maxNodes)
	if err := l.repack(fresh); err != nil {
		return err
	}
	l.st.Close()
	l.swapStore(fresh)
	return nil
}

func (l *Lattice) compactDisk() error {
	capacity := l.st.Cap()

	// The mapping is replaced wholesale, so live records are copied out
	// before the old file goes away.
	type rec struct {
		id   uint64
		data []byte
	}
	var recs []rec
	for slot := 0; slot < l.st.Used(); slot++ {
		id := l.st.IDAt(slot)
		if id == 0 {
			continue
		}
		data := make([]byte, node.RecordSize)
		copy(data, l.st.Record(slot))
		recs = append(recs, rec{id: id, data: data})
	}
	links := l.collectLinks()

	if err := l.st.Close(); err != nil {
		return fmt.Errorf("lattice: compact: close mapping: %w", err)
	}
	if err := l.fsys.Remove(l.path); err != nil {
		return fmt.Errorf("lattice: compact: remove: %w", err)
	}
	fresh, err := store.OpenDisk(l.fsys, l.path, capacity)
	if err != nil {
		return fmt.Errorf("lattice: compact: reopen: %w", err)
	}
	for i, r := range recs {
		copy(fresh.Record(i), r.data)
		fresh.Adopt(i, r.id)
	}
	for _, lk := range links {
		fresh.Link(lk[0], lk[1])
	}
	l.st = fresh
	l.rebuildIndex()
	return nil
}

// repack copies every live record and edge from the current store into
// fresh, contiguously.
func (l *Lattice) repack(fresh *store.Store) error {
	for slot := 0; slot < l.st.Used(); slot++ {
		id := l.st.IDAt(slot)
		if id == 0 {
			continue
		}
		dst, err := fresh.Allocate()
		if err != nil {
			return err
		}
		copy(fresh.Record(dst), l.st.Record(slot))
		fresh.Adopt(dst, id)
	}
	for _, lk := range l.collectLinks() {
		fresh.Link(lk[0], lk[1])
	}
	return nil
}

func (l *Lattice) collectLinks() [][2]uint64 {
	var links [][2]uint64
	for slot := 0; slot < l.st.Used(); slot++ {
		id := l.st.IDAt(slot)
		if id == 0 {
			continue
		}
		for _, c := range l.st.Children(id) {
			links = append(links, [2]uint64{id, c})
		}
	}
	return links
}

func (l *Lattice) swapStore(fresh *store.Store) {
	l.st = fresh
	l.rebuildIndex()
}

func (l *Lattice) rebuildIndex() {
	l.idx = index.New(l.st.IDAt, l.st.Used, l.maxNodes)
	for slot := 0; slot < l.st.Used(); slot++ {
		id := l.st.IDAt(slot)
		if id == 0 {
			continue
		}
		var n node.Node
		if err := l.st.ReadNode(slot, &n); err != nil {
			continue
		}
		l.idx.Insert(n.ID, n.Name, slot)
	}
	if l.idx.Dirty() {
		l.idx.Rebuild(l.iterateLive)
	}
}

// Archive saves the lattice and uploads the snapshot file as archive id
// through the given backup manager.
func (l *Lattice) Archive(ctx context.Context, mgr *backup.Manager, id string) (*backup.Manifest, error) {
	if err := l.Save(); err != nil {
		return nil, err
	}
	return mgr.Archive(ctx, id, l.path)
}

// Restore downloads archive id over the lattice file at path. It must run
// before Open; restoring under a live handle is not supported. Any WAL
// next to the target is removed so stale entries cannot replay over the
// restored image.
func Restore(ctx context.Context, mgr *backup.Manager, id, path string) error {
	if _, err := mgr.Restore(ctx, id, path); err != nil {
		return err
	}
	if err := removeIfPresent(path + walSuffix); err != nil {
		return err
	}
	return nil
}

func removeIfPresent(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
