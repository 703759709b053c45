package store

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/alphadose/haxmap"

	"github.com/synrix/lattice/internal/fs"
	"github.com/synrix/lattice/internal/mmap"
	"github.com/synrix/lattice/node"
	"github.com/synrix/lattice/snapshot"
)

// hotSlotCap bounds the disk-mode metadata cache. Slots past the cap stay
// cold: their access stats read as zero rather than evicting hot entries.
const hotSlotCap = 4096

// slotMeta is the cached access metadata of one hot slot.
type slotMeta struct {
	count atomic.Uint64
	last  atomic.Int64
}

// diskBacking holds the mapping and the hot-slot cache of a disk store.
type diskBacking struct {
	m    *mmap.Mapping
	path string
	hot  *haxmap.Map[uint64, *slotMeta]
	max  uintptr
}

// OpenDisk opens (or pre-allocates) the image file at path and maps it
// shared read-write. Capacity is fixed: the file holds exactly the header
// plus maxNodes records, and Allocate fails with ErrFull past that.
func OpenDisk(fsys fs.FileSystem, path string, maxNodes int) (*Store, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if maxNodes < 1 {
		return nil, fmt.Errorf("store: disk mode needs a positive capacity, got %d", maxNodes)
	}

	size := int64(snapshot.HeaderSize) + int64(maxNodes)*node.RecordSize
	st, err := fsys.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := preallocate(fsys, path, size); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("store: stat %s: %w", path, err)
	case st.Size() != size:
		return nil, fmt.Errorf("store: %s is %d bytes, want %d for %d nodes",
			path, st.Size(), size, maxNodes)
	}

	m, err := mmap.OpenRW(path)
	if err != nil {
		return nil, fmt.Errorf("store: map %s: %w", path, err)
	}
	if _, err := snapshot.DecodeHeader(m.Bytes()); err != nil {
		m.Close()
		return nil, err
	}

	s := &Store{
		mode:     ModeDisk,
		rec:      m.Bytes()[snapshot.HeaderSize:],
		cap:      maxNodes,
		children: make(map[uint64][]uint64),
		disk: &diskBacking{
			m:    m,
			path: path,
			hot:  haxmap.New[uint64, *slotMeta](),
			max:  hotSlotCap,
		},
	}
	return s, nil
}

// preallocate creates the image file at its final size with a fresh
// header, so the mapping never has to grow.
func preallocate(fsys fs.FileSystem, path string, size int64) error {
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("store: create %s: %w", path, err)
	}

	var hdr [snapshot.HeaderSize]byte
	snapshot.Header{NextLocalID: 1}.Encode(hdr[:])
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		fsys.Remove(path)
		return fmt.Errorf("store: write header: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		fsys.Remove(path)
		return fmt.Errorf("store: preallocate %d bytes: %w", size, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fsys.Remove(path)
		return fmt.Errorf("store: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		fsys.Remove(path)
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// Header reads the image header from the mapping. Disk mode only.
func (s *Store) Header() (snapshot.Header, error) {
	if s.mode != ModeDisk {
		return snapshot.Header{}, fmt.Errorf("store: no header in %s mode", s.mode)
	}
	return snapshot.DecodeHeader(s.disk.m.Bytes())
}

// SetHeader writes the image header through the mapping. Disk mode only.
func (s *Store) SetHeader(h snapshot.Header) error {
	if s.mode != ModeDisk {
		return fmt.Errorf("store: no header in %s mode", s.mode)
	}
	h.Encode(s.disk.m.Bytes()[:snapshot.HeaderSize])
	s.fence.Add(1)
	return nil
}

func (d *diskBacking) touch(slot uint64) {
	if meta, ok := d.hot.Get(slot); ok {
		meta.count.Add(1)
		meta.last.Store(node.Now())
		return
	}
	if d.hot.Len() >= d.max {
		return
	}
	meta := &slotMeta{}
	meta.count.Store(1)
	meta.last.Store(node.Now())
	d.hot.Set(slot, meta)
}

func (d *diskBacking) stats(slot uint64) (uint64, int64) {
	if meta, ok := d.hot.Get(slot); ok {
		return meta.count.Load(), meta.last.Load()
	}
	return 0, 0
}

func (d *diskBacking) flush() error {
	return d.m.Flush()
}

func (d *diskBacking) close() error {
	// msync before munmap so dirty pages reach the file even if the
	// process dies right after.
	if err := d.m.Flush(); err != nil {
		d.m.Close()
		return err
	}
	return d.m.Close()
}
