package snapshot

import (
	"fmt"

	"github.com/synrix/lattice/internal/fs"
	"github.com/synrix/lattice/node"
)

// Write streams an image to path atomically. hdr carries the expected
// counts; stream must call emit once per live record, each exactly
// node.RecordSize bytes. If the emitted count differs from the header's
// claim, the header is rewritten with the real number before the rename,
// so a reader never trusts a stale count.
func Write(fsys fs.FileSystem, path string, hdr Header, stream func(emit func(rec []byte) error) error) error {
	return fs.SaveAtomic(fsys, path, func(f fs.File) error {
		var raw [HeaderSize]byte
		hdr.Encode(raw[:])
		if _, err := f.Write(raw[:]); err != nil {
			return fmt.Errorf("snapshot: write header: %w", err)
		}

		written := uint32(0)
		err := stream(func(rec []byte) error {
			if len(rec) != node.RecordSize {
				return fmt.Errorf("snapshot: record size %d, want %d", len(rec), node.RecordSize)
			}
			if _, err := f.Write(rec); err != nil {
				return fmt.Errorf("snapshot: write record: %w", err)
			}
			written++
			return nil
		})
		if err != nil {
			return err
		}

		if written != hdr.NodesToLoad {
			hdr.TotalNodes = written
			hdr.NodesToLoad = written
			hdr.Encode(raw[:])
			if _, err := f.WriteAt(raw[:], 0); err != nil {
				return fmt.Errorf("snapshot: rewrite header: %w", err)
			}
		}
		return nil
	})
}
