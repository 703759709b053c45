package snapshot

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/synrix/lattice/internal/mmap"
	"github.com/synrix/lattice/node"
)

// maxConsecutiveInvalid stops a load that has run into uninitialized or
// corrupt space. One bad slot is tolerable; a run of them means we are
// past the live region of a pre-allocated file.
const maxConsecutiveInvalid = 10

// LoadStats summarizes a load.
type LoadStats struct {
	Header  Header
	Loaded  int
	Skipped int
}

// Load maps the image at path read-only and feeds each valid record to
// apply. Records are validated before dispatch; invalid slots are skipped
// and counted. The record slice passed to apply is valid only during the
// call, and its children pointer field must be ignored (it is always stale
// on disk).
func Load(path string, maxNodes int, apply func(rec []byte, n *node.Node) error, logger *slog.Logger) (LoadStats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var stats LoadStats

	m, err := mmap.Open(path)
	if err != nil {
		return stats, err
	}
	defer m.Close()

	data := m.Bytes()
	hdr, err := DecodeHeader(data)
	if err != nil {
		return stats, err
	}
	stats.Header = hdr

	expected := int(hdr.NodesToLoad)
	if maxNodes > 0 && expected > maxNodes {
		logger.Warn("snapshot claims more nodes than capacity, capping",
			slog.Int("claimed", expected), slog.Int("max_nodes", maxNodes))
		expected = maxNodes
	}

	consecutive := 0
	for i := 0; i < expected; i++ {
		off := HeaderSize + i*node.RecordSize
		if off+node.RecordSize > len(data) {
			break // EOF: image shorter than the header claims
		}
		rec := data[off : off+node.RecordSize]

		if node.PeekID(rec).IsZero() {
			stats.Skipped++
			consecutive++
			if consecutive >= maxConsecutiveInvalid {
				break
			}
			continue
		}

		n, err := node.Unmarshal(rec)
		if err == nil {
			err = node.Validate(&n)
		}
		if err != nil {
			stats.Skipped++
			consecutive++
			if consecutive >= maxConsecutiveInvalid {
				break
			}
			continue
		}
		consecutive = 0

		if err := apply(rec, &n); err != nil {
			return stats, fmt.Errorf("snapshot: apply record %d: %w", i, err)
		}
		stats.Loaded++
	}

	if stats.Skipped > 0 {
		logger.Warn("snapshot load skipped invalid slots",
			slog.Int("loaded", stats.Loaded),
			slog.Int("skipped", stats.Skipped),
			slog.String("path", path))
	}
	return stats, nil
}

// Exists reports whether an image file is present at path.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() >= HeaderSize
}
