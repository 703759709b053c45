// Package backup archives lattice snapshots to a blobstore.Store and
// restores them, with per-part compression and checksum verification.
//
// An archive is a set of fixed-size parts plus a JSON manifest. The
// manifest is uploaded last and acts as the commit point: an archive
// without a manifest is invisible to List and Restore.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/synrix/lattice/blobstore"
	"github.com/synrix/lattice/internal/hash"
)

const manifestSuffix = ".manifest"

// ErrChecksum is returned when a downloaded part fails verification.
var ErrChecksum = errors.New("backup: part checksum mismatch")

// Options configures a Manager.
type Options struct {
	// Codec selects the part compression. Default CodecZstd.
	Codec Codec
	// PartSize is the uncompressed part size in bytes. Default 8 MiB.
	PartSize int
	// Concurrency bounds parallel part transfers. Default 4.
	Concurrency int
	// Logger receives progress logs. Default slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the default Manager configuration.
func DefaultOptions() Options {
	return Options{
		Codec:       CodecZstd,
		PartSize:    8 << 20,
		Concurrency: 4,
		Logger:      slog.Default(),
	}
}

// Manager archives and restores snapshot files.
type Manager struct {
	store       blobstore.Store
	codec       Codec
	partSize    int
	concurrency int
	logger      *slog.Logger
}

// New creates a Manager on top of store.
func New(store blobstore.Store, optFns ...func(o *Options)) (*Manager, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if store == nil {
		return nil, errors.New("backup: nil store")
	}
	if !opts.Codec.valid() {
		return nil, fmt.Errorf("backup: unknown codec %q", opts.Codec)
	}
	if opts.PartSize <= 0 {
		opts.PartSize = 8 << 20
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:       store,
		codec:       opts.Codec,
		partSize:    opts.PartSize,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}, nil
}

// Manifest describes one archive.
type Manifest struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	TotalSize int64     `json:"total_size"`
	Parts     []Part    `json:"parts"`
}

// Part describes one stored segment of an archive.
type Part struct {
	Name       string `json:"name"`
	Codec      Codec  `json:"codec"`
	RawSize    int64  `json:"raw_size"`
	StoredSize int64  `json:"stored_size"`
	// CRC32C covers the stored (possibly compressed) bytes.
	CRC32C uint32 `json:"crc32c"`
}

func partName(id string, idx int) string {
	return fmt.Sprintf("%s/part-%05d", id, idx)
}

// Archive uploads the file at path as archive id, replacing any archive
// with the same id.
func (m *Manager) Archive(ctx context.Context, id, path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("backup: open source: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("backup: stat source: %w", err)
	}

	total := fi.Size()
	nParts := int((total + int64(m.partSize) - 1) / int64(m.partSize))
	manifest := &Manifest{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		TotalSize: total,
		Parts:     make([]Part, nParts),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i := 0; i < nParts; i++ {
		idx := i
		g.Go(func() error {
			off := int64(idx) * int64(m.partSize)
			size := int64(m.partSize)
			if off+size > total {
				size = total - off
			}
			raw := make([]byte, size)
			if _, err := f.ReadAt(raw, off); err != nil {
				return fmt.Errorf("backup: read part %d: %w", idx, err)
			}

			codec := m.codec
			stored, err := codec.compress(raw)
			if err != nil {
				return fmt.Errorf("backup: compress part %d: %w", idx, err)
			}
			// Incompressible data is stored raw.
			if len(stored) >= len(raw) {
				codec, stored = CodecNone, raw
			}

			name := partName(id, idx)
			if err := m.upload(gctx, name, stored); err != nil {
				return fmt.Errorf("backup: upload part %d: %w", idx, err)
			}
			manifest.Parts[idx] = Part{
				Name:       name,
				Codec:      codec,
				RawSize:    size,
				StoredSize: int64(len(stored)),
				CRC32C:     hash.CRC32C(stored),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("backup: encode manifest: %w", err)
	}
	if err := m.upload(ctx, id+manifestSuffix, body); err != nil {
		return nil, fmt.Errorf("backup: upload manifest: %w", err)
	}

	m.logger.Info("archive complete",
		slog.String("id", id),
		slog.Int64("bytes", total),
		slog.Int("parts", nParts),
	)
	return manifest, nil
}

// Restore downloads archive id into path. The file is assembled in a
// temp sibling and renamed into place only after every part verifies.
func (m *Manager) Restore(ctx context.Context, id, path string) (*Manifest, error) {
	manifest, err := m.Stat(ctx, id)
	if err != nil {
		return nil, err
	}

	tmp := path + ".restore"
	out, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backup: create restore file: %w", err)
	}
	cleanup := func() {
		out.Close()
		os.Remove(tmp)
	}
	if err := out.Truncate(manifest.TotalSize); err != nil {
		cleanup()
		return nil, fmt.Errorf("backup: size restore file: %w", err)
	}

	sem := semaphore.NewWeighted(int64(m.concurrency))
	g, gctx := errgroup.WithContext(ctx)
	var off int64
	for i := range manifest.Parts {
		part := manifest.Parts[i]
		partOff := off
		off += part.RawSize
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			stored, err := m.download(gctx, part.Name, part.StoredSize)
			if err != nil {
				return fmt.Errorf("backup: download %s: %w", part.Name, err)
			}
			if hash.CRC32C(stored) != part.CRC32C {
				return fmt.Errorf("%w: %s", ErrChecksum, part.Name)
			}
			raw, err := part.Codec.decompress(stored, int(part.RawSize))
			if err != nil {
				return fmt.Errorf("backup: decompress %s: %w", part.Name, err)
			}
			if int64(len(raw)) != part.RawSize {
				return fmt.Errorf("backup: %s decompressed to %d bytes, want %d",
					part.Name, len(raw), part.RawSize)
			}
			if _, err := out.WriteAt(raw, partOff); err != nil {
				return fmt.Errorf("backup: write %s: %w", part.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cleanup()
		return nil, err
	}

	if err := out.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("backup: sync restore file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("backup: close restore file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("backup: publish restore file: %w", err)
	}

	m.logger.Info("restore complete",
		slog.String("id", id),
		slog.Int64("bytes", manifest.TotalSize),
		slog.Int("parts", len(manifest.Parts)),
	)
	return manifest, nil
}

// Stat fetches and decodes the manifest of archive id.
func (m *Manager) Stat(ctx context.Context, id string) (*Manifest, error) {
	b, err := m.store.Open(ctx, id+manifestSuffix)
	if err != nil {
		return nil, fmt.Errorf("backup: open manifest: %w", err)
	}
	defer b.Close()

	body := make([]byte, b.Size())
	if _, err := b.ReadAt(body, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("backup: read manifest: %w", err)
	}
	manifest := new(Manifest)
	if err := json.Unmarshal(body, manifest); err != nil {
		return nil, fmt.Errorf("backup: decode manifest: %w", err)
	}
	return manifest, nil
}

// List returns the archive ids with a committed manifest, sorted.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	names, err := m.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, name := range names {
		if strings.HasSuffix(name, manifestSuffix) {
			ids = append(ids, strings.TrimSuffix(name, manifestSuffix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes archive id. The manifest goes first so a partial
// delete never leaves a listed archive with missing parts.
func (m *Manager) Delete(ctx context.Context, id string) error {
	manifest, err := m.Stat(ctx, id)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id+manifestSuffix); err != nil {
		return err
	}
	for _, part := range manifest.Parts {
		if err := m.store.Delete(ctx, part.Name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) upload(ctx context.Context, name string, data []byte) error {
	w, err := m.store.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (m *Manager) download(ctx context.Context, name string, size int64) ([]byte, error) {
	b, err := m.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	if b.Size() != size {
		return nil, fmt.Errorf("backup: %s is %d bytes, want %d", name, b.Size(), size)
	}
	data := make([]byte, size)
	if _, err := b.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}
