package fs

import (
	"fmt"
	"os"
	"path/filepath"
)

// SaveAtomic writes a file through a temp sibling and renames it into
// place. The target either keeps its previous content or holds the
// complete new content; readers never observe a partial file. write
// receives the open temp file and may use positional writes.
func SaveAtomic(fsys FileSystem, path string, write func(File) error) error {
	if fsys == nil {
		fsys = Default
	}

	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp %s: %w", tmp, err)
	}

	if err := write(f); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return fmt.Errorf("sync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("close temp %s: %w", tmp, err)
	}

	if err := fsys.Rename(tmp, path); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
