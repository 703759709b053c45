package lattice

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/synrix/lattice/internal/fs"
	"github.com/synrix/lattice/node"
	"github.com/synrix/lattice/wal"
)

func TestSaveTruncatesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.lattice")
	lt := openTest(t, path, 16)
	defer lt.Close()

	for i := 0; i < 5; i++ {
		if _, err := lt.Add(node.TypeLearning, fmt.Sprintf("S:n%d", i), "x", 0); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := lt.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	fi, err := os.Stat(path + walSuffix)
	if err != nil {
		t.Fatalf("Stat wal failed: %v", err)
	}
	if fi.Size() != wal.HeaderSize {
		t.Errorf("wal size = %d, want %d after checkpoint", fi.Size(), wal.HeaderSize)
	}

	fi, err = os.Stat(path)
	if err != nil {
		t.Fatalf("Stat snapshot failed: %v", err)
	}
	if want := int64(16 + 5*node.RecordSize); fi.Size() != want {
		t.Errorf("snapshot size = %d, want %d", fi.Size(), want)
	}
}

func TestSaveTwiceIsByteIdentical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.lattice")
	lt := openTest(t, path, 16)
	defer lt.Close()

	for i := 0; i < 7; i++ {
		if _, err := lt.Add(node.TypeLearning, fmt.Sprintf("I:n%d", i), "x", 0); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := lt.Save(); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if err := lt.Save(); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("consecutive saves produced different bytes")
	}
}

func TestSaveSkipsTombstones(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tomb.lattice")
	usageDir := t.TempDir()
	lt := openTest(t, path, 16, WithUsageDir(usageDir))

	keep := make([]node.ID, 0, 5)
	for i := 0; i < 10; i++ {
		id, err := lt.Add(node.TypeLearning, fmt.Sprintf("T:n%d", i), fmt.Sprintf("v%d", i), 0)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if i%2 == 0 {
			keep = append(keep, id)
		} else if err := lt.Delete(id); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}
	if err := lt.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// The snapshot holds exactly the live records, contiguously.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if want := int64(16 + 5*node.RecordSize); fi.Size() != want {
		t.Errorf("snapshot size = %d, want %d", fi.Size(), want)
	}
	lt.Close()

	lt2 := openTest(t, path, 16, WithUsageDir(usageDir))
	defer lt2.Close()
	if lt2.Count() != 5 {
		t.Fatalf("count = %d, want 5", lt2.Count())
	}
	for _, id := range keep {
		if _, err := lt2.Get(id); err != nil {
			t.Errorf("Get %d failed: %v", id, err)
		}
	}
}

func TestFailedRenameKeepsPriorSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atomic.lattice")
	usageDir := t.TempDir()
	faulty := fs.NewFaultyFS(fs.LocalFS{})

	lt := openTest(t, path, 16, WithUsageDir(usageDir), WithFileSystem(faulty))
	defer lt.Close()

	a, _ := lt.Add(node.TypeLearning, "A:first", "one", 0)
	if err := lt.Save(); err != nil {
		t.Fatalf("baseline Save failed: %v", err)
	}
	prior, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if _, err := lt.Add(node.TypeLearning, "A:second", "two", 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	faulty.FailRenames(true)
	if err := lt.Save(); err == nil {
		t.Fatal("Save with failing rename should error")
	}

	// The prior snapshot is intact.
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after failed save: %v", err)
	}
	if !bytes.Equal(prior, got) {
		t.Error("failed save corrupted the prior snapshot")
	}

	// A subsequent save succeeds and includes both nodes.
	faulty.FailRenames(false)
	if err := lt.Save(); err != nil {
		t.Fatalf("retry Save failed: %v", err)
	}
	fi, _ := os.Stat(path)
	if want := int64(16 + 2*node.RecordSize); fi.Size() != want {
		t.Errorf("snapshot size = %d, want %d", fi.Size(), want)
	}
	if _, err := lt.Get(a); err != nil {
		t.Errorf("Get after retry failed: %v", err)
	}
}

func TestLeftoverTempFileIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "left.lattice")
	usageDir := t.TempDir()

	lt := openTest(t, path, 16, WithUsageDir(usageDir))
	if _, err := lt.Add(node.TypeLearning, "L:one", "x", 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	lt.Close()

	// A crash between temp write and rename leaves a stale temp sibling.
	if err := os.WriteFile(path+".tmp", []byte("stale partial snapshot"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	lt2 := openTest(t, path, 16, WithUsageDir(usageDir))
	defer lt2.Close()
	if lt2.Count() != 1 {
		t.Fatalf("count = %d, want 1", lt2.Count())
	}
	if _, err := lt2.Add(node.TypeLearning, "L:two", "y", 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := lt2.Save(); err != nil {
		t.Fatalf("Save over leftover temp failed: %v", err)
	}
}

func TestAutoPersistByNodeCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auto.lattice")
	lt := openTest(t, path, 64, WithAutoPersist(PersistPolicy{IntervalNodes: 10}))
	defer lt.Close()

	for i := 0; i < 10; i++ {
		if _, err := lt.Add(node.TypeLearning, fmt.Sprintf("AP:n%d", i), "x", 0); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	// The tenth add crossed the interval: snapshot written, WAL truncated.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	fi, err := os.Stat(path + walSuffix)
	if err != nil {
		t.Fatalf("Stat wal failed: %v", err)
	}
	if fi.Size() != wal.HeaderSize {
		t.Errorf("wal size = %d, want %d after auto checkpoint", fi.Size(), wal.HeaderSize)
	}
	if st := lt.Stats(); st.NodesSinceLastSave != 0 {
		t.Errorf("NodesSinceLastSave = %d, want 0", st.NodesSinceLastSave)
	}
}

func TestCompactDropsTombstoneSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmp.lattice")
	lt := openTest(t, path, 16)
	defer lt.Close()

	var keep []node.ID
	for i := 0; i < 8; i++ {
		id, _ := lt.Add(node.TypeLearning, fmt.Sprintf("CMP:n%d", i), fmt.Sprintf("v%d", i), 0)
		if i%2 == 1 {
			lt.Delete(id)
		} else {
			keep = append(keep, id)
		}
	}
	before := lt.Stats()
	if before.NodeCount != 8 || before.LiveCount != 4 {
		t.Fatalf("pre-compact stats: %+v", before)
	}

	if err := lt.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	after := lt.Stats()
	if after.NodeCount != 4 || after.LiveCount != 4 {
		t.Errorf("post-compact stats: used=%d live=%d, want 4/4", after.NodeCount, after.LiveCount)
	}
	for i, id := range keep {
		n, err := lt.Get(id)
		if err != nil {
			t.Fatalf("Get %d after compact failed: %v", id, err)
		}
		if want := fmt.Sprintf("v%d", i*2); n.Data.String() != want {
			t.Errorf("payload = %q, want %q", n.Data.String(), want)
		}
	}
	// The local id counter is untouched by compaction.
	if after.NextLocalID != before.NextLocalID {
		t.Errorf("NextLocalID changed: %d -> %d", before.NextLocalID, after.NextLocalID)
	}
}

func TestDiskCompact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dcmp.lattice")
	lt, err := OpenDisk(path, 16, 32, 1,
		WithUsageDir(t.TempDir()), WithUsageLimit(1<<30), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("OpenDisk failed: %v", err)
	}
	defer lt.Close()

	var keep []node.ID
	for i := 0; i < 6; i++ {
		id, _ := lt.Add(node.TypeLearning, fmt.Sprintf("DC:n%d", i), fmt.Sprintf("v%d", i), 0)
		if i < 3 {
			lt.Delete(id)
		} else {
			keep = append(keep, id)
		}
	}
	if err := lt.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	// Capacity and file size are preserved.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if want := int64(16 + 32*node.RecordSize); fi.Size() != want {
		t.Errorf("file size = %d, want %d", fi.Size(), want)
	}
	if st := lt.Stats(); st.NodeCount != 3 || st.LiveCount != 3 {
		t.Errorf("stats after compact: used=%d live=%d, want 3/3", st.NodeCount, st.LiveCount)
	}
	for i, id := range keep {
		n, err := lt.Get(id)
		if err != nil {
			t.Fatalf("Get %d failed: %v", id, err)
		}
		if want := fmt.Sprintf("v%d", i+3); n.Data.String() != want {
			t.Errorf("payload = %q, want %q", n.Data.String(), want)
		}
	}
}

func TestUpdateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upd.lattice")
	usageDir := t.TempDir()
	lt := openTest(t, path, 16, WithUsageDir(usageDir))

	id, _ := lt.Add(node.TypeLearning, "U:n", "before", 0)
	if err := lt.Update(id, "after"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := lt.Update(node.MakeID(1, 999), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing = %v, want ErrNotFound", err)
	}
	lt.Close()

	lt2 := openTest(t, path, 16, WithUsageDir(usageDir))
	defer lt2.Close()
	n, err := lt2.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n.Data.String() != "after" {
		t.Errorf("payload = %q, want %q", n.Data.String(), "after")
	}
}

func TestBinaryUpdateRecoversFromWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bup.lattice")
	usageDir := t.TempDir()
	lt := openTest(t, path, 16, WithUsageDir(usageDir))

	id, _ := lt.Add(node.TypeSidecarBinary, "B:n", "seed", 0)
	payload := []byte{0, 0, 7, 255, 0, 42}
	if err := lt.UpdateBinary(id, payload); err != nil {
		t.Fatalf("UpdateBinary failed: %v", err)
	}
	if err := lt.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	// Crash: no Close, recovery must replay the add and the update.

	lt2 := openTest(t, path, 16, WithUsageDir(usageDir))
	defer lt2.Close()
	got, isBinary, err := lt2.GetBinary(id)
	if err != nil {
		t.Fatalf("GetBinary failed: %v", err)
	}
	if !isBinary || !bytes.Equal(got, payload) {
		t.Errorf("recovered payload = %v (binary=%v), want %v", got, isBinary, payload)
	}
}
