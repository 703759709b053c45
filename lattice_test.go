package lattice

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/synrix/lattice/internal/fs"
	"github.com/synrix/lattice/node"
	"github.com/synrix/lattice/usage"
	"github.com/synrix/lattice/wal"
)

// openTest opens a RAM lattice with usage tracking isolated to a temp
// directory and auto-persist disabled, so tests control saves explicitly.
func openTest(t *testing.T, path string, maxNodes int, optFns ...Option) *Lattice {
	t.Helper()
	opts := append([]Option{
		WithUsageDir(t.TempDir()),
		WithUsageLimit(1 << 30),
		WithAutoPersist(PersistPolicy{}),
	}, optFns...)
	lt, err := Open(path, maxNodes, 1, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return lt
}

func TestAddGetRoundTrip(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "kb.lattice"), 16)
	defer lt.Close()

	id, err := lt.Add(node.TypeLearning, "FACT:water", "boils at 100C", 0)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if id == 0 {
		t.Fatal("Add returned zero id")
	}

	n, err := lt.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n.Type != node.TypeLearning || n.Name != "FACT:water" || n.Data.String() != "boils at 100C" {
		t.Errorf("round trip mismatch: %+v", n)
	}
	if n.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", n.Confidence)
	}
}

func TestGetMissing(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "kb.lattice"), 16)
	defer lt.Close()

	if _, err := lt.Get(node.MakeID(1, 999)); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBinaryRoundTripBoundaries(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "kb.lattice"), 16)
	defer lt.Close()

	// 510 bytes with leading zeros must survive byte-for-byte.
	payload := make([]byte, node.MaxBinaryLen)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	payload[0], payload[1] = 0, 0

	id, err := lt.AddBinary(node.TypeSidecarBinary, "BLOB:max", payload, 0)
	if err != nil {
		t.Fatalf("AddBinary(510) failed: %v", err)
	}
	got, isBinary, err := lt.GetBinary(id)
	if err != nil {
		t.Fatalf("GetBinary failed: %v", err)
	}
	if !isBinary {
		t.Error("payload not flagged binary")
	}
	if len(got) != len(payload) {
		t.Fatalf("length = %d, want %d", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], payload[i])
		}
	}

	// 511 binary is over the line.
	if _, err := lt.AddBinary(node.TypeSidecarBinary, "BLOB:over", make([]byte, 511), 0); !errors.Is(err, ErrInvalidNode) {
		t.Errorf("AddBinary(511) err = %v, want ErrInvalidNode", err)
	}
}

func TestTextBoundaries(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "kb.lattice"), 16)
	defer lt.Close()

	text511 := string(make511())
	id, err := lt.Add(node.TypeLearning, "TXT:max", text511, 0)
	if err != nil {
		t.Fatalf("Add(511) failed: %v", err)
	}
	n, err := lt.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n.Data.String() != text511 {
		t.Error("511-byte text mangled")
	}

	if _, err := lt.Add(node.TypeLearning, "TXT:over", text511+"x", 0); !errors.Is(err, ErrInvalidNode) {
		t.Errorf("Add(512) err = %v, want ErrInvalidNode", err)
	}
}

func make511() []byte {
	b := make([]byte, 511)
	for i := range b {
		b[i] = 'a' + byte(i%26)
	}
	return b
}

func TestBulkAddAndReopen(t *testing.T) {
	dir := t.TempDir()
	usageDir := t.TempDir()
	path := filepath.Join(dir, "bench.lattice")

	const total = 10000
	lt, err := Open(path, total, 1,
		WithUsageDir(usageDir), WithUsageLimit(1<<30), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ids := make([]node.ID, total)
	for i := 0; i < total; i++ {
		id, err := lt.Add(node.TypeLearning, fmt.Sprintf("BENCH:node_%d", i), fmt.Sprintf("payload_%d", i), 0)
		if err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
		ids[i] = id
	}
	if err := lt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	lt2, err := Open(path, total, 1,
		WithUsageDir(usageDir), WithUsageLimit(1<<30), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer lt2.Close()

	if got := lt2.Count(); got != total {
		t.Fatalf("count = %d, want %d", got, total)
	}
	found := lt2.FindByPrefix("BENCH:", total)
	if len(found) != total {
		t.Fatalf("FindByPrefix = %d ids, want %d", len(found), total)
	}
	for i, id := range ids {
		n, err := lt2.Get(id)
		if err != nil {
			t.Fatalf("Get %d failed: %v", id, err)
		}
		if want := fmt.Sprintf("payload_%d", i); n.Data.String() != want {
			t.Fatalf("payload %d = %q, want %q", i, n.Data.String(), want)
		}
	}
}

func TestCrashDuringBatchReplays(t *testing.T) {
	dir := t.TempDir()
	usageDir := t.TempDir()
	path := filepath.Join(dir, "crash.lattice")

	const total = 1500
	lt, err := Open(path, 4096, 1,
		WithUsageDir(usageDir), WithUsageLimit(1<<30), WithAutoPersist(PersistPolicy{}),
		WithWALOptions(func(o *wal.Options) {
			o.BatchSize = 1000
		}))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < total; i++ {
		if _, err := lt.Add(node.TypeLearning, fmt.Sprintf("C:n%d", i), fmt.Sprintf("v%d", i), 0); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}
	// No Sync and no Close: the handle is abandoned with the last batch
	// still uncommitted, simulating a crash. Every acknowledged add must
	// replay from the log regardless.

	lt2, err := Open(path, 4096, 1,
		WithUsageDir(usageDir), WithUsageLimit(1<<30), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer lt2.Close()

	if got := lt2.Count(); got != total {
		t.Fatalf("recovered count = %d, want %d", got, total)
	}
	st := lt2.Stats()
	if st.Replayed != total {
		t.Errorf("replayed = %d, want %d", st.Replayed, total)
	}
	// Replay preserves total order: local ids run densely from 1.
	for i := 0; i < total; i++ {
		id := node.MakeID(1, uint32(i+1))
		n, err := lt2.Get(id)
		if err != nil {
			t.Fatalf("Get %d after recovery failed: %v", id, err)
		}
		if want := fmt.Sprintf("v%d", i); n.Data.String() != want {
			t.Fatalf("payload %d = %q, want %q (order broken)", i, n.Data.String(), want)
		}
	}
}

func TestDiskModePreallocation(t *testing.T) {
	dir := t.TempDir()
	usageDir := t.TempDir()
	path := filepath.Join(dir, "disk.lattice")

	const (
		maxNodes   = 1000
		totalSlots = 5000
		added      = 3742
	)
	lt, err := OpenDisk(path, maxNodes, totalSlots, 1,
		WithUsageDir(usageDir), WithUsageLimit(1<<30), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("OpenDisk failed: %v", err)
	}
	for i := 0; i < added; i++ {
		if _, err := lt.Add(node.TypeLearning, fmt.Sprintf("D:n%d", i), "x", 0); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}
	if err := lt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if want := int64(16 + totalSlots*node.RecordSize); fi.Size() != want {
		t.Fatalf("file size = %d, want %d", fi.Size(), want)
	}

	lt2, err := OpenDisk(path, maxNodes, totalSlots, 1,
		WithUsageDir(usageDir), WithUsageLimit(1<<30), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer lt2.Close()
	if got := lt2.Count(); got != added {
		t.Errorf("count = %d, want %d", got, added)
	}
}

func TestDiskReopenSpansTombstoneRun(t *testing.T) {
	dir := t.TempDir()
	usageDir := t.TempDir()
	path := filepath.Join(dir, "holes.lattice")

	lt, err := OpenDisk(path, 16, 64, 1,
		WithUsageDir(usageDir), WithUsageLimit(1<<30), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("OpenDisk failed: %v", err)
	}
	ids := make([]node.ID, 16)
	for i := 1; i <= 15; i++ {
		id, err := lt.Add(node.TypeLearning, fmt.Sprintf("GAP:n%d", i), fmt.Sprintf("v%d", i), 0)
		if err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
		ids[i] = id
	}
	// Tombstone a run of ten adjacent slots in the middle of the file.
	for i := 2; i <= 11; i++ {
		if err := lt.Delete(ids[i]); err != nil {
			t.Fatalf("Delete %d failed: %v", i, err)
		}
	}
	if err := lt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	lt2, err := OpenDisk(path, 16, 64, 1,
		WithUsageDir(usageDir), WithUsageLimit(1<<30), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer lt2.Close()

	if got := lt2.Count(); got != 5 {
		t.Fatalf("count after reopen = %d, want 5", got)
	}
	live := []int{1, 12, 13, 14, 15}
	for _, i := range live {
		n, err := lt2.Get(ids[i])
		if err != nil {
			t.Fatalf("Get %d past the tombstone run failed: %v", i, err)
		}
		if want := fmt.Sprintf("v%d", i); n.Data.String() != want {
			t.Fatalf("payload %d = %q, want %q", i, n.Data.String(), want)
		}
	}

	// A fresh add must land past the occupied region, never on a live slot.
	extra, err := lt2.Add(node.TypeLearning, "GAP:n16", "v16", 0)
	if err != nil {
		t.Fatalf("Add after reopen failed: %v", err)
	}
	for _, i := range live {
		n, err := lt2.Get(ids[i])
		if err != nil {
			t.Fatalf("Get %d after new add failed: %v", i, err)
		}
		if want := fmt.Sprintf("v%d", i); n.Data.String() != want {
			t.Fatalf("payload %d overwritten: got %q, want %q", i, n.Data.String(), want)
		}
	}
	if n, err := lt2.Get(extra); err != nil || n.Data.String() != "v16" {
		t.Fatalf("new node after reopen: %v, %+v", err, n)
	}
	if got := lt2.Count(); got != 6 {
		t.Errorf("count = %d, want 6", got)
	}
}

func TestDiskModeFullRejected(t *testing.T) {
	dir := t.TempDir()
	lt, err := OpenDisk(filepath.Join(dir, "tiny.lattice"), 4, 3, 1,
		WithUsageDir(t.TempDir()), WithUsageLimit(1<<30), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("OpenDisk failed: %v", err)
	}
	defer lt.Close()

	for i := 0; i < 3; i++ {
		if _, err := lt.Add(node.TypeLearning, fmt.Sprintf("F:n%d", i), "x", 0); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}
	if _, err := lt.Add(node.TypeLearning, "F:overflow", "x", 0); !errors.Is(err, ErrFull) {
		t.Errorf("err = %v, want ErrFull", err)
	}
}

func TestRAMModeGrowsPastMaxNodes(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "grow.lattice"), 8)
	defer lt.Close()

	ids := make([]node.ID, 100)
	for i := range ids {
		id, err := lt.Add(node.TypeLearning, fmt.Sprintf("G:n%d", i), fmt.Sprintf("v%d", i), 0)
		if err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
		ids[i] = id
	}
	// Every id assigned before growth must still resolve.
	for i, id := range ids {
		n, err := lt.Get(id)
		if err != nil {
			t.Fatalf("Get %d failed after growth: %v", id, err)
		}
		if want := fmt.Sprintf("v%d", i); n.Data.String() != want {
			t.Errorf("payload %d = %q, want %q", i, n.Data.String(), want)
		}
	}
}

func TestDeleteTombstonesAndSkipsReuse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "del.lattice")
	usageDir := t.TempDir()
	lt := openTest(t, path, 16, WithUsageDir(usageDir))

	a, _ := lt.Add(node.TypeLearning, "DEL:a", "a", 0)
	b, _ := lt.Add(node.TypeLearning, "DEL:b", "b", 0)
	if err := lt.Delete(a); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := lt.Get(a); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get deleted = %v, want ErrNotFound", err)
	}
	if lt.Count() != 1 {
		t.Errorf("count = %d, want 1", lt.Count())
	}

	// The tombstoned local id is never reassigned.
	c, _ := lt.Add(node.TypeLearning, "DEL:c", "c", 0)
	if c.Local() <= b.Local() {
		t.Errorf("local id %d reused at or below %d", c.Local(), b.Local())
	}
	if err := lt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	lt2 := openTest(t, path, 16, WithUsageDir(usageDir))
	defer lt2.Close()
	if lt2.Count() != 2 {
		t.Errorf("count after reopen = %d, want 2", lt2.Count())
	}
	if _, err := lt2.Get(a); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted node resurrected: %v", err)
	}
}

func TestAddChildIdempotent(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "child.lattice"), 16)
	defer lt.Close()

	p, _ := lt.Add(node.TypeKernel, "P:root", "p", 0)
	c, _ := lt.Add(node.TypeLearning, "C:leaf", "c", 0)

	if err := lt.AddChild(p, c); err != nil {
		t.Fatalf("AddChild failed: %v", err)
	}
	if err := lt.AddChild(p, c); err != nil {
		t.Fatalf("duplicate AddChild failed: %v", err)
	}
	kids := lt.Children(p)
	if len(kids) != 1 || kids[0] != c {
		t.Errorf("children = %v, want [%d]", kids, c)
	}
	n, _ := lt.Get(p)
	if n.ChildCount != 1 {
		t.Errorf("ChildCount = %d, want 1", n.ChildCount)
	}

	if err := lt.AddChild(p, node.MakeID(1, 999)); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddChild missing child err = %v, want ErrNotFound", err)
	}
}

func TestParentLinkFromAdd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parent.lattice")
	usageDir := t.TempDir()
	lt := openTest(t, path, 16, WithUsageDir(usageDir))

	p, _ := lt.Add(node.TypeKernel, "P:root", "p", 0)
	c, err := lt.Add(node.TypeLearning, "C:leaf", "c", p)
	if err != nil {
		t.Fatalf("Add with parent failed: %v", err)
	}
	if kids := lt.Children(p); len(kids) != 1 || kids[0] != c {
		t.Fatalf("children = %v, want [%d]", kids, c)
	}
	if err := lt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Links are rebuilt from the persisted parent_id fields on load.
	lt2 := openTest(t, path, 16, WithUsageDir(usageDir))
	defer lt2.Close()
	if kids := lt2.Children(p); len(kids) != 1 || kids[0] != c {
		t.Errorf("children after reopen = %v, want [%d]", kids, c)
	}
}

func TestFreeTierLimit(t *testing.T) {
	lt, err := Open(filepath.Join(t.TempDir(), "cap.lattice"), 16, 1,
		WithUsageDir(t.TempDir()), WithUsageLimit(2), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer lt.Close()

	for i := 0; i < 2; i++ {
		if _, err := lt.Add(node.TypeLearning, fmt.Sprintf("L:n%d", i), "x", 0); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}
	id, err := lt.Add(node.TypeLearning, "L:over", "x", 0)
	if !errors.Is(err, ErrFreeTierLimit) {
		t.Fatalf("err = %v, want ErrFreeTierLimit", err)
	}
	if id != 0 {
		t.Errorf("id = %d, want 0 on free-tier rejection", id)
	}
	if lt.Count() != 2 {
		t.Errorf("count = %d, want 2 (rejected add must not materialize)", lt.Count())
	}
}

func TestFailedAppendRefundsQuota(t *testing.T) {
	usageDir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	// The log header passes; the first entry write fails, so the add is
	// rejected after the quota was already charged.
	faulty.AddRule(".lattice.wal", fs.Fault{FailAfterBytes: wal.HeaderSize})

	lt, err := Open(filepath.Join(t.TempDir(), "refund.lattice"), 16, 1,
		WithFileSystem(faulty), WithLicenseKey("refund-key"),
		WithUsageDir(usageDir), WithUsageLimit(100), WithAutoPersist(PersistPolicy{}))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer lt.Close()

	if _, err := lt.Add(node.TypeLearning, "R:n1", "x", 0); err == nil {
		t.Fatal("Add succeeded despite failing log")
	}

	tr, err := usage.NewAt(usageDir, "refund-key", 100)
	if err != nil {
		t.Fatalf("NewAt failed: %v", err)
	}
	total, err := tr.Total()
	if err != nil {
		t.Fatalf("Total failed: %v", err)
	}
	if total != 0 {
		t.Errorf("usage total = %d, want 0 (failed add must refund its charge)", total)
	}
}

func TestInvalidType(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "typ.lattice"), 16)
	defer lt.Close()

	if _, err := lt.Add(node.Type(77), "X:bad", "x", 0); !errors.Is(err, ErrInvalidNode) {
		t.Errorf("err = %v, want ErrInvalidNode", err)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("", 16, 1); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("err = %v, want ErrInvalidPath", err)
	}
}
