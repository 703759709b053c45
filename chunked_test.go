package lattice

import (
	"bytes"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/synrix/lattice/node"
)

func chunkPayload(size int) []byte {
	rng := rand.New(rand.NewSource(int64(size)))
	data := make([]byte, size)
	rng.Read(data)
	// Embedded zero runs must survive reassembly.
	copy(data[size/3:], make([]byte, 64))
	data[0] = 0
	data[size-1] = 0
	return data
}

func TestChunkedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.lattice")
	usageDir := t.TempDir()
	lt := openTest(t, path, 64, WithUsageDir(usageDir))

	payload := chunkPayload(4200)
	headerID, err := lt.AddChunked(node.TypeSidecarBinary, "doc_big", payload, 0)
	if err != nil {
		t.Fatalf("AddChunked failed: %v", err)
	}

	got, err := lt.GetChunked(headerID)
	if err != nil {
		t.Fatalf("GetChunked failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("chunked payload mismatch")
	}

	// One header plus ceil(4200/510) chunks.
	if want := 1 + 9; lt.Count() != want {
		t.Errorf("count = %d, want %d", lt.Count(), want)
	}

	// Retrieval must still work after save + reopen.
	if err := lt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	lt2 := openTest(t, path, 64, WithUsageDir(usageDir))
	defer lt2.Close()

	got, err = lt2.GetChunked(headerID)
	if err != nil {
		t.Fatalf("GetChunked after reopen failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("chunked payload mismatch after reopen")
	}
}

func TestChunkedHeaderProperties(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "hdr.lattice"), 64)
	defer lt.Close()

	payload := chunkPayload(1200)
	headerID, err := lt.AddChunked(node.TypeSidecarBinary, "doc_small", payload, 0)
	if err != nil {
		t.Fatalf("AddChunked failed: %v", err)
	}
	hn, err := lt.Get(headerID)
	if err != nil {
		t.Fatalf("Get header failed: %v", err)
	}
	if hn.Type != node.TypeChunkHeader {
		t.Errorf("header type = %v, want chunk-header", hn.Type)
	}
	if hn.Name != "CHUNKED:doc_small" {
		t.Errorf("header name = %q", hn.Name)
	}
	kids := lt.Children(headerID)
	if len(kids) != 3 { // ceil(1200/510)
		t.Fatalf("chunk children = %d, want 3", len(kids))
	}
	for _, c := range kids {
		cn, err := lt.Get(c)
		if err != nil {
			t.Fatalf("Get chunk failed: %v", err)
		}
		if cn.Type != node.TypeChunkData || cn.ParentID != headerID {
			t.Errorf("chunk %d: type=%v parent=%d", c, cn.Type, cn.ParentID)
		}
	}
}

func TestChunkedCompressedRoundTrip(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "zstd.lattice"), 128)
	defer lt.Close()

	// Repetitive content compresses well; fewer carrier nodes result.
	payload := bytes.Repeat([]byte("lattice lattice lattice "), 400)
	headerID, err := lt.AddChunkedCompressed(node.TypeSidecarBinary, "doc_rep", payload, 0)
	if err != nil {
		t.Fatalf("AddChunkedCompressed failed: %v", err)
	}
	got, err := lt.GetChunked(headerID)
	if err != nil {
		t.Fatalf("GetChunked failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("compressed chunked payload mismatch")
	}

	plainParts := (len(payload) + node.MaxBinaryLen - 1) / node.MaxBinaryLen
	if n := lt.Count(); n >= 1+plainParts {
		t.Errorf("count = %d, compression saved nothing (plain would be %d)", n, 1+plainParts)
	}
}

func TestChunkedIncompressibleFallsBack(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "rand.lattice"), 64)
	defer lt.Close()

	payload := chunkPayload(2000)
	headerID, err := lt.AddChunkedCompressed(node.TypeSidecarBinary, "doc_rand", payload, 0)
	if err != nil {
		t.Fatalf("AddChunkedCompressed failed: %v", err)
	}
	got, err := lt.GetChunked(headerID)
	if err != nil {
		t.Fatalf("GetChunked failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestGetChunkedRejectsNonHeader(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "nothdr.lattice"), 16)
	defer lt.Close()

	id, _ := lt.Add(node.TypeLearning, "X:plain", "x", 0)
	if _, err := lt.GetChunked(id); !errors.Is(err, ErrInvalidNode) {
		t.Errorf("err = %v, want ErrInvalidNode", err)
	}
	if _, err := lt.GetChunked(node.MakeID(1, 999)); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
