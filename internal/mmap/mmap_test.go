package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("hello mmap")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close()

	if got := string(m.Bytes()); got != "hello mmap" {
		t.Errorf("unexpected content: %q", got)
	}
	if m.Size() != len(content) {
		t.Errorf("Size = %d, want %d", m.Size(), len(content))
	}
	if m.Writable() {
		t.Error("read-only mapping reports writable")
	}
	if err := m.Flush(); err != ErrReadOnly {
		t.Errorf("Flush on read-only mapping: got %v, want ErrReadOnly", err)
	}
}

func TestOpenRWWritesThrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, make([]byte, 16), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m, err := OpenRW(path)
	if err != nil {
		t.Fatalf("OpenRW failed: %v", err)
	}
	copy(m.Bytes(), "written-through")
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got[:15]) != "written-through" {
		t.Errorf("write did not reach file: %q", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if m.Bytes() != nil {
		t.Error("Bytes() after Close must be nil")
	}
}

func TestEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close()
	if m.Size() != 0 || m.Bytes() != nil {
		t.Errorf("empty file: size=%d bytes=%v", m.Size(), m.Bytes())
	}
}
