package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("fs: injected fault")

// Fault defines failure behavior for files whose name matches a rule.
type Fault struct {
	FailAfterBytes int64 // fail writes once this many bytes reached the file; -1 disables
	FailOnSync     bool
	FailOnClose    bool
	Err            error // defaults to ErrInjected
}

// FaultyFS wraps a FileSystem and injects errors into matching files.
// It models torn writes and fsync failures for crash-recovery tests.
type FaultyFS struct {
	FS FileSystem

	mu         sync.Mutex
	rules      map[string]Fault
	failRename bool
}

// NewFaultyFS wraps fs (or Default if nil) with no active faults.
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{FS: fs, rules: make(map[string]Fault)}
}

// AddRule arms a fault for every file whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fault.Err == nil {
		fault.Err = ErrInjected
	}
	f.rules[pattern] = fault
}

// FailRenames makes every subsequent Rename fail. This simulates a crash
// between writing a temp file and publishing it.
func (f *FaultyFS) FailRenames(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRename = fail
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	fault := Fault{FailAfterBytes: -1}
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
		}
	}
	f.mu.Unlock()

	return &faultyFile{File: file, fault: fault}, nil
}

func (f *FaultyFS) Remove(name string) error { return f.FS.Remove(name) }

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	fail := f.failRename
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) { return f.FS.Stat(name) }
func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}
func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.FS.ReadDir(name) }

type faultyFile struct {
	File
	fault   Fault
	written int64
}

// Write passes through until the per-file byte budget is exhausted. A
// write straddling the budget is truncated, not rejected, so tests see a
// torn record rather than a clean boundary.
func (ff *faultyFile) Write(p []byte) (n int, err error) {
	if ff.fault.FailAfterBytes >= 0 {
		remain := ff.fault.FailAfterBytes - ff.written
		if remain <= 0 {
			return 0, ff.fault.Err
		}
		if int64(len(p)) > remain {
			n, _ = ff.File.Write(p[:remain])
			ff.written += int64(n)
			return n, ff.fault.Err
		}
	}
	n, err = ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (n int, err error) {
	if ff.fault.FailAfterBytes >= 0 {
		remain := ff.fault.FailAfterBytes - ff.written
		if remain <= 0 {
			return 0, ff.fault.Err
		}
		if int64(len(p)) > remain {
			n, _ = ff.File.WriteAt(p[:remain], off)
			ff.written += int64(n)
			return n, ff.fault.Err
		}
	}
	n, err = ff.File.WriteAt(p, off)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.Err
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose {
		ff.File.Close()
		return ff.fault.Err
	}
	return ff.File.Close()
}
