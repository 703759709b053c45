// Package mmap provides memory-mapped file access for zero-copy I/O.
//
// # Overview
//
// Memory mapping gives direct access to file contents without copying data
// through kernel buffers. The lattice uses read-only mappings for snapshot
// loading and WAL recovery, and shared read-write mappings for the
// disk-resident node store, where mutations write straight through the
// mapping and the kernel handles dirty-page writeback.
//
// # Usage
//
//	m, err := mmap.Open("lattice.dat")    // read-only
//	m, err := mmap.OpenRW("lattice.dat")  // shared read-write
//	if err != nil { ... }
//	defer m.Close()
//
//	data := m.Bytes()          // zero-copy view
//	m.Advise(mmap.AccessRandom)
//	m.Flush()                  // msync; read-write mappings only
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2), msync(2), madvise(2)
//   - Windows: CreateFileMapping/MapViewOfFile, FlushViewOfFile
//
// # Thread Safety
//
// Mapping is safe for concurrent read access. Close() is idempotent and
// protected by atomics, but callers must ensure no goroutine touches Bytes()
// after Close() returns.
package mmap
