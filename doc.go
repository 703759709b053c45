// Package lattice is an embeddable, single-writer/multi-reader persistent
// graph store: fixed-size nodes addressed by 64-bit identifiers, O(1) ID
// lookup, O(k) prefix search, write-ahead logging for durability, and two
// storage modes (heap-resident with atomic snapshots, or file-backed via a
// shared memory mapping).
//
// Basic usage:
//
//	lt, err := lattice.Open("./kb.lattice", 10_000, 1)
//	if err != nil { ... }
//	defer lt.Close()
//
//	id, err := lt.Add(node.TypeLearning, "BENCH:first", "payload", 0)
//	n, err := lt.Get(id)
//	ids := lt.FindByPrefix("BENCH:", 100)
//
// Mutations are serialized through a seqlock; readers never block and retry
// on contention. Every mutation is logged to a write-ahead log before it is
// applied, and recovery replays the log from the last checkpoint on open.
package lattice
