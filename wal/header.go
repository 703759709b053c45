package wal

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic identifies a log file ('WAL ' little-endian).
	Magic uint32 = 0x57414C20
	// Version is the current format version.
	Version uint32 = 1
	// HeaderSize is the fixed length of the file header in bytes.
	HeaderSize = 48
)

// header is the on-disk file header. CommitCount and LastValidOffset form
// the state ledger: everything up to LastValidOffset is committed, and
// entries past it are trusted only while their sequences stay contiguous,
// so junk past the commit boundary is never interpreted as data.
type header struct {
	Sequence        uint64 // highest durable sequence
	Checkpoint      uint64 // recovery floor; entries at or below are in the snapshot
	CommitCount     uint64 // total committed entries
	LastValidOffset uint64 // end of valid entry data
}

func (h header) encode(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint32(dst[0:4], Magic)
	binary.LittleEndian.PutUint32(dst[4:8], Version)
	binary.LittleEndian.PutUint64(dst[8:16], h.Sequence)
	binary.LittleEndian.PutUint64(dst[16:24], h.Checkpoint)
	binary.LittleEndian.PutUint64(dst[24:32], h.CommitCount)
	binary.LittleEndian.PutUint64(dst[32:40], h.LastValidOffset)
	for i := 40; i < HeaderSize; i++ {
		dst[i] = 0
	}
}

func decodeHeader(src []byte) (header, error) {
	if len(src) < HeaderSize {
		return header{}, fmt.Errorf("wal: header too short: %d bytes", len(src))
	}
	if m := binary.LittleEndian.Uint32(src[0:4]); m != Magic {
		return header{}, fmt.Errorf("wal: bad magic 0x%08X", m)
	}
	if v := binary.LittleEndian.Uint32(src[4:8]); v != Version {
		return header{}, fmt.Errorf("wal: unsupported version %d", v)
	}
	return header{
		Sequence:        binary.LittleEndian.Uint64(src[8:16]),
		Checkpoint:      binary.LittleEndian.Uint64(src[16:24]),
		CommitCount:     binary.LittleEndian.Uint64(src[24:32]),
		LastValidOffset: binary.LittleEndian.Uint64(src[32:40]),
	}, nil
}
