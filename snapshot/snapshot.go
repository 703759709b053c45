// Package snapshot reads and writes the lattice image file: a 16-byte
// header followed by fixed-size node records.
//
// Writes are atomic (temp sibling, fsync, rename) so a crash mid-save
// leaves the previous image intact. Loads are tolerant: invalid slots are
// skipped and counted, never fatal, because a pre-allocated disk-mode file
// legitimately carries uninitialized space past the live region.
package snapshot

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic identifies a lattice image ('LATT' little-endian).
	Magic uint32 = 0x4C415454

	// HeaderSize is the fixed length of the file header in bytes.
	HeaderSize = 16
)

// Header is the image file header.
type Header struct {
	TotalNodes  uint32 // slots occupied when the image was written
	NextLocalID uint32 // local id counter to resume from
	NodesToLoad uint32 // records that follow the header
}

// Encode writes the header into dst.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint32(dst[0:4], Magic)
	binary.LittleEndian.PutUint32(dst[4:8], h.TotalNodes)
	binary.LittleEndian.PutUint32(dst[8:12], h.NextLocalID)
	binary.LittleEndian.PutUint32(dst[12:16], h.NodesToLoad)
}

// DecodeHeader parses and validates an image header.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("snapshot: header too short: %d bytes", len(src))
	}
	if m := binary.LittleEndian.Uint32(src[0:4]); m != Magic {
		return Header{}, fmt.Errorf("snapshot: bad magic 0x%08X", m)
	}
	return Header{
		TotalNodes:  binary.LittleEndian.Uint32(src[4:8]),
		NextLocalID: binary.LittleEndian.Uint32(src[8:12]),
		NodesToLoad: binary.LittleEndian.Uint32(src[12:16]),
	}, nil
}
