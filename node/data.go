package node

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrDataTooLarge is returned when a payload cannot fit the fixed data
	// field. Oversize payloads must go through chunked storage.
	ErrDataTooLarge = errors.New("node: data exceeds fixed slot size")

	// ErrEmptyBinary is returned for zero-length binary payloads; the binary
	// length header requires 0 < L <= 510.
	ErrEmptyBinary = errors.New("node: binary payload must not be empty")
)

// compressedBit is the reserved high bit of the binary length header.
const compressedBit = 0x8000

// Payload is the dual-mode content of the 512-byte data field.
//
// Text mode stores a null-terminated string of at most 511 bytes. Binary mode
// stores a 2-byte little-endian length header L (0 < L <= 510, high bit
// reserved for "compressed") followed by L payload bytes; the remainder is
// zero-filled. The on-disk encoding matches the legacy layout byte-for-byte.
type Payload struct {
	Binary     bool
	Compressed bool
	bytes      []byte
}

// Text constructs a text-mode payload. The string may not contain NUL and
// must fit 511 bytes.
func Text(s string) (Payload, error) {
	if len(s) > MaxTextLen {
		return Payload{}, fmt.Errorf("%w: text length %d > %d", ErrDataTooLarge, len(s), MaxTextLen)
	}
	if bytes.IndexByte([]byte(s), 0) >= 0 {
		return Payload{}, errors.New("node: text payload contains NUL")
	}
	return Payload{bytes: []byte(s)}, nil
}

// Binary constructs a binary-mode payload of 1..510 bytes.
func Binary(b []byte) (Payload, error) {
	return binaryPayload(b, false)
}

// CompressedBinary constructs a binary-mode payload with the compressed bit
// set in the length header. The lattice uses it for chunk carriers whose
// content was compressed before splitting.
func CompressedBinary(b []byte) (Payload, error) {
	return binaryPayload(b, true)
}

func binaryPayload(b []byte, compressed bool) (Payload, error) {
	if len(b) == 0 {
		return Payload{}, ErrEmptyBinary
	}
	if len(b) > MaxBinaryLen {
		return Payload{}, fmt.Errorf("%w: binary length %d > %d", ErrDataTooLarge, len(b), MaxBinaryLen)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Payload{Binary: true, Compressed: compressed, bytes: cp}, nil
}

// EncodeField renders p into a fresh DataSize-byte data field in the
// on-disk encoding.
func (p Payload) EncodeField() []byte {
	dst := make([]byte, DataSize)
	p.encode(dst)
	return dst
}

// DecodeField interprets a raw DataSize-byte data field under the given
// expansion-header flags (zero flags engage the legacy heuristic).
func DecodeField(raw []byte, flags uint32) Payload {
	return decodeData(raw, flags)
}

// Bytes returns the payload content. For text mode this is the string bytes
// without the null terminator; for binary mode the raw payload without the
// length header. The returned slice is owned by the Payload.
func (p Payload) Bytes() []byte { return p.bytes }

// String returns the text content, or "" for binary payloads.
func (p Payload) String() string {
	if p.Binary {
		return ""
	}
	return string(p.bytes)
}

// Len returns the payload content length in bytes.
func (p Payload) Len() int { return len(p.bytes) }

// encode writes the payload into a 512-byte data field.
func (p Payload) encode(dst []byte) {
	_ = dst[DataSize-1]
	for i := range dst[:DataSize] {
		dst[i] = 0
	}
	if p.Binary {
		l := uint16(len(p.bytes))
		if p.Compressed {
			l |= compressedBit
		}
		binary.LittleEndian.PutUint16(dst[0:2], l)
		copy(dst[2:], p.bytes)
		return
	}
	copy(dst, p.bytes)
}

// decodeData interprets a raw 512-byte data field.
//
// When the expansion-header flags declare the mode, they win. Otherwise the
// legacy heuristic applies: a leading 2-byte length that plausibly describes
// a binary payload (0 < L <= 510, zero fill after the payload, content that
// is not valid text) marks the field binary. Records written by older writers
// carry no flag, so the heuristic is kept as the read-path fallback.
func decodeData(raw []byte, flags uint32) Payload {
	_ = raw[DataSize-1]

	if flags&FlagBinaryData != 0 {
		return decodeBinary(raw)
	}

	// Flagged text, or unflagged with text winning the heuristic.
	if flags&FlagTextData == 0 && looksBinary(raw) {
		return decodeBinary(raw)
	}
	n := bytes.IndexByte(raw[:DataSize], 0)
	if n < 0 {
		n = MaxTextLen
	}
	return Payload{bytes: append([]byte(nil), raw[:n]...)}
}

func decodeBinary(raw []byte) Payload {
	l := binary.LittleEndian.Uint16(raw[0:2])
	compressed := l&compressedBit != 0
	l &^= compressedBit
	if l == 0 || int(l) > MaxBinaryLen {
		// Corrupt length header; surface what is there as an empty payload
		// rather than reading past the field.
		return Payload{Binary: true, Compressed: compressed}
	}
	return Payload{
		Binary:     true,
		Compressed: compressed,
		bytes:      append([]byte(nil), raw[2:2+int(l)]...),
	}
}

// looksBinary is the legacy detection heuristic for records without mode
// flags. It checks that the first two bytes form a plausible length header
// and that the tail past the claimed payload is zero-filled.
func looksBinary(raw []byte) bool {
	l := binary.LittleEndian.Uint16(raw[0:2])
	l &^= compressedBit
	if l == 0 || int(l) > MaxBinaryLen {
		return false
	}
	end := 2 + int(l)
	for _, b := range raw[end:DataSize] {
		if b != 0 {
			return false
		}
	}
	// A short null-terminated string whose first two bytes happen to form a
	// plausible length is still more likely text if the whole field decodes
	// as printable UTF-8 up to its terminator.
	if n := bytes.IndexByte(raw[:DataSize], 0); n >= 0 && n == int(l)+2 {
		return false
	}
	if utf8.Valid(raw[:end]) && bytes.IndexByte(raw[:end], 0) == -1 && isPrintable(raw[:end]) {
		return false
	}
	return true
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x09 || (c > 0x0d && c < 0x20) {
			return false
		}
	}
	return true
}
