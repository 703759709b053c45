package wal

import (
	"encoding/binary"
	"fmt"
)

const (
	// EntryHeaderSize is the fixed length of an entry header:
	// u64 sequence, u32 op, u64 node id, u32 data size.
	EntryHeaderSize = 24

	// MaxEntryData bounds the payload of a single entry. Anything larger
	// read back during recovery is treated as corruption.
	MaxEntryData = 1 << 20
)

// entryHeader is the fixed prefix of every log entry.
type entryHeader struct {
	Sequence uint64
	Op       Op
	NodeID   uint64
	DataSize uint32
}

func (e entryHeader) encode(dst []byte) {
	_ = dst[EntryHeaderSize-1]
	binary.LittleEndian.PutUint64(dst[0:8], e.Sequence)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(e.Op))
	binary.LittleEndian.PutUint64(dst[12:20], e.NodeID)
	binary.LittleEndian.PutUint32(dst[20:24], e.DataSize)
}

func decodeEntryHeader(src []byte) entryHeader {
	_ = src[EntryHeaderSize-1]
	return entryHeader{
		Sequence: binary.LittleEndian.Uint64(src[0:8]),
		Op:       Op(binary.LittleEndian.Uint32(src[8:12])),
		NodeID:   binary.LittleEndian.Uint64(src[12:20]),
		DataSize: binary.LittleEndian.Uint32(src[20:24]),
	}
}

// isZero reports whether the 24 header bytes are all zero. A zero header is
// the sentinel written after each batch and marks end of valid data.
func isZeroEntryHeader(src []byte) bool {
	for _, b := range src[:EntryHeaderSize] {
		if b != 0 {
			return false
		}
	}
	return true
}

// AddNodePayload is the variable-length payload of an OpAddNode entry:
// u8 type, u32 name length, name bytes, u32 data length, data bytes,
// u64 parent id.
type AddNodePayload struct {
	Type     uint8
	Name     string
	Data     []byte
	ParentID uint64
}

// Encode serializes the payload.
func (p AddNodePayload) Encode() []byte {
	buf := make([]byte, 0, 1+4+len(p.Name)+4+len(p.Data)+8)
	buf = append(buf, p.Type)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Name)))
	buf = append(buf, p.Name...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Data)))
	buf = append(buf, p.Data...)
	buf = binary.LittleEndian.AppendUint64(buf, p.ParentID)
	return buf
}

// DecodeAddNode parses an add-node payload. The returned Data aliases src.
func DecodeAddNode(src []byte) (AddNodePayload, error) {
	var p AddNodePayload
	if len(src) < 1+4 {
		return p, fmt.Errorf("wal: add-node payload too short: %d bytes", len(src))
	}
	p.Type = src[0]
	off := 1

	nameLen := int(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	if nameLen < 0 || off+nameLen+4 > len(src) {
		return p, fmt.Errorf("wal: add-node name length %d out of range", nameLen)
	}
	p.Name = string(src[off : off+nameLen])
	off += nameLen

	dataLen := int(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	if dataLen < 0 || off+dataLen+8 > len(src) {
		return p, fmt.Errorf("wal: add-node data length %d out of range", dataLen)
	}
	p.Data = src[off : off+dataLen]
	off += dataLen

	p.ParentID = binary.LittleEndian.Uint64(src[off:])
	return p, nil
}

// AddChildPayload is the payload of an OpAddChild entry:
// u64 parent id, u64 child id.
type AddChildPayload struct {
	ParentID uint64
	ChildID  uint64
}

// Encode serializes the payload.
func (p AddChildPayload) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], p.ParentID)
	binary.LittleEndian.PutUint64(buf[8:16], p.ChildID)
	return buf
}

// DecodeAddChild parses an add-child payload.
func DecodeAddChild(src []byte) (AddChildPayload, error) {
	if len(src) < 16 {
		return AddChildPayload{}, fmt.Errorf("wal: add-child payload too short: %d bytes", len(src))
	}
	return AddChildPayload{
		ParentID: binary.LittleEndian.Uint64(src[0:8]),
		ChildID:  binary.LittleEndian.Uint64(src[8:16]),
	}, nil
}
