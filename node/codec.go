package node

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrBadRecord is returned when a stored record fails validation.
	ErrBadRecord = errors.New("node: invalid record")

	// ErrNameTooLong is returned when a name cannot fit the fixed field.
	ErrNameTooLong = errors.New("node: name exceeds 63 bytes")
)

// Marshal encodes n into dst, which must be at least RecordSize bytes.
// The legacy children-pointer slot is always written as zero; child links are
// never persisted.
func Marshal(n *Node, dst []byte) error {
	if len(dst) < RecordSize {
		return fmt.Errorf("node: marshal buffer too small: %d", len(dst))
	}
	if len(n.Name) >= NameSize {
		return fmt.Errorf("%w: %q", ErrNameTooLong, n.Name)
	}
	buf := dst[:RecordSize]
	for i := range buf {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint64(buf[offID:], uint64(n.ID))
	binary.LittleEndian.PutUint32(buf[offType:], uint32(n.Type))
	binary.LittleEndian.PutUint32(buf[offChildCount:], n.ChildCount)
	copy(buf[offName:offName+NameSize-1], n.Name)
	n.Data.encode(buf[offData : offData+DataSize])
	binary.LittleEndian.PutUint64(buf[offParentID:], uint64(n.ParentID))
	binary.LittleEndian.PutUint64(buf[offConfidence:], math.Float64bits(n.Confidence))
	binary.LittleEndian.PutUint64(buf[offTimestamp:], uint64(n.Timestamp))
	// buf[offChildrenPtr:offChildrenPtr+8] stays zero.
	copy(buf[offPayload:offPayload+PayloadSize], n.Union[:])

	ext := n.Ext
	ext.Flags = dataFlags(n.Data, ext.Flags)
	marshalExt(&ext, buf[offExt:offExt+ExtSize])
	return nil
}

func dataFlags(p Payload, flags uint32) uint32 {
	flags &^= FlagBinaryData | FlagCompressedData | FlagTextData
	if p.Binary {
		flags |= FlagBinaryData
		if p.Compressed {
			flags |= FlagCompressedData
		}
	} else {
		flags |= FlagTextData
	}
	return flags
}

func marshalExt(e *Ext, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], e.QuantumHash)
	binary.LittleEndian.PutUint32(buf[8:], e.OwnerUID)
	binary.LittleEndian.PutUint32(buf[12:], e.OwnerGID)
	binary.LittleEndian.PutUint32(buf[16:], e.Flags)
	// buf[20:24] reserved
	binary.LittleEndian.PutUint64(buf[24:], math.Float64bits(e.DecayScore))
	binary.LittleEndian.PutUint64(buf[32:], math.Float64bits(e.DecayRate))
	binary.LittleEndian.PutUint64(buf[40:], e.AccessCount)
	binary.LittleEndian.PutUint64(buf[48:], uint64(e.LastAccess))
	// buf[56:128] reserved
}

func unmarshalExt(buf []byte) Ext {
	return Ext{
		QuantumHash: binary.LittleEndian.Uint64(buf[0:]),
		OwnerUID:    binary.LittleEndian.Uint32(buf[8:]),
		OwnerGID:    binary.LittleEndian.Uint32(buf[12:]),
		Flags:       binary.LittleEndian.Uint32(buf[16:]),
		DecayScore:  math.Float64frombits(binary.LittleEndian.Uint64(buf[24:])),
		DecayRate:   math.Float64frombits(binary.LittleEndian.Uint64(buf[32:])),
		AccessCount: binary.LittleEndian.Uint64(buf[40:]),
		LastAccess:  int64(binary.LittleEndian.Uint64(buf[48:])),
	}
}

// Unmarshal decodes a record from src without validating it. The children
// pointer slot on disk is always stale and is ignored.
func Unmarshal(src []byte) (Node, error) {
	if len(src) < RecordSize {
		return Node{}, fmt.Errorf("node: unmarshal buffer too small: %d", len(src))
	}
	buf := src[:RecordSize]

	var n Node
	n.ID = ID(binary.LittleEndian.Uint64(buf[offID:]))
	n.Type = Type(binary.LittleEndian.Uint32(buf[offType:]))
	n.ChildCount = binary.LittleEndian.Uint32(buf[offChildCount:])
	n.Name = decodeName(buf[offName : offName+NameSize])
	n.ParentID = ID(binary.LittleEndian.Uint64(buf[offParentID:]))
	n.Confidence = math.Float64frombits(binary.LittleEndian.Uint64(buf[offConfidence:]))
	n.Timestamp = int64(binary.LittleEndian.Uint64(buf[offTimestamp:]))
	copy(n.Union[:], buf[offPayload:offPayload+PayloadSize])
	n.Ext = unmarshalExt(buf[offExt : offExt+ExtSize])
	n.Data = decodeData(buf[offData:offData+DataSize], n.Ext.Flags)
	return n, nil
}

func decodeName(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf[:NameSize-1])
}

// Validate checks the invariants a live record must satisfy. It is applied to
// every slot read from a snapshot; failures mark the slot skippable, not the
// load failed.
func Validate(n *Node) error {
	if n.ID.IsZero() {
		return fmt.Errorf("%w: zero id", ErrBadRecord)
	}
	if !n.Type.Valid() {
		return fmt.Errorf("%w: unknown type %d", ErrBadRecord, uint32(n.Type))
	}
	if n.ChildCount > MaxChildCount {
		return fmt.Errorf("%w: child count %d", ErrBadRecord, n.ChildCount)
	}
	return nil
}

// PeekID reads just the id field of a raw record. Used by loaders to skip
// uninitialized slots without decoding the full record.
func PeekID(src []byte) ID {
	if len(src) < 8 {
		return 0
	}
	return ID(binary.LittleEndian.Uint64(src[offID:]))
}
