// Package node defines the fixed-size lattice node record and its on-disk
// binary layout.
//
// Every node occupies exactly RecordSize bytes on disk and in the store's
// backing array. The layout is fixed and little-endian so that snapshot files
// written on one machine load on any other supported platform, and so that
// disk-mode stores can serve reads straight out of a shared mapping.
package node

import (
	"time"
)

const (
	// RecordSize is the size of one node record in bytes.
	RecordSize = 1216

	// RecordAlign is the required alignment of a record within a file or
	// backing array.
	RecordAlign = 64

	// NameSize is the size of the null-terminated name field.
	NameSize = 64

	// DataSize is the size of the dual-mode data field.
	DataSize = 512

	// MaxTextLen is the largest text payload (null terminator excluded).
	MaxTextLen = DataSize - 1

	// MaxBinaryLen is the largest binary payload (2-byte length header excluded).
	MaxBinaryLen = DataSize - 2

	// PayloadSize is the size of the typed payload union region.
	PayloadSize = 336

	// ExtSize is the size of the expansion header region.
	ExtSize = 128

	// MaxChildCount is the sanity cap on the persisted child counter. A
	// record claiming more children than this is treated as corrupt.
	MaxChildCount = 1000
)

// Record field offsets within the 1216-byte layout.
const (
	offID         = 0
	offType       = 8
	offChildCount = 12
	offName       = 16
	offData       = 80
	offParentID   = 592
	offConfidence = 600
	offTimestamp  = 608
	offChildrenPtr = 616 // legacy pointer slot, always zero on disk
	offPayload    = 624
	offExt        = 960
	offTail       = offExt + ExtSize // reserved to RecordSize
)

// Type is the closed set of node kinds. Any value outside this set in a
// stored record is corruption.
type Type uint32

const (
	// TypeInvalid marks an uninitialized slot together with ID == 0.
	TypeInvalid Type = 0

	TypePrimitive   Type = 1
	TypeKernel      Type = 2
	TypePattern     Type = 3
	TypePerformance Type = 4
	TypeLearning    Type = 5
	TypeAntiPattern Type = 6

	TypeSidecarText   Type = 10
	TypeSidecarBinary Type = 11
	TypeSidecarMeta   Type = 12
	TypeSidecarLink   Type = 13

	TypeCPTTable Type = 20
	TypeCPTEntry Type = 21

	// Chunked-storage carrier kinds.
	TypeChunkHeader Type = 200
	TypeChunkData   Type = 201
)

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	switch t {
	case TypePrimitive, TypeKernel, TypePattern, TypePerformance,
		TypeLearning, TypeAntiPattern,
		TypeSidecarText, TypeSidecarBinary, TypeSidecarMeta, TypeSidecarLink,
		TypeCPTTable, TypeCPTEntry,
		TypeChunkHeader, TypeChunkData:
		return true
	}
	return false
}

func (t Type) String() string {
	switch t {
	case TypePrimitive:
		return "primitive"
	case TypeKernel:
		return "kernel"
	case TypePattern:
		return "pattern"
	case TypePerformance:
		return "performance"
	case TypeLearning:
		return "learning"
	case TypeAntiPattern:
		return "anti-pattern"
	case TypeSidecarText:
		return "sidecar-text"
	case TypeSidecarBinary:
		return "sidecar-binary"
	case TypeSidecarMeta:
		return "sidecar-meta"
	case TypeSidecarLink:
		return "sidecar-link"
	case TypeCPTTable:
		return "cpt-table"
	case TypeCPTEntry:
		return "cpt-entry"
	case TypeChunkHeader:
		return "chunk-header"
	case TypeChunkData:
		return "chunk-data"
	}
	return "invalid"
}

// ID is a 64-bit node identifier: (device_id << 32) | local_id.
// ID 0 denotes an uninitialized or tombstoned slot.
type ID uint64

// MakeID composes an ID from a device tag and a per-lattice local counter.
func MakeID(deviceID, localID uint32) ID {
	return ID(uint64(deviceID)<<32 | uint64(localID))
}

// Local returns the lower 32 bits (the per-lattice counter).
func (id ID) Local() uint32 { return uint32(id) }

// Device returns the upper 32 bits (the instance tag).
func (id ID) Device() uint32 { return uint32(id >> 32) }

// IsZero reports whether id marks an empty slot.
func (id ID) IsZero() bool { return id == 0 }

// Ext is the 128-byte expansion header carried by every record.
type Ext struct {
	QuantumHash uint64
	OwnerUID    uint32
	OwnerGID    uint32
	Flags       uint32
	DecayScore  float64
	DecayRate   float64
	AccessCount uint64
	LastAccess  int64 // microseconds since epoch
}

// Expansion header flag bits.
const (
	// FlagBinaryData marks the data field as binary-mode (length-prefixed).
	// Records from older writers may lack it; readers fall back to the
	// length-header heuristic.
	FlagBinaryData uint32 = 1 << 0

	// FlagCompressedData marks a binary payload whose length header carries
	// the compressed bit.
	FlagCompressedData uint32 = 1 << 1

	// FlagTextData marks the data field as text-mode. Exactly one of
	// FlagTextData and FlagBinaryData is set on records written by this
	// implementation.
	FlagTextData uint32 = 1 << 2
)

// Node is the in-memory form of one lattice record.
//
// Children are deliberately absent: child links live in a side table owned by
// the store and are never persisted (only ChildCount is). Accessors on the
// lattice return copies of Node, never pointers into a backing array.
type Node struct {
	ID         ID
	Type       Type
	Name       string
	Data       Payload
	ParentID   ID
	ChildCount uint32
	Confidence float64
	Timestamp  int64 // microseconds since epoch

	// Union is the raw typed-payload region (performance/learning/sidecar
	// variants share it). Interpreted through the *Stats views.
	Union [PayloadSize]byte

	Ext Ext
}

// Now returns the current time in microseconds since the epoch, the
// timestamp resolution used throughout the lattice.
func Now() int64 {
	return time.Now().UnixMicro()
}

// PrefixOf extracts the semantic bucket key of a name: the characters up to
// (and including) the first '_' or ':'. Names without either separator bucket
// under their full text.
func PrefixOf(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '_' || name[i] == ':' {
			return name[:i+1]
		}
	}
	return name
}
