package node

import (
	"encoding/binary"
	"math"
)

// The 336-byte union region carries one of several typed payloads depending
// on the node type. Views below encode into / decode out of Node.Union; the
// region is opaque to the store and persisted verbatim.

// PerformanceStats is the union view for TypePerformance nodes.
type PerformanceStats struct {
	LatencyMicros    float64
	ThroughputPerSec float64
	SampleCount      uint64
	ErrorCount       uint64
	WindowStart      int64 // microseconds since epoch
	WindowEnd        int64
}

// EncodePerformance writes s into the union region.
func (n *Node) EncodePerformance(s PerformanceStats) {
	buf := n.Union[:]
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(s.LatencyMicros))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(s.ThroughputPerSec))
	binary.LittleEndian.PutUint64(buf[16:], s.SampleCount)
	binary.LittleEndian.PutUint64(buf[24:], s.ErrorCount)
	binary.LittleEndian.PutUint64(buf[32:], uint64(s.WindowStart))
	binary.LittleEndian.PutUint64(buf[40:], uint64(s.WindowEnd))
}

// Performance reads the union region as PerformanceStats.
func (n *Node) Performance() PerformanceStats {
	buf := n.Union[:]
	return PerformanceStats{
		LatencyMicros:    math.Float64frombits(binary.LittleEndian.Uint64(buf[0:])),
		ThroughputPerSec: math.Float64frombits(binary.LittleEndian.Uint64(buf[8:])),
		SampleCount:      binary.LittleEndian.Uint64(buf[16:]),
		ErrorCount:       binary.LittleEndian.Uint64(buf[24:]),
		WindowStart:      int64(binary.LittleEndian.Uint64(buf[32:])),
		WindowEnd:        int64(binary.LittleEndian.Uint64(buf[40:])),
	}
}

// LearningStats is the union view for TypeLearning nodes.
type LearningStats struct {
	Rate          float64
	Iterations    uint64
	Reinforcement float64
	LastOutcome   float64
}

// EncodeLearning writes s into the union region.
func (n *Node) EncodeLearning(s LearningStats) {
	buf := n.Union[:]
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(s.Rate))
	binary.LittleEndian.PutUint64(buf[8:], s.Iterations)
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(s.Reinforcement))
	binary.LittleEndian.PutUint64(buf[24:], math.Float64bits(s.LastOutcome))
}

// Learning reads the union region as LearningStats.
func (n *Node) Learning() LearningStats {
	buf := n.Union[:]
	return LearningStats{
		Rate:          math.Float64frombits(binary.LittleEndian.Uint64(buf[0:])),
		Iterations:    binary.LittleEndian.Uint64(buf[8:]),
		Reinforcement: math.Float64frombits(binary.LittleEndian.Uint64(buf[16:])),
		LastOutcome:   math.Float64frombits(binary.LittleEndian.Uint64(buf[24:])),
	}
}

// SidecarRef is the union view for the sidecar node kinds: a reference to a
// companion node plus a small inline tag.
type SidecarRef struct {
	Target ID
	Kind   uint32
	Tag    [32]byte
}

// EncodeSidecar writes s into the union region.
func (n *Node) EncodeSidecar(s SidecarRef) {
	buf := n.Union[:]
	binary.LittleEndian.PutUint64(buf[0:], uint64(s.Target))
	binary.LittleEndian.PutUint32(buf[8:], s.Kind)
	copy(buf[12:44], s.Tag[:])
}

// Sidecar reads the union region as SidecarRef.
func (n *Node) Sidecar() SidecarRef {
	buf := n.Union[:]
	var s SidecarRef
	s.Target = ID(binary.LittleEndian.Uint64(buf[0:]))
	s.Kind = binary.LittleEndian.Uint32(buf[8:])
	copy(s.Tag[:], buf[12:44])
	return s
}
