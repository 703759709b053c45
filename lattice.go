package lattice

import (
	"fmt"
	"sync"
	"time"

	"github.com/synrix/lattice/index"
	"github.com/synrix/lattice/internal/fs"
	"github.com/synrix/lattice/internal/seqlock"
	"github.com/synrix/lattice/node"
	"github.com/synrix/lattice/snapshot"
	"github.com/synrix/lattice/store"
	"github.com/synrix/lattice/usage"
	"github.com/synrix/lattice/wal"
)

// walSuffix is appended to the lattice path to form the WAL path.
const walSuffix = ".wal"

// Lattice is one persistent graph store instance: a node store, its
// indexes, a write-ahead log, and the auto-persist policy.
//
// Mutating methods are serialized through the writer side of a seqlock;
// accessors take read snapshots and return copies, never references into
// the backing array.
type Lattice struct {
	lock seqlock.SeqLock

	st  *store.Store
	idx *index.Index
	wal *wal.WAL

	path     string
	walPath  string
	deviceID uint32
	maxNodes int

	nextLocal uint32

	usage      *usage.Tracker
	logger     *Logger
	metrics    MetricsCollector
	fsys       fs.FileSystem
	persist    PersistPolicy
	nodesSince int
	lastSave   time.Time
	dirty      bool

	loadSkipped int
	replayed    int

	closeOnce sync.Once
	closed    bool
}

// Open opens (or creates) a heap-resident lattice backed by the snapshot
// file at path. maxNodes is the initial slot capacity; the store doubles
// beyond it. deviceID tags the upper 32 bits of every assigned id.
//
// Open runs recovery: the snapshot is loaded (corrupt slots are skipped,
// not fatal), then the WAL is replayed from the last checkpoint.
func Open(path string, maxNodes int, deviceID uint32, optFns ...Option) (*Lattice, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if maxNodes <= 0 {
		return nil, fmt.Errorf("%w: max nodes must be positive", ErrInvalidPath)
	}
	opts := applyOptions(optFns)

	l, err := newLattice(path, maxNodes, deviceID, opts)
	if err != nil {
		return nil, err
	}
	l.st = store.NewRAM(maxNodes)
	l.idx = index.New(l.st.IDAt, l.st.Used, maxNodes)

	if snapshot.Exists(path) {
		if maxNodes > index.BulkLoadThreshold {
			l.idx.MarkDirty()
		}
		stats, err := snapshot.Load(path, maxNodes, func(rec []byte, n *node.Node) error {
			slot, err := l.st.Allocate()
			if err != nil {
				return err
			}
			copy(l.st.Record(slot), rec)
			l.st.Adopt(slot, uint64(n.ID))
			l.adoptNode(n, slot)
			return nil
		}, l.logger.Logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruption, err)
		}
		l.loadSkipped = stats.Skipped
		if stats.Header.NextLocalID > l.nextLocal {
			l.nextLocal = stats.Header.NextLocalID
		}
		l.logger.LogLoad(path, stats.Loaded, stats.Skipped)
	}

	if err := l.finishOpen(opts); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenDisk opens (or creates) a file-backed lattice. The file is
// pre-allocated to totalFileNodes slots and mapped shared read-write; no
// growth is permitted past that capacity. maxNodes sizes the in-RAM index
// structures.
func OpenDisk(path string, maxNodes, totalFileNodes int, deviceID uint32, optFns ...Option) (*Lattice, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if maxNodes <= 0 || totalFileNodes <= 0 {
		return nil, fmt.Errorf("%w: node capacities must be positive", ErrInvalidPath)
	}
	opts := applyOptions(optFns)

	l, err := newLattice(path, maxNodes, deviceID, opts)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenDisk(opts.fsys, path, totalFileNodes)
	if err != nil {
		return nil, translateError(err)
	}
	l.st = st
	l.idx = index.New(st.IDAt, st.Used, maxNodes)

	hdr, err := st.Header()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: %w", ErrCorruption, err)
	}
	if hdr.NextLocalID > l.nextLocal {
		l.nextLocal = hdr.NextLocalID
	}
	l.scanDisk(totalFileNodes, int(hdr.TotalNodes))

	if err := l.finishOpen(opts); err != nil {
		st.Close()
		return nil, err
	}
	return l, nil
}

func newLattice(path string, maxNodes int, deviceID uint32, opts options) (*Lattice, error) {
	var tracker *usage.Tracker
	var err error
	if opts.usageDir != "" {
		tracker, err = usage.NewAt(opts.usageDir, opts.licenseKey, opts.usageLimit)
	} else {
		tracker, err = usage.New(opts.licenseKey, opts.usageLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("lattice: usage tracker: %w", err)
	}

	l := &Lattice{
		path:     path,
		walPath:  path + walSuffix,
		deviceID: deviceID,
		maxNodes: maxNodes,

		nextLocal: 1,

		usage:    tracker,
		logger:   opts.logger,
		metrics:  opts.metricsCollector,
		fsys:     opts.fsys,
		persist:  opts.persist,
		lastSave: time.Now(),
	}
	l.lock.WriteSpinBudget = opts.writeSpinBudget
	l.lock.WriteRetryBudget = opts.writeRetryBudget
	return l, nil
}

// adoptNode registers a record placed into slot during load or disk scan:
// index entry, parent link reconstruction, local-id watermark.
func (l *Lattice) adoptNode(n *node.Node, slot int) {
	l.idx.Insert(n.ID, n.Name, slot)
	if n.ParentID != 0 {
		l.st.Link(uint64(n.ParentID), uint64(n.ID))
	}
	if local := n.ID.Local(); local >= l.nextLocal {
		l.nextLocal = local + 1
	}
}

// scanDisk indexes the live slots of a pre-allocated mapping. Slots below
// the header's saved node count are all walked: tombstone runs there keep
// the append watermark moving, so live records past a deleted stretch
// survive and new adds land after them. Past the saved count the scan
// picks up whatever a crash left behind, until a run of consecutive
// invalid slots ends it, so reads never run away into pre-allocated junk.
func (l *Lattice) scanDisk(capacity, saved int) {
	const maxConsecutiveInvalid = 10

	if saved > capacity {
		saved = capacity
	}
	if capacity > index.BulkLoadThreshold {
		l.idx.MarkDirty()
	}
	invalid := 0
	skipped := 0
	for slot := 0; slot < capacity; slot++ {
		rec := l.st.Record(slot)
		id := node.PeekID(rec)
		if id.IsZero() {
			if slot < saved {
				l.st.Adopt(slot, 0) // tombstone below the watermark
				continue
			}
			invalid++
			if invalid >= maxConsecutiveInvalid {
				break
			}
			continue
		}
		n, err := node.Unmarshal(rec)
		if err == nil {
			err = node.Validate(&n)
		}
		if err != nil {
			skipped++
			if slot < saved {
				l.st.Adopt(slot, 0)
				continue
			}
			invalid++
			if invalid >= maxConsecutiveInvalid {
				break
			}
			continue
		}
		invalid = 0
		l.st.Adopt(slot, uint64(id))
		l.adoptNode(&n, slot)
	}
	l.loadSkipped = skipped
	if skipped > 0 {
		l.logger.Warn("skipped invalid slots during disk scan", "skipped", skipped)
	}
}

// finishOpen replays the WAL, opens it for appending, and settles the
// indexes and persist counters.
func (l *Lattice) finishOpen(opts options) error {
	stats, err := wal.Recover(l.walPath, wal.Handler{
		AddNode:    l.replayAddNode,
		UpdateNode: l.replayUpdateNode,
		DeleteNode: l.replayDeleteNode,
		AddChild:   l.replayAddChild,
	}, l.logger.Logger)
	if err != nil {
		return fmt.Errorf("lattice: wal recovery: %w", err)
	}
	l.replayed = stats.Replayed
	if stats.Replayed > 0 || stats.Truncated {
		l.logger.LogRecovery(stats.Replayed, stats.Skipped, stats.Truncated)
	}

	walOpts := append([]func(*wal.Options){func(o *wal.Options) {
		o.FS = opts.fsys
		o.Logger = l.logger.Logger
	}}, opts.walOptions...)
	w, err := wal.Open(l.walPath, walOpts...)
	if err != nil {
		return fmt.Errorf("lattice: open wal: %w", err)
	}
	l.wal = w

	if l.idx.Dirty() {
		l.idx.Rebuild(l.iterateLive)
	}
	l.nodesSince = 0
	l.lastSave = time.Now()
	l.dirty = stats.Replayed > 0
	return nil
}

// iterateLive yields every live node's id and name, for index rebuilds.
func (l *Lattice) iterateLive(yield func(id node.ID, name string)) {
	for slot := 0; slot < l.st.Used(); slot++ {
		if l.st.IDAt(slot) == 0 {
			continue
		}
		var n node.Node
		if err := l.st.ReadNode(slot, &n); err != nil {
			continue
		}
		yield(n.ID, n.Name)
	}
}

// replayAddNode applies a logged add against the loaded store.
func (l *Lattice) replayAddNode(_ uint64, nodeID uint64, p wal.AddNodePayload) error {
	id := node.ID(nodeID)
	if l.idx.Contains(id) {
		return nil // already in the snapshot
	}
	n := node.Node{
		ID:         id,
		Type:       node.Type(p.Type),
		Name:       p.Name,
		Data:       decodeWALData(p.Data),
		ParentID:   node.ID(p.ParentID),
		Confidence: 1.0,
		Timestamp:  node.Now(),
	}
	slot, err := l.st.Allocate()
	if err != nil {
		return err
	}
	if err := l.st.WriteNode(slot, &n); err != nil {
		return err
	}
	l.st.NoteAdd()
	l.idx.Insert(id, n.Name, slot)
	if p.ParentID != 0 {
		l.linkChild(p.ParentID, nodeID)
	}
	if local := id.Local(); local >= l.nextLocal {
		l.nextLocal = local + 1
	}
	return nil
}

func (l *Lattice) replayUpdateNode(_ uint64, nodeID uint64, data []byte) error {
	slot, ok := l.idx.SlotRepair(node.ID(nodeID))
	if !ok {
		return fmt.Errorf("update of unknown node %d", nodeID)
	}
	var n node.Node
	if err := l.st.ReadNode(slot, &n); err != nil {
		return err
	}
	n.Data = decodeWALData(data)
	n.Timestamp = node.Now()
	return l.st.WriteNode(slot, &n)
}

func (l *Lattice) replayDeleteNode(_ uint64, nodeID uint64) error {
	slot, ok := l.idx.SlotRepair(node.ID(nodeID))
	if !ok {
		return nil // delete of a node the snapshot never had
	}
	var n node.Node
	if err := l.st.ReadNode(slot, &n); err != nil {
		return err
	}
	if err := l.st.Tombstone(slot); err != nil {
		return err
	}
	l.idx.Remove(n.ID, n.Name)
	return nil
}

func (l *Lattice) replayAddChild(_ uint64, p wal.AddChildPayload) error {
	l.linkChild(p.ParentID, p.ChildID)
	return nil
}

// linkChild records a forward edge and keeps the parent record's child
// counter in step. Duplicate edges are skipped.
func (l *Lattice) linkChild(parentID, childID uint64) bool {
	if !l.st.Link(parentID, childID) {
		return false
	}
	if slot, ok := l.idx.SlotRepair(node.ID(parentID)); ok {
		var pn node.Node
		if l.st.ReadNode(slot, &pn) == nil {
			pn.ChildCount++
			l.st.WriteNode(slot, &pn)
		}
	}
	return true
}

// encodeWALData renders a payload for a WAL entry. Text payloads travel as
// their string bytes (at most 511); binary payloads travel as the full
// encoded 512-byte data field, so the length discriminates the mode.
func encodeWALData(p node.Payload) []byte {
	if p.Binary {
		return p.EncodeField()
	}
	return []byte(p.String())
}

// decodeWALData inverts encodeWALData.
func decodeWALData(data []byte) node.Payload {
	if len(data) == node.DataSize {
		return node.DecodeField(data, node.FlagBinaryData)
	}
	p, err := node.Text(string(data))
	if err != nil {
		return node.Payload{}
	}
	return p
}

// Count returns the number of live nodes.
func (l *Lattice) Count() int {
	var n int
	l.lock.Read(func() {
		n = l.st.Live()
	})
	return n
}

// Stats is a point-in-time view of the lattice internals.
type Stats struct {
	Mode               store.Mode
	NodeCount          int // slots in use, tombstones included
	LiveCount          int
	NextLocalID        uint32
	WALSequence        uint64
	CheckpointSequence uint64
	WALBatchSize       int
	WALFlushes         uint64
	NodesSinceLastSave int
	LastSave           time.Time
	LoadSkipped        int // invalid slots skipped at open
	Replayed           int // WAL entries replayed at open
}

// Stats returns a snapshot of counters and WAL state.
func (l *Lattice) Stats() Stats {
	var s Stats
	l.lock.Read(func() {
		s = Stats{
			Mode:               l.st.Mode(),
			NodeCount:          l.st.Used(),
			LiveCount:          l.st.Live(),
			NextLocalID:        l.nextLocal,
			NodesSinceLastSave: l.nodesSince,
			LastSave:           l.lastSave,
			LoadSkipped:        l.loadSkipped,
			Replayed:           l.replayed,
		}
	})
	s.WALSequence = l.wal.Sequence()
	s.CheckpointSequence = l.wal.CheckpointSequence()
	ws := l.wal.Stats()
	s.WALBatchSize = ws.BatchSize
	s.WALFlushes = ws.Flushes
	return s
}

// Sync blocks until every appended WAL entry is durably on disk and
// returns the latched flush error, if any.
func (l *Lattice) Sync() error {
	return l.wal.FlushWait(l.wal.Sequence())
}

// Path returns the lattice file path.
func (l *Lattice) Path() string { return l.path }

// Mode returns the storage mode.
func (l *Lattice) Mode() store.Mode { return l.st.Mode() }

// Close flushes the WAL, saves when dirty, and releases the store. It is
// idempotent.
func (l *Lattice) Close() error {
	var firstErr error
	l.closeOnce.Do(func() {
		if l.dirty {
			if err := l.Save(); err != nil {
				firstErr = err
			}
		}
		if err := l.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.closed = true
	})
	return firstErr
}
