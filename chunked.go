package lattice

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/synrix/lattice/node"
)

// Chunked storage splits payloads larger than one slot across a header
// node and N data-carrier children:
//
//	header  "CHUNKED:<name>"              text manifest
//	chunk i "CHUNK:<header_id>:<i>:<N>"   binary payload, <=510 bytes
//
// Reassembly walks three redundant discovery paths so one stale index
// never loses the payload: the parent's child list, the CHUNK: prefix
// bucket, and a full name scan.

const (
	chunkedNamePrefix = "CHUNKED:"
	chunkNamePrefix   = "CHUNK:"

	maxChunkData = node.MaxBinaryLen
)

// chunkManifest is the header node's text payload.
type chunkManifest struct {
	Parts int    `json:"parts"`
	Total int    `json:"total"`
	Type  uint32 `json:"type"`
	// Stored and Codec are present only for compressed payloads: Total is
	// the original length, Stored the compressed length actually chunked.
	Stored int    `json:"stored,omitempty"`
	Codec  string `json:"codec,omitempty"`
}

var (
	chunkZstdOnce sync.Once
	chunkZstdEnc  *zstd.Encoder
	chunkZstdDec  *zstd.Decoder
)

func chunkZstdInit() {
	chunkZstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	chunkZstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// AddChunked stores a payload of any length by splitting it across chunk
// nodes under one header node, and returns the header id. typ is recorded
// in the manifest as the caller's intended kind.
func (l *Lattice) AddChunked(typ node.Type, name string, data []byte, parentID node.ID) (node.ID, error) {
	return l.addChunked(typ, name, data, parentID, false)
}

// AddChunkedCompressed is AddChunked with zstd compression applied before
// splitting. Incompressible payloads fall back to plain chunking.
func (l *Lattice) AddChunkedCompressed(typ node.Type, name string, data []byte, parentID node.ID) (node.ID, error) {
	return l.addChunked(typ, name, data, parentID, true)
}

func (l *Lattice) addChunked(typ node.Type, name string, data []byte, parentID node.ID, compress bool) (node.ID, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty chunked payload", ErrInvalidNode)
	}
	if len(name)+len(chunkedNamePrefix) >= node.NameSize {
		return 0, fmt.Errorf("%w: name too long for chunked header", ErrInvalidNode)
	}

	manifest := chunkManifest{Total: len(data), Type: uint32(typ)}
	stored := data
	if compress {
		chunkZstdOnce.Do(chunkZstdInit)
		compressed := chunkZstdEnc.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			stored = compressed
			manifest.Stored = len(compressed)
			manifest.Codec = "zstd"
		}
	}
	parts := (len(stored) + maxChunkData - 1) / maxChunkData
	if parts > node.MaxChildCount {
		return 0, fmt.Errorf("%w: payload needs %d chunks, limit %d",
			ErrFull, parts, node.MaxChildCount)
	}
	manifest.Parts = parts

	body, err := json.Marshal(manifest)
	if err != nil {
		return 0, fmt.Errorf("lattice: chunk manifest: %w", err)
	}
	headerID, err := l.Add(node.TypeChunkHeader, chunkedNamePrefix+name, string(body), parentID)
	if err != nil {
		return 0, err
	}

	for i := 0; i < parts; i++ {
		lo := i * maxChunkData
		hi := lo + maxChunkData
		if hi > len(stored) {
			hi = len(stored)
		}
		chunkName := fmt.Sprintf("%s%d:%d:%d", chunkNamePrefix, uint64(headerID), i, parts)

		var p node.Payload
		if manifest.Codec != "" {
			p, err = node.CompressedBinary(stored[lo:hi])
		} else {
			p, err = node.Binary(stored[lo:hi])
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidNode, err)
		}
		start := time.Now()
		id, err := l.addNode(node.TypeChunkData, chunkName, p, headerID)
		l.metrics.RecordAdd(time.Since(start), err)
		if err != nil {
			return 0, fmt.Errorf("lattice: chunk %d/%d: %w", i, parts, err)
		}
		l.logger.LogAdd(uint64(id), chunkName, nil)
	}
	return headerID, nil
}

// GetChunked reassembles the payload stored under a chunk header and
// returns it byte-for-byte, decompressing when the manifest says so.
func (l *Lattice) GetChunked(headerID node.ID) ([]byte, error) {
	hn, err := l.Get(headerID)
	if err != nil {
		return nil, err
	}
	if hn.Type != node.TypeChunkHeader {
		return nil, fmt.Errorf("%w: %d is not a chunk header", ErrInvalidNode, headerID)
	}
	var manifest chunkManifest
	if err := json.Unmarshal([]byte(hn.Data.String()), &manifest); err != nil {
		return nil, fmt.Errorf("%w: chunk manifest: %w", ErrCorruption, err)
	}
	if manifest.Parts <= 0 || manifest.Total <= 0 {
		return nil, fmt.Errorf("%w: implausible chunk manifest", ErrCorruption)
	}

	chunks := l.discoverChunks(headerID, manifest.Parts)
	if len(chunks) != manifest.Parts {
		return nil, fmt.Errorf("%w: found %d of %d chunks for %d",
			ErrCorruption, len(chunks), manifest.Parts, headerID)
	}

	storedLen := manifest.Total
	if manifest.Codec != "" {
		storedLen = manifest.Stored
	}
	out := make([]byte, 0, storedLen)
	for i, id := range chunks {
		data, isBinary, err := l.GetBinary(id)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %w", ErrCorruption, i, err)
		}
		if !isBinary {
			return nil, fmt.Errorf("%w: chunk %d is not binary", ErrCorruption, i)
		}
		out = append(out, data...)
	}
	if len(out) != storedLen {
		return nil, fmt.Errorf("%w: reassembled %d bytes, manifest says %d",
			ErrCorruption, len(out), storedLen)
	}

	if manifest.Codec == "zstd" {
		chunkZstdOnce.Do(chunkZstdInit)
		plain, err := chunkZstdDec.DecodeAll(out, make([]byte, 0, manifest.Total))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %w", ErrCorruption, err)
		}
		out = plain
	}
	if len(out) != manifest.Total {
		return nil, fmt.Errorf("%w: payload is %d bytes, manifest says %d",
			ErrCorruption, len(out), manifest.Total)
	}
	return out, nil
}

// discoverChunks locates the chunk nodes of headerID in index order. It
// returns ids ordered by chunk index, missing entries omitted.
func (l *Lattice) discoverChunks(headerID node.ID, parts int) []node.ID {
	want := fmt.Sprintf("%s%d:", chunkNamePrefix, uint64(headerID))

	// Path 1: the owned child list.
	found := l.matchChunks(l.Children(headerID), want, parts)
	if len(found) == parts {
		return found
	}

	// Path 2: the CHUNK: prefix bucket.
	found = l.matchChunks(l.FindByPrefix(chunkNamePrefix, 0), want, parts)
	if len(found) == parts {
		return found
	}

	// Path 3: full scan by name. Slow, and only reached when both indexes
	// are stale.
	var all []node.ID
	l.lock.Read(func() {
		all = all[:0]
		for slot := 0; slot < l.st.Used(); slot++ {
			if id := l.st.IDAt(slot); id != 0 {
				all = append(all, node.ID(id))
			}
		}
	})
	return l.matchChunks(all, want, parts)
}

// matchChunks filters candidate ids down to chunks of one header, ordered
// by the index embedded in their names.
func (l *Lattice) matchChunks(candidates []node.ID, namePrefix string, parts int) []node.ID {
	type chunk struct {
		idx int
		id  node.ID
	}
	var chunks []chunk
	seen := make(map[int]bool, parts)
	for _, id := range candidates {
		n, err := l.Get(id)
		if err != nil || n.Type != node.TypeChunkData {
			continue
		}
		if !strings.HasPrefix(n.Name, namePrefix) {
			continue
		}
		rest := n.Name[len(namePrefix):]
		sep := strings.IndexByte(rest, ':')
		if sep < 0 {
			continue
		}
		idx, err := strconv.Atoi(rest[:sep])
		if err != nil || idx < 0 || idx >= parts || seen[idx] {
			continue
		}
		seen[idx] = true
		chunks = append(chunks, chunk{idx: idx, id: id})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].idx < chunks[j].idx })

	out := make([]node.ID, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.id)
	}
	return out
}
