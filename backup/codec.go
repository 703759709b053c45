package backup

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names a part compression scheme. The codec is recorded per part
// in the manifest, so mixed archives restore correctly.
type Codec string

const (
	// CodecNone stores parts uncompressed.
	CodecNone Codec = "none"
	// CodecZstd compresses parts with zstandard.
	CodecZstd Codec = "zstd"
	// CodecLZ4 compresses parts with lz4 block compression.
	CodecLZ4 Codec = "lz4"
)

func (c Codec) valid() bool {
	switch c {
	case CodecNone, CodecZstd, CodecLZ4:
		return true
	}
	return false
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdInit() {
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

func (c Codec) compress(raw []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return raw, nil
	case CodecZstd:
		zstdOnce.Do(zstdInit)
		return zstdEnc.EncodeAll(raw, nil), nil
	case CodecLZ4:
		var comp lz4.Compressor
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := comp.CompressBlock(raw, dst)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Incompressible; the caller falls back to CodecNone.
			return raw, nil
		}
		return dst[:n], nil
	}
	return nil, fmt.Errorf("backup: unknown codec %q", c)
}

func (c Codec) decompress(stored []byte, rawSize int) ([]byte, error) {
	switch c {
	case CodecNone:
		return stored, nil
	case CodecZstd:
		zstdOnce.Do(zstdInit)
		return zstdDec.DecodeAll(stored, make([]byte, 0, rawSize))
	case CodecLZ4:
		dst := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(stored, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	}
	return nil, fmt.Errorf("backup: unknown codec %q", c)
}
