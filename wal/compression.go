package wal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec applied to record value payloads. Keys and
// table names are never compressed. The codec is recorded per entry, so a log
// written with one setting remains readable after the setting changes.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		zstdDecoder, _ = zstd.NewReader(nil)
	})
}

const (
	lz4Raw   = 0
	lz4Block = 1
)

// compress encodes p with the selected codec. The result is self-describing
// enough to be reversed by decompress with the same codec.
func (c Compression) compress(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return p, nil
	}

	switch c {
	case CompressionNone:
		return p, nil
	case CompressionZstd:
		zstdInit()
		return zstdEncoder.EncodeAll(p, make([]byte, 0, len(p)/2)), nil
	case CompressionLZ4:
		// Layout: [flag:1][origLen:4][data]. Incompressible input is stored
		// raw so decompression never depends on the block codec succeeding.
		var comp lz4.Compressor

		dst := make([]byte, 5+lz4.CompressBlockBound(len(p)))
		n, err := comp.CompressBlock(p, dst[5:])
		if err != nil || n == 0 || n >= len(p) {
			out := make([]byte, 5+len(p))
			out[0] = lz4Raw
			binary.LittleEndian.PutUint32(out[1:5], uint32(len(p)))
			copy(out[5:], p)

			return out, nil
		}

		dst[0] = lz4Block
		binary.LittleEndian.PutUint32(dst[1:5], uint32(len(p)))

		return dst[:5+n], nil
	default:
		return nil, fmt.Errorf("wal: unknown compression codec %d", c)
	}
}

// decompress reverses compress.
func (c Compression) decompress(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return p, nil
	}

	switch c {
	case CompressionNone:
		return p, nil
	case CompressionZstd:
		zstdInit()

		out, err := zstdDecoder.DecodeAll(p, nil)
		if err != nil {
			return nil, fmt.Errorf("wal: zstd decompress: %w", err)
		}

		return out, nil
	case CompressionLZ4:
		if len(p) < 5 {
			return nil, fmt.Errorf("wal: lz4 payload too short: %d bytes", len(p))
		}

		origLen := binary.LittleEndian.Uint32(p[1:5])
		if p[0] == lz4Raw {
			return p[5:], nil
		}

		out := make([]byte, origLen)
		n, err := lz4.UncompressBlock(p[5:], out)
		if err != nil {
			return nil, fmt.Errorf("wal: lz4 decompress: %w", err)
		}

		return out[:n], nil
	default:
		return nil, fmt.Errorf("wal: unknown compression codec %d", c)
	}
}
