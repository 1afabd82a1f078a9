package wal

import (
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/jdb-go/jdb/internal/base"
)

// zstdValueThreshold is the value size above which probeCompress reaches
// for zstd instead of snappy: snappy's speed wins on the small inline
// values that dominate WAL traffic, but zstd's ratio pays off once a value
// is large enough that its compression time stops being the bottleneck.
const zstdValueThreshold = 8 << 10

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func getZstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc
}

func getZstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}

// probeCompress tries a codec (snappy for the "LZ4" slot named in spec.md §3
// — see internal/base.Flag's doc comment — or zstd for large values) and
// keeps the result only if it actually shrinks the value; otherwise the
// value is stored as-is and marked "probed incompressible" so the read path
// never re-attempts decompression on it.
func probeCompress(v []byte) (out []byte, flagBits uint8) {
	if len(v) == 0 {
		return v, base.CompressionNone
	}
	if len(v) >= zstdValueThreshold {
		c := getZstdEncoder().EncodeAll(v, nil)
		if len(c) < len(v) {
			return c, base.CompressionZstd
		}
		return v, base.CompressionProbed
	}
	c := snappy.Encode(nil, v)
	if len(c) < len(v) {
		return c, base.CompressionLZ4
	}
	return v, base.CompressionProbed
}

func decompress(v []byte, flag base.Flag) ([]byte, error) {
	switch flag.Compression() {
	case base.CompressionLZ4:
		out, err := snappy.Decode(nil, v)
		if err != nil {
			return nil, base.WrapError(base.KindCorruption, err, "snappy decode")
		}
		return out, nil
	case base.CompressionZstd:
		out, err := getZstdDecoder().DecodeAll(v, nil)
		if err != nil {
			return nil, base.WrapError(base.KindCorruption, err, "zstd decode")
		}
		return out, nil
	default:
		return v, nil
	}
}
