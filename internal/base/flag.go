package base

// Flag packs the storage location and compression state of a value,
// matching original_source/jdb_base/src/flag.rs and spec.md §3 ("flag
// distinguishes: inline vs. external-file; none/LZ4/Zstd/probed-
// incompressible; tombstone overlay").
//
// Bit layout (low to high):
//
//	bits 0-1: compression  (0 none, 1 "lz4"-slot, 2 zstd, 3 probed-incompressible)
//	bit  2  : location     (0 inline/same-WAL-file, 1 external companion blob)
//	bit  3  : tombstone
//
// The LZ4 slot is filled by github.com/golang/snappy in this module (see
// SPEC_FULL.md §2): no LZ4 library exists in the retrieval pack, and snappy
// is already a teacher dependency offering the same "cheap, fast" codec
// role LZ4 plays in the original.
type Flag uint8

const (
	compressionMask = 0x03
	locationBit     = 0x04
	tombstoneBit    = 0x08

	CompressionNone    = 0
	CompressionLZ4     = 1 // backed by snappy, see doc comment above
	CompressionZstd    = 2
	CompressionProbed  = 3 // probed incompressible: stored as-is, no codec applied
	locationInline     = 0
	locationExternal   = 1
)

// MakeFlag builds a Flag from its components.
func MakeFlag(compression uint8, external bool, tombstone bool) Flag {
	var f Flag
	f |= Flag(compression & compressionMask)
	if external {
		f |= locationBit
	}
	if tombstone {
		f |= tombstoneBit
	}
	return f
}

func (f Flag) Compression() uint8 { return uint8(f) & compressionMask }
func (f Flag) IsInline() bool     { return uint8(f)&locationBit == 0 }
func (f Flag) IsExternal() bool   { return uint8(f)&locationBit != 0 }
func (f Flag) IsTombstone() bool  { return uint8(f)&tombstoneBit != 0 }
func (f Flag) IsCompressed() bool {
	c := f.Compression()
	return c == CompressionLZ4 || c == CompressionZstd
}

// Tombstone returns f with the tombstone bit set, preserving the storage
// location so GC can still account for the superseded value's footprint
// (spec.md §3 invariant).
func (f Flag) Tombstone() Flag { return f | tombstoneBit }

// Storage returns f with the tombstone bit cleared.
func (f Flag) Storage() Flag { return f &^ tombstoneBit }

// WithCompression returns f with its compression bits replaced.
func (f Flag) WithCompression(c uint8) Flag {
	return (f &^ compressionMask) | Flag(c&compressionMask)
}

// WithExternal returns f with the external-location bit set or cleared.
func (f Flag) WithExternal(external bool) Flag {
	if external {
		return f | locationBit
	}
	return f &^ locationBit
}
