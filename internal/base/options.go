package base

import "go.uber.org/zap"

// Options holds every tunable named across spec.md §4. A nil *Options (or
// zero fields within a non-nil one) means "use the default", mirroring the
// teacher's own db.Options convention (db/internal.go's package doc: "It is
// always valid to pass a nil *Options... Any zero field ... means to use
// the default value").
type Options struct {
	// Logger receives warn-level corruption/compaction diagnostics (§4.3,
	// §4.12). Defaults to zap.NewNop() when nil.
	Logger *zap.Logger

	// WAL (§4.6)
	InfileMax   uint32 // values <= this are stored inline; default 1 MiB
	WalMaxSize  uint64 // rotate after this many bytes; default 256 MiB
	WalChanSize int    // bounded writer-loop channel; default 4096

	// Memtable (§4.7)
	MemRotateSize uint64 // freeze threshold; default 4 MiB
	MemFrozenSlots int   // ring size; default 2

	// Level manager (§4.11)
	BaseSizeBytes uint64 // default 256 MiB
	LevelRatio    uint64 // default 10
	L0FileLimit   int    // default 4
	NumLevels     int    // fixed at 7 (L0..L6) per spec.md §3

	// SSTable writer (§4.9)
	RestartInterval int    // default 16
	PGMEpsilon      uint32 // default 32

	// Caches (§4.2)
	FileLRUCapacity  int   // minimum floor 4
	BlockCacheBytes  int64 // total budget, split 70/30 with head cache

	// GC (§4.14)
	GCRewriteThreshold float64 // live fraction below which a rewrite is scheduled; default 0.5
	GCDropThreshold    float64 // live fraction below which the WAL is dropped outright; default 0.1
	GCCompactInterval  int     // compact-log rewrite cadence; default 256
}

// WithDefaults returns a copy of o (or a fresh Options if o is nil) with
// every zero field filled in.
func (o *Options) WithDefaults() *Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.InfileMax == 0 {
		out.InfileMax = 1 << 20
	}
	if out.WalMaxSize == 0 {
		out.WalMaxSize = 256 << 20
	}
	if out.WalChanSize == 0 {
		out.WalChanSize = 4096
	}
	if out.MemRotateSize == 0 {
		out.MemRotateSize = 4 << 20
	}
	if out.MemFrozenSlots == 0 {
		out.MemFrozenSlots = 2
	}
	if out.BaseSizeBytes == 0 {
		out.BaseSizeBytes = 256 << 20
	}
	if out.LevelRatio == 0 {
		out.LevelRatio = 10
	}
	if out.L0FileLimit == 0 {
		out.L0FileLimit = 4
	}
	if out.NumLevels == 0 {
		out.NumLevels = 7
	}
	if out.RestartInterval == 0 {
		out.RestartInterval = 16
	}
	if out.PGMEpsilon == 0 {
		out.PGMEpsilon = 32
	}
	if out.FileLRUCapacity == 0 {
		out.FileLRUCapacity = 64
	}
	if out.FileLRUCapacity < 4 {
		out.FileLRUCapacity = 4
	}
	if out.BlockCacheBytes == 0 {
		out.BlockCacheBytes = 64 << 20
	}
	if out.GCRewriteThreshold == 0 {
		out.GCRewriteThreshold = 0.5
	}
	if out.GCDropThreshold == 0 {
		out.GCDropThreshold = 0.1
	}
	if out.GCCompactInterval == 0 {
		out.GCCompactInterval = 256
	}
	return &out
}

// BlockSize returns the target block size for a given level, per spec.md
// §4.9 ("L0/L1 = 16 KiB, L2/L3 = 32 KiB, L4+ = 64 KiB").
func BlockSize(level int) int {
	switch {
	case level <= 1:
		return 16 << 10
	case level <= 3:
		return 32 << 10
	default:
		return 64 << 10
	}
}
