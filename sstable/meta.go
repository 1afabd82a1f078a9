// Package sstable implements the block-oriented, prefix-compressed,
// filter+PGM-indexed immutable file format (C10 writer, C11 reader) and
// its in-memory Meta bookkeeping (spec.md §3, §4.9, §4.10).
package sstable

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Meta describes one SSTable file without holding it open (spec.md §3
// "SSTable Meta"). Ordering is (level asc, max_ver desc, id desc), giving
// newer-wins precedence on identical keys during merge.
type Meta struct {
	ID        uint64
	Level     int
	MinKey    []byte
	MaxKey    []byte
	MaxVer    uint64
	ItemCount uint64
	FileSize  uint64
	RmedSize  uint64 // sum of tombstoned-entry physical footprint
}

// Less implements the canonical ordering from spec.md §3.
func Less(a, b Meta) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	if a.MaxVer != b.MaxVer {
		return a.MaxVer > b.MaxVer
	}
	return a.ID > b.ID
}

// Overlaps reports whether [start, end] (inclusive) intersects
// [m.MinKey, m.MaxKey].
func (m Meta) Overlaps(start, end []byte) bool {
	if start != nil && bytes.Compare(m.MaxKey, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(m.MinKey, end) > 0 {
		return false
	}
	return true
}

// CompensatedSize is RocksDB-style tombstone-inflated size used by the
// level manager's compaction score (spec.md §4.11).
func (m Meta) CompensatedSize() uint64 {
	return m.FileSize + m.RmedSize
}

// Handle is a reference-counted owner of an open Meta, matching spec.md
// §3's "shared reference with a 'remove on last drop' flag so that a
// compaction victim whose queries are still in flight is deleted only
// when idle." Readers Acquire a Handle before querying a table and
// Release it when done; the level manager calls MarkRemoved once the
// table is no longer part of any level, and the underlying file and
// cache entries are only cleaned up once both conditions hold.
type Handle struct {
	Meta Meta
	path string

	mu      sync.Mutex
	refs    int32
	removed bool
	onIdle  func(Meta, string) // called once removed && refs == 0
}

// NewHandle wraps meta with an initial reference count of 1 (the level
// manager's own membership reference); callers reading the table take an
// additional reference via Acquire.
func NewHandle(meta Meta, path string, onIdle func(Meta, string)) *Handle {
	return &Handle{Meta: meta, path: path, refs: 1, onIdle: onIdle}
}

// Acquire increments the reference count; callers must Release exactly
// once per Acquire.
func (h *Handle) Acquire() {
	atomic.AddInt32(&h.refs, 1)
}

// Release decrements the reference count, invoking onIdle if this was the
// last reference and the handle had already been marked removed.
func (h *Handle) Release() {
	if atomic.AddInt32(&h.refs, -1) != 0 {
		return
	}
	h.mu.Lock()
	removed := h.removed
	h.mu.Unlock()
	if removed && h.onIdle != nil {
		h.onIdle(h.Meta, h.path)
	}
}

// MarkRemoved drops the level manager's own membership reference and
// flags the handle for deletion once idle.
func (h *Handle) MarkRemoved() {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
	h.Release()
}

// Path returns the handle's backing file path.
func (h *Handle) Path() string { return h.path }
