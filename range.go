package jdb

import (
	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/level"
	"github.com/jdb-go/jdb/mem"
	"github.com/jdb-go/jdb/sstable"
)

// Pair is one key/value result produced by an Iterator (spec.md §4.15
// "range(start, end) → stream of (key, value)").
type Pair struct {
	Key   []byte
	Value []byte
}

// Iterator streams the live key/value pairs in [start, end) in ascending
// order. A range scan resolves the merged key set eagerly (every source it
// reads from is a live, reference-counted snapshot, so holding it open for
// the scan's duration is cheap) but defers reading each value's bytes until
// Next is called, so a caller that stops early never pays for values it
// never asked for.
type Iterator struct {
	db      *Db
	entries []sstable.Entry
	idx     int
}

// Range returns an Iterator over every live key k with start <= k < end. A
// nil start begins at the smallest key; a nil end has no upper bound.
func (db *Db) Range(start, end []byte) (*Iterator, error) {
	var sources []sstable.MergeSource

	for _, mt := range db.mems.Tables() {
		var entries []sstable.Entry
		mt.Ascend(start, func(kv mem.KV) bool {
			if end != nil && base.Compare(kv.Key, end) >= 0 {
				return false
			}
			entries = append(entries, sstable.Entry{Key: kv.Key, Pos: kv.Pos})
			return true
		})
		sources = append(sources, sstable.NewSliceSource(entries))
	}

	snap := db.mgr.Snapshot()
	defer snap.Release()

	for i := len(snap.Tables[0]) - 1; i >= 0; i-- {
		h := snap.Tables[0][i]
		if !h.Meta.Overlaps(start, end) {
			continue
		}
		r, err := db.readers.get(h, db.blockCache)
		if err != nil {
			return nil, err
		}
		sources = append(sources, sstable.NewReaderSourceFrom(r, start))
	}
	for lvl := 1; lvl < level.NumLevels; lvl++ {
		for _, h := range db.mgr.Overlap(lvl, start, end) {
			r, err := db.readers.get(h, db.blockCache)
			if err != nil {
				return nil, err
			}
			sources = append(sources, sstable.NewReaderSourceFrom(r, start))
		}
	}

	var out []sstable.Entry
	visit := func(e sstable.Entry) bool {
		if end != nil && base.Compare(e.Key, end) >= 0 {
			return false
		}
		if !e.Pos.IsTombstone() {
			out = append(out, e)
		}
		return true
	}
	if err := sstable.Merge(sources, base.Asc, visit, nil); err != nil {
		return nil, err
	}

	return &Iterator{db: db, entries: out}, nil
}

// Next returns the next live pair, or ok=false once the range is exhausted.
func (it *Iterator) Next() (Pair, bool, error) {
	if it.idx >= len(it.entries) {
		return Pair{}, false, nil
	}
	e := it.entries[it.idx]
	it.idx++
	value, err := it.db.readValue(e.Pos)
	if err != nil {
		return Pair{}, false, err
	}
	return Pair{Key: e.Key, Value: value}, true, nil
}
