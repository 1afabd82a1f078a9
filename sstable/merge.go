package sstable

import (
	"bytes"
	"container/heap"

	"github.com/jdb-go/jdb/internal/base"
)

// MergeSource is a forward-only source of (key, Pos) entries, ordered
// consistently with the Order passed to Merge. Memtables and SSTable
// readers are both adapted to this interface so the same merge routine
// drives both memtable flush (trivial, single source) and compaction
// (many sources), per spec.md §4.8.
type MergeSource interface {
	Next() (key []byte, pos base.Pos, ok bool, err error)
}

// sliceSource adapts an already-ordered, already-materialized slice of
// entries (typically a frozen Memtable's Ascend output) to MergeSource.
type sliceSource struct {
	entries []Entry
	i       int
}

// NewSliceSource wraps a pre-ordered slice of entries as a MergeSource.
func NewSliceSource(entries []Entry) MergeSource { return &sliceSource{entries: entries} }

func (s *sliceSource) Next() ([]byte, base.Pos, bool, error) {
	if s.i >= len(s.entries) {
		return nil, base.Pos{}, false, nil
	}
	e := s.entries[s.i]
	s.i++
	return e.Key, e.Pos, true, nil
}

// readerSource adapts an SSTable Reader to MergeSource, decoding one block
// at a time rather than the whole file up front.
type readerSource struct {
	r        *Reader
	blockIdx int
	buf      []Entry
	pos      int
}

// NewReaderSource wraps an open Reader as a MergeSource, streaming
// ascending order.
func NewReaderSource(r *Reader) MergeSource { return &readerSource{r: r} }

// NewReaderSourceFrom wraps r as a MergeSource beginning at the first
// block that could hold start (or the first block, if start is nil),
// letting a bounded range scan skip every block strictly below its lower
// bound instead of decoding the table from its front.
func NewReaderSourceFrom(r *Reader, start []byte) MergeSource {
	idx := 0
	if start != nil {
		if i := r.blockFor(start); i >= 0 {
			idx = i
		}
	}
	return &readerSource{r: r, blockIdx: idx}
}

func (s *readerSource) Next() ([]byte, base.Pos, bool, error) {
	for s.pos >= len(s.buf) {
		if s.blockIdx >= len(s.r.blockOffsets) {
			return nil, base.Pos{}, false, nil
		}
		bl, err := s.r.readBlock(s.blockIdx)
		if err != nil {
			return nil, base.Pos{}, false, err
		}
		s.buf = s.buf[:0]
		bl.scanFrom(0, func(e blockEntry) bool {
			s.buf = append(s.buf, Entry{Key: e.key, Pos: e.pos})
			return true
		})
		s.pos = 0
		s.blockIdx++
	}
	e := s.buf[s.pos]
	s.pos++
	return e.Key, e.Pos, true, nil
}

// mergeItem is one source's current head entry, sitting in the heap.
type mergeItem struct {
	key  []byte
	pos  base.Pos
	src  MergeSource
	rank int // source's precedence; lower rank wins ties on equal keys
}

type mergeHeap struct {
	items []*mergeItem
	order base.Order
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if !bytes.Equal(a.key, b.key) {
		return h.order.Less(a.key, b.key)
	}
	return a.rank < b.rank
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(*mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}

// Merge performs an N-way merge of sources (rank 0 = highest precedence,
// typically the active memtable or the newest table; precedence follows
// Meta.Less, spec.md §3) in the given direction. visit is called once per
// distinct key with the winning entry; onDiscard is called for every
// shadowed entry a lower-precedence source held for that key, letting the
// compactor feed exact discard/GC accounting (spec.md §4.12). Stops early
// if visit returns false.
func Merge(sources []MergeSource, ord base.Order, visit func(Entry) bool, onDiscard func(Entry)) error {
	h := &mergeHeap{order: ord}
	heap.Init(h)
	for rank, src := range sources {
		key, pos, ok, err := src.Next()
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, &mergeItem{key: key, pos: pos, src: src, rank: rank})
		}
	}
	for h.Len() > 0 {
		top := heap.Pop(h).(*mergeItem)
		winner := Entry{Key: top.key, Pos: top.pos}
		if err := advanceAndRepush(h, top); err != nil {
			return err
		}
		for h.Len() > 0 && bytes.Equal(h.items[0].key, winner.Key) {
			shadow := heap.Pop(h).(*mergeItem)
			if onDiscard != nil {
				onDiscard(Entry{Key: shadow.key, Pos: shadow.pos})
			}
			if err := advanceAndRepush(h, shadow); err != nil {
				return err
			}
		}
		if !visit(winner) {
			return nil
		}
	}
	return nil
}

func advanceAndRepush(h *mergeHeap, it *mergeItem) error {
	key, pos, ok, err := it.src.Next()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	it.key, it.pos = key, pos
	heap.Push(h, it)
	return nil
}
