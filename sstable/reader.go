package sstable

import (
	"encoding/binary"
	"os"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/cache"
	"github.com/jdb-go/jdb/internal/filter"
	"github.com/jdb-go/jdb/internal/pgm"
	"github.com/jdb-go/jdb/internal/vfs"
)

// Reader opens a finished SSTable file for point lookups and range scans
// (C11, spec.md §4.10). Metadata regions (filter, first-key index, block
// offsets, PGM index) are loaded eagerly at Open; data blocks are read
// lazily and routed through a shared BlockCache.
//
// Block reads go through the regular buffered file path rather than the
// Direct-I/O helpers in internal/vfs: blocks are variable-length and
// start at arbitrary (non page-aligned) offsets within the file, so the
// page-alignment contract CheckAligned/AlignedBuffer exists to enforce
// does not hold here without padding every block up to a page, which would
// multiply the file size. The WAL segment and blob paths use regular file
// handles as well; nothing in the module calls OpenForDirectRead.
type Reader struct {
	f    *os.File
	meta Meta
	path string

	firstKeys    [][]byte
	blockOffsets []uint32
	dataEnd      uint32
	filterTbl    *filter.Filter
	pgmIdx       *pgm.Index

	cache *cache.BlockCache
}

// Open loads footer + metadata regions for the table at path and returns
// a Reader over it. meta is the already-known Meta for this file (from
// the level manager or a just-finished Writer), avoiding a second parse
// of data the caller already has.
func Open(path string, meta Meta, blockCache *cache.BlockCache) (*Reader, error) {
	f, err := vfs.OpenRead(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, base.WrapError(base.KindIO, err, "stat %s", path)
	}
	size := stat.Size()
	if size < int64(FooterSize) {
		f.Close()
		return nil, base.ErrCorruption("sstable %s shorter than its footer", path)
	}

	footerBuf := make([]byte, FooterSize)
	if err := vfs.ReadAt(f, footerBuf, size-int64(FooterSize)); err != nil {
		f.Close()
		return nil, err
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	filterBuf := make([]byte, footer.FilterSize)
	if err := vfs.ReadAt(f, filterBuf, int64(footer.FilterOffset)); err != nil {
		f.Close()
		return nil, err
	}
	indexOffset := int64(footer.FilterOffset) + int64(footer.FilterSize)
	indexBuf := make([]byte, footer.IndexSize)
	if err := vfs.ReadAt(f, indexBuf, indexOffset); err != nil {
		f.Close()
		return nil, err
	}
	offsetsOffset := indexOffset + int64(footer.IndexSize)
	offsetsBuf := make([]byte, footer.OffsetsSize)
	if err := vfs.ReadAt(f, offsetsBuf, offsetsOffset); err != nil {
		f.Close()
		return nil, err
	}
	pgmOffset := offsetsOffset + int64(footer.OffsetsSize)
	pgmBuf := make([]byte, footer.PgmSize)
	if err := vfs.ReadAt(f, pgmBuf, pgmOffset); err != nil {
		f.Close()
		return nil, err
	}

	firstKeys, err := decodeFirstKeyIndex(indexBuf, int(footer.BlockCount))
	if err != nil {
		f.Close()
		return nil, err
	}
	blockOffsets := make([]uint32, footer.BlockCount)
	for i := range blockOffsets {
		blockOffsets[i] = binary.LittleEndian.Uint32(offsetsBuf[4*i : 4*i+4])
	}

	r := &Reader{
		f:            f,
		meta:         meta,
		path:         path,
		firstKeys:    firstKeys,
		blockOffsets: blockOffsets,
		dataEnd:      footer.FilterOffset,
		filterTbl:    filter.Decode(filterBuf),
		pgmIdx:       pgm.Decode(pgmBuf),
		cache:        blockCache,
	}
	return r, nil
}

func decodeFirstKeyIndex(buf []byte, count int) ([][]byte, error) {
	out := make([][]byte, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		n, k := readUvarintAt(buf, off)
		if k < 0 {
			return nil, base.ErrCorruption("sstable first-key index truncated")
		}
		off = k
		if off+int(n) > len(buf) {
			return nil, base.ErrCorruption("sstable first-key index truncated")
		}
		out = append(out, buf[off:off+int(n)])
		off += int(n)
	}
	return out, nil
}

func readUvarintAt(buf []byte, off int) (uint64, int) {
	v, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return 0, -1
	}
	return v, off + n
}

// Recover reconstructs a table's full Meta by reading its own index and
// data blocks, for startup recovery: the checkpoint log persists only
// sst_id -> level (spec.md §4.13), not the MinKey/MaxKey/ItemCount/
// FileSize a normal Open needs handed to it, so recovery derives them
// straight from the file instead of trusting any side-channel record.
func Recover(dir string, id uint64, blockCache *cache.BlockCache) (*Reader, Meta, error) {
	path := FilePath(dir, id)
	f, err := vfs.OpenRead(path)
	if err != nil {
		return nil, Meta{}, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Meta{}, base.WrapError(base.KindIO, err, "stat %s", path)
	}
	size := stat.Size()
	if size < int64(FooterSize) {
		f.Close()
		return nil, Meta{}, base.ErrCorruption("sstable %s shorter than its footer", path)
	}

	footerBuf := make([]byte, FooterSize)
	if err := vfs.ReadAt(f, footerBuf, size-int64(FooterSize)); err != nil {
		f.Close()
		return nil, Meta{}, err
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, Meta{}, err
	}

	filterBuf := make([]byte, footer.FilterSize)
	if err := vfs.ReadAt(f, filterBuf, int64(footer.FilterOffset)); err != nil {
		f.Close()
		return nil, Meta{}, err
	}
	indexOffset := int64(footer.FilterOffset) + int64(footer.FilterSize)
	indexBuf := make([]byte, footer.IndexSize)
	if err := vfs.ReadAt(f, indexBuf, indexOffset); err != nil {
		f.Close()
		return nil, Meta{}, err
	}
	offsetsOffset := indexOffset + int64(footer.IndexSize)
	offsetsBuf := make([]byte, footer.OffsetsSize)
	if err := vfs.ReadAt(f, offsetsBuf, offsetsOffset); err != nil {
		f.Close()
		return nil, Meta{}, err
	}
	pgmOffset := offsetsOffset + int64(footer.OffsetsSize)
	pgmBuf := make([]byte, footer.PgmSize)
	if err := vfs.ReadAt(f, pgmBuf, pgmOffset); err != nil {
		f.Close()
		return nil, Meta{}, err
	}

	firstKeys, err := decodeFirstKeyIndex(indexBuf, int(footer.BlockCount))
	if err != nil {
		f.Close()
		return nil, Meta{}, err
	}
	blockOffsets := make([]uint32, footer.BlockCount)
	for i := range blockOffsets {
		blockOffsets[i] = binary.LittleEndian.Uint32(offsetsBuf[4*i : 4*i+4])
	}

	r := &Reader{
		f:            f,
		path:         path,
		firstKeys:    firstKeys,
		blockOffsets: blockOffsets,
		dataEnd:      footer.FilterOffset,
		filterTbl:    filter.Decode(filterBuf),
		pgmIdx:       pgm.Decode(pgmBuf),
		cache:        blockCache,
	}

	var itemCount uint64
	var maxKey []byte
	for i := range blockOffsets {
		bl, err := r.readBlock(i)
		if err != nil {
			f.Close()
			return nil, Meta{}, err
		}
		itemCount += uint64(bl.itemCount)
		bl.scanFrom(0, func(e blockEntry) bool {
			maxKey = append(maxKey[:0:0], e.key...)
			return true
		})
	}
	var minKey []byte
	if len(firstKeys) > 0 {
		minKey = firstKeys[0]
	}

	meta := Meta{
		ID:        id,
		Level:     int(footer.Level),
		MinKey:    minKey,
		MaxKey:    maxKey,
		MaxVer:    footer.MaxVer,
		ItemCount: itemCount,
		FileSize:  uint64(size),
		RmedSize:  footer.RmedSize,
	}
	r.meta = meta
	return r, meta, nil
}

// Meta returns the table's metadata.
func (r *Reader) Meta() Meta { return r.meta }

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// blockBounds returns [start, end) within the data region for block i.
func (r *Reader) blockBounds(i int) (int64, int64) {
	start := int64(r.blockOffsets[i])
	end := int64(r.dataEnd)
	if i+1 < len(r.blockOffsets) {
		end = int64(r.blockOffsets[i+1])
	}
	return start, end
}

func (r *Reader) readBlock(i int) (*block, error) {
	key := cache.BlockKey{FileID: r.meta.ID, Block: uint32(i)}
	if r.cache != nil {
		if data, ok := r.cache.Get(key); ok {
			return decodeBlock(data)
		}
	}
	start, end := r.blockBounds(i)
	buf := make([]byte, end-start)
	if err := vfs.ReadAt(r.f, buf, start); err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(key, buf)
	}
	return decodeBlock(buf)
}

// candidateRange returns the [lo, hi] block-index range to search for key,
// combining the PGM prediction over firstKeys with a first-key binary
// search fallback for correctness at the boundaries the learned index
// might miss.
func (r *Reader) candidateRange(key []byte) (int, int) {
	lo, hi := r.pgmIdx.Predict(keyPrefix64(key))
	if hi >= len(r.firstKeys) {
		hi = len(r.firstKeys) - 1
	}
	if lo < 0 {
		lo = 0
	}
	return lo, hi
}

// blockFor returns the index of the last block whose first key is <= key,
// or -1 if key is smaller than every block's first key.
func (r *Reader) blockFor(key []byte) int {
	lo, hi := r.candidateRange(key)
	// Widen defensively to the full range if the learned index's window
	// doesn't already bracket the true answer (possible after updates to
	// segments near file boundaries).
	if lo > 0 && base.Compare(r.firstKeys[lo], key) > 0 {
		lo = 0
	}
	if hi < len(r.firstKeys)-1 && base.Compare(r.firstKeys[hi], key) < 0 {
		hi = len(r.firstKeys) - 1
	}
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if base.Compare(r.firstKeys[mid], key) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// Get looks up key, returning its Pos if present within this table.
func (r *Reader) Get(key []byte) (base.Pos, bool, error) {
	if base.Compare(key, r.meta.MinKey) < 0 || base.Compare(key, r.meta.MaxKey) > 0 {
		return base.Pos{}, false, nil
	}
	if !r.filterTbl.Contains(filter.Hash64(key)) {
		return base.Pos{}, false, nil
	}
	idx := r.blockFor(key)
	if idx < 0 {
		return base.Pos{}, false, nil
	}
	bl, err := r.readBlock(idx)
	if err != nil {
		return base.Pos{}, false, err
	}
	pos, ok := bl.Get(key)
	return pos, ok, nil
}

// Entry is one decoded (key, Pos) pair produced by a range scan.
type Entry struct {
	Key []byte
	Pos base.Pos
}

// Ascend streams every entry with key >= start (or from the first entry
// if start is nil) in ascending order, until visit returns false.
func (r *Reader) Ascend(start []byte, visit func(Entry) bool) error {
	begin := 0
	if start != nil {
		if idx := r.blockFor(start); idx >= 0 {
			begin = idx
		}
	}
	for i := begin; i < len(r.blockOffsets); i++ {
		bl, err := r.readBlock(i)
		if err != nil {
			return err
		}
		cont := true
		bl.scanFrom(0, func(e blockEntry) bool {
			if start != nil && base.Compare(e.key, start) < 0 {
				return true
			}
			if !visit(Entry{Key: e.key, Pos: e.pos}) {
				cont = false
				return false
			}
			return true
		})
		if !cont {
			return nil
		}
	}
	return nil
}

// Descend streams every entry with key <= start (or from the last entry
// if start is nil) in descending order, until visit returns false.
func (r *Reader) Descend(start []byte, visit func(Entry) bool) error {
	end := len(r.blockOffsets) - 1
	if start != nil {
		if idx := r.blockFor(start); idx >= 0 {
			end = idx
		} else {
			return nil
		}
	}
	for i := end; i >= 0; i-- {
		bl, err := r.readBlock(i)
		if err != nil {
			return err
		}
		var entries []blockEntry
		bl.scanFrom(0, func(e blockEntry) bool {
			entries = append(entries, e)
			return true
		})
		cont := true
		for j := len(entries) - 1; j >= 0; j-- {
			e := entries[j]
			if start != nil && base.Compare(e.key, start) > 0 {
				continue
			}
			if !visit(Entry{Key: e.key, Pos: e.pos}) {
				cont = false
				break
			}
		}
		if !cont {
			return nil
		}
	}
	return nil
}
