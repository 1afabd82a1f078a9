package sstable

import (
	"encoding/binary"
	"path/filepath"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/filter"
	"github.com/jdb-go/jdb/internal/pgm"
	"github.com/jdb-go/jdb/internal/vfs"
	"github.com/jdb-go/jdb/mem"
)

// Writer builds one immutable SSTable file (C10, spec.md §4.9): keys must
// be added in ascending order. It accumulates per-block first keys and
// filter hashes as it goes, then materializes the filter, first-key
// index, block-offset array and PGM index once the last key has been
// added.
type Writer struct {
	opts  *base.Options
	level int
	id    uint64
	path  string
	aw    *vfs.AtomicWriter

	bb        *BlockBuilder
	blockSize int

	dataOffset   uint32
	blockOffsets []uint32
	firstKeys    [][]byte
	filterHashes []uint64

	minKey, maxKey []byte
	itemCount      uint64
	maxVer         uint64
	rmedSize       uint64
}

// sstPath returns the on-disk path for the (possibly not-yet-committed)
// table id within dir's sst/ subdirectory.
func sstPath(dir string, id uint64) string {
	return filepath.Join(dir, "sst", base.EncodeID(id))
}

// FilePath is sstPath exported for packages that need to open or remove an
// already-known table by id without going through a Writer or Handle
// (package level's startup recovery, package compaction's commit path).
func FilePath(dir string, id uint64) string { return sstPath(dir, id) }

// NewWriter opens a new table builder. Callers must call either Finish or
// Abort exactly once.
func NewWriter(dir string, id uint64, level int, opts *base.Options) (*Writer, error) {
	opts = opts.WithDefaults()
	if err := vfs.MkdirAll(filepath.Join(dir, "sst")); err != nil {
		return nil, err
	}
	path := sstPath(dir, id)
	aw, err := vfs.CreateAtomic(path)
	if err != nil {
		return nil, err
	}
	return &Writer{
		opts:      opts,
		level:     level,
		id:        id,
		path:      path,
		aw:        aw,
		bb:        NewBlockBuilder(opts.RestartInterval),
		blockSize: base.BlockSize(level),
	}, nil
}

// Add appends one (key, Pos) entry. Keys must arrive in strictly
// ascending order; shadowed/duplicate keys must already have been
// resolved by the caller (the memtable or the merge stream).
func (w *Writer) Add(key []byte, pos base.Pos) error {
	if w.minKey == nil {
		w.minKey = append([]byte(nil), key...)
	}
	w.maxKey = append([]byte(nil), key...)
	if pos.Version > w.maxVer {
		w.maxVer = pos.Version
	}
	if pos.IsTombstone() {
		w.rmedSize += uint64(pos.Footprint(len(key)))
	}
	w.itemCount++
	w.filterHashes = append(w.filterHashes, filter.Hash64(key))

	if w.bb.Empty() {
		w.firstKeys = append(w.firstKeys, append([]byte(nil), key...))
	}
	w.bb.Add(key, pos)
	if w.bb.EstimatedSize() >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.bb.Empty() {
		return nil
	}
	encoded := w.bb.Finish()
	w.blockOffsets = append(w.blockOffsets, w.dataOffset)
	if _, err := w.aw.Write(encoded); err != nil {
		return err
	}
	w.dataOffset += uint32(len(encoded))
	return nil
}

// Finish flushes any pending block, writes the filter/index/footer
// regions, atomically publishes the file and returns its Meta.
func (w *Writer) Finish() (Meta, error) {
	if err := w.flushBlock(); err != nil {
		w.aw.Abort()
		return Meta{}, err
	}
	if len(w.blockOffsets) == 0 {
		w.aw.Abort()
		return Meta{}, base.NewError(base.KindInternal, "sstable writer %d: no entries added", w.id)
	}

	f := filter.Build(w.filterHashes)
	filterBytes := f.Encode()
	if _, err := w.aw.Write(filterBytes); err != nil {
		w.aw.Abort()
		return Meta{}, err
	}

	indexBytes := encodeFirstKeyIndex(w.firstKeys)
	if _, err := w.aw.Write(indexBytes); err != nil {
		w.aw.Abort()
		return Meta{}, err
	}

	offsetsBytes := make([]byte, 4*len(w.blockOffsets))
	for i, off := range w.blockOffsets {
		binary.LittleEndian.PutUint32(offsetsBytes[4*i:4*i+4], off)
	}
	if _, err := w.aw.Write(offsetsBytes); err != nil {
		w.aw.Abort()
		return Meta{}, err
	}

	prefixes := make([]uint64, len(w.firstKeys))
	for i, k := range w.firstKeys {
		prefixes[i] = keyPrefix64(k)
	}
	pgmIdx := pgm.Build(prefixes, w.opts.PGMEpsilon)
	pgmBytes := pgm.Encode(pgmIdx)
	if _, err := w.aw.Write(pgmBytes); err != nil {
		w.aw.Abort()
		return Meta{}, err
	}

	footer := Footer{
		FilterOffset: uint64(w.dataOffset),
		FilterSize:   uint32(len(filterBytes)),
		IndexSize:    uint32(len(indexBytes)),
		OffsetsSize:  uint32(len(offsetsBytes)),
		PgmSize:      uint32(len(pgmBytes)),
		BlockCount:   uint32(len(w.blockOffsets)),
		MaxVer:       w.maxVer,
		RmedSize:     w.rmedSize,
		PrefixLen:    0,
		Level:        uint8(w.level),
		Version:      FormatVersion,
	}
	if _, err := w.aw.Write(footer.Encode()); err != nil {
		w.aw.Abort()
		return Meta{}, err
	}
	if err := w.aw.Rename(); err != nil {
		return Meta{}, err
	}

	fileSize := uint64(w.dataOffset) + uint64(len(filterBytes)) + uint64(len(indexBytes)) +
		uint64(len(offsetsBytes)) + uint64(len(pgmBytes)) + uint64(FooterSize)
	return Meta{
		ID:        w.id,
		Level:     w.level,
		MinKey:    w.minKey,
		MaxKey:    w.maxKey,
		MaxVer:    w.maxVer,
		ItemCount: w.itemCount,
		FileSize:  fileSize,
		RmedSize:  w.rmedSize,
	}, nil
}

// Abort discards the in-progress file.
func (w *Writer) Abort() { w.aw.Abort() }

func encodeFirstKeyIndex(keys [][]byte) []byte {
	var out []byte
	var tmp [binary.MaxVarintLen64]byte
	for _, k := range keys {
		n := binary.PutUvarint(tmp[:], uint64(len(k)))
		out = append(out, tmp[:n]...)
		out = append(out, k...)
	}
	return out
}

// Builder adapts Writer to the mem.Flusher contract so the memtable's
// flush pipeline can hand a frozen Memtable straight to the SSTable writer
// without the mem package knowing anything about on-disk layout.
type Builder struct {
	dir        string
	opts       *base.Options
	ids        *base.IDGen
	level      int
	onComplete func(meta Meta, path string, m *mem.Memtable)
}

// NewBuilder constructs a Builder that always writes new tables at level
// (typically 0, for memtable flushes per spec.md §4.11), calling
// onComplete with the resulting Meta, file path and the flushed memtable
// once each flush commits. The memtable is passed back (rather than just
// its id) so a caller can read its Discards() for GC accounting and its
// ID() to resolve the WAL pointer that became safe to checkpoint now that
// every write it holds is durable in an SSTable (spec.md §4.13).
func NewBuilder(dir string, opts *base.Options, ids *base.IDGen, level int, onComplete func(meta Meta, path string, m *mem.Memtable)) *Builder {
	return &Builder{dir: dir, opts: opts, ids: ids, level: level, onComplete: onComplete}
}

// FlushMemtable implements mem.Flusher.
func (b *Builder) FlushMemtable(m *mem.Memtable) error {
	id := b.ids.Next()
	w, err := NewWriter(b.dir, id, b.level, b.opts)
	if err != nil {
		return err
	}
	var addErr error
	m.Ascend(nil, func(kv mem.KV) bool {
		if addErr = w.Add(kv.Key, kv.Pos); addErr != nil {
			return false
		}
		return true
	})
	if addErr != nil {
		w.Abort()
		return addErr
	}
	meta, err := w.Finish()
	if err != nil {
		return err
	}
	if b.onComplete != nil {
		b.onComplete(meta, sstPath(b.dir, id), m)
	}
	return nil
}
