package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/jdb-go/jdb/internal/base"
)

// blockFixedTrailerSize is the fixed-size trailer at the end of every block:
// restartCount offsets (4 bytes each) are variable-length and precede
// this fixed part.
const blockFixedTrailerSize = 12 // restartCount(4) | restartInterval(4) | itemCount(4)

// BlockBuilder accumulates entries into one data block using two-level
// prefix compression (spec.md §4.9): a block-wide common prefix of the
// first and last key, then per-restart-interval delta encoding within
// that prefix-stripped suffix.
type BlockBuilder struct {
	restartInterval int

	keys      [][]byte
	positions []base.Pos
	size      int // running estimate: Σ key_len + entries·Pos::SIZE + overhead
}

const perEntryOverhead = 8 // length fields; see EstimatedSize

func NewBlockBuilder(restartInterval int) *BlockBuilder {
	return &BlockBuilder{restartInterval: restartInterval}
}

// Add appends one entry. Keys must be added in ascending order.
func (b *BlockBuilder) Add(key []byte, pos base.Pos) {
	k := append([]byte(nil), key...)
	b.keys = append(b.keys, k)
	b.positions = append(b.positions, pos)
	b.size += len(k) + base.PosSize + perEntryOverhead
}

// EstimatedSize returns the running size estimate used to decide when to
// flush the block (spec.md §4.9: "Flush block when size crosses the
// level's block_size").
func (b *BlockBuilder) EstimatedSize() int { return b.size }

// Empty reports whether any entries have been added.
func (b *BlockBuilder) Empty() bool { return len(b.keys) == 0 }

// FirstKey returns the first key added to the block, or nil if empty.
func (b *BlockBuilder) FirstKey() []byte {
	if len(b.keys) == 0 {
		return nil
	}
	return b.keys[0]
}

// Finish encodes the accumulated entries into the on-disk block format
// and resets the builder for reuse.
func (b *BlockBuilder) Finish() []byte {
	if len(b.keys) == 0 {
		return nil
	}
	prefix := commonPrefix(b.keys[0], b.keys[len(b.keys)-1])
	prefixLen := len(prefix)

	var body bytes.Buffer
	var restarts []uint32
	var prevSuffix []byte
	for i, key := range b.keys {
		suffix := key[prefixLen:]
		offset := uint32(body.Len())
		if i%b.restartInterval == 0 {
			restarts = append(restarts, offset)
			writeUvarint(&body, uint64(len(suffix)))
			body.Write(suffix)
		} else {
			shared := sharedLen(prevSuffix, suffix)
			writeUvarint(&body, uint64(shared))
			writeUvarint(&body, uint64(len(suffix)-shared))
			body.Write(suffix[shared:])
		}
		var posBuf [base.PosSize]byte
		b.positions[i].Encode(posBuf[:])
		body.Write(posBuf[:])
		prevSuffix = suffix
	}

	var out bytes.Buffer
	writeUvarint(&out, uint64(prefixLen))
	out.Write(prefix)
	out.Write(body.Bytes())
	for _, off := range restarts {
		var b4 [4]byte
		binary.LittleEndian.PutUint32(b4[:], off)
		out.Write(b4[:])
	}
	var trailer [blockFixedTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(len(restarts)))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(b.restartInterval))
	binary.LittleEndian.PutUint32(trailer[8:12], uint32(len(b.keys)))
	out.Write(trailer[:])

	b.keys = nil
	b.positions = nil
	b.size = 0
	return out.Bytes()
}

func commonPrefix(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

func sharedLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// block is a decoded, immutable data block ready for point lookup or
// sequential scan (spec.md §4.10 step 5).
type block struct {
	prefix          []byte
	body            []byte // entries region only
	restarts        []uint32
	restartInterval int
	itemCount       int
}

func decodeBlock(raw []byte) (*block, error) {
	if len(raw) < blockFixedTrailerSize {
		return nil, base.ErrCorruption("sstable block shorter than its trailer")
	}
	trailer := raw[len(raw)-blockFixedTrailerSize:]
	restartCount := int(binary.LittleEndian.Uint32(trailer[0:4]))
	restartInterval := int(binary.LittleEndian.Uint32(trailer[4:8]))
	itemCount := int(binary.LittleEndian.Uint32(trailer[8:12]))

	restartsEnd := len(raw) - blockFixedTrailerSize
	restartsStart := restartsEnd - 4*restartCount
	if restartsStart < 0 {
		return nil, base.ErrCorruption("sstable block restart array out of range")
	}
	restarts := make([]uint32, restartCount)
	for i := 0; i < restartCount; i++ {
		restarts[i] = binary.LittleEndian.Uint32(raw[restartsStart+4*i : restartsStart+4*i+4])
	}

	buf := bytes.NewReader(raw[:restartsStart])
	prefixLen, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, base.ErrCorruption("sstable block: bad prefix length")
	}
	prefixStart := len(raw[:restartsStart]) - buf.Len()
	prefix := raw[prefixStart : prefixStart+int(prefixLen)]
	bodyStart := prefixStart + int(prefixLen)

	return &block{
		prefix:          prefix,
		body:            raw[bodyStart:restartsStart],
		restarts:        restarts,
		restartInterval: restartInterval,
		itemCount:       itemCount,
	}, nil
}

// blockEntry is one decoded (key, Pos) pair produced while scanning a
// block.
type blockEntry struct {
	key []byte
	pos base.Pos
}

// scanFrom decodes entries starting at restart index restartIdx through
// the end of the block, calling visit for each until it returns false.
func (bl *block) scanFrom(restartIdx int, visit func(blockEntry) bool) {
	if restartIdx < 0 || restartIdx >= len(bl.restarts) {
		return
	}
	off := int(bl.restarts[restartIdx])
	r := bytes.NewReader(bl.body[off:])
	var full []byte
	i := restartIdx * bl.restartInterval
	for i < bl.itemCount && r.Len() > 0 {
		isRestart := i%bl.restartInterval == 0
		var suffix []byte
		if isRestart {
			n, _ := binary.ReadUvarint(r)
			suffix = readN(r, int(n))
			full = append(append([]byte(nil), bl.prefix...), suffix...)
		} else {
			shared, _ := binary.ReadUvarint(r)
			unshared, _ := binary.ReadUvarint(r)
			tail := readN(r, int(unshared))
			newFull := make([]byte, 0, len(bl.prefix)+int(shared)+int(unshared))
			prevSuffix := full[len(bl.prefix):]
			newFull = append(newFull, bl.prefix...)
			newFull = append(newFull, prevSuffix[:shared]...)
			newFull = append(newFull, tail...)
			full = newFull
		}
		var posBuf [base.PosSize]byte
		r.Read(posBuf[:])
		pos := base.DecodePos(posBuf[:])
		if !visit(blockEntry{key: full, pos: pos}) {
			return
		}
		i++
	}
}

func readN(r *bytes.Reader, n int) []byte {
	buf := make([]byte, n)
	r.Read(buf)
	return buf
}

// restartKey decodes just the key stored at a restart point, for binary
// search over restart points without a full block scan.
func (bl *block) restartKey(restartIdx int) []byte {
	off := int(bl.restarts[restartIdx])
	r := bytes.NewReader(bl.body[off:])
	n, _ := binary.ReadUvarint(r)
	suffix := readN(r, int(n))
	return append(append([]byte(nil), bl.prefix...), suffix...)
}

// Get looks up key within the block, returning its Pos if present.
func (bl *block) Get(key []byte) (base.Pos, bool) {
	// Binary search restart points for the last one with key <= query.
	lo, hi := 0, len(bl.restarts)-1
	chosen := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if base.Compare(bl.restartKey(mid), key) <= 0 {
			chosen = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	var found base.Pos
	ok := false
	bl.scanFrom(chosen, func(e blockEntry) bool {
		cmp := base.Compare(e.key, key)
		if cmp == 0 {
			found, ok = e.pos, true
			return false
		}
		return cmp < 0
	})
	return found, ok
}
