package base

import "encoding/binary"

// PosSize is the fixed on-disk/in-memory size of a Pos, per spec.md §3
// ("Position (Pos, 32 bytes)").
const PosSize = 32

// EntryOverhead approximates the bookkeeping cost of one memtable/filter
// entry beyond its key bytes and Pos, per spec.md §4.7
// ("key_len + Pos::SIZE + entry_overhead (≈ 32 B)").
const EntryOverhead = 32

// Pos is a stable reference to a value produced by the WAL. It never
// contains the value bytes itself; Version orders writes (and, via its
// wall-clock prefix, roughly orders them in time), WalID+OffsetOrFileID
// locate the value, Len is its encoded length, and Flag records how it is
// stored and compressed.
type Pos struct {
	Version        uint64
	WalID          uint64
	OffsetOrFileID uint64
	Len            uint32
	Flag           Flag
}

// NewPos constructs a Pos.
func NewPos(version uint64, flag Flag, walID, offsetOrFileID uint64, length uint32) Pos {
	return Pos{Version: version, WalID: walID, OffsetOrFileID: offsetOrFileID, Len: length, Flag: flag}
}

// Tombstone returns a copy of p marked as deleted, preserving the storage
// location so GC can still reclaim it (spec.md §3).
func (p Pos) Tombstone() Pos {
	p.Flag = p.Flag.Tombstone()
	return p
}

// Storage returns the flag with the tombstone bit cleared.
func (p Pos) Storage() Flag { return p.Flag.Storage() }

func (p Pos) IsTombstone() bool { return p.Flag.IsTombstone() }
func (p Pos) IsInline() bool    { return p.Flag.IsInline() }
func (p Pos) IsExternal() bool  { return p.Flag.IsExternal() }

// Offset is the byte offset of the record head within WalID's file, valid
// when IsInline().
func (p Pos) Offset() uint64 { return p.OffsetOrFileID }

// FileID is the id of the companion blob file under bin/, valid when
// IsExternal().
func (p Pos) FileID() uint64 { return p.OffsetOrFileID }

// Footprint is the physical accounting unit used by discard/GC bookkeeping
// (spec.md §4.12: "(pos.wal_id, pos.len + key.len + overhead)").
func (p Pos) Footprint(keyLen int) uint32 {
	return p.Len + uint32(keyLen) + EntryOverhead
}

// Encode writes the 32-byte wire form of p into buf, which must be at
// least PosSize bytes.
func (p Pos) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], p.Version)
	binary.LittleEndian.PutUint64(buf[8:16], p.WalID)
	binary.LittleEndian.PutUint64(buf[16:24], p.OffsetOrFileID)
	binary.LittleEndian.PutUint32(buf[24:28], p.Len)
	buf[28] = byte(p.Flag)
	buf[29], buf[30], buf[31] = 0, 0, 0
}

// DecodePos reads a Pos from its 32-byte wire form.
func DecodePos(buf []byte) Pos {
	return Pos{
		Version:        binary.LittleEndian.Uint64(buf[0:8]),
		WalID:          binary.LittleEndian.Uint64(buf[8:16]),
		OffsetOrFileID: binary.LittleEndian.Uint64(buf[16:24]),
		Len:            binary.LittleEndian.Uint32(buf[24:28]),
		Flag:           Flag(buf[28]),
	}
}
