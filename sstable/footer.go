package sstable

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/jdb-go/jdb/internal/base"
)

// FormatVersion is the on-disk SSTable format version written into the
// footer (spec.md §6).
const FormatVersion uint8 = 1

// FooterSize is the fixed trailer size at the end of every SSTable file,
// laid out per spec.md §6:
//
//	filter_offset  u64
//	filter_size    u32
//	index_size     u32
//	offsets_size   u32
//	pgm_size       u32
//	block_count    u32
//	max_ver        u64
//	rmed_size      u64
//	prefix_len     u32
//	level          u8
//	version        u8
//	_pad           u16
//	checksum       u32
const FooterSize = 8 + 4 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 1 + 1 + 2 + 4

// Footer is the decoded fixed-size trailer of an SSTable file. All offsets
// are relative to the start of the file.
type Footer struct {
	FilterOffset uint64
	FilterSize   uint32
	IndexSize    uint32
	OffsetsSize  uint32
	PgmSize      uint32
	BlockCount   uint32
	MaxVer       uint64
	RmedSize     uint64
	PrefixLen    uint32
	Level        uint8
	Version      uint8
}

// Encode serializes f, computing the trailing CRC32 over every preceding
// footer field.
func (f Footer) Encode() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.FilterOffset)
	binary.LittleEndian.PutUint32(buf[8:12], f.FilterSize)
	binary.LittleEndian.PutUint32(buf[12:16], f.IndexSize)
	binary.LittleEndian.PutUint32(buf[16:20], f.OffsetsSize)
	binary.LittleEndian.PutUint32(buf[20:24], f.PgmSize)
	binary.LittleEndian.PutUint32(buf[24:28], f.BlockCount)
	binary.LittleEndian.PutUint64(buf[28:36], f.MaxVer)
	binary.LittleEndian.PutUint64(buf[36:44], f.RmedSize)
	binary.LittleEndian.PutUint32(buf[44:48], f.PrefixLen)
	buf[48] = f.Level
	buf[49] = f.Version
	buf[50], buf[51] = 0, 0
	checksum := crc32.ChecksumIEEE(buf[:52])
	binary.LittleEndian.PutUint32(buf[52:56], checksum)
	return buf
}

// DecodeFooter parses and verifies a FooterSize-byte trailer.
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterSize {
		return Footer{}, base.ErrCorruption("sstable footer has wrong length %d", len(buf))
	}
	want := binary.LittleEndian.Uint32(buf[52:56])
	got := crc32.ChecksumIEEE(buf[:52])
	if want != got {
		return Footer{}, base.ErrCorruption("sstable footer checksum mismatch")
	}
	version := buf[49]
	if version != FormatVersion {
		return Footer{}, base.ErrCorruption("sstable footer has unsupported version %d", version)
	}
	return Footer{
		FilterOffset: binary.LittleEndian.Uint64(buf[0:8]),
		FilterSize:   binary.LittleEndian.Uint32(buf[8:12]),
		IndexSize:    binary.LittleEndian.Uint32(buf[12:16]),
		OffsetsSize:  binary.LittleEndian.Uint32(buf[16:20]),
		PgmSize:      binary.LittleEndian.Uint32(buf[20:24]),
		BlockCount:   binary.LittleEndian.Uint32(buf[24:28]),
		MaxVer:       binary.LittleEndian.Uint64(buf[28:36]),
		RmedSize:     binary.LittleEndian.Uint64(buf[36:44]),
		PrefixLen:    binary.LittleEndian.Uint32(buf[44:48]),
		Level:        buf[48],
		Version:      version,
	}, nil
}
