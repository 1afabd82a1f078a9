// Package wal implements the append-only, value-separating write-ahead log
// (C8, spec.md §4.6). Records are framed as
// magic(4) | head(128, fixed) | key | [inline value] | crc32(4)
// where head carries the fields named in spec.md §3 ("Record Head") padded
// to a round size, in the same spirit as original_source/jdb_layout's
// fixed, padded page/blob headers.
package wal

import (
	"encoding/binary"

	"github.com/jdb-go/jdb/internal/base"
)

// Magic is the 4-byte pattern that opens every WAL record (§6:
// "magic(0xED_ED_ED_ED)"). Four repeated bytes make the fast resync scan
// described in §4.3 cheap: bytes.IndexByte on a single repeated byte value,
// followed by a 4-byte confirmation.
var Magic = [4]byte{0xED, 0xED, 0xED, 0xED}

// HeadSize is the fixed size of the WAL record head, per §6
// ("head(128B)").
const HeadSize = 128

const (
	headVersionOff = 0
	headKeyLenOff  = 8
	headValLenOff  = 10
	headFlagOff    = 14
	headFileIDOff  = 16
	headUsed       = 24 // bytes actually populated; the rest is reserved padding
)

// Head is the fixed-layout structure prepended to each WAL entry
// (spec.md §3).
type Head struct {
	Version   uint64
	KeyLen    uint16
	ValLen    uint32
	Flag      base.Flag
	ValFileID uint64 // companion blob id; 0 when the value is inline
}

// Encode writes h into a HeadSize-byte buffer, zero-padding the reserved
// tail.
func (h Head) Encode() [HeadSize]byte {
	var buf [HeadSize]byte
	binary.LittleEndian.PutUint64(buf[headVersionOff:], h.Version)
	binary.LittleEndian.PutUint16(buf[headKeyLenOff:], h.KeyLen)
	binary.LittleEndian.PutUint32(buf[headValLenOff:], h.ValLen)
	buf[headFlagOff] = byte(h.Flag)
	binary.LittleEndian.PutUint64(buf[headFileIDOff:], h.ValFileID)
	return buf
}

// DecodeHead reads a Head from a HeadSize-byte buffer.
func DecodeHead(buf []byte) Head {
	return Head{
		Version:   binary.LittleEndian.Uint64(buf[headVersionOff:]),
		KeyLen:    binary.LittleEndian.Uint16(buf[headKeyLenOff:]),
		ValLen:    binary.LittleEndian.Uint32(buf[headValLenOff:]),
		Flag:      base.Flag(buf[headFlagOff]),
		ValFileID: binary.LittleEndian.Uint64(buf[headFileIDOff:]),
	}
}

// RecordLen returns the total on-wire length of a record with this head:
// magic + head + key + (inline value, if any) + crc32.
func (h Head) RecordLen() int {
	n := 4 + HeadSize + int(h.KeyLen) + 4
	if h.Flag.IsInline() {
		n += int(h.ValLen)
	}
	return n
}
