// Package record implements the framed record codec (C5) and the
// self-compacting append-only journal (C7) shared by the WAL (§4.6),
// checkpoint (§4.13) and GC counters (§4.14). Grounded in pebble's own
// "record" package convention (referenced by metrics.go and exercised by
// other_examples/patrick-ogrady-pebble/tool/wal.go's record.NewReader) and
// in original_source/jdb/src/... record framing.
package record

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/jdb-go/jdb/internal/base"
)

// LenKind selects the width of the length prefix for a record kind, per
// §4.3: "WAL-head uses a 1-byte length kind; checkpoint entries use a
// 4-byte length kind."
type LenKind uint8

const (
	LenKind1 LenKind = 1
	LenKind4 LenKind = 4
)

// Magic bytes. WAL records use a single fixed magic (§6:
// "magic(0xED_ED_ED_ED)"); checkpoint records use a family sharing the high
// nibble 0xC (§6: "magic byte 0xC?").
const (
	MagicWAL byte = 0xED
)

// CheckpointMagic builds the magic byte for a checkpoint record kind
// (0..=15), matching §6 "kind ∈ {Save(1), Rotate(2), SstAdd(3), SstRm(4)}".
func CheckpointMagic(kind uint8) byte { return 0xC0 | (kind & 0x0f) }

// ParseResult is the outcome of decoding one record from a byte stream.
type ParseResult int

const (
	// ResultOK means a full record was decoded.
	ResultOK ParseResult = iota
	// ResultNeedMore means the buffer does not yet contain a full record.
	ResultNeedMore
	// ResultCorrupted means the bytes at the start of the buffer are not a
	// valid record; Skip bytes should be discarded before retrying.
	ResultCorrupted
)

// Header is the framing prefix common to every record kind: a magic byte
// followed by the length encoded in LenKind bytes (2 or 5 bytes in all).
//
// Wire form: magic | len_bytes | payload | crc32(len_bytes|payload)
type Header struct {
	Magic byte
	Kind  LenKind
}

// Encode writes magic|len|payload|crc32(len|payload) to a new slice and
// returns it.
func Encode(magic byte, kind LenKind, payload []byte) []byte {
	lenFieldSize := int(kind)
	buf := make([]byte, 1+lenFieldSize+len(payload)+4)
	buf[0] = magic
	switch kind {
	case LenKind1:
		buf[1] = byte(len(payload))
	case LenKind4:
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	}
	copy(buf[1+lenFieldSize:], payload)
	crc := crc32.ChecksumIEEE(buf[1 : 1+lenFieldSize+len(payload)])
	binary.LittleEndian.PutUint32(buf[1+lenFieldSize+len(payload):], crc)
	return buf
}

// Decode attempts to parse one record of the given kind starting at buf[0].
// magicOK reports whether a byte is an acceptable magic for this stream
// (the checkpoint log accepts a small family of magics sharing the 0xC
// nibble; the WAL accepts exactly MagicWAL).
//
// Returns (payload, totalLen, ResultOK) on success. On ResultNeedMore the
// caller should wait for more bytes. On ResultCorrupted, skip is the
// number of bytes to discard before resuming the search for the next
// candidate magic (§4.3: "the skip amount is the offset of the next
// candidate magic byte via fast byte search").
func Decode(buf []byte, kind LenKind, magicOK func(byte) bool) (payload []byte, total int, skip int, result ParseResult) {
	if len(buf) < 1 {
		return nil, 0, 0, ResultNeedMore
	}
	if !magicOK(buf[0]) {
		return nil, 0, nextMagic(buf[1:], magicOK) + 1, ResultCorrupted
	}
	lenFieldSize := int(kind)
	if len(buf) < 1+lenFieldSize {
		return nil, 0, 0, ResultNeedMore
	}
	var payloadLen int
	switch kind {
	case LenKind1:
		payloadLen = int(buf[1])
	case LenKind4:
		payloadLen = int(binary.LittleEndian.Uint32(buf[1:5]))
	}
	total = 1 + lenFieldSize + payloadLen + 4
	if len(buf) < total {
		return nil, 0, 0, ResultNeedMore
	}
	body := buf[1 : 1+lenFieldSize+payloadLen]
	wantCRC := binary.LittleEndian.Uint32(buf[1+lenFieldSize+payloadLen : total])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, 0, nextMagic(buf[1:], magicOK) + 1, ResultCorrupted
	}
	return buf[1+lenFieldSize : 1+lenFieldSize+payloadLen], total, 0, ResultOK
}

// nextMagic returns the offset of the first byte in buf that satisfies
// magicOK, or len(buf) if none does (i.e. the caller should wait for more
// data / hit EOF).
func nextMagic(buf []byte, magicOK func(byte) bool) int {
	for i, b := range buf {
		if magicOK(b) {
			return i
		}
	}
	return len(buf)
}

// IsWALMagic is the magicOK predicate for WAL streams.
func IsWALMagic(b byte) bool { return b == MagicWAL }

// IsCheckpointMagic is the magicOK predicate for checkpoint/compact-log
// streams.
func IsCheckpointMagic(b byte) bool { return b&0xf0 == 0xc0 }

// CorruptionError wraps a decode-time corruption with base.KindCorruption.
func CorruptionError(format string, args ...interface{}) error {
	return base.ErrCorruption(format, args...)
}
