package wal

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/vfs"
)

// FormatVersion is the current WAL segment format version.
const FormatVersion uint32 = 1

// segmentHeaderSize is the fixed file header written at the start of every
// segment, per spec.md §6 ("12-byte header (ver|ver|crc32(first4))"): the
// format version, repeated as a redundancy check, followed by the crc32 of
// the first copy.
const segmentHeaderSize = 12

func encodeSegmentHeader() [segmentHeaderSize]byte {
	var buf [segmentHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], FormatVersion)
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	crc := crc32.ChecksumIEEE(buf[0:4])
	binary.LittleEndian.PutUint32(buf[8:12], crc)
	return buf
}

func verifySegmentHeader(buf []byte) error {
	if len(buf) < segmentHeaderSize {
		return base.ErrCorruption("wal segment header truncated")
	}
	v1 := binary.LittleEndian.Uint32(buf[0:4])
	v2 := binary.LittleEndian.Uint32(buf[4:8])
	crc := binary.LittleEndian.Uint32(buf[8:12])
	if v1 != v2 {
		return base.ErrCorruption("wal segment header version mismatch: %d != %d", v1, v2)
	}
	if crc32.ChecksumIEEE(buf[0:4]) != crc {
		return base.ErrCorruption("wal segment header crc mismatch")
	}
	if v1 != FormatVersion {
		return base.NewError(base.KindCorruption, "unsupported wal format version %d", v1)
	}
	return nil
}

// segment is one WAL file. Segments are append-only; once rotated out as
// the active segment they are only read by point lookups and, while the
// GC live fraction stays high, never rewritten in place (spec.md §4.14).
type segment struct {
	id   uint64
	path string
	f    *os.File
	size int64 // current file length, including the header
}

// createSegment creates a new, empty segment file with its header written
// and synced.
func createSegment(path string, id uint64) (*segment, error) {
	f, err := vfs.OpenForWALAppend(path)
	if err != nil {
		return nil, err
	}
	hdr := encodeSegmentHeader()
	if err := vfs.WriteAt(f, hdr[:], 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := vfs.Fsync(f); err != nil {
		f.Close()
		return nil, err
	}
	return &segment{id: id, path: path, f: f, size: segmentHeaderSize}, nil
}

// openSegmentForAppend reopens an existing segment at its recovered size,
// ready to accept further writes (used when recovery determines the tail
// segment still has room before rotation).
func openSegmentForAppend(path string, id uint64, size int64) (*segment, error) {
	f, err := vfs.OpenForWALAppend(path)
	if err != nil {
		return nil, err
	}
	return &segment{id: id, path: path, f: f, size: size}, nil
}

// openSegmentForRead opens an existing segment read-only, for point
// lookups against sealed segments.
func openSegmentForRead(path string, id uint64) (*segment, error) {
	f, err := vfs.OpenRead(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, base.WrapError(base.KindIO, err, "stat %s", path)
	}
	return &segment{id: id, path: path, f: f, size: info.Size()}, nil
}

// append writes rec at the current end of the segment and advances size.
// It does not fsync; callers batch several appends behind one fsync
// (§4.6 "dedicated background writer loop ... single fsync per batch").
func (s *segment) append(buf []byte) (offset int64, err error) {
	offset = s.size
	if err := vfs.WriteAt(s.f, buf, offset); err != nil {
		return 0, err
	}
	s.size += int64(len(buf))
	return offset, nil
}

func (s *segment) sync() error { return vfs.Fsync(s.f) }

func (s *segment) close() error {
	return base.WrapError(base.KindIO, s.f.Close(), "close %s", s.path)
}
