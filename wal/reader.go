package wal

import (
	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/vfs"
)

// Visit is called once per successfully decoded record during a scan, in
// file order, with the byte offset its head starts at (the offset half of
// an inline Pos).
type Visit func(offset int64, rec Record) error

// Scan replays every WAL record in path from front to back, calling visit
// for each. It returns validSize, the offset immediately after the last
// fully-valid record — i.e. where a writer should resume appending and a
// recovery truncate should cut to, per spec.md §4.3's crash-tolerant
// replay: "a truncated tail record is not an error; corruption inside the
// file is resynced by scanning for the next magic."
func Scan(path string, visit Visit) (validSize int64, err error) {
	f, err := vfs.OpenRead(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, base.WrapError(base.KindIO, err, "stat %s", path)
	}
	size := info.Size()
	if size < segmentHeaderSize {
		return 0, base.ErrCorruption("wal segment %s shorter than its header", path)
	}
	buf := make([]byte, size)
	if n, err := f.ReadAt(buf, 0); err != nil && int64(n) != size {
		return 0, base.WrapError(base.KindIO, err, "read %s", path)
	}
	if err := verifySegmentHeader(buf[:segmentHeaderSize]); err != nil {
		return 0, err
	}

	off := int64(segmentHeaderSize)
	for off < size {
		rec, consumed, resync, result := Decode(buf[off:])
		switch result {
		case scanOK:
			if err := visit(off, rec); err != nil {
				return off, err
			}
			off += int64(consumed)
		case scanNeedMore:
			return off, nil
		case scanCorrupted:
			if resync == 0 {
				resync = 1
			}
			off += int64(resync)
		}
	}
	return off, nil
}

// ReadValue returns the value bytes a Pos refers to, opening segment or
// blob storage as needed. segPath is the path to the WAL segment file
// pos.WalID names; dir is the database directory containing bin/.
func ReadValue(dir string, segPath string, pos base.Pos) ([]byte, error) {
	if pos.IsExternal() {
		raw, err := readBlob(dir, pos.FileID())
		if err != nil {
			return nil, err
		}
		return decompress(raw, pos.Flag)
	}
	f, err := vfs.OpenRead(segPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 4+HeadSize)
	if err := vfs.ReadAt(f, head, int64(pos.Offset())); err != nil {
		return nil, err
	}
	if head[0] != Magic[0] || head[1] != Magic[1] || head[2] != Magic[2] || head[3] != Magic[3] {
		return nil, base.ErrCorruption("wal %s: bad magic at offset %d", segPath, pos.Offset())
	}
	h := DecodeHead(head[4:])
	valOff := int64(pos.Offset()) + 4 + HeadSize + int64(h.KeyLen)
	raw := make([]byte, h.ValLen)
	if h.ValLen > 0 {
		if err := vfs.ReadAt(f, raw, valOff); err != nil {
			return nil, err
		}
	}
	return decompress(raw, h.Flag)
}
