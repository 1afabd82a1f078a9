package record

import (
	"os"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/vfs"
)

// Compactable is the user state a CompactLog wraps (§4.5 "C7"). It mirrors
// original_source/jdb_ckp/src/state.rs's Compact trait: the log calls
// OnHead for every record replayed from disk, and calls Rewrite to obtain
// the minimal set of records representing current state when it decides to
// compact itself.
type Compactable interface {
	// OnHead is invoked once per record recovered from disk, in order.
	OnHead(magic byte, payload []byte) error
	// Len reports how many logical entries the state holds. CompactLog does
	// not call it: MaybeCompact decides by the number of records appended
	// since the last rewrite.
	Len() int
	// Rewrite returns (magic, payload) pairs that reconstruct the current
	// state from scratch.
	Rewrite() ([]RewriteEntry, error)
}

// RewriteEntry is one record emitted by Compactable.Rewrite.
type RewriteEntry struct {
	Magic   byte
	Payload []byte
}

// CompactLog is a generic self-compacting append-only journal (C7). It
// backs the checkpoint (C14) and the GC discard counters (C15).
type CompactLog struct {
	path    string
	kind    LenKind
	magicOK func(byte) bool
	inner   Compactable

	f       *os.File
	offset  int64 // current write offset / end of file
	count   int   // appended records since last compaction
	interval int
}

// Open opens (creating if necessary) path, replays every record into
// inner via OnHead, and positions the write cursor at the recovered
// offset.
func Open(path string, kind LenKind, magicOK func(byte) bool, inner Compactable, compactInterval int) (*CompactLog, error) {
	f, err := vfs.OpenReadWrite(path)
	if err != nil {
		return nil, err
	}
	cl := &CompactLog{path: path, kind: kind, magicOK: magicOK, inner: inner, f: f, interval: compactInterval}
	if err := cl.load(); err != nil {
		f.Close()
		return nil, err
	}
	return cl, nil
}

func (cl *CompactLog) load() error {
	info, err := cl.f.Stat()
	if err != nil {
		return base.WrapError(base.KindIO, err, "stat %s", cl.path)
	}
	size := info.Size()
	buf := make([]byte, size)
	if size > 0 {
		if _, err := cl.f.ReadAt(buf, 0); err != nil {
			return base.WrapError(base.KindIO, err, "read %s", cl.path)
		}
	}
	var off int64
	for off < size {
		payload, total, skip, result := Decode(buf[off:], cl.kind, cl.magicOK)
		switch result {
		case ResultOK:
			if err := cl.inner.OnHead(buf[off], payload); err != nil {
				return err
			}
			off += int64(total)
		case ResultNeedMore:
			// Truncated tail record from a crash mid-append; stop here,
			// the next append will simply overwrite it.
			goto done
		case ResultCorrupted:
			if skip == 0 {
				skip = 1
			}
			off += int64(skip)
		}
	}
done:
	cl.offset = off
	return nil
}

// Push appends one record at the write cursor, fsyncs the file and counts
// the record toward the next MaybeCompact, matching §4.5 "push(head, data,
// incr) ... update count". inner is not notified; callers update their own
// state.
func (cl *CompactLog) Push(magic byte, payload []byte) error {
	rec := Encode(magic, cl.kind, payload)
	if _, err := cl.f.WriteAt(rec, cl.offset); err != nil {
		return base.WrapError(base.KindIO, err, "append %s", cl.path)
	}
	cl.offset += int64(len(rec))
	cl.count++
	return base.WrapError(base.KindIO, cl.f.Sync(), "sync %s", cl.path)
}

// PushIter appends a batch of records in one pass.
func (cl *CompactLog) PushIter(entries []RewriteEntry) error {
	for _, e := range entries {
		rec := Encode(e.Magic, cl.kind, e.Payload)
		if _, err := cl.f.WriteAt(rec, cl.offset); err != nil {
			return base.WrapError(base.KindIO, err, "append %s", cl.path)
		}
		cl.offset += int64(len(rec))
		cl.count++
	}
	return base.WrapError(base.KindIO, cl.f.Sync(), "sync %s", cl.path)
}

// MaybeCompact rewrites the log via AtomicWriter if enough records have
// accumulated since the last rewrite (§4.5 "maybe_compact").
func (cl *CompactLog) MaybeCompact() error {
	if cl.count < cl.interval {
		return nil
	}
	return cl.Compact()
}

// Compact unconditionally rewrites the log to the minimal representation
// of inner's current state.
func (cl *CompactLog) Compact() error {
	entries, err := cl.inner.Rewrite()
	if err != nil {
		return err
	}
	aw, err := vfs.CreateAtomic(cl.path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := aw.Write(Encode(e.Magic, cl.kind, e.Payload)); err != nil {
			aw.Abort()
			return err
		}
	}
	if err := aw.Rename(); err != nil {
		return err
	}
	cl.f.Close()
	f, err := vfs.OpenReadWrite(cl.path)
	if err != nil {
		return err
	}
	cl.f = f
	info, err := f.Stat()
	if err != nil {
		return base.WrapError(base.KindIO, err, "stat %s", cl.path)
	}
	cl.offset = info.Size()
	cl.count = 0
	return nil
}

// Close closes the underlying file.
func (cl *CompactLog) Close() error {
	return base.WrapError(base.KindIO, cl.f.Close(), "close %s", cl.path)
}
