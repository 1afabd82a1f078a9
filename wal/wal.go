package wal

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/vfs"
)

// request is one pending Put, queued to the background writer loop
// (spec.md §4.6: "a dedicated background writer loop consumes a bounded
// channel of pending writes, batching everything currently queued behind a
// single fsync").
type request struct {
	key       []byte
	value     []byte
	tombstone bool

	// rawFlag, when non-nil, marks this request as a verbatim relocation
	// (spec.md §4.14): value is already-encoded bytes exactly as a prior
	// record stored them, and appendLocked must write them back under this
	// same compression tag instead of running them through probeCompress
	// again.
	rawFlag *base.Flag

	reply chan result
}

type result struct {
	pos base.Pos
	err error
}

// Wal is the append-only, value-separating write-ahead log for one
// database instance (C8). Exactly one Wal is live per open database; it
// owns the directory's advisory lock.
type Wal struct {
	dir  string
	opts *base.Options
	ids  *base.IDGen
	lock *vfs.Lock

	mu  sync.Mutex
	cur *segment

	// sealedPaths maps each sealed segment id to its file path for point
	// reads; no handle is kept open here, each read opens the file itself.
	// Entries are never evicted.
	sealedPaths map[uint64]string

	reqCh   chan *request
	closeCh chan struct{}
	wg      sync.WaitGroup

	// OnRotate, if set, is called with the id of the segment just sealed
	// and the id of the new active segment, letting the checkpoint (C14)
	// record the rotation (§4.13 "rotate(wal_id) appends to the rotations
	// list"). Called while Wal's internal lock is held; must not call back
	// into Wal.
	OnRotate func(sealedID, newID uint64)

	// OnFsync, if set, is called with the duration of every group-commit
	// fsync, letting a caller feed it into a latency histogram (exposed
	// as Metrics.WAL.FsyncLatency).
	OnFsync func(time.Duration)
}

// ResumePoint identifies where replay should begin (spec.md §4.13): every
// segment older than WalID, and every record in WalID below Offset, is
// skipped because the checkpoint guarantees it is already reflected in a
// flushed SSTable. The zero value replays everything, which is what plain
// Open uses.
type ResumePoint struct {
	WalID  uint64
	Offset int64
}

// ReplayFunc is called once per record recovered during Open/OpenFrom, with
// the id of the segment it came from (needed to reconstruct its Pos: an
// inline record's Pos.WalID is the segment it physically lives in, which a
// bare Visit callback over a single Scan can't see across a multi-segment
// replay).
type ReplayFunc func(walID uint64, offset int64, rec Record) error

// Open opens or creates the WAL directory structure under dir ("wal/" for
// segments, "bin/" for companion blobs), recovering the tail of the most
// recent segment and replaying every record (from every segment, oldest
// first) into replay.
func Open(dir string, opts *base.Options, ids *base.IDGen, replay ReplayFunc) (*Wal, error) {
	return OpenFrom(dir, opts, ids, ResumePoint{}, replay)
}

// OpenFrom is Open, but skips replaying any record at or before resume
// (used by checkpoint-driven recovery to avoid re-inserting keys already
// persisted to an SSTable).
func OpenFrom(dir string, opts *base.Options, ids *base.IDGen, resume ResumePoint, replay ReplayFunc) (*Wal, error) {
	opts = opts.WithDefaults()
	if err := vfs.MkdirAll(filepath.Join(dir, "wal")); err != nil {
		return nil, err
	}
	if err := vfs.MkdirAll(filepath.Join(dir, "bin")); err != nil {
		return nil, err
	}
	lock, err := vfs.AcquireLock(dir)
	if err != nil {
		return nil, err
	}

	ids_ := ids
	if ids_ == nil {
		ids_ = &base.IDGen{}
	}

	w := &Wal{
		dir:         dir,
		opts:        opts,
		ids:         ids_,
		lock:        lock,
		sealedPaths: make(map[uint64]string),
		reqCh:       make(chan *request, opts.WalChanSize),
		closeCh:     make(chan struct{}),
	}

	segIDs, err := listSegmentIDs(dir)
	if err != nil {
		lock.Release()
		return nil, err
	}

	for i, id := range segIDs {
		path := segmentPath(dir, id)
		validSize, err := Scan(path, func(off int64, rec Record) error {
			if replay == nil {
				return nil
			}
			if id < resume.WalID || (id == resume.WalID && off < resume.Offset) {
				return nil
			}
			return replay(id, off, rec)
		})
		if err != nil {
			lock.Release()
			return nil, err
		}
		if i == len(segIDs)-1 {
			// Tail segment: truncate away any torn write left by a crash
			// mid-append, then resume appending after it.
			f, err := vfs.OpenReadWrite(path)
			if err != nil {
				lock.Release()
				return nil, err
			}
			if err := f.Truncate(validSize); err != nil {
				f.Close()
				lock.Release()
				return nil, base.WrapError(base.KindIO, err, "truncate %s", path)
			}
			f.Close()
			seg, err := openSegmentForAppend(path, id, validSize)
			if err != nil {
				lock.Release()
				return nil, err
			}
			w.cur = seg
		} else {
			w.sealedPaths[id] = path
		}
	}

	if w.cur == nil {
		id := w.ids.Next()
		seg, err := createSegment(segmentPath(dir, id), id)
		if err != nil {
			lock.Release()
			return nil, err
		}
		w.cur = seg
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, "wal", base.EncodeID(id)+".wal")
}

// SegmentFilePath returns the on-disk path of segment id within dir,
// exported for package gc's discard-rewrite sweep (§4.14), which reads and
// removes sealed segments directly.
func SegmentFilePath(dir string, id uint64) string { return segmentPath(dir, id) }

// RemoveSegmentFile deletes a sealed segment's file. Callers must ensure no
// live Pos still references inline data within it (spec.md §4.14 "delete
// the WAL").
func RemoveSegmentFile(dir string, id uint64) error {
	return vfs.Remove(segmentPath(dir, id))
}

// RemoveBlob deletes the companion blob file for fileID, exported for
// package gc's orphan-blob cleanup during a WAL drop.
func RemoveBlob(dir string, fileID uint64) error { return removeBlob(dir, fileID) }

func listSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "wal"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, base.WrapError(base.KindIO, err, "list %s/wal", dir)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".wal") {
			continue
		}
		id, err := base.DecodeID(strings.TrimSuffix(name, ".wal"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Put appends one entry (value deletion marker when tombstone is true) and
// blocks until it is durable, returning the Pos future reads should use to
// locate it.
func (w *Wal) Put(key, value []byte, tombstone bool) (base.Pos, error) {
	req := &request{key: key, value: value, tombstone: tombstone, reply: make(chan result, 1)}
	select {
	case w.reqCh <- req:
	case <-w.closeCh:
		return base.Pos{}, base.NewError(base.KindNotOpen, "wal closed")
	}
	r := <-req.reply
	return r.pos, r.err
}

// PutRaw appends key/value verbatim under flag, bypassing probeCompress
// entirely: value is written byte-for-byte and tagged with flag's
// compression and tombstone bits exactly as given. This is the relocation
// path discard GC uses to rewrite a still-live record into a fresh segment
// (spec.md §4.14): the bytes it holds may already be compressed, so
// re-probing them would at best waste a cycle and at worst relabel already-
// compressed bytes as CompressionProbed, which the read path would then
// return undecoded.
func (w *Wal) PutRaw(key, value []byte, flag base.Flag) (base.Pos, error) {
	req := &request{key: key, value: value, rawFlag: &flag, reply: make(chan result, 1)}
	select {
	case w.reqCh <- req:
	case <-w.closeCh:
		return base.Pos{}, base.NewError(base.KindNotOpen, "wal closed")
	}
	r := <-req.reply
	return r.pos, r.err
}

func (w *Wal) loop() {
	defer w.wg.Done()
	for {
		select {
		case first := <-w.reqCh:
			batch := []*request{first}
		drain:
			for {
				select {
				case r := <-w.reqCh:
					batch = append(batch, r)
				default:
					break drain
				}
			}
			w.commitBatch(batch)
		case <-w.closeCh:
			return
		}
	}
}

// commitBatch appends every queued request to the log and only replies to
// callers once a single fsync covering the whole batch has completed,
// matching §4.6's group-commit writer loop: no Put returns before its
// bytes are durable.
func (w *Wal) commitBatch(batch []*request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	results := make([]result, len(batch))
	for i, req := range batch {
		pos, err := w.appendLocked(req)
		results[i] = result{pos: pos, err: err}
	}

	start := time.Now()
	syncErr := w.cur.sync()
	if w.OnFsync != nil {
		w.OnFsync(time.Since(start))
	}
	if syncErr != nil {
		for i := range results {
			if results[i].err == nil {
				results[i].err = syncErr
			}
		}
	}
	for i, req := range batch {
		req.reply <- results[i]
	}
}

// appendLocked writes one record to the current segment, rotating first if
// it would not fit within Options.WalMaxSize, and routes the value inline
// or to a companion blob file per Options.InfileMax (spec.md §4.6). A
// req.rawFlag request (discard GC's relocation path, spec.md §4.14) skips
// that routing and compression entirely: the value is already-encoded
// inline bytes from a prior record, stored back verbatim under its
// original compression tag.
func (w *Wal) appendLocked(req *request) (base.Pos, error) {
	key, value, tombstone := req.key, req.value, req.tombstone
	version := w.ids.Next()

	var flag base.Flag
	var head Head
	var recValue []byte // set only for inline writes; Encode reads this back
	var blobID uint64
	var storedLen uint32

	switch {
	case req.rawFlag != nil && req.rawFlag.IsTombstone():
		flag = base.MakeFlag(base.CompressionNone, false, true)
		head = Head{Version: version, KeyLen: uint16(len(key)), ValLen: 0, Flag: flag}

	case req.rawFlag != nil:
		flag = base.MakeFlag(req.rawFlag.Compression(), false, false)
		storedLen = uint32(len(value))
		head = Head{Version: version, KeyLen: uint16(len(key)), ValLen: storedLen, Flag: flag}
		recValue = value

	case tombstone:
		flag = base.MakeFlag(base.CompressionNone, false, true)
		head = Head{Version: version, KeyLen: uint16(len(key)), ValLen: 0, Flag: flag}

	case uint32(len(value)) <= w.opts.InfileMax:
		compressed, bits := probeCompress(value)
		flag = base.MakeFlag(bits, false, false)
		storedLen = uint32(len(compressed))
		head = Head{Version: version, KeyLen: uint16(len(key)), ValLen: storedLen, Flag: flag}
		recValue = compressed

	default:
		compressed, bits := probeCompress(value)
		blobID = w.ids.Next()
		if err := writeBlob(w.dir, blobID, compressed); err != nil {
			return base.Pos{}, err
		}
		flag = base.MakeFlag(bits, true, false)
		storedLen = uint32(len(compressed))
		head = Head{Version: version, KeyLen: uint16(len(key)), ValLen: storedLen, Flag: flag, ValFileID: blobID}
	}

	if w.cur.size+int64(head.RecordLen()) > int64(w.opts.WalMaxSize) {
		if err := w.rotateLocked(); err != nil {
			return base.Pos{}, err
		}
	}

	buf := Encode(Record{Head: head, Key: key, Value: recValue})
	offset, err := w.cur.append(buf)
	if err != nil {
		return base.Pos{}, err
	}

	if flag.IsExternal() {
		return base.NewPos(version, flag, w.cur.id, blobID, storedLen), nil
	}
	return base.NewPos(version, flag, w.cur.id, uint64(offset), storedLen), nil
}

func (w *Wal) rotateLocked() error {
	if err := w.cur.sync(); err != nil {
		return err
	}
	sealedID := w.cur.id
	sealedPath := w.cur.path
	if err := w.cur.close(); err != nil {
		return err
	}
	w.sealedPaths[sealedID] = sealedPath

	newID := w.ids.Next()
	seg, err := createSegment(segmentPath(w.dir, newID), newID)
	if err != nil {
		return err
	}
	w.cur = seg
	if w.OnRotate != nil {
		w.OnRotate(sealedID, newID)
	}
	return nil
}

// CurrentPos returns the active segment's id and current write offset,
// the pointer checkpoint.SetWalPtr saves once the memtable it corresponds
// to has been durably flushed (spec.md §4.13).
func (w *Wal) CurrentPos() (walID uint64, offset int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.id, w.cur.size
}

// SegmentPath returns the on-disk path of the segment holding pos's value,
// for callers that need to read it directly (e.g. the memtable flush path
// re-reading inline values already drains from the Wal's own cache
// instead).
func (w *Wal) SegmentPath(walID uint64) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur.id == walID {
		return w.cur.path
	}
	return w.sealedPaths[walID]
}

// Get resolves pos to its value bytes. External values need no segment
// lookup at all (their bytes live under bin/, addressed by FileID alone),
// so only an inline pos requires its owning segment to still be mapped.
func (w *Wal) Get(pos base.Pos) ([]byte, error) {
	if pos.IsExternal() {
		return ReadValue(w.dir, "", pos)
	}
	path := w.SegmentPath(pos.WalID)
	if path == "" {
		return nil, base.ErrCorruption("wal: unknown segment id %d", pos.WalID)
	}
	return ReadValue(w.dir, path, pos)
}

// Sync fsyncs the active segment.
func (w *Wal) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.sync()
}

// SyncAll fsyncs the active segment and the containing directory, so a
// preceding rotation/rename is itself durable (spec.md §4.6 "sync_all").
func (w *Wal) SyncAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.cur.sync(); err != nil {
		return err
	}
	return vfs.SyncDir(w.cur.path)
}

// DiscardBlob removes the companion blob file for an externally-stored
// value that GC has determined is no longer live (spec.md §4.14).
func (w *Wal) DiscardBlob(fileID uint64) error {
	return removeBlob(w.dir, fileID)
}

// Close stops the writer loop and closes every open segment handle.
func (w *Wal) Close() error {
	close(w.closeCh)
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.cur.close()
	if lerr := w.lock.Release(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}
