// Package jdb is the embedded LSM-tree key-value storage engine (spec.md
// §1 "Overview"): a WAL with value separation feeding a memtable/flush
// pipeline, leveled SSTables merged by a background compactor, a
// compacting checkpoint journal for recovery, and a discard-byte GC sweep
// over sealed WAL segments. Db is the single exported handle wiring every
// subsystem together, in the spirit of the teacher's own top-level DB type
// (db/internal.go's package doc: "It is always valid to pass a nil
// *Options").
package jdb

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jdb-go/jdb/checkpoint"
	"github.com/jdb-go/jdb/compaction"
	"github.com/jdb-go/jdb/gc"
	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/cache"
	"github.com/jdb-go/jdb/internal/vfs"
	"github.com/jdb-go/jdb/level"
	"github.com/jdb-go/jdb/mem"
	"github.com/jdb-go/jdb/sstable"
	"github.com/jdb-go/jdb/wal"
)

// compactionPollInterval and gcSweepInterval bound how long the background
// compactor and GC sweep can go idle between explicit wakeups (a completed
// flush or compaction signals compactSig immediately; these tickers only
// cover the case where nothing has happened recently but a level or WAL
// segment has drifted past its threshold since the last check).
const (
	compactionPollInterval = 5 * time.Second
	gcSweepInterval        = 30 * time.Second
)

// walPos is a WAL (segment id, write offset) pair, captured at the instant
// a memtable is frozen so its eventual flush completion knows exactly which
// checkpoint save point it makes safe (spec.md §4.13).
type walPos struct {
	walID  uint64
	offset int64
}

// Db is an open handle to one database directory. Concurrency-safe: Put,
// Get, Del, Range, Flush, Sync and SyncAll may all be called from multiple
// goroutines at once.
type Db struct {
	dir  string
	opts *base.Options
	ids  *base.IDGen

	wal  *wal.Wal
	mems *mem.Mems

	mgr       *level.Manager
	ckp       *checkpoint.Checkpoint
	gcCounter *gc.Counter
	gcRunner  *gc.Runner
	compactor *compaction.Compactor

	blockCache *cache.BlockCache
	headCache  *cache.BlockCache
	readers    *readerCache

	pendingMu  sync.Mutex
	pendingPos map[uint64]walPos

	compactSig chan struct{}
	closeCh    chan struct{}
	wg         sync.WaitGroup

	compactCount   atomic.Int64
	gcDroppedCount atomic.Int64
	fsyncHist      prometheus.Histogram

	compactLatMu  sync.Mutex
	compactLatHdr *hdrhistogram.Histogram

	openedAt time.Time

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if necessary) the database directory dir, replaying
// its WAL and checkpoint to reconstruct the live memtable and level state
// (spec.md §4.13 "Startup recovery"). A nil opts uses every default.
func Open(dir string, opts *base.Options) (*Db, error) {
	opts = opts.WithDefaults()

	ckp, err := checkpoint.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	resume, _, sstLevel := ckp.Recovered()

	blockBytes, headBytes := cache.SplitBudget(opts.BlockCacheBytes)
	blockCache := cache.NewBlockCache(blockBytes)
	headCache := cache.NewBlockCache(headBytes)

	mgr := level.NewManager(opts)

	db := &Db{
		dir:        dir,
		opts:       opts,
		ids:        &base.IDGen{},
		mgr:        mgr,
		ckp:        ckp,
		blockCache: blockCache,
		headCache:  headCache,
		readers:    newReaderCache(opts.FileLRUCapacity),
		pendingPos: make(map[uint64]walPos),
		compactSig: make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		openedAt:   time.Now(),
		fsyncHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jdb_wal_fsync_latency_nanoseconds",
			Help:    "Latency of WAL group-commit fsyncs, in nanoseconds.",
			Buckets: FsyncLatencyBuckets,
		}),
		// 1us..10s range, 3 significant digits: enough resolution for
		// both a sub-millisecond empty-round poll and a multi-second
		// L1+ merge without the histogram's memory footprint growing
		// with the number of rounds recorded.
		compactLatHdr: hdrhistogram.New(1, 10_000_000, 3),
	}

	if err := loadTables(dir, sstLevel, mgr, blockCache, db.deleteOnIdle); err != nil {
		ckp.Close()
		return nil, err
	}
	if err := cleanOrphanSSTFiles(dir, sstLevel); err != nil {
		ckp.Close()
		return nil, err
	}
	if err := cleanStaleTmpFiles(dir); err != nil {
		ckp.Close()
		return nil, err
	}

	gcCounter, err := gc.OpenCounter(dir, opts)
	if err != nil {
		ckp.Close()
		return nil, err
	}
	db.gcCounter = gcCounter

	builder := sstable.NewBuilder(dir, opts, db.ids, 0, db.onFlushComplete)
	db.mems = mem.NewMems(opts, db.ids.Next(), builder)
	db.mems.OnRotate = db.onMemRotate

	replay := func(walID uint64, offset int64, rec wal.Record) error {
		var pos base.Pos
		switch {
		case rec.Head.Flag.IsExternal():
			pos = base.NewPos(rec.Head.Version, rec.Head.Flag, walID, rec.Head.ValFileID, rec.Head.ValLen)
		default:
			pos = base.NewPos(rec.Head.Version, rec.Head.Flag, walID, uint64(offset), rec.Head.ValLen)
		}
		return db.mems.Put(rec.Key, pos, rec.Head.Version)
	}

	w, err := wal.OpenFrom(dir, opts, db.ids, resume, replay)
	if err != nil {
		db.gcCounter.Close()
		ckp.Close()
		return nil, err
	}
	db.wal = w
	w.OnRotate = func(sealedID, _ uint64) {
		if err := ckp.Rotate(sealedID); err != nil {
			opts.Logger.Warn("checkpoint rotate failed", zap.Uint64("wal_id", sealedID), zap.Error(err))
		}
	}
	w.OnFsync = func(d time.Duration) {
		db.fsyncHist.Observe(float64(d))
	}

	onDiscard := func(key []byte, pos base.Pos) {
		if pos.IsInline() {
			db.gcCounter.Add(pos.WalID, uint64(pos.Footprint(len(key))))
		}
	}
	onCommit := func(adds []sstable.Meta, rms []uint64, _ int) {
		if err := ckp.ApplyCompaction(adds, rms); err != nil {
			opts.Logger.Warn("checkpoint apply-compaction failed", zap.Error(err))
		}
		for _, id := range rms {
			db.readers.evict(id)
			db.blockCache.EvictFile(id)
		}
		db.compactCount.Add(1)
		db.signalCompaction()
	}
	db.compactor = compaction.New(dir, opts, db.ids, mgr, blockCache, onDiscard, onCommit)
	db.gcRunner = gc.NewRunner(dir, opts, gcCounter, db.lookupPos, db.relocate, gc.DefaultGc)

	db.wg.Add(2)
	go db.compactionLoop()
	go db.gcLoop()

	return db, nil
}

func (db *Db) signalCompaction() {
	select {
	case db.compactSig <- struct{}{}:
	default:
	}
}

// onMemRotate is mem.Mems's OnRotate hook: it snapshots the WAL position at
// the exact instant oldID's memtable stops accepting writes, the only point
// at which "every write in oldID is at or before this WAL position" is
// guaranteed true (spec.md §4.13). db.wal is still nil during the replay
// that happens inside Open's call to wal.OpenFrom, before this Db's own WAL
// handle exists; a rotation triggered by replay alone is skipped; it
// precedes the checkpoint's own recorded save point and so carries no new
// information recovery needs.
func (db *Db) onMemRotate(oldID uint64) {
	if db.wal == nil {
		return
	}
	walID, offset := db.wal.CurrentPos()
	db.pendingMu.Lock()
	db.pendingPos[oldID] = walPos{walID: walID, offset: offset}
	db.pendingMu.Unlock()
}

// onFlushComplete is the sstable.Builder's onComplete callback: it registers
// the new L0 table, advances the checkpoint's save point if this flush was
// the one that made it safe to do so, and forwards the flushed memtable's
// superseded entries to discard-GC accounting (spec.md §3, §4.12, §4.13).
func (db *Db) onFlushComplete(meta sstable.Meta, path string, m *mem.Memtable) {
	h := sstable.NewHandle(meta, path, db.deleteOnIdle)
	db.mgr.Add(h)

	if err := db.ckp.ApplyFlush(meta); err != nil {
		db.opts.Logger.Warn("checkpoint apply-flush failed", zap.Uint64("sst_id", meta.ID), zap.Error(err))
	}

	db.pendingMu.Lock()
	wp, ok := db.pendingPos[m.ID()]
	delete(db.pendingPos, m.ID())
	db.pendingMu.Unlock()
	if ok {
		if err := db.ckp.SetWalPtr(wp.walID, wp.offset); err != nil {
			db.opts.Logger.Warn("checkpoint set-wal-ptr failed", zap.Error(err))
		}
	}

	for _, d := range m.Discards() {
		if d.Pos.IsInline() {
			db.gcCounter.Add(d.Pos.WalID, uint64(d.Pos.Footprint(len(d.Key))))
		}
	}

	db.signalCompaction()
}

// deleteOnIdle is the onIdle callback for every sstable.Handle this Db
// creates (whether loaded at startup, freshly flushed, or compacted),
// keyed once its reference count and removal flag both say the file is
// truly unreachable (spec.md §3 "remove on last drop").
func (db *Db) deleteOnIdle(meta sstable.Meta, path string) {
	db.readers.evict(meta.ID)
	db.blockCache.EvictFile(meta.ID)
	vfs.Remove(path)
}

func (db *Db) compactionLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(compactionPollInterval)
	defer ticker.Stop()
	for {
		start := time.Now()
		did, err := db.compactor.Run()
		if err != nil {
			db.opts.Logger.Warn("compaction failed", zap.Error(err))
		}
		if did {
			db.compactLatMu.Lock()
			_ = db.compactLatHdr.RecordValue(time.Since(start).Microseconds())
			db.compactLatMu.Unlock()
			continue
		}
		select {
		case <-db.closeCh:
			return
		case <-db.compactSig:
		case <-ticker.C:
		}
	}
}

func (db *Db) gcLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(gcSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.closeCh:
			return
		case <-ticker.C:
			if _, err := db.RunGC(); err != nil {
				db.opts.Logger.Warn("gc sweep failed", zap.Error(err))
			}
		}
	}
}

// RunGC sweeps every sealed WAL segment older than the checkpoint's current
// save point for rewrite or drop (spec.md §4.14), returning the ids of any
// segment it dropped outright. Exported so a caller can trigger an
// out-of-band sweep instead of waiting for the background ticker.
func (db *Db) RunGC() ([]uint64, error) {
	resume, _, _ := db.ckp.Recovered()
	dropped, err := db.gcRunner.Sweep(resume.WalID)
	db.gcDroppedCount.Add(int64(len(dropped)))
	return dropped, err
}

func (db *Db) writeRaw(key, value []byte, tombstone bool) error {
	pos, err := db.wal.Put(key, value, tombstone)
	if err != nil {
		return err
	}
	return db.mems.Put(key, pos, pos.Version)
}

// Put writes key/value, returning once it is durable in the WAL (spec.md
// §4.15 "put").
func (db *Db) Put(key, value []byte) error {
	return db.writeRaw(key, value, false)
}

// Del writes a tombstone for key (spec.md §4.15 "del"). A later Get on key
// returns ErrNotFound until key is written again; compaction dropping the
// tombstone at the bottommost level leaves no older value behind it.
func (db *Db) Del(key []byte) error {
	return db.writeRaw(key, nil, true)
}

// relocate implements gc.RelocateFunc: the relocated record becomes a brand
// new, strictly newer Pos for its key, so it shadows whatever stale copy an
// SSTable still holds without that SSTable needing to be touched (spec.md
// §4.14). Unlike a normal Put, value here is the exact bytes the original
// record stored — possibly already compressed — and flag carries its
// original compression tag, so the write goes through wal.PutRaw rather
// than the probeCompress path: recompressing already-compressed bytes
// would at best do nothing and at worst mislabel them, corrupting the
// value on the next read.
func (db *Db) relocate(key, value []byte, flag base.Flag) error {
	if flag.IsTombstone() {
		return db.writeRaw(key, nil, true)
	}
	pos, err := db.wal.PutRaw(key, value, flag)
	if err != nil {
		return err
	}
	return db.mems.Put(key, pos, pos.Version)
}

// lookupPos returns the current authoritative Pos for key, checked in
// precedence order: the active memtable, frozen memtables newest-first,
// L0 tables newest-first, then each disjoint L1+ level (spec.md §3 "lookup
// order").
func (db *Db) lookupPos(key []byte) (base.Pos, bool, error) {
	if pos, ok := db.mems.Get(key); ok {
		return pos, true, nil
	}

	snap := db.mgr.Snapshot()
	defer snap.Release()

	for i := len(snap.Tables[0]) - 1; i >= 0; i-- {
		pos, ok, err := db.getFromTable(snap.Tables[0][i], key)
		if err != nil {
			return base.Pos{}, false, err
		}
		if ok {
			return pos, true, nil
		}
	}
	for lvl := 1; lvl < level.NumLevels; lvl++ {
		list := snap.Tables[lvl]
		idx := sort.Search(len(list), func(i int) bool {
			return base.Compare(list[i].Meta.MaxKey, key) >= 0
		})
		if idx >= len(list) || base.Compare(list[idx].Meta.MinKey, key) > 0 {
			continue
		}
		pos, ok, err := db.getFromTable(list[idx], key)
		if err != nil {
			return base.Pos{}, false, err
		}
		if ok {
			return pos, true, nil
		}
	}
	return base.Pos{}, false, nil
}

func (db *Db) getFromTable(h *sstable.Handle, key []byte) (base.Pos, bool, error) {
	r, err := db.readers.get(h, db.blockCache)
	if err != nil {
		return base.Pos{}, false, err
	}
	return r.Get(key)
}

// readValue resolves pos to its value bytes, routed through a small cache
// (spec.md §4.6 "Cache result in the data cache sized by total bytes").
// An inline value is keyed by (pos.WalID, offset): WalMaxSize defaults to
// well under 4 GiB, and an offset is never 0 because every segment opens
// with its header. A companion blob is keyed by its own file id with
// Block 0, so it cannot collide with an inline value's key.
func (db *Db) readValue(pos base.Pos) ([]byte, error) {
	key := cache.BlockKey{FileID: pos.WalID, Block: uint32(pos.OffsetOrFileID)}
	if pos.IsExternal() {
		key = cache.BlockKey{FileID: pos.FileID()}
	}
	if data, ok := db.headCache.Get(key); ok {
		return data, nil
	}
	data, err := db.wal.Get(pos)
	if err != nil {
		return nil, err
	}
	db.headCache.Put(key, data)
	return data, nil
}

// Get returns the value currently stored for key, or ErrNotFound if it has
// no live value (spec.md §4.15 "get").
func (db *Db) Get(key []byte) ([]byte, error) {
	pos, ok, err := db.lookupPos(key)
	if err != nil {
		return nil, err
	}
	if !ok || pos.IsTombstone() {
		return nil, base.ErrNotFound
	}
	return db.readValue(pos)
}

// Flush force-rotates the active memtable and blocks until it (and any
// already-in-flight flush) has been durably written as an SSTable (spec.md
// §4.15 "flush_all").
func (db *Db) Flush() error {
	if err := db.mems.Flush(db.ids.Next()); err != nil {
		return err
	}
	db.mems.Drain()
	return db.mems.Err()
}

// Metrics returns a point-in-time snapshot of this database's cache, level,
// compaction, GC and WAL counters (spec.md §4.2/§4.11/§4.12/§4.14).
func (db *Db) Metrics() Metrics {
	var m Metrics
	m.BlockCache = db.blockCache.Metrics()
	m.HeadCache = db.headCache.Metrics()

	snap := db.mgr.Snapshot()
	scores := db.mgr.Scores()
	for lvl := 0; lvl < level.NumLevels; lvl++ {
		var lm LevelMetrics
		lm.NumFiles = int64(len(snap.Tables[lvl]))
		for _, h := range snap.Tables[lvl] {
			lm.Size += int64(h.Meta.FileSize)
		}
		lm.Score = scores[lvl]
		m.Levels[lvl] = lm
	}
	snap.Release()

	m.Compact.Count = db.compactCount.Load()
	db.compactLatMu.Lock()
	latSnap := hdrhistogram.New(db.compactLatHdr.LowestTrackableValue(), db.compactLatHdr.HighestTrackableValue(), 3)
	latSnap.Merge(db.compactLatHdr)
	db.compactLatMu.Unlock()
	m.Compact.LatencyMicros = latSnap
	m.GC.DroppedSegments = db.gcDroppedCount.Load()
	m.MemTable.ActiveSize = db.mems.ActiveSize()
	m.WAL.FsyncLatency = db.fsyncHist
	m.Uptime = time.Since(db.openedAt)
	return m
}

// Sync fsyncs the active WAL segment.
func (db *Db) Sync() error { return db.wal.Sync() }

// SyncAll fsyncs the active WAL segment and its containing directory, so a
// preceding rotation is itself durable (spec.md §4.6 "sync_all").
func (db *Db) SyncAll() error { return db.wal.SyncAll() }

// Close stops every background goroutine, drains the flush pipeline and
// closes every durable log (spec.md §4.15 "close").
func (db *Db) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	close(db.closeCh)
	db.wg.Wait()

	db.mems.Close()

	var firstErr error
	if err := db.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.ckp.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.gcCounter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.readers.close()
	return firstErr
}
