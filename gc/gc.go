// Package gc implements discard-byte accounting and the WAL reclaim sweep
// (C15, spec.md §3 "Discard GC", §4.14). Every time a compaction or a
// memtable overwrite supersedes an inline value, its footprint is added to
// a per-WAL counter persisted through the same generic compacting log
// used by package checkpoint; once a sealed WAL segment's live fraction
// drops below a threshold, Runner either rewrites its surviving records
// into a fresh segment or drops it outright. Grounded on
// original_source/jdb_gc/src/{counter,sweep}.rs.
package gc

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/record"
	"github.com/jdb-go/jdb/internal/vfs"
	"github.com/jdb-go/jdb/wal"
)

const kindCount uint8 = 1

// countState persists wal_id -> cumulative discarded-byte total, replaying
// to the last value written per id (later records for the same id
// supersede earlier ones, so Rewrite only needs to emit the latest).
type countState struct {
	totals map[uint64]uint64
}

func newCountState() *countState { return &countState{totals: make(map[uint64]uint64)} }

func (s *countState) OnHead(magic byte, payload []byte) error {
	if len(payload) < 16 {
		return base.ErrCorruption("gc: short count record")
	}
	id := binary.LittleEndian.Uint64(payload[0:8])
	n := binary.LittleEndian.Uint64(payload[8:16])
	s.totals[id] = n
	return nil
}

func (s *countState) Len() int { return len(s.totals) }

func (s *countState) Rewrite() ([]record.RewriteEntry, error) {
	entries := make([]record.RewriteEntry, 0, len(s.totals))
	for id, n := range s.totals {
		p := make([]byte, 16)
		binary.LittleEndian.PutUint64(p[0:8], id)
		binary.LittleEndian.PutUint64(p[8:16], n)
		entries = append(entries, record.RewriteEntry{Magic: record.CheckpointMagic(kindCount), Payload: p})
	}
	return entries, nil
}

// Counter is the durable discard-byte accumulator, one instance per
// database (spec.md §4.12: "counts bytes toward that WAL's discard
// counter").
type Counter struct {
	mu  sync.Mutex
	log *record.CompactLog
	st  *countState
}

// OpenCounter loads (or creates) the discard counter log under
// dir/gc/counts.
func OpenCounter(dir string, opts *base.Options) (*Counter, error) {
	opts = opts.WithDefaults()
	gcDir := filepath.Join(dir, "gc")
	if err := vfs.MkdirAll(gcDir); err != nil {
		return nil, err
	}
	st := newCountState()
	log, err := record.Open(filepath.Join(gcDir, "counts"), record.LenKind4, record.IsCheckpointMagic, st, opts.GCCompactInterval)
	if err != nil {
		return nil, err
	}
	return &Counter{log: log, st: st}, nil
}

// Add accumulates discardBytes of footprint against walID (spec.md §4.12's
// "(pos.wal_id, pos.len + key.len + overhead)" unit), called by the
// compactor's OnDiscard callback and by the memtable flush path for
// entries already shadowed inside a single memtable.
func (c *Counter) Add(walID uint64, discardBytes uint64) error {
	if discardBytes == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.totals[walID] += discardBytes
	p := make([]byte, 16)
	binary.LittleEndian.PutUint64(p[0:8], walID)
	binary.LittleEndian.PutUint64(p[8:16], c.st.totals[walID])
	if err := c.log.Push(record.CheckpointMagic(kindCount), p); err != nil {
		return err
	}
	return c.log.MaybeCompact()
}

// DiscardBytes returns the cumulative discarded footprint attributed to
// walID.
func (c *Counter) DiscardBytes(walID uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.totals[walID]
}

// Close closes the underlying log file.
func (c *Counter) Close() error { return c.log.Close() }

// Policy decides how a rewritten value's bytes are re-encoded. Both
// provided policies are pass-through: per spec.md §9's open question on
// GC recompression, GC never recompresses on rewrite, it only relocates
// whatever bytes and Flag the original record already carried, leaving
// compression decisions entirely to the original write path.
type Policy interface {
	Rewrite(value []byte, flag base.Flag) ([]byte, base.Flag)
}

type passthroughPolicy struct{}

func (passthroughPolicy) Rewrite(v []byte, f base.Flag) ([]byte, base.Flag) { return v, f }

// NoGc is the same pass-through rewrite policy as DefaultGc. A Policy only
// governs how relocated bytes are re-encoded; Decide takes no Policy, so
// choosing NoGc does not stop segments from being swept.
var NoGc Policy = passthroughPolicy{}

// DefaultGc is the standard pass-through rewrite policy.
var DefaultGc Policy = passthroughPolicy{}

// Decision is the action Decide recommends for one sealed WAL segment.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionRewrite
	DecisionDrop
)

// Decide compares a segment's discarded-byte total against its file size
// to choose an action (spec.md §4.14): below GCDropThreshold live
// fraction, drop the segment outright; below GCRewriteThreshold, rewrite
// its surviving records into a fresh segment; otherwise leave it alone.
func Decide(opts *base.Options, fileSize, discardBytes uint64) Decision {
	if fileSize == 0 {
		return DecisionNone
	}
	live := 1 - float64(discardBytes)/float64(fileSize)
	switch {
	case live < opts.GCDropThreshold:
		return DecisionDrop
	case live < opts.GCRewriteThreshold:
		return DecisionRewrite
	default:
		return DecisionNone
	}
}

// LookupFunc returns the current authoritative Pos for key, if any — the
// memtable/level-manager lookup chain the rest of the engine already
// maintains. A record found during a sweep is "live" only if its own
// identity (version, wal id, offset/file id) matches what LookupFunc
// currently returns for its key.
type LookupFunc func(key []byte) (base.Pos, bool, error)

// RelocateFunc re-appends a still-live record's bytes as a brand new
// write and updates whichever index currently holds the key (spec.md
// §4.14 "update index references atomically"): because a relocated key's
// new Pos is simply a normal, newer write, it naturally shadows any
// stale copy already resident in an SSTable without touching that
// SSTable at all. flag carries the original record's compression tag (and
// tombstone bit); value is the bytes that record stored verbatim — still
// compressed if the original was — so the implementation must write them
// back unchanged rather than recompressing from scratch (see Policy's doc
// comment).
type RelocateFunc func(key, value []byte, flag base.Flag) error

// Runner drives the rewrite/drop decision across a database's sealed WAL
// segments.
type Runner struct {
	dir      string
	opts     *base.Options
	counter  *Counter
	lookup   LookupFunc
	relocate RelocateFunc
	policy   Policy
}

// NewRunner returns a Runner bound to dir's wal/ directory. A nil policy
// defaults to DefaultGc.
func NewRunner(dir string, opts *base.Options, counter *Counter, lookup LookupFunc, relocate RelocateFunc, policy Policy) *Runner {
	if policy == nil {
		policy = DefaultGc
	}
	return &Runner{dir: dir, opts: opts.WithDefaults(), counter: counter, lookup: lookup, relocate: relocate, policy: policy}
}

// Sweep evaluates every sealed segment whose id is strictly below
// belowWalID (the checkpoint's current save-point WAL id: spec.md §4.13's
// invariant that a save point is only issued once every older memtable is
// flushed, which guarantees any record still live in such a segment now
// lives only in an SSTable, never a bare unflushed memtable) and rewrites
// or drops any that cross the configured thresholds. It returns the ids
// it dropped; callers must not let the checkpoint or any in-flight reader
// reference them afterward.
func (r *Runner) Sweep(belowWalID uint64) ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, "wal"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, base.WrapError(base.KindIO, err, "readdir %s/wal", r.dir)
	}

	var dropped []uint64
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		id, ok := segmentID(de.Name())
		if !ok || id >= belowWalID {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			return dropped, base.WrapError(base.KindIO, err, "stat %s", de.Name())
		}
		discard := r.counter.DiscardBytes(id)
		switch Decide(r.opts, uint64(fi.Size()), discard) {
		case DecisionDrop:
			if err := r.dropSegment(id); err != nil {
				return dropped, err
			}
			dropped = append(dropped, id)
		case DecisionRewrite:
			if err := r.rewriteSegment(id); err != nil {
				return dropped, err
			}
		}
	}
	return dropped, nil
}

func segmentID(name string) (uint64, bool) {
	const ext = ".wal"
	if filepath.Ext(name) != ext {
		return 0, false
	}
	id, err := base.DecodeID(name[:len(name)-len(ext)])
	if err != nil {
		return 0, false
	}
	return id, true
}

// dropSegment deletes a segment whose live fraction is below
// GCDropThreshold outright. Inline values never outlive their segment, so
// by definition almost nothing live remains; external values are
// unaffected (their bytes live independently under bin/, see ReadValue),
// but any external reference the segment held that is no longer the
// authoritative Pos for its key is an orphan, and its blob is reclaimed
// here as a best-effort cleanup.
func (r *Runner) dropSegment(id uint64) error {
	path := wal.SegmentFilePath(r.dir, id)
	_, err := wal.Scan(path, func(off int64, rec wal.Record) error {
		if !rec.Head.Flag.IsExternal() {
			return nil
		}
		pos := base.NewPos(rec.Head.Version, rec.Head.Flag, id, rec.Head.ValFileID, rec.Head.ValLen)
		cur, ok, err := r.lookup(rec.Key)
		if err != nil {
			return err
		}
		if ok && posIdentical(cur, pos) {
			return nil // still the live reference; leave its blob alone
		}
		return wal.RemoveBlob(r.dir, pos.FileID())
	})
	if err != nil {
		return err
	}
	return wal.RemoveSegmentFile(r.dir, id)
}

// rewriteSegment copies every still-live inline record (and live
// tombstones, which carry no value bytes but must still shadow older
// copies until a future compaction drops them) into a new WAL segment via
// relocate, then deletes the old one. External records are skipped
// outright: their value bytes don't live in this segment and their
// authoritative Pos is untouched by the segment's removal.
func (r *Runner) rewriteSegment(id uint64) error {
	type liveRec struct {
		key, value []byte
		flag       base.Flag
	}
	var live []liveRec
	path := wal.SegmentFilePath(r.dir, id)
	_, err := wal.Scan(path, func(off int64, rec wal.Record) error {
		if rec.Head.Flag.IsExternal() {
			return nil
		}
		pos := base.NewPos(rec.Head.Version, rec.Head.Flag, id, uint64(off), rec.Head.ValLen)
		cur, ok, err := r.lookup(rec.Key)
		if err != nil {
			return err
		}
		if !ok || !posIdentical(cur, pos) {
			return nil
		}
		value, flag := r.policy.Rewrite(rec.Value, rec.Head.Flag)
		live = append(live, liveRec{
			key:   append([]byte(nil), rec.Key...),
			value: value,
			flag:  flag,
		})
		return nil
	})
	if err != nil {
		return err
	}
	for _, lr := range live {
		if err := r.relocate(lr.key, lr.value, lr.flag); err != nil {
			return err
		}
	}
	return wal.RemoveSegmentFile(r.dir, id)
}

func posIdentical(a, b base.Pos) bool {
	return a.Version == b.Version && a.WalID == b.WalID && a.OffsetOrFileID == b.OffsetOrFileID
}
