// Package checkpoint implements the recovery journal (C14, spec.md §3
// "Checkpoint", §4.13): a compacting log of (wal_ptr, rotations, sst_map)
// operations that lets startup recovery skip replaying already-flushed WAL
// records and reconstruct the live SSTable set without rescanning every
// level directory. Grounded on original_source/jdb_ckp/src/{state,log}.rs,
// built directly on package record's CompactLog/Compactable (C7), the exact
// primitive spec.md §4.5 calls out as shared by checkpoint and GC.
package checkpoint

import (
	"encoding/binary"
	"path/filepath"
	"sync"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/record"
	"github.com/jdb-go/jdb/internal/vfs"
	"github.com/jdb-go/jdb/sstable"
	"github.com/jdb-go/jdb/wal"
)

// Record kinds, packed into the low nibble of a 0xC? magic byte (spec.md
// §6: "kind ∈ {Save(1), Rotate(2), SstAdd(3), SstRm(4)}").
const (
	kindSave   uint8 = 1
	kindRotate uint8 = 2
	kindSstAdd uint8 = 3
	kindSstRm  uint8 = 4
)

// state is the in-memory reconstruction of the checkpoint's durable
// content (spec.md §3: "a WAL pointer, a set of WAL ids rotated since that
// pointer was set, and a map from live SSTable id to level"). All mutation
// goes through the apply* helpers so that replay (via OnHead) and live
// writes (via the Checkpoint wrapper) can't diverge.
type state struct {
	walID     uint64
	walOffset int64
	rotations []uint64
	sstLevel  map[uint64]int
}

func newState() *state {
	return &state{sstLevel: make(map[uint64]int)}
}

func (s *state) applySave(walID uint64, offset int64) {
	s.walID = walID
	s.walOffset = offset
	// Every rotation recorded before this save point is now subsumed by
	// the flush(es) that produced it; only rotations after the new
	// pointer still need replaying on recovery.
	s.rotations = nil
}

func (s *state) applyRotate(walID uint64) {
	s.rotations = append(s.rotations, walID)
}

func (s *state) applyAdd(id uint64, level int) {
	s.sstLevel[id] = level
}

func (s *state) applyRm(id uint64) {
	delete(s.sstLevel, id)
}

// OnHead implements record.Compactable, replaying one persisted operation.
func (s *state) OnHead(magic byte, payload []byte) error {
	switch magic & 0x0f {
	case kindSave:
		if len(payload) < 16 {
			return base.ErrCorruption("checkpoint: short save record")
		}
		walID := binary.LittleEndian.Uint64(payload[0:8])
		offset := int64(binary.LittleEndian.Uint64(payload[8:16]))
		s.applySave(walID, offset)
	case kindRotate:
		if len(payload) < 8 {
			return base.ErrCorruption("checkpoint: short rotate record")
		}
		s.applyRotate(binary.LittleEndian.Uint64(payload[0:8]))
	case kindSstAdd:
		if len(payload) < 9 {
			return base.ErrCorruption("checkpoint: short sst-add record")
		}
		s.applyAdd(binary.LittleEndian.Uint64(payload[0:8]), int(payload[8]))
	case kindSstRm:
		if len(payload) < 8 {
			return base.ErrCorruption("checkpoint: short sst-rm record")
		}
		s.applyRm(binary.LittleEndian.Uint64(payload[0:8]))
	default:
		return base.ErrCorruption("checkpoint: unknown record kind %#x", magic)
	}
	return nil
}

// Len implements record.Compactable.
func (s *state) Len() int { return 1 + len(s.rotations) + len(s.sstLevel) }

// Rewrite implements record.Compactable, emitting the minimal set of
// records that reconstructs the current state.
func (s *state) Rewrite() ([]record.RewriteEntry, error) {
	entries := make([]record.RewriteEntry, 0, s.Len())

	save := make([]byte, 16)
	binary.LittleEndian.PutUint64(save[0:8], s.walID)
	binary.LittleEndian.PutUint64(save[8:16], uint64(s.walOffset))
	entries = append(entries, record.RewriteEntry{Magic: record.CheckpointMagic(kindSave), Payload: save})

	for _, id := range s.rotations {
		p := make([]byte, 8)
		binary.LittleEndian.PutUint64(p, id)
		entries = append(entries, record.RewriteEntry{Magic: record.CheckpointMagic(kindRotate), Payload: p})
	}
	for id, lvl := range s.sstLevel {
		p := make([]byte, 9)
		binary.LittleEndian.PutUint64(p[0:8], id)
		p[8] = byte(lvl)
		entries = append(entries, record.RewriteEntry{Magic: record.CheckpointMagic(kindSstAdd), Payload: p})
	}
	return entries, nil
}

// Checkpoint wraps a record.CompactLog over state, serializing every
// write so the in-memory reconstruction and the on-disk log never diverge.
type Checkpoint struct {
	mu  sync.Mutex
	log *record.CompactLog
	st  *state
}

// Open loads (or creates) the checkpoint log under dir/ckp/state.
func Open(dir string, opts *base.Options) (*Checkpoint, error) {
	opts = opts.WithDefaults()
	ckpDir := filepath.Join(dir, "ckp")
	if err := vfs.MkdirAll(ckpDir); err != nil {
		return nil, err
	}
	st := newState()
	log, err := record.Open(filepath.Join(ckpDir, "state"), record.LenKind4, record.IsCheckpointMagic, st, opts.GCCompactInterval)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{log: log, st: st}, nil
}

// SetWalPtr records the durable save point (spec.md §4.13: issued only
// after every memtable older than (walID, offset) has been flushed to an
// SSTable).
func (c *Checkpoint) SetWalPtr(walID uint64, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], walID)
	binary.LittleEndian.PutUint64(payload[8:16], uint64(offset))
	if err := c.log.Push(record.CheckpointMagic(kindSave), payload); err != nil {
		return err
	}
	c.st.applySave(walID, offset)
	return c.log.MaybeCompact()
}

// Rotate records that walID was sealed by a WAL rotation, so recovery
// knows to scan it even though it postdates the last save point.
func (c *Checkpoint) Rotate(walID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, walID)
	if err := c.log.Push(record.CheckpointMagic(kindRotate), payload); err != nil {
		return err
	}
	c.st.applyRotate(walID)
	return c.log.MaybeCompact()
}

// ApplyFlush records one memtable flush's new L0 table (spec.md §4.13
// "Mem→Sst").
func (c *Checkpoint) ApplyFlush(meta sstable.Meta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload := make([]byte, 9)
	binary.LittleEndian.PutUint64(payload[0:8], meta.ID)
	payload[8] = byte(meta.Level)
	if err := c.log.Push(record.CheckpointMagic(kindSstAdd), payload); err != nil {
		return err
	}
	c.st.applyAdd(meta.ID, meta.Level)
	return c.log.MaybeCompact()
}

// ApplyCompaction records one compaction's commit: adds joins the level,
// rms leaves it (spec.md §4.13 "Compact{adds, rms}"). Removals are written
// before adds so that a crash mid-write never resurrects a table the
// compactor has already started reusing the id space of.
func (c *Checkpoint) ApplyCompaction(adds []sstable.Meta, rms []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]record.RewriteEntry, 0, len(adds)+len(rms))
	for _, id := range rms {
		p := make([]byte, 8)
		binary.LittleEndian.PutUint64(p, id)
		entries = append(entries, record.RewriteEntry{Magic: record.CheckpointMagic(kindSstRm), Payload: p})
	}
	for _, m := range adds {
		p := make([]byte, 9)
		binary.LittleEndian.PutUint64(p[0:8], m.ID)
		p[8] = byte(m.Level)
		entries = append(entries, record.RewriteEntry{Magic: record.CheckpointMagic(kindSstAdd), Payload: p})
	}
	if len(entries) == 0 {
		return nil
	}
	if err := c.log.PushIter(entries); err != nil {
		return err
	}
	for _, id := range rms {
		c.st.applyRm(id)
	}
	for _, m := range adds {
		c.st.applyAdd(m.ID, m.Level)
	}
	return c.log.MaybeCompact()
}

// Recovered returns the reconstructed state for startup recovery: the
// resume point the WAL should replay from, every WAL id rotated since
// then (which recovery must also scan), and every SSTable id's level
// (recovery deletes any sst/ file not present in this map as an orphan
// from a crash between Writer.Finish and the checkpoint record that would
// have registered it, spec.md §4.13).
func (c *Checkpoint) Recovered() (resume wal.ResumePoint, rotations []uint64, sstLevel map[uint64]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sstLevel = make(map[uint64]int, len(c.st.sstLevel))
	for id, lvl := range c.st.sstLevel {
		sstLevel[id] = lvl
	}
	rotations = append([]uint64(nil), c.st.rotations...)
	return wal.ResumePoint{WalID: c.st.walID, Offset: c.st.walOffset}, rotations, sstLevel
}

// Close closes the underlying log file.
func (c *Checkpoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Close()
}
