package compaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/level"
	"github.com/jdb-go/jdb/sstable"
)

func writeTable(t *testing.T, dir string, id uint64, lvl int, kvs map[string]uint64) sstable.Meta {
	t.Helper()
	opts := (&base.Options{}).WithDefaults()
	w, err := sstable.NewWriter(dir, id, lvl, opts)
	require.NoError(t, err)
	keys := make([]string, 0, len(kvs))
	for k := range kvs {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	for _, k := range keys {
		ver := kvs[k]
		pos := base.NewPos(ver, base.MakeFlag(base.CompressionNone, false, false), 1, ver, uint32(len(k)))
		require.NoError(t, w.Add([]byte(k), pos))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	return meta
}

func TestCompactorMergesAndRemovesSources(t *testing.T) {
	dir := t.TempDir()
	opts := &base.Options{L0FileLimit: 1}
	opts = opts.WithDefaults()
	ids := &base.IDGen{}

	l0aMeta := writeTable(t, dir, ids.Next(), 0, map[string]uint64{"b": 10, "c": 10})
	l0bMeta := writeTable(t, dir, ids.Next(), 0, map[string]uint64{"e": 20})
	l1Meta := writeTable(t, dir, ids.Next(), 1, map[string]uint64{"a": 1, "b": 1, "d": 1})

	mgr := level.NewManager(opts)
	mgr.Add(sstable.NewHandle(l0aMeta, sstable.FilePath(dir, l0aMeta.ID), nil))
	mgr.Add(sstable.NewHandle(l0bMeta, sstable.FilePath(dir, l0bMeta.ID), nil))
	mgr.Add(sstable.NewHandle(l1Meta, sstable.FilePath(dir, l1Meta.ID), nil))

	var discarded []string
	var committed bool
	c := New(dir, opts, ids, mgr, nil,
		func(key []byte, _ base.Pos) { discarded = append(discarded, string(key)) },
		func(adds []sstable.Meta, rms []uint64, lvl int) {
			committed = true
			require.Len(t, adds, 1)
			require.ElementsMatch(t, []uint64{l0aMeta.ID, l0bMeta.ID, l1Meta.ID}, rms)
			require.Equal(t, 1, lvl)
		})

	did, err := c.Run()
	require.NoError(t, err)
	require.True(t, did)
	require.True(t, committed)
	require.ElementsMatch(t, []string{"b"}, discarded) // l1's stale "b" shadowed by l0's newer version

	require.Empty(t, mgr.Overlap(0, nil, nil))
	l1Tables := mgr.Overlap(1, nil, nil)
	require.Len(t, l1Tables, 1)
	newMeta := l1Tables[0].Meta
	require.Equal(t, uint64(5), newMeta.ItemCount) // a, b, c, d, e
}

func TestCompactorDropsTombstonesAtBottommost(t *testing.T) {
	dir := t.TempDir()
	opts := &base.Options{L0FileLimit: 1}
	opts = opts.WithDefaults()
	ids := &base.IDGen{}

	w, err := sstable.NewWriter(dir, ids.Next(), 0, opts)
	require.NoError(t, err)
	tombstonePos := base.NewPos(5, base.MakeFlag(base.CompressionNone, false, true), 1, 0, 0).Tombstone()
	require.NoError(t, w.Add([]byte("gone"), tombstonePos))
	l0aMeta, err := w.Finish()
	require.NoError(t, err)

	w2, err := sstable.NewWriter(dir, ids.Next(), 0, opts)
	require.NoError(t, err)
	require.NoError(t, w2.Add([]byte("zzz"), base.NewPos(6, base.MakeFlag(base.CompressionNone, false, false), 1, 6, 3)))
	l0bMeta, err := w2.Finish()
	require.NoError(t, err)

	mgr := level.NewManager(opts)
	mgr.Add(sstable.NewHandle(l0aMeta, sstable.FilePath(dir, l0aMeta.ID), nil))
	mgr.Add(sstable.NewHandle(l0bMeta, sstable.FilePath(dir, l0bMeta.ID), nil))

	c := New(dir, opts, ids, mgr, nil, nil, nil)
	did, err := c.Run()
	require.NoError(t, err)
	require.True(t, did)

	require.Empty(t, mgr.Overlap(0, nil, nil))
	// With no L1+ table yet, DynamicTargets defaults base_level to the
	// bottommost level (RocksDB-style degenerate two-level LSM).
	bottom := mgr.Overlap(level.NumLevels-1, nil, nil)
	require.Len(t, bottom, 1)
	require.Equal(t, uint64(1), bottom[0].Meta.ItemCount) // only "zzz" survives; "gone" was a droppable bottommost tombstone
}

func TestCompactorAllBottommostTombstonesCommitsPureRemoval(t *testing.T) {
	dir := t.TempDir()
	opts := &base.Options{L0FileLimit: 1}
	opts = opts.WithDefaults()
	ids := &base.IDGen{}

	w, err := sstable.NewWriter(dir, ids.Next(), 0, opts)
	require.NoError(t, err)
	tombstonePos := base.NewPos(5, base.MakeFlag(base.CompressionNone, false, true), 1, 0, 0).Tombstone()
	require.NoError(t, w.Add([]byte("gone"), tombstonePos))
	l0Meta, err := w.Finish()
	require.NoError(t, err)

	// A second L0 file: two files against L0FileLimit 1 score 200, over the
	// pick threshold of 100 that a single file would only reach.
	w2, err := sstable.NewWriter(dir, ids.Next(), 0, opts)
	require.NoError(t, err)
	tombstonePos2 := base.NewPos(6, base.MakeFlag(base.CompressionNone, false, true), 1, 0, 0).Tombstone()
	require.NoError(t, w2.Add([]byte("gone2"), tombstonePos2))
	l0bMeta, err := w2.Finish()
	require.NoError(t, err)

	mgr := level.NewManager(opts)
	mgr.Add(sstable.NewHandle(l0Meta, sstable.FilePath(dir, l0Meta.ID), nil))
	mgr.Add(sstable.NewHandle(l0bMeta, sstable.FilePath(dir, l0bMeta.ID), nil))

	var committed bool
	c := New(dir, opts, ids, mgr, nil, nil,
		func(adds []sstable.Meta, rms []uint64, lvl int) {
			committed = true
			require.Empty(t, adds)
			require.ElementsMatch(t, []uint64{l0Meta.ID, l0bMeta.ID}, rms)
		})

	// Every input key is a droppable bottommost tombstone, so the merge
	// writes nothing: this must still clear the candidate (not error and
	// leave it in place for Run to keep re-picking forever).
	did, err := c.Run()
	require.NoError(t, err)
	require.True(t, did)
	require.True(t, committed)

	require.Empty(t, mgr.Overlap(0, nil, nil))
	for lvl := 1; lvl < level.NumLevels; lvl++ {
		require.Empty(t, mgr.Overlap(lvl, nil, nil))
	}

	did, err = c.Run()
	require.NoError(t, err)
	require.False(t, did, "candidate must be cleared, not re-picked")
}

func TestCompactorNoopWhenNothingEligible(t *testing.T) {
	dir := t.TempDir()
	opts := (&base.Options{}).WithDefaults()
	ids := &base.IDGen{}
	mgr := level.NewManager(opts)
	c := New(dir, opts, ids, mgr, nil, nil, nil)
	did, err := c.Run()
	require.NoError(t, err)
	require.False(t, did)
}
