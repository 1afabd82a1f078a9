package gc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/wal"
)

func TestCounterAddAndRecoverAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCounter(dir, nil)
	require.NoError(t, err)

	require.NoError(t, c.Add(1, 10))
	require.NoError(t, c.Add(1, 5))
	require.NoError(t, c.Add(2, 7))
	require.Equal(t, uint64(15), c.DiscardBytes(1))
	require.Equal(t, uint64(7), c.DiscardBytes(2))
	require.Equal(t, uint64(0), c.DiscardBytes(3))
	require.NoError(t, c.Close())

	c2, err := OpenCounter(dir, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(15), c2.DiscardBytes(1))
	require.Equal(t, uint64(7), c2.DiscardBytes(2))
	require.NoError(t, c2.Close())
}

func TestCounterZeroAddIsNoop(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCounter(dir, nil)
	require.NoError(t, err)
	require.NoError(t, c.Add(1, 0))
	require.Equal(t, uint64(0), c.DiscardBytes(1))
	require.NoError(t, c.Close())
}

func TestDecide(t *testing.T) {
	opts := (&base.Options{GCRewriteThreshold: 0.5, GCDropThreshold: 0.1}).WithDefaults()

	require.Equal(t, DecisionNone, Decide(opts, 0, 0))
	require.Equal(t, DecisionNone, Decide(opts, 1000, 100)) // live = 0.9
	require.Equal(t, DecisionRewrite, Decide(opts, 1000, 600))
	require.Equal(t, DecisionDrop, Decide(opts, 1000, 950))
}

// fakeIndex models the tiny slice of the engine's live key->Pos index that
// Sweep needs: a lookup table a relocate call mutates in place, standing in
// for the real memtable/level chain.
type fakeIndex struct {
	live map[string]base.Pos
	w    *wal.Wal
}

func (f *fakeIndex) lookup(key []byte) (base.Pos, bool, error) {
	p, ok := f.live[string(key)]
	return p, ok, nil
}

func (f *fakeIndex) relocate(key, value []byte, flag base.Flag) error {
	if flag.IsTombstone() {
		pos, err := f.w.Put(key, nil, true)
		if err != nil {
			return err
		}
		f.live[string(key)] = pos
		return nil
	}
	pos, err := f.w.PutRaw(key, value, flag)
	if err != nil {
		return err
	}
	f.live[string(key)] = pos
	return nil
}

func TestRunnerSweepRewritesLiveSegment(t *testing.T) {
	dir := t.TempDir()
	// 400 bytes holds the 12-byte header plus the "live" (145) and "stale"
	// (144) records but not the 141-byte "next" record, which rotates.
	opts := (&base.Options{WalMaxSize: 400, InfileMax: 64}).WithDefaults()
	ids := &base.IDGen{}

	w, err := wal.Open(dir, opts, ids, nil)
	require.NoError(t, err)
	idx := &fakeIndex{live: make(map[string]base.Pos), w: w}

	posA, err := w.Put([]byte("live"), []byte("alive"), false)
	require.NoError(t, err)
	idx.live["live"] = posA
	_, err = w.Put([]byte("stale"), []byte("old"), false)
	require.NoError(t, err)
	// "stale" is immediately shadowed: the index never records it as live,
	// modeling a key a later write (already applied elsewhere) superseded.

	sealedID := w.cur.id
	walID, _ := w.CurrentPos()
	require.Equal(t, sealedID, walID)
	require.NoError(t, w.SyncAll())

	counter, err := OpenCounter(dir, opts)
	require.NoError(t, err)
	// 200 of the segment's 301 bytes discarded: live fraction ~0.34, under
	// the 0.5 rewrite threshold and over the 0.1 drop threshold.
	require.NoError(t, counter.Add(sealedID, 200))

	// Rotate so sealedID is no longer the active segment: Sweep only
	// considers ids strictly below belowWalID.
	_, err = w.Put([]byte("next"), []byte("v"), false)
	require.NoError(t, err)
	nextID, _ := w.CurrentPos()
	require.NotEqual(t, sealedID, nextID)

	r := NewRunner(dir, opts, counter, idx.lookup, idx.relocate, nil)
	dropped, err := r.Sweep(nextID)
	require.NoError(t, err)
	require.Empty(t, dropped) // rewritten, not dropped: live fraction crosses rewrite but not drop

	got, err := w.Get(idx.live["live"])
	require.NoError(t, err)
	require.Equal(t, []byte("alive"), got)
	require.NotEqual(t, sealedID, idx.live["live"].WalID, "relocated record must carry a new Pos")

	require.NoError(t, w.Close())
	require.NoError(t, counter.Close())
}

func TestRunnerSweepDropsDeadSegment(t *testing.T) {
	dir := t.TempDir()
	// 200 bytes holds the header plus one 141-byte record, so the "next"
	// put rotates.
	opts := (&base.Options{WalMaxSize: 200, InfileMax: 64, GCDropThreshold: 0.99}).WithDefaults()
	ids := &base.IDGen{}

	w, err := wal.Open(dir, opts, ids, nil)
	require.NoError(t, err)
	idx := &fakeIndex{live: make(map[string]base.Pos), w: w}

	_, err = w.Put([]byte("gone"), []byte("v"), false)
	require.NoError(t, err)
	// Nothing recorded live: every record in this segment is dead.

	sealedID := w.cur.id
	require.NoError(t, w.SyncAll())

	counter, err := OpenCounter(dir, opts)
	require.NoError(t, err)
	require.NoError(t, counter.Add(sealedID, 1<<20))

	_, err = w.Put([]byte("next"), []byte("v"), false)
	require.NoError(t, err)
	nextID, _ := w.CurrentPos()

	r := NewRunner(dir, opts, counter, idx.lookup, idx.relocate, nil)
	dropped, err := r.Sweep(nextID)
	require.NoError(t, err)
	require.Equal(t, []uint64{sealedID}, dropped)

	_, err = wal.Scan(wal.SegmentFilePath(dir, sealedID), func(int64, wal.Record) error { return nil })
	require.Error(t, err, "segment file should have been removed")

	require.NoError(t, w.Close())
	require.NoError(t, counter.Close())
}

func TestRunnerSweepIgnoresSegmentsAtOrAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	opts := (&base.Options{WalMaxSize: 1 << 20, InfileMax: 64}).WithDefaults()
	ids := &base.IDGen{}

	w, err := wal.Open(dir, opts, ids, nil)
	require.NoError(t, err)
	idx := &fakeIndex{live: make(map[string]base.Pos), w: w}

	sealedID := w.cur.id
	require.NoError(t, w.SyncAll())

	counter, err := OpenCounter(dir, opts)
	require.NoError(t, err)

	r := NewRunner(dir, opts, counter, idx.lookup, idx.relocate, nil)
	dropped, err := r.Sweep(sealedID) // sealedID is still the active segment, excluded
	require.NoError(t, err)
	require.Empty(t, dropped)

	require.NoError(t, w.Close())
	require.NoError(t, counter.Close())
}
