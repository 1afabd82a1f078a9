package level

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/sstable"
)

func handle(id uint64, level int, min, max string) *sstable.Handle {
	meta := sstable.Meta{ID: id, Level: level, MinKey: []byte(min), MaxKey: []byte(max), FileSize: 1 << 20}
	return sstable.NewHandle(meta, "", nil)
}

func TestManagerAddL0AppendsInOrder(t *testing.T) {
	m := NewManager(nil)
	m.Add(handle(1, 0, "a", "c"))
	m.Add(handle(2, 0, "b", "d"))
	require.Len(t, m.tables[0], 2)
	require.Equal(t, uint64(1), m.tables[0][0].Meta.ID)
	require.Equal(t, uint64(2), m.tables[0][1].Meta.ID)
}

func TestManagerAddL1SortsByMinKey(t *testing.T) {
	m := NewManager(nil)
	m.Add(handle(3, 1, "m", "p"))
	m.Add(handle(1, 1, "a", "c"))
	m.Add(handle(2, 1, "e", "g"))
	require.Equal(t, []uint64{1, 2, 3}, idsOf(m.tables[1]))
}

func idsOf(hs []*sstable.Handle) []uint64 {
	out := make([]uint64, len(hs))
	for i, h := range hs {
		out[i] = h.Meta.ID
	}
	return out
}

func TestManagerOverlapL1(t *testing.T) {
	m := NewManager(nil)
	m.Add(handle(1, 1, "a", "c"))
	m.Add(handle(2, 1, "e", "g"))
	m.Add(handle(3, 1, "m", "p"))

	got := m.Overlap(1, []byte("f"), []byte("n"))
	require.Equal(t, []uint64{2, 3}, idsOf(got))
}

func TestManagerRemoveMarksHandleRemoved(t *testing.T) {
	m := NewManager(nil)
	var idled bool
	meta := sstable.Meta{ID: 1, Level: 1}
	h := sstable.NewHandle(meta, "", func(sstable.Meta, string) { idled = true })
	m.Add(h)

	m.Remove(1, map[uint64]bool{1: true})
	require.True(t, idled, "handle should idle immediately: no extra readers had acquired it")
	require.Empty(t, m.tables[1])
}

func TestManagerRemoveKeepsHandleAliveForReaders(t *testing.T) {
	m := NewManager(nil)
	var idled bool
	meta := sstable.Meta{ID: 1, Level: 1}
	h := sstable.NewHandle(meta, "", func(sstable.Meta, string) { idled = true })
	h.Acquire()
	m.Add(h)

	m.Remove(1, map[uint64]bool{1: true})
	require.False(t, idled, "still acquired by a reader")
	h.Release()
	require.True(t, idled)
}

func TestManagerApplyCompactionReplacesSrcAndDst(t *testing.T) {
	m := NewManager(nil)
	m.Add(handle(1, 0, "a", "z"))
	m.Add(handle(10, 1, "a", "z"))

	replacement := handle(20, 1, "a", "z")
	m.ApplyCompaction(0, []uint64{1}, 1, []uint64{10}, []*sstable.Handle{replacement})

	require.Empty(t, m.tables[0])
	require.Equal(t, []uint64{20}, idsOf(m.tables[1]))
}

func TestManagerScoresL0FileCountTriggersCompaction(t *testing.T) {
	opts := &base.Options{L0FileLimit: 4}
	m := NewManager(opts)
	for i := uint64(1); i <= 5; i++ {
		m.Add(handle(i, 0, "a", "z"))
	}
	_, ok := m.PickCompaction()
	require.True(t, ok)
}

func TestManagerPickCompactionNoneWhenBelowTargets(t *testing.T) {
	m := NewManager(nil)
	m.Add(handle(1, 0, "a", "z"))
	_, ok := m.PickCompaction()
	require.False(t, ok)
}

func TestManagerIsBottommost(t *testing.T) {
	m := NewManager(nil)
	m.Add(handle(1, 2, "a", "z"))
	require.True(t, m.IsBottommost(2))
	m.Add(handle(2, 4, "a", "z"))
	require.False(t, m.IsBottommost(2))
	require.True(t, m.IsBottommost(4))
}

func TestManagerIDsByLevel(t *testing.T) {
	m := NewManager(nil)
	m.Add(handle(1, 0, "a", "z"))
	m.Add(handle(2, 1, "a", "z"))
	ids := m.IDsByLevel()
	require.Equal(t, 0, ids[1])
	require.Equal(t, 1, ids[2])
}

func TestManagerSnapshotPinsHandles(t *testing.T) {
	m := NewManager(nil)
	var idled bool
	meta := sstable.Meta{ID: 1, Level: 1}
	h := sstable.NewHandle(meta, "", func(sstable.Meta, string) { idled = true })
	m.Add(h)

	snap := m.Snapshot()
	m.Remove(1, map[uint64]bool{1: true})
	require.False(t, idled, "snapshot should keep the handle alive")
	snap.Release()
	require.True(t, idled)
}
