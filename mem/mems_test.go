package mem

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdb-go/jdb/internal/base"
)

type recordingFlusher struct {
	mu      sync.Mutex
	flushed []uint64
}

func (f *recordingFlusher) FlushMemtable(m *Memtable) error {
	f.mu.Lock()
	f.flushed = append(f.flushed, m.ID())
	f.mu.Unlock()
	return nil
}

func TestMemtablePutGet(t *testing.T) {
	m := New(1)
	pos := base.NewPos(1, 0, 1, 0, 5)
	m.Put([]byte("k"), pos)

	got, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, pos, got)

	_, ok = m.Get([]byte("missing"))
	require.False(t, ok)
}

func TestMemtableAscend(t *testing.T) {
	m := New(1)
	for _, k := range []string{"c", "a", "b"} {
		m.Put([]byte(k), base.NewPos(1, 0, 1, 0, 1))
	}
	var seen []string
	m.Ascend(nil, func(kv KV) bool {
		seen = append(seen, string(kv.Key))
		return true
	})
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestMemsRotateFlushes(t *testing.T) {
	opts := (&base.Options{MemRotateSize: 64, MemFrozenSlots: 2}).WithDefaults()
	flusher := &recordingFlusher{}
	m := NewMems(opts, 1, flusher)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Put([]byte("key"), base.NewPos(uint64(i), 0, 1, 0, 40), uint64(i+2)))
	}
	m.Close()

	flusher.mu.Lock()
	defer flusher.mu.Unlock()
	require.NotEmpty(t, flusher.flushed, "expected at least one rotation to have flushed")
}

func TestMemsGetPrefersActive(t *testing.T) {
	opts := (&base.Options{}).WithDefaults()
	flusher := &recordingFlusher{}
	m := NewMems(opts, 1, flusher)
	defer m.Close()

	require.NoError(t, m.Put([]byte("k"), base.NewPos(1, 0, 1, 0, 1), 2))
	pos, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, uint64(1), pos.Version)
}
