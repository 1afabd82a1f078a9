package sstable

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/cache"
)

func buildTestTable(t *testing.T, dir string, id uint64, n int) Meta {
	t.Helper()
	opts := (&base.Options{RestartInterval: 4, PGMEpsilon: 8}).WithDefaults()
	w, err := NewWriter(dir, id, 0, opts)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		pos := base.NewPos(uint64(i), 0, 1, uint64(i*32), 32)
		require.NoError(t, w.Add(key, pos))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	return meta
}

func TestWriterReaderGet(t *testing.T) {
	dir := t.TempDir()
	meta := buildTestTable(t, dir, 1, 500)

	r, err := Open(sstPath(dir, 1), meta, cache.NewBlockCache(1<<20))
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 500; i += 17 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		pos, ok, err := r.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(i), pos.Version)
	}

	_, ok, err := r.Get([]byte("zzz-not-present"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriterReaderAscend(t *testing.T) {
	dir := t.TempDir()
	meta := buildTestTable(t, dir, 2, 200)
	r, err := Open(sstPath(dir, 2), meta, nil)
	require.NoError(t, err)
	defer r.Close()

	var count int
	require.NoError(t, r.Ascend(nil, func(e Entry) bool {
		count++
		return true
	}))
	require.Equal(t, 200, count)
}

func TestSSTPathLayout(t *testing.T) {
	dir := t.TempDir()
	p := sstPath(dir, 42)
	require.Equal(t, filepath.Join(dir, "sst", base.EncodeID(42)), p)
}
