package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdb-go/jdb/internal/base"
)

func openTestWal(t *testing.T) *Wal {
	t.Helper()
	opts := (&base.Options{WalMaxSize: 4096, InfileMax: 64}).WithDefaults()
	w, err := Open(t.TempDir(), opts, &base.IDGen{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, w.Close()) })
	return w
}

func TestPutGetInline(t *testing.T) {
	w := openTestWal(t)

	pos, err := w.Put([]byte("hello"), []byte("world"), false)
	require.NoError(t, err)
	require.True(t, pos.IsInline())
	require.False(t, pos.IsTombstone())

	got, err := w.Get(pos)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)
}

func TestPutGetExternal(t *testing.T) {
	w := openTestWal(t)

	big := make([]byte, 256)
	for i := range big {
		big[i] = byte(i)
	}
	pos, err := w.Put([]byte("k"), big, false)
	require.NoError(t, err)
	require.True(t, pos.IsExternal())

	got, err := w.Get(pos)
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestTombstone(t *testing.T) {
	w := openTestWal(t)

	pos, err := w.Put([]byte("k"), nil, true)
	require.NoError(t, err)
	require.True(t, pos.IsTombstone())
}

func TestRotation(t *testing.T) {
	w := openTestWal(t)

	firstID := w.cur.id
	value := make([]byte, 32)
	var lastPos base.Pos
	for i := 0; i < 300; i++ {
		pos, err := w.Put([]byte("k"), value, false)
		require.NoError(t, err)
		lastPos = pos
	}
	require.NotEqual(t, firstID, lastPos.WalID, "expected the log to rotate to a new segment")
}

func TestRecoveryReplaysRecords(t *testing.T) {
	dir := t.TempDir()
	opts := (&base.Options{}).WithDefaults()
	ids := &base.IDGen{}

	w, err := Open(dir, opts, ids, nil)
	require.NoError(t, err)
	_, err = w.Put([]byte("a"), []byte("1"), false)
	require.NoError(t, err)
	_, err = w.Put([]byte("b"), []byte("2"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var replayed []string
	w2, err := Open(dir, opts, ids, func(_ uint64, off int64, rec Record) error {
		replayed = append(replayed, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	defer w2.Close()
	require.Equal(t, []string{"a", "b"}, replayed)
}
