package sstable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdb-go/jdb/internal/base"
)

func TestBlockRoundTrip(t *testing.T) {
	bb := NewBlockBuilder(4)
	var keys [][]byte
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		keys = append(keys, k)
		bb.Add(k, base.NewPos(uint64(i), 0, 1, uint64(i*10), 10))
	}
	raw := bb.Finish()
	bl, err := decodeBlock(raw)
	require.NoError(t, err)

	for i, k := range keys {
		pos, ok := bl.Get(k)
		require.True(t, ok)
		require.Equal(t, uint64(i), pos.Version)
	}
	_, ok := bl.Get([]byte("missing"))
	require.False(t, ok)
}

func TestBlockScanOrder(t *testing.T) {
	bb := NewBlockBuilder(8)
	for i := 0; i < 20; i++ {
		bb.Add([]byte(fmt.Sprintf("k%03d", i)), base.NewPos(uint64(i), 0, 1, 0, 0))
	}
	bl, err := decodeBlock(bb.Finish())
	require.NoError(t, err)

	var got []string
	bl.scanFrom(0, func(e blockEntry) bool {
		got = append(got, string(e.key))
		return true
	})
	require.Len(t, got, 20)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
}
