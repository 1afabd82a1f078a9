package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdb-go/jdb/sstable"
)

func TestCheckpointSetWalPtrRecovers(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, c.Rotate(1))
	require.NoError(t, c.Rotate(2))
	require.NoError(t, c.SetWalPtr(2, 128))
	require.NoError(t, c.Close())

	c2, err := Open(dir, nil)
	require.NoError(t, err)
	resume, rotations, sst := c2.Recovered()
	require.Equal(t, uint64(2), resume.WalID)
	require.Equal(t, int64(128), resume.Offset)
	require.Empty(t, rotations) // cleared by the save point
	require.Empty(t, sst)
}

func TestCheckpointApplyFlushAndCompaction(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, c.ApplyFlush(sstable.Meta{ID: 1, Level: 0}))
	require.NoError(t, c.ApplyFlush(sstable.Meta{ID: 2, Level: 0}))
	require.NoError(t, c.ApplyCompaction([]sstable.Meta{{ID: 3, Level: 1}}, []uint64{1, 2}))
	require.NoError(t, c.Close())

	c2, err := Open(dir, nil)
	require.NoError(t, err)
	_, _, sst := c2.Recovered()
	require.Equal(t, map[uint64]int{3: 1}, sst)
}

func TestCheckpointCompactsLogAfterInterval(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	require.NoError(t, err)
	for i := uint64(0); i < 600; i++ {
		require.NoError(t, c.ApplyFlush(sstable.Meta{ID: i, Level: 0}))
	}
	require.NoError(t, c.Close())

	// The log should have compacted at least once; a fresh Open still
	// reconstructs every live id.
	c2, err := Open(dir, nil)
	require.NoError(t, err)
	_, _, sst := c2.Recovered()
	require.Len(t, sst, 600)
}
