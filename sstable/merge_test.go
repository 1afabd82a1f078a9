package sstable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdb-go/jdb/internal/base"
)

func TestMergePrefersHigherPrecedence(t *testing.T) {
	newer := NewSliceSource([]Entry{
		{Key: []byte("a"), Pos: base.NewPos(2, 0, 1, 0, 0)},
		{Key: []byte("c"), Pos: base.NewPos(2, 0, 1, 0, 0)},
	})
	older := NewSliceSource([]Entry{
		{Key: []byte("a"), Pos: base.NewPos(1, 0, 1, 0, 0)},
		{Key: []byte("b"), Pos: base.NewPos(1, 0, 1, 0, 0)},
	})

	var visited []Entry
	var discarded []Entry
	err := Merge([]MergeSource{newer, older}, base.Asc, func(e Entry) bool {
		visited = append(visited, e)
		return true
	}, func(e Entry) {
		discarded = append(discarded, e)
	})
	require.NoError(t, err)
	require.Len(t, visited, 3)
	require.Equal(t, "a", string(visited[0].Key))
	require.Equal(t, uint64(2), visited[0].Pos.Version) // newer source wins the shared key
	require.Equal(t, "b", string(visited[1].Key))
	require.Equal(t, "c", string(visited[2].Key))

	require.Len(t, discarded, 1)
	require.Equal(t, "a", string(discarded[0].Key))
	require.Equal(t, uint64(1), discarded[0].Pos.Version)
}

func TestMergeDescendingOrder(t *testing.T) {
	src := NewSliceSource([]Entry{
		{Key: []byte("c"), Pos: base.NewPos(1, 0, 1, 0, 0)},
		{Key: []byte("b"), Pos: base.NewPos(1, 0, 1, 0, 0)},
		{Key: []byte("a"), Pos: base.NewPos(1, 0, 1, 0, 0)},
	})
	var order []string
	err := Merge([]MergeSource{src}, base.Desc, func(e Entry) bool {
		order = append(order, string(e.Key))
		return true
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, order)
}
