package server

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func seedBlobs(t *testing.T, idx *IndexStore, shard ShardID, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, idx.Put(shard, BlobID(i), Extent{PChunkID: 1, BlockStart: uint64(i), BlockCount: 1}))
	}
}

func TestGetNextBlobsPagination(t *testing.T) {
	idx, err := OpenIndexStore(t.TempDir(), uuid.New())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	seedBlobs(t, idx, ShardID(1), 5)

	it := NewPGBlobIterator(idx)

	page1, done1, err := it.GetNextBlobs(2, 0)
	require.NoError(t, err)
	require.False(t, done1)
	require.Len(t, page1, 2)
	require.Equal(t, BlobID(1), page1[0].Blob)
	require.Equal(t, BlobID(2), page1[1].Blob)

	page2, done2, err := it.GetNextBlobs(2, 0)
	require.NoError(t, err)
	require.False(t, done2)
	require.Len(t, page2, 2)
	require.Equal(t, BlobID(3), page2[0].Blob)
	require.Equal(t, BlobID(4), page2[1].Blob)

	page3, done3, err := it.GetNextBlobs(2, 0)
	require.NoError(t, err)
	require.True(t, done3, "fewer entries than maxCount means end of shard")
	require.Len(t, page3, 1)
	require.Equal(t, BlobID(5), page3[0].Blob)

	page4, done4, err := it.GetNextBlobs(2, 0)
	require.NoError(t, err)
	require.True(t, done4)
	require.Empty(t, page4)
}

func TestGetNextBlobsEmptyIndex(t *testing.T) {
	idx, err := OpenIndexStore(t.TempDir(), uuid.New())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	it := NewPGBlobIterator(idx)
	entries, done, err := it.GetNextBlobs(10, 0)
	require.NoError(t, err)
	require.True(t, done)
	require.Empty(t, entries)
}

func TestGetNextBlobsStopsAtShardBoundary(t *testing.T) {
	idx, err := OpenIndexStore(t.TempDir(), uuid.New())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	seedBlobs(t, idx, ShardID(1), 2)
	seedBlobs(t, idx, ShardID(2), 2)

	it := NewPGBlobIterator(idx)

	page1, done1, err := it.GetNextBlobs(10, 0)
	require.NoError(t, err)
	require.True(t, done1, "batch ends at the shard 1/shard 2 boundary, not maxCount")
	require.Len(t, page1, 2)
	require.Equal(t, ShardID(1), page1[0].Shard)
	require.Equal(t, ShardID(1), page1[1].Shard)

	page2, done2, err := it.GetNextBlobs(10, 0)
	require.NoError(t, err)
	require.True(t, done2, "index exhausted after shard 2")
	require.Len(t, page2, 2)
	require.Equal(t, ShardID(2), page2[0].Shard)
	require.Equal(t, ShardID(2), page2[1].Shard)
}

func TestGetNextBlobsMaxBytesCutoffIsNotEndOfShard(t *testing.T) {
	idx, err := OpenIndexStore(t.TempDir(), uuid.New())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	seedBlobs(t, idx, ShardID(1), 5) // each extent is 1 block

	it := NewPGBlobIterator(idx)

	page1, done1, err := it.GetNextBlobs(10, 2)
	require.NoError(t, err)
	require.False(t, done1, "a maxBytes cutoff mid-shard is not end of shard")
	require.Len(t, page1, 2)
	require.Equal(t, BlobID(1), page1[0].Blob)
	require.Equal(t, BlobID(2), page1[1].Blob)

	page2, done2, err := it.GetNextBlobs(10, 2)
	require.NoError(t, err)
	require.False(t, done2, "still more of the same shard behind the byte cutoff")
	require.Len(t, page2, 2)
	require.Equal(t, BlobID(3), page2[0].Blob)
	require.Equal(t, BlobID(4), page2[1].Blob)

	page3, done3, err := it.GetNextBlobs(10, 2)
	require.NoError(t, err)
	require.True(t, done3, "last blob exhausts the shard, not another byte cutoff")
	require.Len(t, page3, 1)
	require.Equal(t, BlobID(5), page3[0].Blob)
}

func TestGetNextBlobsResetRewinds(t *testing.T) {
	idx, err := OpenIndexStore(t.TempDir(), uuid.New())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	seedBlobs(t, idx, ShardID(1), 3)

	it := NewPGBlobIterator(idx)
	_, _, err = it.GetNextBlobs(3, 0)
	require.NoError(t, err)

	it.Reset()
	entries, _, err := it.GetNextBlobs(3, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}
