package server

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestIndexStore(t *testing.T) *IndexStore {
	t.Helper()
	table := uuid.New()
	idx, err := OpenIndexStore(t.TempDir(), table)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	require.Equal(t, table, idx.TableUUID())
	return idx
}

func TestIndexStorePutGetRoundTrip(t *testing.T) {
	idx := newTestIndexStore(t)
	e := Extent{PChunkID: 3, BlockStart: 100, BlockCount: 4}
	require.NoError(t, idx.Put(ShardID(1), BlobID(1), e))

	got, ok, err := idx.Get(ShardID(1), BlobID(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e, got)
}

func TestIndexStoreGetMissingIsNotFound(t *testing.T) {
	idx := newTestIndexStore(t)
	_, ok, err := idx.Get(ShardID(1), BlobID(1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIndexStoreTombstoneWritesSentinel(t *testing.T) {
	idx := newTestIndexStore(t)
	require.NoError(t, idx.Put(ShardID(1), BlobID(1), Extent{PChunkID: 1, BlockStart: 1, BlockCount: 1}))
	require.NoError(t, idx.Tombstone(ShardID(1), BlobID(1)))

	got, ok, err := idx.Get(ShardID(1), BlobID(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TombstoneExtent, got)
}

func TestIndexStoreScanOrdersByShardThenBlob(t *testing.T) {
	idx := newTestIndexStore(t)
	require.NoError(t, idx.Put(ShardID(1), BlobID(2), Extent{PChunkID: 1, BlockStart: 2, BlockCount: 1}))
	require.NoError(t, idx.Put(ShardID(1), BlobID(1), Extent{PChunkID: 1, BlockStart: 1, BlockCount: 1}))
	require.NoError(t, idx.Put(ShardID(2), BlobID(1), Extent{PChunkID: 1, BlockStart: 3, BlockCount: 1}))

	var seen []IndexEntry
	require.NoError(t, idx.Scan(ShardID(0), BlobID(0), 10, func(e IndexEntry) bool {
		seen = append(seen, e)
		return true
	}))

	require.Len(t, seen, 3)
	require.Equal(t, ShardID(1), seen[0].Shard)
	require.Equal(t, BlobID(1), seen[0].Blob)
	require.Equal(t, ShardID(1), seen[1].Shard)
	require.Equal(t, BlobID(2), seen[1].Blob)
	require.Equal(t, ShardID(2), seen[2].Shard)
}

func TestIndexStoreScanResumeCursorIsExclusive(t *testing.T) {
	idx := newTestIndexStore(t)
	for i := 1; i <= 3; i++ {
		require.NoError(t, idx.Put(ShardID(1), BlobID(i), Extent{PChunkID: 1, BlockStart: uint64(i), BlockCount: 1}))
	}

	var seen []BlobID
	require.NoError(t, idx.Scan(ShardID(1), BlobID(1), 10, func(e IndexEntry) bool {
		seen = append(seen, e.Blob)
		return true
	}))
	require.Equal(t, []BlobID{BlobID(2), BlobID(3)}, seen)
}

func TestIndexStoreScanStopsWhenCallbackReturnsFalse(t *testing.T) {
	idx := newTestIndexStore(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, idx.Put(ShardID(1), BlobID(i), Extent{PChunkID: 1, BlockStart: uint64(i), BlockCount: 1}))
	}

	var seen []BlobID
	require.NoError(t, idx.Scan(ShardID(0), BlobID(0), 10, func(e IndexEntry) bool {
		seen = append(seen, e.Blob)
		return len(seen) < 2
	}))
	require.Len(t, seen, 2)
}
