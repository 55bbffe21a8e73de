package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seedTwoDevices(c *ChunkSelector) {
	c.SeedDevice(1, []Chunk{
		{ID: 1, FreeBlocks: 100},
		{ID: 2, FreeBlocks: 50},
	})
	c.SeedDevice(2, []Chunk{
		{ID: 3, FreeBlocks: 100},
		{ID: 4, FreeBlocks: 10},
	})
}

func TestSelectChunksForPGIsIdempotent(t *testing.T) {
	c := NewChunkSelector(1<<20, DataBlockSize)
	seedTwoDevices(c)

	n, ok := c.SelectChunksForPG(1, 2<<20)
	require.True(t, ok)
	require.Equal(t, 2, n)
	require.Equal(t, 2, c.MostAvailNumChunks())

	// replay of the same commit must not take more chunks.
	n2, ok2 := c.SelectChunksForPG(1, 2<<20)
	require.True(t, ok2)
	require.Equal(t, 2, n2)
	require.Equal(t, 2, c.AvailNumChunks(1))
}

func TestSelectChunksForPGInsufficientSpace(t *testing.T) {
	c := NewChunkSelector(1<<20, DataBlockSize)
	seedTwoDevices(c)

	n, ok := c.SelectChunksForPG(1, 10<<20)
	require.False(t, ok)
	require.Equal(t, 0, n)
	require.Equal(t, 4, c.MostAvailNumChunks(), "rollback must return every taken chunk")
}

func TestReserveChunkForNewShardPicksLargestFree(t *testing.T) {
	c := NewChunkSelector(1<<20, DataBlockSize)
	seedTwoDevices(c)
	_, ok := c.SelectChunksForPG(1, 4<<20)
	require.True(t, ok)

	pChunk, _, ok := c.ReserveChunkForNewShard(1)
	require.True(t, ok)
	require.Contains(t, []uint32{1, 3}, pChunk, "chunks 1 and 3 both have 100 free blocks; tie broken by lowest v_chunk_id")

	_, _, ok = c.ReserveChunkForNewShard(1)
	require.True(t, ok, "a second OPEN shard must land on a different chunk")
}

func TestMarkChunkOpenResolvesFollowerMismatch(t *testing.T) {
	c := NewChunkSelector(1<<20, DataBlockSize)
	seedTwoDevices(c)
	_, ok := c.SelectChunksForPG(1, 4<<20)
	require.True(t, ok)

	localPick, _, ok := c.ReserveChunkForNewShard(1)
	require.True(t, ok)

	decided := localPick + 1000 // simulate leader deciding a different chunk
	c.MarkChunkOpen(1, localPick, decided)

	// releasing the mismatched local reservation must free it for the
	// next shard to open, while the decided chunk is now marked open.
	require.True(t, c.pgs[1].openChunk[decided])
	again, _, ok := c.ReserveChunkForNewShard(1)
	require.True(t, ok)
	require.Equal(t, localPick, again)
	c.ReleaseChunk(1, decided)
	c.MarkChunkOpen(1, decided, decided)
}

func TestReleaseChunkOnRollback(t *testing.T) {
	c := NewChunkSelector(1<<20, DataBlockSize)
	seedTwoDevices(c)
	_, ok := c.SelectChunksForPG(1, 4<<20)
	require.True(t, ok)

	pChunk, _, ok := c.ReserveChunkForNewShard(1)
	require.True(t, ok)
	c.ReleaseChunk(1, pChunk)

	// the chunk should be selectable again since it no longer hosts an
	// OPEN shard.
	again, _, ok := c.ReserveChunkForNewShard(1)
	require.True(t, ok)
	require.Equal(t, pChunk, again)
}
