package client

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/PomeloCloud/pgstore/replication"
	"github.com/PomeloCloud/pgstore/replication/inmem"
	"github.com/PomeloCloud/pgstore/server"
)

func testLogEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// newTestClient wires a full in-process Engine + inmem.Port, exactly
// the shape cmd/pgstored/main.go assembles against a real
// replication.Port.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	sb, err := server.OpenSuperblockStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sb.Close() })

	chunkSel := server.NewChunkSelector(1<<20, server.DataBlockSize)
	chunkSel.SeedDevice(1, []server.Chunk{
		{ID: 1, FreeBlocks: 1024},
		{ID: 2, FreeBlocks: 1024},
		{ID: 3, FreeBlocks: 1024},
		{ID: 4, FreeBlocks: 1024},
	})

	cfg := server.Config{
		DataDir:       t.TempDir(),
		IndexDir:      t.TempDir(),
		ExecutorLanes: 4,
	}
	engine := server.NewEngine(cfg, sb, chunkSel, testLogEntry())
	port := inmem.New(engine, true)
	engine.SetPort(port, cfg.IndexDir)

	return New(engine, port)
}

func TestClientFullLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	peers := []replication.Peer{{ID: uuid.New(), Name: "node-1", Priority: 1}}
	pgInfo, err := c.CreatePG(ctx, 2<<20, 1<<20, peers)
	require.NoError(t, err)
	require.NotEqual(t, server.PGID(0), pgInfo.ID)

	shard, err := c.CreateShard(ctx, pgInfo.ID, 4096)
	require.NoError(t, err)
	require.Equal(t, server.ShardOpen, shard.State)

	blobID, err := c.PutBlob(ctx, shard.ID, []byte("obj-1"), []byte("hello, world"), server.HashCRC32)
	require.NoError(t, err)

	got, ok := c.GetShard(shard.ID)
	require.True(t, ok)
	require.Equal(t, shard.ID, got.ID)

	list, err := c.ListShards(pgInfo.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, c.DelBlob(ctx, shard.ID, blobID))
	require.NoError(t, c.DelBlob(ctx, shard.ID, blobID), "delete is idempotent")

	sealed, err := c.SealShard(ctx, shard.ID)
	require.NoError(t, err)
	require.Equal(t, server.ShardSealed, sealed.State)

	ids := c.ListPGIDs()
	require.Contains(t, ids, pgInfo.ID)
}

func TestClientCreatePGRejectsZeroSize(t *testing.T) {
	c := newTestClient(t)
	_, err := c.CreatePG(context.Background(), 0, 1<<20, nil)
	require.Equal(t, server.PGInvalidArg, err)
}

func TestClientBatchGetStats(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	peers := []replication.Peer{{ID: uuid.New(), Name: "node-1"}}

	pg1, err := c.CreatePG(ctx, 2<<20, 1<<20, peers)
	require.NoError(t, err)
	pg2, err := c.CreatePG(ctx, 2<<20, 1<<20, peers)
	require.NoError(t, err)

	stats, err := c.BatchGetStats(ctx, []server.PGID{pg1.ID, pg2.ID})
	require.NoError(t, err)
	require.Len(t, stats, 2)
}

func TestClientCreateShardUnknownPG(t *testing.T) {
	c := newTestClient(t)
	_, err := c.CreateShard(context.Background(), server.PGID(999), 4096)
	require.Equal(t, server.ShardUnknownPG, err)
}
