package server

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/PomeloCloud/pgstore/replication"
	"github.com/PomeloCloud/pgstore/replication/inmem"
)

// shardManagerHooks routes only the CREATE_SHARD/SEAL_SHARD callbacks
// ShardManager needs, mirroring how Engine dispatches in production
// but scoped to just this manager for a standalone unit test.
type shardManagerHooks struct {
	m        *ShardManager
	localRes map[ShardID]uint32
}

func (h *shardManagerHooks) OnPreCommit(group replication.GroupID, msgType uint8, headerBuf, keyBuf []byte, dataSG [][]byte) error {
	if MsgType(msgType) != MsgCreateShard || len(dataSG) == 0 {
		return nil
	}
	reserved, err := h.m.PreCommitCreateShard(dataSG[0])
	if err != nil {
		return err
	}
	sb, err := DecodeShardInfoSuperblk(reserved)
	if err != nil {
		return err
	}
	h.localRes[sb.ID] = sb.PChunkID
	copy(dataSG[0], reserved)
	return nil
}

func (h *shardManagerHooks) OnCommit(group replication.GroupID, msgType uint8, decidedHeader, keyBuf []byte, dataSG [][]byte, lsn uint64) (interface{}, error) {
	if len(dataSG) == 0 {
		return nil, nil
	}
	switch MsgType(msgType) {
	case MsgCreateShard:
		sb, err := DecodeShardInfoSuperblk(dataSG[0])
		if err != nil {
			return nil, err
		}
		localReserved, ok := h.localRes[sb.ID]
		delete(h.localRes, sb.ID)
		if !ok {
			localReserved = sb.PChunkID
		}
		return h.m.ApplyCreateShard(dataSG[0], localReserved)
	case MsgSealShard:
		return h.m.ApplySealShard(dataSG[0])
	default:
		return nil, nil
	}
}

func (h *shardManagerHooks) OnRollback(group replication.GroupID, msgType uint8, headerBuf, keyBuf []byte, dataSG [][]byte) error {
	if MsgType(msgType) != MsgCreateShard || len(dataSG) == 0 {
		return nil
	}
	return h.m.ReleaseChunkBasedOnCreateShardMessage(dataSG[0])
}

func (h *shardManagerHooks) BlobPutGetBlkAllocHints(group replication.GroupID, headerBuf []byte) (uint32, uint32, error) {
	return 0, 0, nil
}

func (h *shardManagerHooks) OnPGReplaceMember(group replication.GroupID, out, in replication.Peer) error {
	return nil
}

func newTestShardManager(t *testing.T) (*ShardManager, *pgMap, *inmem.Port, PGID) {
	t.Helper()
	sb, err := OpenSuperblockStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sb.Close() })

	chunkSel := NewChunkSelector(1<<20, DataBlockSize)
	chunkSel.SeedDevice(1, []Chunk{{ID: 1, FreeBlocks: 1024}, {ID: 2, FreeBlocks: 1024}})
	pgID := PGID(1)
	_, ok := chunkSel.SelectChunksForPG(pgID, 2<<20)
	require.True(t, ok)

	pgs := newPGMap()
	replUUID := uuid.New()
	idx, err := OpenIndexStore(t.TempDir(), uuid.New())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	pg := newPG(PGInfo{ID: pgID, SizeBytes: 2 << 20, ChunkSize: 1 << 20, ReplicaSetUUID: replUUID}, idx)
	pgs.insert(pg)

	m := NewShardManager(pgs, chunkSel, sb, testLog())
	port := inmem.New(&shardManagerHooks{m: m, localRes: make(map[ShardID]uint32)}, true)
	return m, pgs, port, pgID
}

func TestCreateShardHappyPath(t *testing.T) {
	m, _, port, pgID := newTestShardManager(t)
	res := m.CreateShard(context.Background(), port, pgID, 4096)
	info, err := res.Wait()
	require.NoError(t, err)
	require.Equal(t, ShardOpen, info.State)
	require.Equal(t, pgID, info.PGID)
}

func TestCreateShardUnknownPG(t *testing.T) {
	m, _, port, _ := newTestShardManager(t)
	res := m.CreateShard(context.Background(), port, PGID(999), 4096)
	_, err := res.Wait()
	require.Equal(t, ShardUnknownPG, err)
}

func TestCreateShardRollbackReleasesChunk(t *testing.T) {
	m, _, port, pgID := newTestShardManager(t)
	group := replication.GroupID(uuid.Nil)
	for _, id := range m.pgs.list() {
		if pg, ok := m.pgs.get(id); ok && pg.Info.ID == pgID {
			group = replication.GroupID(pg.Info.ReplicaSetUUID)
		}
	}
	port.InjectFailure(group, replication.Failed)

	res := m.CreateShard(context.Background(), port, pgID, 4096)
	_, err := res.Wait()
	require.Error(t, err)

	// the chunk pre-commit reserved must have been returned: the PG
	// has two chunks, and both can still host a new OPEN shard.
	res2 := m.CreateShard(context.Background(), port, pgID, 4096)
	info2, err2 := res2.Wait()
	require.NoError(t, err2)
	require.Equal(t, ShardOpen, info2.State)

	res3 := m.CreateShard(context.Background(), port, pgID, 4096)
	_, err3 := res3.Wait()
	require.NoError(t, err3)
}

func TestSealShardIsIdempotent(t *testing.T) {
	m, _, port, pgID := newTestShardManager(t)
	created, err := m.CreateShard(context.Background(), port, pgID, 4096).Wait()
	require.NoError(t, err)

	sealed, err := m.SealShard(context.Background(), port, created.ID).Wait()
	require.NoError(t, err)
	require.Equal(t, ShardSealed, sealed.State)

	sealedAgain, err := m.SealShard(context.Background(), port, created.ID).Wait()
	require.NoError(t, err)
	require.Equal(t, ShardSealed, sealedAgain.State)
}

func TestSealShardUnknownShard(t *testing.T) {
	m, _, port, pgID := newTestShardManager(t)
	_, err := m.SealShard(context.Background(), port, NewShardID(pgID, 999)).Wait()
	require.Equal(t, ShardInvalidArg, err)
}

func TestGetShardStatsReflectsShardInfo(t *testing.T) {
	m, _, port, pgID := newTestShardManager(t)
	created, err := m.CreateShard(context.Background(), port, pgID, 4096).Wait()
	require.NoError(t, err)

	stats, ok := m.GetShardStats(created.ID)
	require.True(t, ok)
	require.Equal(t, created.ID, stats.ID)
	require.Equal(t, ShardOpen, stats.State)
	require.Zero(t, stats.UsedCapacity)
	require.Zero(t, stats.DeletedCapacity)
	require.Equal(t, created.AvailableCapacity(), stats.AvailableCapacity)

	sealed, err := m.SealShard(context.Background(), port, created.ID).Wait()
	require.NoError(t, err)
	statsAfterSeal, ok := m.GetShardStats(created.ID)
	require.True(t, ok)
	require.Equal(t, sealed.State, statsAfterSeal.State)
}

func TestGetShardStatsUnknownShard(t *testing.T) {
	m, _, _, pgID := newTestShardManager(t)
	_, ok := m.GetShardStats(NewShardID(pgID, 999))
	require.False(t, ok)
}
