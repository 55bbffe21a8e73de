package server

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PomeloCloud/pgstore/replication"
)

// ShardManager owns shard lifecycle: allocate shard ids,
// create_shard/seal_shard, pre-commit chunk reservation, rollback
// release, on_commit application (spec.md §4.3). Grounded on the
// teacher's two-phase block-creation flow (drone/storage/model.go
// newBlock: suggest hosts, per-replica CreateBlock, then
// CommitBlockContract), collapsed into the spec's single-proposal
// pre-commit/commit/rollback model.
type ShardManager struct {
	pgs      *pgMap
	chunkSel *ChunkSelector
	sb       *SuperblockStore
	log      *logrus.Entry
}

func NewShardManager(pgs *pgMap, chunkSel *ChunkSelector, sb *SuperblockStore, log *logrus.Entry) *ShardManager {
	return &ShardManager{pgs: pgs, chunkSel: chunkSel, sb: sb, log: log}
}

// CreateShard implements spec.md §4.3 create_shard.
func (m *ShardManager) CreateShard(ctx context.Context, port replication.Port, pgID PGID, sizeBytes uint64) *AsyncResult[ShardInfo] {
	pg, ok := m.pgs.get(pgID)
	if !ok {
		return Immediate[ShardInfo](ctx, ShardInfo{}, ShardUnknownPG)
	}
	id := pg.nextShardID()
	now := time.Now()
	sb := ShardInfoSuperblk{
		DataHeader:         DataHeader{Magic: DataHeaderMagic, Version: DataHeaderVersion, Type: SuperblockShard},
		ID:                 id,
		PGID:               pgID,
		State:              ShardOpen,
		CreatedTime:        now.UnixNano(),
		LastModifiedTime:   now.UnixNano(),
		TotalCapacityBytes: sizeBytes,
	}
	payload := sb.Encode()
	header := NewMsgHeader(MsgCreateShard, payload).Encode()
	group := replication.GroupID(pg.Info.ReplicaSetUUID)

	result := NewAsyncResult[ShardInfo](ctx)
	go func() {
		pres, err := port.Propose(context.Background(), group, header, nil, [][]byte{payload})
		if err != nil {
			result.Resolve(ShardInfo{}, MapReplErrToShard(classifyReplErr(err)))
			return
		}
		if applied, ok := pres.Value.(ShardInfo); ok {
			result.Resolve(applied, nil)
			return
		}
		result.Resolve(ShardInfo{}, ShardInvalidArg)
	}()
	return result
}

// PreCommitCreateShard reserves a chunk on this replica and records
// the reservation into headerPayload in place, so all replicas agree
// on what "this replica proposed" even though only the leader's
// choice ultimately wins (spec.md §4.3 "Pre-commit for CREATE_SHARD").
func (m *ShardManager) PreCommitCreateShard(headerPayload []byte) ([]byte, error) {
	sb, err := DecodeShardInfoSuperblk(headerPayload)
	if err != nil {
		return nil, wrapf(err, "decode CREATE_SHARD header")
	}
	pChunk, vChunk, ok := m.chunkSel.ReserveChunkForNewShard(sb.PGID)
	if !ok {
		return nil, ShardInvalidArg
	}
	sb.PChunkID = pChunk
	sb.VChunkID = vChunk
	return sb.Encode(), nil
}

// ApplyCreateShard is on_commit(CREATE_SHARD) (spec.md §4.3): apply
// the decided (p_chunk_id, v_chunk_id), persist the superblock, and
// insert the shard into the PG's shard list. localReserved is what
// this replica's own PreCommitCreateShard chose, needed to resolve
// DESIGN.md Open Question #1 when it differs from the decision.
func (m *ShardManager) ApplyCreateShard(decidedPayload []byte, localReserved uint32) (ShardInfo, error) {
	decided, err := DecodeShardInfoSuperblk(decidedPayload)
	if err != nil {
		return ShardInfo{}, wrapf(err, "decode decided CREATE_SHARD header")
	}
	pg, ok := m.pgs.get(decided.PGID)
	if !ok {
		return ShardInfo{}, ShardUnknownPG
	}
	if existing, exists := pg.getShard(decided.ID); exists {
		return *existing, nil // idempotent replay
	}

	m.chunkSel.MarkChunkOpen(decided.PGID, localReserved, decided.PChunkID)

	if err := m.sb.PutShard(decided); err != nil {
		return ShardInfo{}, wrapf(err, "persist shard superblock")
	}
	info := decided.ToShardInfo()
	pg.putShard(&info)
	m.log.WithFields(logrus.Fields{"shard_id": info.ID.String(), "pg_id": info.PGID}).Info("shard created")
	return info, nil
}

// ReleaseChunkBasedOnCreateShardMessage is on_rollback(CREATE_SHARD)
// (spec.md §4.3): return the chunk this replica's pre-commit reserved
// back to the PG's free set.
func (m *ShardManager) ReleaseChunkBasedOnCreateShardMessage(headerPayload []byte) error {
	sb, err := DecodeShardInfoSuperblk(headerPayload)
	if err != nil {
		return wrapf(err, "decode CREATE_SHARD header for rollback")
	}
	m.chunkSel.ReleaseChunk(sb.PGID, sb.PChunkID)
	return nil
}

// SealShard implements spec.md §4.3 seal_shard.
func (m *ShardManager) SealShard(ctx context.Context, port replication.Port, shardID ShardID) *AsyncResult[ShardInfo] {
	pg, ok := m.pgs.get(shardID.PGID())
	if !ok {
		return Immediate[ShardInfo](ctx, ShardInfo{}, ShardUnknownPG)
	}
	existing, ok := pg.getShard(shardID)
	if !ok || existing.State == ShardDeleted {
		return Immediate[ShardInfo](ctx, ShardInfo{}, ShardInvalidArg)
	}
	if existing.State == ShardSealed {
		return Immediate[ShardInfo](ctx, *existing, nil)
	}

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(shardID))
	header := NewMsgHeader(MsgSealShard, payload).Encode()
	group := replication.GroupID(pg.Info.ReplicaSetUUID)

	result := NewAsyncResult[ShardInfo](ctx)
	go func() {
		pres, err := port.Propose(context.Background(), group, header, nil, [][]byte{payload})
		if err != nil {
			result.Resolve(ShardInfo{}, MapReplErrToShard(classifyReplErr(err)))
			return
		}
		if applied, ok := pres.Value.(ShardInfo); ok {
			result.Resolve(applied, nil)
			return
		}
		result.Resolve(ShardInfo{}, ShardInvalidArg)
	}()
	return result
}

// ApplySealShard is on_commit(SEAL_SHARD) (spec.md §4.3): OPEN ->
// SEALED, no-op success if already SEALED.
func (m *ShardManager) ApplySealShard(payload []byte) (ShardInfo, error) {
	if len(payload) < 8 {
		return ShardInfo{}, ShardInvalidArg
	}
	shardID := ShardID(binary.LittleEndian.Uint64(payload))
	pg, ok := m.pgs.get(shardID.PGID())
	if !ok {
		return ShardInfo{}, ShardUnknownPG
	}
	existing, ok := pg.getShard(shardID)
	if !ok || existing.State == ShardDeleted {
		return ShardInfo{}, ShardInvalidArg
	}
	if existing.State == ShardSealed {
		return *existing, nil
	}
	updated := *existing
	updated.State = ShardSealed
	updated.LastModifiedTime = time.Now()
	pg.putShard(&updated)

	if err := m.sb.PutShard(shardSuperblkFromInfo(updated)); err != nil {
		return ShardInfo{}, wrapf(err, "persist sealed shard superblock")
	}
	return updated, nil
}

// shardSuperblkFromInfo projects a live ShardInfo back into its
// on-disk shard_info_superblk shape, used every time a shard mutation
// needs to be persisted outside of CREATE_SHARD's own decode path.
func shardSuperblkFromInfo(info ShardInfo) ShardInfoSuperblk {
	return ShardInfoSuperblk{
		ID:                    info.ID,
		PGID:                  info.PGID,
		State:                 info.State,
		CreatedTime:           info.CreatedTime.UnixNano(),
		LastModifiedTime:      info.LastModifiedTime.UnixNano(),
		AvailableReplicaCount: info.AvailableReplicaCount,
		TotalCapacityBytes:    info.TotalCapacityBytes,
		UsedCapacity:          info.UsedCapacity,
		DeletedCapacity:       info.DeletedCapacity,
		PChunkID:              info.PChunkID,
		VChunkID:              info.VChunkID,
	}
}

// GetShard is an in-memory read under the shared PG lock (spec.md §4.3).
func (m *ShardManager) GetShard(id ShardID) (ShardInfo, bool) {
	pg, ok := m.pgs.get(id.PGID())
	if !ok {
		return ShardInfo{}, false
	}
	s, ok := pg.getShard(id)
	if !ok {
		return ShardInfo{}, false
	}
	return *s, true
}

// ListShards is an in-memory read under the shared PG lock.
func (m *ShardManager) ListShards(pgID PGID) ([]ShardInfo, error) {
	pg, ok := m.pgs.get(pgID)
	if !ok {
		return nil, ShardUnknownPG
	}
	return pg.listShards(), nil
}

// GetShardStats is the get_stats counterpart of GetShard: the typed,
// shard-level response SPEC_FULL.md SUPPLEMENTED FEATURE #2 promises,
// projected from the live ShardInfo rather than exposing it directly.
func (m *ShardManager) GetShardStats(id ShardID) (ShardStats, bool) {
	info, ok := m.GetShard(id)
	if !ok {
		return ShardStats{}, false
	}
	return ShardStats{
		ID:                    info.ID,
		State:                 info.State,
		UsedCapacity:          info.UsedCapacity,
		DeletedCapacity:       info.DeletedCapacity,
		AvailableCapacity:     info.AvailableCapacity(),
		AvailableReplicaCount: info.AvailableReplicaCount,
	}, true
}
