package server

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Member is one PG replica-set member.
type Member struct {
	ID       uuid.UUID `json:"member_id"`
	Name     string    `json:"name"`
	Priority int32     `json:"priority"`
}

// PGInfo is the durable, replicated description of a placement group
// (spec.md §3). Its JSON shape is fixed by spec.md §6 and must be
// reproduced exactly for CREATE_PG proposals.
type PGInfo struct {
	ID              PGID      `json:"pg_id_t"`
	SizeBytes       uint64    `json:"pg_size"`
	ChunkSize       uint64    `json:"chunk_size"`
	ReplicaSetUUID  uuid.UUID `json:"repl_uuid"`
	Members         []Member  `json:"members"`
	IndexTableUUID  uuid.UUID `json:"-"`
	ChunkIDs        []uint32  `json:"-"`
	BlobSequenceNum uint64    `json:"-"`
	ActiveBlobCount uint64    `json:"-"`
	TombstoneCount  uint64    `json:"-"`
	OccupiedBlocks  uint64    `json:"-"`
}

type pgInfoWireEnvelope struct {
	PGInfo pgInfoWire `json:"pg_info"`
}

type pgInfoWire struct {
	ID        PGID      `json:"pg_id_t"`
	SizeBytes uint64    `json:"pg_size"`
	ChunkSize uint64    `json:"chunk_size"`
	ReplUUID  uuid.UUID `json:"repl_uuid"`
	Members   []Member  `json:"members"`
}

// EncodeCreatePGPayload renders the stable JSON shape spec.md §6
// mandates for a CREATE_PG proposal's payload. Only the wire-visible
// fields are included; chunk ids and durable counters are established
// locally by on_commit, not proposed.
func (p PGInfo) EncodeCreatePGPayload() ([]byte, error) {
	env := pgInfoWireEnvelope{PGInfo: pgInfoWire{
		ID:        p.ID,
		SizeBytes: p.SizeBytes,
		ChunkSize: p.ChunkSize,
		ReplUUID:  p.ReplicaSetUUID,
		Members:   p.Members,
	}}
	return json.Marshal(env)
}

// DecodeCreatePGPayload parses the stable JSON shape back into a
// PGInfo, leaving the locally-established fields zero.
func DecodeCreatePGPayload(data []byte) (PGInfo, error) {
	var env pgInfoWireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return PGInfo{}, err
	}
	return PGInfo{
		ID:             env.PGInfo.ID,
		SizeBytes:      env.PGInfo.SizeBytes,
		ChunkSize:      env.PGInfo.ChunkSize,
		ReplicaSetUUID: env.PGInfo.ReplUUID,
		Members:        env.PGInfo.Members,
	}, nil
}

// ShardState is the shard lifecycle state (spec.md §3).
type ShardState uint8

const (
	ShardOpen ShardState = iota + 1
	ShardSealed
	ShardDeleted
)

func (s ShardState) String() string {
	switch s {
	case ShardOpen:
		return "OPEN"
	case ShardSealed:
		return "SEALED"
	case ShardDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// ShardInfo is the durable, in-memory description of a shard
// (spec.md §3, supplemented per SPEC_FULL.md with total/available
// capacity bookkeeping from the original source).
type ShardInfo struct {
	ID                    ShardID
	PGID                  PGID
	State                 ShardState
	CreatedTime           time.Time
	LastModifiedTime      time.Time
	AvailableReplicaCount uint32
	TotalCapacityBytes    uint64
	UsedCapacity          uint64
	DeletedCapacity       uint64
	PChunkID              uint32
	VChunkID              uint32
}

// AvailableCapacity is the supplemented bookkeeping field from
// original_source: total minus used, independent of deleted/tombstone
// bytes (which remain allocated until a future GC pass).
func (s ShardInfo) AvailableCapacity() uint64 {
	if s.UsedCapacity >= s.TotalCapacityBytes {
		return 0
	}
	return s.TotalCapacityBytes - s.UsedCapacity
}

// Extent is a multi-block allocation within a shard's chunk.
type Extent struct {
	PChunkID   uint32
	BlockStart uint64
	BlockCount uint32
}

// IsTombstone reports whether e is the sentinel all-zero extent that
// marks a deleted blob (spec.md §3).
func (e Extent) IsTombstone() bool {
	return e.PChunkID == 0 && e.BlockStart == 0 && e.BlockCount == 0
}

// TombstoneExtent is the sentinel value written on del_blob.
var TombstoneExtent = Extent{}

// PGStats and ShardStats are the supplemented first-class response
// types for get_stats (SPEC_FULL.md SUPPLEMENTED FEATURES), replacing
// an ad hoc map with the original's typed member breakdown.
type MemberStat struct {
	ID                uuid.UUID
	LastCommitLSN     uint64
	LastSuccRespUS    int64
}

type PGStats struct {
	ID                    PGID
	AvailNumChunks        int
	AvailBlocks           uint64
	BlobSequenceNum       uint64
	ActiveBlobCount       uint64
	TombstoneBlobCount    uint64
	TotalOccupiedBlkCount uint64
	Members               []MemberStat
}

type ShardStats struct {
	ID                    ShardID
	State                 ShardState
	UsedCapacity          uint64
	DeletedCapacity       uint64
	AvailableCapacity     uint64
	AvailableReplicaCount uint32
}
