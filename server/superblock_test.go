package server

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPGInfoSuperblkRoundTrip(t *testing.T) {
	sb := PGInfoSuperblk{
		DataHeader:      DataHeader{Magic: DataHeaderMagic, Version: DataHeaderVersion, Type: SuperblockPG},
		ID:              5,
		SizeBytes:       1 << 30,
		ChunkSize:       1 << 20,
		ReplicaSetUUID:  uuid.New(),
		IndexTableUUID:  uuid.New(),
		BlobSequenceNum: 100,
		ActiveBlobCount: 50,
		TombstoneCount:  3,
		OccupiedBlocks:  9000,
		Members: []Member{
			{ID: uuid.New(), Name: "node-a", Priority: 1},
			{ID: uuid.New(), Name: "node-b-with-a-long-enough-name", Priority: 2},
		},
		ChunkIDs: []uint32{1, 2, 3, 42},
	}
	buf := sb.Encode()
	require.Len(t, buf, sb.Size())

	decoded, err := DecodePGInfoSuperblk(buf)
	require.NoError(t, err)
	require.Equal(t, sb.ID, decoded.ID)
	require.Equal(t, sb.SizeBytes, decoded.SizeBytes)
	require.Equal(t, sb.ReplicaSetUUID, decoded.ReplicaSetUUID)
	require.Equal(t, sb.IndexTableUUID, decoded.IndexTableUUID)
	require.Equal(t, sb.ChunkIDs, decoded.ChunkIDs)
	require.Len(t, decoded.Members, 2)
	require.Equal(t, "node-a", decoded.Members[0].Name)
	require.Equal(t, "node-b-with-a-long-enough-name", decoded.Members[1].Name)
}

func TestShardInfoSuperblkRoundTrip(t *testing.T) {
	sb := ShardInfoSuperblk{
		DataHeader:            DataHeader{Magic: DataHeaderMagic, Version: DataHeaderVersion, Type: SuperblockShard},
		ID:                    NewShardID(2, 9),
		PGID:                  2,
		State:                 ShardSealed,
		CreatedTime:           1000,
		LastModifiedTime:      2000,
		AvailableReplicaCount: 3,
		TotalCapacityBytes:    4096,
		UsedCapacity:          2048,
		DeletedCapacity:       0,
		PChunkID:              7,
		VChunkID:              1,
	}
	buf := sb.Encode()
	require.Len(t, buf, ShardInfoSuperblkSize)

	decoded, err := DecodeShardInfoSuperblk(buf)
	require.NoError(t, err)
	require.Equal(t, sb, decoded)

	info := decoded.ToShardInfo()
	require.Equal(t, sb.ID, info.ID)
	require.Equal(t, uint64(2048), info.AvailableCapacity())
}

func TestCreatePGPayloadStableJSON(t *testing.T) {
	info := PGInfo{
		ID:             1,
		SizeBytes:      1 << 20,
		ChunkSize:      4096,
		ReplicaSetUUID: uuid.New(),
		Members:        []Member{{ID: uuid.New(), Name: "a", Priority: 1}},
	}
	payload, err := info.EncodeCreatePGPayload()
	require.NoError(t, err)
	require.Contains(t, string(payload), `"pg_info"`)
	require.Contains(t, string(payload), `"pg_id_t"`)

	decoded, err := DecodeCreatePGPayload(payload)
	require.NoError(t, err)
	require.Equal(t, info.ID, decoded.ID)
	require.Equal(t, info.ReplicaSetUUID, decoded.ReplicaSetUUID)
	require.Equal(t, info.Members, decoded.Members)
}
