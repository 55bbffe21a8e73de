package server

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// PGID is a small integer, unique across the cluster.
type PGID uint16

func (p PGID) String() string { return fmt.Sprintf("%d", uint16(p)) }

// ShardID packs the owning pg_id into its high bits and a monotonic
// per-PG shard sequence into its low bits, per spec.
type ShardID uint64

const shardSeqBits = 48

// NewShardID combines a pg id with a per-PG monotonic sequence.
func NewShardID(pg PGID, seq uint64) ShardID {
	return ShardID(uint64(pg)<<shardSeqBits | (seq & (1<<shardSeqBits - 1)))
}

// PGID extracts the owning placement group from a shard id.
func (s ShardID) PGID() PGID {
	return PGID(uint64(s) >> shardSeqBits)
}

// Seq extracts the per-PG monotonic sequence from a shard id.
func (s ShardID) Seq() uint64 {
	return uint64(s) & (1<<shardSeqBits - 1)
}

func (s ShardID) String() string {
	return fmt.Sprintf("%d.%d", s.PGID(), s.Seq())
}

// BlobID is monotonic per shard.
type BlobID uint64

// PeerID identifies a replication group member.
type PeerID = uuid.UUID

// GroupID identifies a PG's consensus group; equal to the PG's
// replica_set_uuid.
type GroupID = uuid.UUID

// NewUUID mints a random v4 uuid, panicking only if the system CSPRNG
// is broken (crypto/rand.Read failing is not a recoverable condition
// this process can run under).
func NewUUID() uuid.UUID {
	id, err := uuid.NewRandom()
	if err != nil {
		panic(fmt.Sprintf("pgstore: system CSPRNG unavailable: %v", err))
	}
	return id
}

// RandBytes returns n cryptographically random bytes. Nothing in this
// repository calls it at present.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("pgstore: system CSPRNG unavailable: %v", err))
	}
	return b
}
