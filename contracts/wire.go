// Package contracts documents the wire and on-disk formats pgstore's
// server, client, and replication packages agree on, without owning
// any of their code — the same role the teacher's contracts package
// plays for BFTRaft4go's ExecCommand surface.
//
// Proposal message: MsgHeader (magic, msg_type, payload_size,
// payload_crc) followed by a msg_type-specific payload:
//   CREATE_PG:    stable JSON {"pg_info": {...}} (server.EncodeCreatePGPayload)
//   CREATE_SHARD: packed shard_info_superblk (server.ShardInfoSuperblk)
//   SEAL_SHARD:   8-byte little-endian shard_id
//   PUT_BLOB:     packed BlobHeader || user_key || blob_bytes || padding
//   DEL_BLOB:     16-byte little-endian shard_id || blob_id
//
// On-disk superblocks: pg_info_superblk and shard_info_superblk
// (server.PGInfoSuperblk, server.ShardInfoSuperblk), each prefixed by
// a common DataHeader (magic, version, record type) and persisted in
// the Superblock Store keyed by (record type prefix, id).
//
// Index Store: one badger table per PG, keyed by (shard_id, blob_id)
// big-endian, valued by a 16-byte packed Extent (p_chunk_id,
// block_start, block_count). An all-zero Extent is the tombstone
// sentinel a del_blob commit writes in place of removing the key, so
// (shard_id, blob_id) ordering is preserved for PGBlobIterator.
//
// This module never encodes any of the above as protobuf: every wire
// and on-disk shape here is fixed by the byte layouts and JSON shape
// above, which a generated protobuf message would not reproduce.
package contracts
