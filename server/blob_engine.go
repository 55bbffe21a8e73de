package server

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"hash/crc32"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PomeloCloud/pgstore/replication"
)

// PutBlobRequest is the argument to BlobEngine.PutBlob.
type PutBlobRequest struct {
	ShardID  ShardID
	UserKey  []byte
	Bytes    []byte
	HashAlgo HashAlgo
}

// BlobEngine owns put/get/del of blobs against the replicated log,
// backed by the per-PG index (spec.md §4.4). Grounded on the
// teacher's read-modify-write block cycle (client/model.go Read/
// Write/LandWrite), generalized from a mutable fixed-size block to an
// immutable, hash-verified, header-prefixed blob payload.
type BlobEngine struct {
	pgs      *pgMap
	chunkSel *ChunkSelector
	sb       *SuperblockStore
	reader   BlockReader
	log      *logrus.Entry
}

// BlockReader abstracts the raw device read the Blob Engine needs to
// resolve an extent to bytes; the block allocator and device I/O
// layer are out of scope for this repository (spec.md §1) and are
// modeled here as this one seam.
type BlockReader interface {
	ReadExtent(e Extent) ([]byte, error)
}

func NewBlobEngine(pgs *pgMap, chunkSel *ChunkSelector, sb *SuperblockStore, reader BlockReader, log *logrus.Entry) *BlobEngine {
	return &BlobEngine{pgs: pgs, chunkSel: chunkSel, sb: sb, reader: reader, log: log}
}

func computeHash(algo HashAlgo, userKey, data []byte) ([MaxHashLen]byte, uint8) {
	var out [MaxHashLen]byte
	switch algo {
	case HashCRC32:
		sum := crc32.NewIEEE()
		sum.Write(userKey)
		sum.Write(data)
		binaryPutUint32(out[:4], sum.Sum32())
		return out, 4
	case HashMD5:
		h := md5.New()
		h.Write(userKey)
		h.Write(data)
		copy(out[:], h.Sum(nil))
		return out, md5.Size
	case HashSHA1:
		h := sha1.New()
		h.Write(userKey)
		h.Write(data)
		copy(out[:], h.Sum(nil))
		return out, sha1.Size
	default:
		return out, 0
	}
}

func binaryPutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// PutBlob implements spec.md §4.4 put_blob. The shard must be OPEN.
func (m *BlobEngine) PutBlob(ctx context.Context, port replication.Port, req PutBlobRequest) *AsyncResult[BlobID] {
	pg, ok := m.pgs.get(req.ShardID.PGID())
	if !ok {
		return Immediate[BlobID](ctx, 0, BlobInvalidArg)
	}
	shard, ok := pg.getShard(req.ShardID)
	if !ok {
		return Immediate[BlobID](ctx, 0, BlobInvalidArg)
	}
	if shard.State != ShardOpen {
		return Immediate[BlobID](ctx, 0, BlobInvalidArg)
	}
	if shard.AvailableCapacity() < uint64(len(req.Bytes)) {
		return Immediate[BlobID](ctx, 0, BlobNoSpaceLeft)
	}

	blobID := BlobID(atomic.AddUint64(&pg.Info.BlobSequenceNum, 1))
	hash, hashLen := computeHash(req.HashAlgo, req.UserKey, req.Bytes)
	dataOffset := uint64(BlobHeaderSize) + uint64(len(req.UserKey))
	header := BlobHeader{
		DataHeader:   DataHeader{Magic: DataHeaderMagic, Version: DataHeaderVersion},
		HashAlgo:     req.HashAlgo,
		ShardID:      req.ShardID,
		BlobID:       blobID,
		BlobSize:     uint32(len(req.Bytes)),
		UserKeySize:  uint32(len(req.UserKey)),
		ObjectOffset: 0,
		DataOffset:   dataOffset,
		Hash:         hash,
		HashLen:      hashLen,
	}
	unpadded := header.DataOffset + uint64(len(req.Bytes))
	padded := AlignUp(unpadded, DeviceBlockAlign)
	padding := make([]byte, padded-unpadded)

	payload := header.Encode()
	headerBuf := NewMsgHeader(MsgPutBlob, payload).Encode()
	group := replication.GroupID(pg.Info.ReplicaSetUUID)

	result := NewAsyncResult[BlobID](ctx)
	go func() {
		pres, err := port.Propose(context.Background(), group, headerBuf, req.UserKey, [][]byte{payload, req.Bytes, padding})
		if err != nil {
			result.Resolve(0, MapReplErrToBlob(classifyReplErr(err)))
			return
		}
		if _, ok := pres.Value.(Extent); ok {
			result.Resolve(blobID, nil)
			return
		}
		result.Resolve(blobID, nil)
	}()
	return result
}

// ApplyPutBlob is on_commit(PUT_BLOB, pbas) (spec.md §4.4). pbas is
// the physical block allocation the Replication Port's alloc-hint
// hook (BlobPutGetBlkAllocHints) steered toward the shard's chunk.
// Replaying the same blob_id with the same pbas is a no-op success.
func (m *BlobEngine) ApplyPutBlob(idx *IndexStore, header BlobHeader, pbas Extent) (Extent, error) {
	if header.Magic != DataHeaderMagic || header.Version != DataHeaderVersion {
		// header-corruption on commit: log, leave state untouched,
		// signal the proposer (spec.md §7).
		m.log.WithField("shard_id", header.ShardID.String()).Warn("PUT_BLOB header corrupted at commit")
		return Extent{}, BlobCRCMismatch
	}
	existing, found, err := idx.Get(header.ShardID, header.BlobID)
	if err != nil {
		return Extent{}, wrapf(err, "index lookup on PUT_BLOB commit")
	}
	if found && existing == pbas {
		return existing, nil // idempotent replay
	}
	if err := idx.Put(header.ShardID, header.BlobID, pbas); err != nil {
		return Extent{}, wrapf(err, "index insert on PUT_BLOB commit")
	}

	pg, ok := m.pgs.get(header.ShardID.PGID())
	if ok {
		atomic.AddUint64(&pg.Info.ActiveBlobCount, 1)
		blocks := uint64(pbas.BlockCount)
		atomic.AddUint64(&pg.Info.OccupiedBlocks, blocks)
		m.chunkSel.AccountBlocks(pg.Info.ID, pbas.PChunkID, -int64(blocks))
		if err := m.creditUsedCapacity(pg, header.ShardID, uint64(header.BlobSize)); err != nil {
			return Extent{}, err
		}
	}
	return pbas, nil
}

// creditUsedCapacity bumps a shard's used-capacity counter and
// persists the superblock, so a restart sees the same available-space
// figure PutBlob's pre-check compared against (spec.md §4.5 counters
// are checkpointed, not recomputed).
func (m *BlobEngine) creditUsedCapacity(pg *PG, shardID ShardID, delta uint64) error {
	existing, ok := pg.getShard(shardID)
	if !ok {
		return nil
	}
	updated := *existing
	updated.UsedCapacity += delta
	updated.LastModifiedTime = time.Now()
	pg.putShard(&updated)
	if err := m.sb.PutShard(shardSuperblkFromInfo(updated)); err != nil {
		return wrapf(err, "persist shard used-capacity")
	}
	return nil
}

// debitDeletedCapacity bumps a shard's deleted-capacity counter by the
// space the tombstoned extent occupied on disk and persists the
// superblock. The extent itself is not freed here — that is a future
// GC pass — so this only tracks how much of used_capacity is now
// reclaimable.
func (m *BlobEngine) debitDeletedCapacity(pg *PG, shardID ShardID, extent Extent) error {
	existing, ok := pg.getShard(shardID)
	if !ok {
		return nil
	}
	updated := *existing
	updated.DeletedCapacity += uint64(extent.BlockCount) * DataBlockSize
	updated.LastModifiedTime = time.Now()
	pg.putShard(&updated)
	if err := m.sb.PutShard(shardSuperblkFromInfo(updated)); err != nil {
		return wrapf(err, "persist shard deleted-capacity")
	}
	return nil
}

// GetBlob implements spec.md §4.4 get_blob.
func (m *BlobEngine) GetBlob(shardID ShardID, blobID BlobID, off, length uint32) ([]byte, error) {
	pg, ok := m.pgs.get(shardID.PGID())
	if !ok {
		return nil, BlobInvalidArg
	}
	extent, found, err := pg.Index.Get(shardID, blobID)
	if err != nil {
		return nil, wrapf(err, "index lookup")
	}
	if !found || extent.IsTombstone() {
		return nil, BlobUnknownBlob
	}
	raw, err := m.reader.ReadExtent(extent)
	if err != nil {
		return nil, wrapf(err, "read extent")
	}
	header, ok := DecodeBlobHeader(raw)
	if !ok || header.Magic != DataHeaderMagic || header.Version != DataHeaderVersion {
		return nil, BlobCRCMismatch
	}
	dataStart := header.DataOffset
	if uint64(len(raw)) < dataStart+uint64(header.BlobSize) {
		return nil, BlobCRCMismatch
	}
	userKey := raw[BlobHeaderSize : BlobHeaderSize+header.UserKeySize]
	blobBytes := raw[dataStart : dataStart+uint64(header.BlobSize)]
	if header.HashAlgo != HashNone {
		want, wantLen := computeHash(header.HashAlgo, userKey, blobBytes)
		if header.HashLen != wantLen || want != header.Hash {
			return nil, BlobCRCMismatch
		}
	}
	if off > uint32(len(blobBytes)) {
		return nil, BlobInvalidArg
	}
	end := off + length
	if end > uint32(len(blobBytes)) || length == 0 {
		end = uint32(len(blobBytes))
	}
	return blobBytes[off:end], nil
}

// DelBlob implements spec.md §4.4 del_blob.
func (m *BlobEngine) DelBlob(ctx context.Context, port replication.Port, shardID ShardID, blobID BlobID) *AsyncResult[struct{}] {
	pg, ok := m.pgs.get(shardID.PGID())
	if !ok {
		return Immediate[struct{}](ctx, struct{}{}, BlobInvalidArg)
	}
	payload := make([]byte, 16)
	putShardBlob(payload, shardID, blobID)
	header := NewMsgHeader(MsgDelBlob, payload).Encode()
	group := replication.GroupID(pg.Info.ReplicaSetUUID)

	result := NewAsyncResult[struct{}](ctx)
	go func() {
		_, err := port.Propose(context.Background(), group, header, nil, [][]byte{payload})
		if err != nil {
			result.Resolve(struct{}{}, MapReplErrToBlob(classifyReplErr(err)))
			return
		}
		result.Resolve(struct{}{}, nil)
	}()
	return result
}

// ApplyDelBlob is on_commit(DEL_BLOB) (spec.md §4.4): tombstone the
// index entry, adjust durable counters. The extent is not freed —
// space reclaim is deferred to a future GC pass.
func (m *BlobEngine) ApplyDelBlob(idx *IndexStore, payload []byte) error {
	if len(payload) < 16 {
		return BlobInvalidArg
	}
	shardID, blobID := getShardBlob(payload)
	existing, found, err := idx.Get(shardID, blobID)
	if err != nil {
		return wrapf(err, "index lookup on DEL_BLOB commit")
	}
	if !found || existing.IsTombstone() {
		return nil // idempotent replay
	}
	if err := idx.Tombstone(shardID, blobID); err != nil {
		return wrapf(err, "index tombstone")
	}
	pg, ok := m.pgs.get(shardID.PGID())
	if ok {
		atomic.AddUint64(&pg.Info.TombstoneCount, 1)
		decrementActive(&pg.Info.ActiveBlobCount)
		if err := m.debitDeletedCapacity(pg, shardID, existing); err != nil {
			return err
		}
	}
	return nil
}

func decrementActive(counter *uint64) {
	for {
		old := atomic.LoadUint64(counter)
		if old == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(counter, old, old-1) {
			return
		}
	}
}

func putShardBlob(buf []byte, shard ShardID, blob BlobID) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(shard) >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(uint64(blob) >> (8 * i))
	}
}

func getShardBlob(buf []byte) (ShardID, BlobID) {
	var s, b uint64
	for i := 0; i < 8; i++ {
		s |= uint64(buf[i]) << (8 * i)
	}
	for i := 0; i < 8; i++ {
		b |= uint64(buf[8+i]) << (8 * i)
	}
	return ShardID(s), BlobID(b)
}
