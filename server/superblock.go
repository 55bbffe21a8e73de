package server

import (
	"encoding/binary"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// pgMemberRecordSize is the fixed size of one packed pg_members entry
// inside a pg_info_superblk: a uuid, a null-padded fixed-width name,
// and a priority.
const (
	pgMemberNameSize   = 64
	pgMemberRecordSize = 16 + pgMemberNameSize + 4
)

// PGInfoSuperblkHeaderSize is the fixed portion of pg_info_superblk,
// before the variable-length pg_members and chunk_id arrays
// (spec.md §3, §9 "packed header plus two explicit slices").
const PGInfoSuperblkHeaderSize = DataHeaderSize + 2 + 8 + 8 + 16 + 16 + 8 + 8 + 8 + 8 + 4 + 4

// PGInfoSuperblk is the on-disk record for a PG (spec.md §3). Layout
// is fixed and must round-trip byte-for-byte (spec.md §8).
type PGInfoSuperblk struct {
	DataHeader
	ID              PGID
	SizeBytes       uint64
	ChunkSize       uint64
	ReplicaSetUUID  uuid.UUID
	IndexTableUUID  uuid.UUID
	BlobSequenceNum uint64
	ActiveBlobCount uint64
	TombstoneCount  uint64
	OccupiedBlocks  uint64
	Members         []Member
	ChunkIDs        []uint32
}

// Size returns the total encoded size, computable from the header
// alone (spec.md §3).
func (s PGInfoSuperblk) Size() int {
	return PGInfoSuperblkHeaderSize + len(s.Members)*pgMemberRecordSize + len(s.ChunkIDs)*4
}

// Encode serialises the record to its exact on-disk byte layout.
func (s PGInfoSuperblk) Encode() []byte {
	buf := make([]byte, s.Size())
	o := 0
	copy(buf[o:o+DataHeaderSize], s.DataHeader.Encode())
	o += DataHeaderSize
	binary.LittleEndian.PutUint16(buf[o:o+2], uint16(s.ID))
	o += 2
	binary.LittleEndian.PutUint64(buf[o:o+8], s.SizeBytes)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], s.ChunkSize)
	o += 8
	copy(buf[o:o+16], s.ReplicaSetUUID[:])
	o += 16
	copy(buf[o:o+16], s.IndexTableUUID[:])
	o += 16
	binary.LittleEndian.PutUint64(buf[o:o+8], s.BlobSequenceNum)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], s.ActiveBlobCount)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], s.TombstoneCount)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], s.OccupiedBlocks)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:o+4], uint32(len(s.Members)))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:o+4], uint32(len(s.ChunkIDs)))
	o += 4
	for _, m := range s.Members {
		copy(buf[o:o+16], m.ID[:])
		o += 16
		nameBytes := []byte(m.Name)
		if len(nameBytes) > pgMemberNameSize {
			nameBytes = nameBytes[:pgMemberNameSize]
		}
		copy(buf[o:o+pgMemberNameSize], nameBytes)
		o += pgMemberNameSize
		binary.LittleEndian.PutUint32(buf[o:o+4], uint32(m.Priority))
		o += 4
	}
	for _, c := range s.ChunkIDs {
		binary.LittleEndian.PutUint32(buf[o:o+4], c)
		o += 4
	}
	return buf
}

// DecodePGInfoSuperblk parses buf into a PGInfoSuperblk.
func DecodePGInfoSuperblk(buf []byte) (PGInfoSuperblk, error) {
	if len(buf) < PGInfoSuperblkHeaderSize {
		return PGInfoSuperblk{}, errors.New("pg_info_superblk: buffer shorter than header")
	}
	dh, ok := DecodeDataHeader(buf[0:DataHeaderSize])
	if !ok || !dh.Valid() {
		return PGInfoSuperblk{}, errors.New("pg_info_superblk: bad data header")
	}
	s := PGInfoSuperblk{DataHeader: dh}
	o := DataHeaderSize
	s.ID = PGID(binary.LittleEndian.Uint16(buf[o : o+2]))
	o += 2
	s.SizeBytes = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	s.ChunkSize = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	copy(s.ReplicaSetUUID[:], buf[o:o+16])
	o += 16
	copy(s.IndexTableUUID[:], buf[o:o+16])
	o += 16
	s.BlobSequenceNum = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	s.ActiveBlobCount = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	s.TombstoneCount = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	s.OccupiedBlocks = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	numMembers := binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	numChunks := binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	want := PGInfoSuperblkHeaderSize + int(numMembers)*pgMemberRecordSize + int(numChunks)*4
	if len(buf) < want {
		return PGInfoSuperblk{}, errors.New("pg_info_superblk: buffer shorter than declared size")
	}
	s.Members = make([]Member, numMembers)
	for i := range s.Members {
		var id uuid.UUID
		copy(id[:], buf[o:o+16])
		o += 16
		nameRaw := buf[o : o+pgMemberNameSize]
		o += pgMemberNameSize
		name := string(nameRaw)
		if idx := indexOfNull(name); idx >= 0 {
			name = name[:idx]
		}
		prio := int32(binary.LittleEndian.Uint32(buf[o : o+4]))
		o += 4
		s.Members[i] = Member{ID: id, Name: name, Priority: prio}
	}
	s.ChunkIDs = make([]uint32, numChunks)
	for i := range s.ChunkIDs {
		s.ChunkIDs[i] = binary.LittleEndian.Uint32(buf[o : o+4])
		o += 4
	}
	return s, nil
}

func indexOfNull(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return i
		}
	}
	return -1
}

// ShardInfoSuperblkSize is the fixed encoded size of shard_info_superblk.
const ShardInfoSuperblkSize = DataHeaderSize + 8 + 2 + 1 + 8 + 8 + 4 + 8 + 8 + 8 + 4 + 4

// ShardInfoSuperblk is the on-disk record for a shard
// (spec.md §3): DataHeader + ShardInfo + p_chunk_id + v_chunk_id.
type ShardInfoSuperblk struct {
	DataHeader
	ID                    ShardID
	PGID                  PGID
	State                 ShardState
	CreatedTime           int64 // unix nanos
	LastModifiedTime      int64
	AvailableReplicaCount uint32
	TotalCapacityBytes    uint64
	UsedCapacity          uint64
	DeletedCapacity       uint64
	PChunkID              uint32
	VChunkID              uint32
}

func (s ShardInfoSuperblk) Encode() []byte {
	buf := make([]byte, ShardInfoSuperblkSize)
	o := 0
	copy(buf[o:o+DataHeaderSize], s.DataHeader.Encode())
	o += DataHeaderSize
	binary.LittleEndian.PutUint64(buf[o:o+8], uint64(s.ID))
	o += 8
	binary.LittleEndian.PutUint16(buf[o:o+2], uint16(s.PGID))
	o += 2
	buf[o] = byte(s.State)
	o++
	binary.LittleEndian.PutUint64(buf[o:o+8], uint64(s.CreatedTime))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], uint64(s.LastModifiedTime))
	o += 8
	binary.LittleEndian.PutUint32(buf[o:o+4], s.AvailableReplicaCount)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:o+8], s.TotalCapacityBytes)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], s.UsedCapacity)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], s.DeletedCapacity)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:o+4], s.PChunkID)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:o+4], s.VChunkID)
	o += 4
	return buf
}

func DecodeShardInfoSuperblk(buf []byte) (ShardInfoSuperblk, error) {
	if len(buf) < ShardInfoSuperblkSize {
		return ShardInfoSuperblk{}, errors.New("shard_info_superblk: short buffer")
	}
	dh, ok := DecodeDataHeader(buf[0:DataHeaderSize])
	if !ok || !dh.Valid() {
		return ShardInfoSuperblk{}, errors.New("shard_info_superblk: bad data header")
	}
	s := ShardInfoSuperblk{DataHeader: dh}
	o := DataHeaderSize
	s.ID = ShardID(binary.LittleEndian.Uint64(buf[o : o+8]))
	o += 8
	s.PGID = PGID(binary.LittleEndian.Uint16(buf[o : o+2]))
	o += 2
	s.State = ShardState(buf[o])
	o++
	s.CreatedTime = int64(binary.LittleEndian.Uint64(buf[o : o+8]))
	o += 8
	s.LastModifiedTime = int64(binary.LittleEndian.Uint64(buf[o : o+8]))
	o += 8
	s.AvailableReplicaCount = binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	s.TotalCapacityBytes = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	s.UsedCapacity = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	s.DeletedCapacity = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	s.PChunkID = binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	s.VChunkID = binary.LittleEndian.Uint32(buf[o : o+4])
	return s, nil
}

// ToShardInfo projects the superblock into the in-memory ShardInfo
// shape the Shard Manager keeps in its maps.
func (s ShardInfoSuperblk) ToShardInfo() ShardInfo {
	return ShardInfo{
		ID:                    s.ID,
		PGID:                  s.PGID,
		State:                 s.State,
		CreatedTime:           time.Unix(0, s.CreatedTime),
		LastModifiedTime:      time.Unix(0, s.LastModifiedTime),
		AvailableReplicaCount: s.AvailableReplicaCount,
		TotalCapacityBytes:    s.TotalCapacityBytes,
		UsedCapacity:          s.UsedCapacity,
		DeletedCapacity:       s.DeletedCapacity,
		PChunkID:              s.PChunkID,
		VChunkID:              s.VChunkID,
	}
}

// SuperblockStore is the badger-backed append/update/iterate service
// for PG and Shard superblocks (spec.md §2 "Superblock Store"),
// grounded on the teacher's server/store.go composed-key-prefix
// pattern (DirDBKey/GetDirectory/SetDirectory), generalized from one
// directory namespace to two typed namespaces.
type SuperblockStore struct {
	db *badger.DB
}

var (
	sbPGPrefix    = []byte{0x01}
	sbShardPrefix = []byte{0x02}
)

func pgKey(id PGID) []byte {
	k := make([]byte, len(sbPGPrefix)+2)
	copy(k, sbPGPrefix)
	binary.BigEndian.PutUint16(k[len(sbPGPrefix):], uint16(id))
	return k
}

func shardKey(id ShardID) []byte {
	k := make([]byte, len(sbShardPrefix)+8)
	copy(k, sbShardPrefix)
	binary.BigEndian.PutUint64(k[len(sbShardPrefix):], uint64(id))
	return k
}

// OpenSuperblockStore opens (creating if absent) a badger database at
// dir dedicated to superblocks.
func OpenSuperblockStore(dir string) (*SuperblockStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open superblock store")
	}
	return &SuperblockStore{db: db}, nil
}

func (s *SuperblockStore) Close() error { return s.db.Close() }

// PutPG appends/overwrites a PG superblock record.
func (s *SuperblockStore) PutPG(sb PGInfoSuperblk) error {
	sb.DataHeader = DataHeader{Magic: DataHeaderMagic, Version: DataHeaderVersion, Type: SuperblockPG}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pgKey(sb.ID), sb.Encode())
	})
}

// GetPG fetches one PG superblock by id.
func (s *SuperblockStore) GetPG(id PGID) (*PGInfoSuperblk, error) {
	var out *PGInfoSuperblk
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pgKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			sb, decErr := DecodePGInfoSuperblk(val)
			if decErr != nil {
				return decErr
			}
			out = &sb
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IteratePG enumerates every PG superblock record, in key order
// (i.e. pg_id order), calling fn for each. Used by the Recovery
// Coordinator (spec.md §4.5 step 2).
func (s *SuperblockStore) IteratePG(fn func(PGInfoSuperblk) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sbPGPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(sbPGPrefix); it.ValidForPrefix(sbPGPrefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				sb, err := DecodePGInfoSuperblk(val)
				if err != nil {
					return err
				}
				return fn(sb)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutShard appends/overwrites a shard superblock record.
func (s *SuperblockStore) PutShard(sb ShardInfoSuperblk) error {
	sb.DataHeader = DataHeader{Magic: DataHeaderMagic, Version: DataHeaderVersion, Type: SuperblockShard}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(shardKey(sb.ID), sb.Encode())
	})
}

// IterateShard enumerates every shard superblock record in shard_id
// order (spec.md §4.5 step 3).
func (s *SuperblockStore) IterateShard(fn func(ShardInfoSuperblk) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sbShardPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(sbShardPrefix); it.ValidForPrefix(sbShardPrefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				sb, err := DecodeShardInfoSuperblk(val)
				if err != nil {
					return err
				}
				return fn(sb)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
