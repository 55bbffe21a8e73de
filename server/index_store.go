package server

import (
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// IndexStore is the per-PG ordered (shard_id, blob_id) -> extent index
// (spec.md §2 "Index Store"), grounded on the teacher's
// server/storage.go badger.View lookup pattern. One IndexStore
// instance backs one index table (identified by its index_table_uuid);
// the PG Manager owns the mapping from pg_id to IndexStore.
type IndexStore struct {
	db    *badger.DB
	table uuid.UUID
}

// OpenIndexStore opens (creating if absent) the badger database
// backing one PG's index table.
func OpenIndexStore(dir string, table uuid.UUID) (*IndexStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open index store")
	}
	return &IndexStore{db: db, table: table}, nil
}

func (s *IndexStore) Close() error { return s.db.Close() }

func (s *IndexStore) TableUUID() uuid.UUID { return s.table }

func indexKey(shard ShardID, blob BlobID) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], uint64(shard))
	binary.BigEndian.PutUint64(k[8:16], uint64(blob))
	return k
}

func encodeExtent(e Extent) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], e.PChunkID)
	binary.LittleEndian.PutUint64(buf[4:12], e.BlockStart)
	binary.LittleEndian.PutUint32(buf[12:16], e.BlockCount)
	return buf
}

func decodeExtent(buf []byte) (Extent, error) {
	if len(buf) < 16 {
		return Extent{}, errors.New("index: short extent record")
	}
	return Extent{
		PChunkID:   binary.LittleEndian.Uint32(buf[0:4]),
		BlockStart: binary.LittleEndian.Uint64(buf[4:12]),
		BlockCount: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// Put inserts or overwrites (shard, blob) -> extent (spec.md §4.4
// on_commit(PUT_BLOB)).
func (s *IndexStore) Put(shard ShardID, blob BlobID, e Extent) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(shard, blob), encodeExtent(e))
	})
}

// Get looks up (shard, blob); ok is false if absent.
func (s *IndexStore) Get(shard ShardID, blob BlobID) (Extent, bool, error) {
	var out Extent
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(shard, blob))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e, decErr := decodeExtent(val)
			if decErr != nil {
				return decErr
			}
			out = e
			found = true
			return nil
		})
	})
	if err != nil {
		return Extent{}, false, err
	}
	return out, found, nil
}

// Tombstone marks (shard, blob) deleted without freeing its extent
// (spec.md §4.4 on_commit(DEL_BLOB)).
func (s *IndexStore) Tombstone(shard ShardID, blob BlobID) error {
	return s.Put(shard, blob, TombstoneExtent)
}

// IndexEntry is one (shard, blob, extent) tuple, ordered by key,
// returned by Scan for PGBlobIterator.
type IndexEntry struct {
	Shard  ShardID
	Blob   BlobID
	Extent Extent
}

// Scan iterates entries with shard_id >= fromShard, and if equal to
// fromShard, blob_id > fromBlob (exclusive resume cursor), stopping
// after maxCount entries or when fn returns false. This is the
// primitive PGBlobIterator.GetNextBlobs is built on.
func (s *IndexStore) Scan(fromShard ShardID, fromBlob BlobID, maxCount int, fn func(IndexEntry) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := indexKey(fromShard, fromBlob+1)
		n := 0
		for it.Seek(seek); it.Valid() && n < maxCount; it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if len(key) != 16 {
				continue
			}
			shard := ShardID(binary.BigEndian.Uint64(key[0:8]))
			blob := BlobID(binary.BigEndian.Uint64(key[8:16]))
			var cont = true
			if err := item.Value(func(val []byte) error {
				e, err := decodeExtent(val)
				if err != nil {
					return err
				}
				n++
				cont = fn(IndexEntry{Shard: shard, Blob: blob, Extent: e})
				return nil
			}); err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}
