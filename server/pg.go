package server

import (
	"sync"
)

// PG is the in-memory representation of one placement group: its
// durable PGInfo plus the mutable shard list and durable counters
// spec.md §3 describes. Per-PG shard-list mutation is serialised by
// the PG's consensus apply stream (spec.md §5), so pg.mu here guards
// only the Shards map/order against concurrent readers (get_shard,
// list_shards, stats).
type PG struct {
	Info  PGInfo
	Index *IndexStore

	mu         sync.RWMutex
	shards     map[ShardID]*ShardInfo
	shardOrder []ShardID // append-only, creation order

	// nextShardSeq is the PG's monotonic shard sequence, distinct
	// from BlobSequenceNum.
	nextShardSeq uint64
}

func newPG(info PGInfo, idx *IndexStore) *PG {
	return &PG{Info: info, Index: idx, shards: make(map[ShardID]*ShardInfo)}
}

func (pg *PG) nextShardID() ShardID {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.nextShardSeq++
	return NewShardID(pg.Info.ID, pg.nextShardSeq)
}

// restoreNextShardSeq bumps the PG's shard-id sequence counter up to
// seq if it isn't already there, used by recovery to reattach a
// shard's sequence number without re-minting a colliding id on the
// next create_shard.
func (pg *PG) restoreNextShardSeq(seq uint64) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if seq > pg.nextShardSeq {
		pg.nextShardSeq = seq
	}
}

func (pg *PG) putShard(s *ShardInfo) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if _, exists := pg.shards[s.ID]; !exists {
		pg.shardOrder = append(pg.shardOrder, s.ID)
	}
	pg.shards[s.ID] = s
}

func (pg *PG) getShard(id ShardID) (*ShardInfo, bool) {
	pg.mu.RLock()
	defer pg.mu.RUnlock()
	s, ok := pg.shards[id]
	return s, ok
}

func (pg *PG) listShards() []ShardInfo {
	pg.mu.RLock()
	defer pg.mu.RUnlock()
	out := make([]ShardInfo, 0, len(pg.shardOrder))
	for _, id := range pg.shardOrder {
		out = append(out, *pg.shards[id])
	}
	return out
}

// pgMap is the readers-writer-locked PG map spec.md §5 calls
// `_pg_lock`: readers for lookup/listing, writer only for
// insertion/removal, held for the shortest scope possible and never
// across an I/O or replication call.
type pgMap struct {
	mu sync.RWMutex
	m  map[PGID]*PG
}

func newPGMap() *pgMap { return &pgMap{m: make(map[PGID]*PG)} }

func (p *pgMap) get(id PGID) (*PG, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pg, ok := p.m[id]
	return pg, ok
}

func (p *pgMap) insert(pg *PG) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[pg.Info.ID] = pg
}

func (p *pgMap) list() []PGID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PGID, 0, len(p.m))
	for id := range p.m {
		out = append(out, id)
	}
	return out
}

func (p *pgMap) has(id PGID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.m[id]
	return ok
}
