package server

import (
	"container/heap"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Chunk is one fixed-size allocation unit on a device (spec.md
// GLOSSARY).
type Chunk struct {
	ID         uint32
	DeviceID   uint32
	FreeBlocks uint64 // residual free capacity, in blocks
}

// chunkHeapItem is one entry in a per-device max-heap, ordered by
// FreeBlocks descending, ties broken by lowest chunk id (spec.md §4.1
// "largest residual free space ties broken by lowest v_chunk_id" —
// applied here at the physical-chunk level since the heap operates
// before a chunk is assigned a PG-local virtual index).
type chunkHeapItem struct {
	chunk Chunk
	index int
}

type chunkMaxHeap []*chunkHeapItem

func (h chunkMaxHeap) Len() int { return len(h) }
func (h chunkMaxHeap) Less(i, j int) bool {
	if h[i].chunk.FreeBlocks != h[j].chunk.FreeBlocks {
		return h[i].chunk.FreeBlocks > h[j].chunk.FreeBlocks
	}
	return h[i].chunk.ID < h[j].chunk.ID
}
func (h chunkMaxHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *chunkMaxHeap) Push(x interface{}) {
	item := x.(*chunkHeapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *chunkMaxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// deviceBucket owns one device's free-chunk heap.
type deviceBucket struct {
	mu       sync.Mutex
	deviceID uint32
	freeHeap chunkMaxHeap
	chunkSz  uint64 // in bytes, fixed cluster-wide at first PG create
}

// pgChunkState tracks one PG's chunk ownership plus which chunk (if
// any) currently hosts an OPEN shard, enforcing spec.md §4.1's "at
// most one OPEN shard per chunk" default policy.
type pgChunkState struct {
	mu        sync.RWMutex
	chunkIDs  []uint32 // v_chunk_id -> p_chunk_id, append-only
	byPChunk  map[uint32]uint64 // p_chunk_id -> residual free blocks
	openChunk map[uint32]bool   // p_chunk_id -> hosts an OPEN shard
}

// ChunkSelector owns the per-device free-chunk heaps and each PG's
// chunk assignment (spec.md §2, §4.1). Grounded on
// unkn0wn-root-kioshun's container/heap-based lfuHeap (shard.go) for
// the heap shape, generalized from cache-item eviction order to
// chunk-capacity order; device buckets are keyed by the device id the
// caller passes to SeedDevice or RecoverPerDevChunkHeap.
type ChunkSelector struct {
	mu         sync.RWMutex
	devices    map[uint32]*deviceBucket
	pgs        map[PGID]*pgChunkState
	chunkSize  uint64 // bytes per chunk, fixed cluster-wide
	blockSize  uint64 // bytes per block (DataBlockSize by default)
}

// NewChunkSelector builds an empty selector; devices are added later
// with SeedDevice. chunkSize and blockSize are fixed for the cluster's
// lifetime (spec.md §3 "chunk_size (fixed for the cluster at
// PG-create time)").
func NewChunkSelector(chunkSize, blockSize uint64) *ChunkSelector {
	return &ChunkSelector{
		devices:   make(map[uint32]*deviceBucket),
		pgs:       make(map[PGID]*pgChunkState),
		chunkSize: chunkSize,
		blockSize: blockSize,
	}
}

// deviceIDForChunk derives a stable device bucket for a raw chunk id
// when the caller does not already know which device it lives on.
// Nothing in this repository calls it at present.
func deviceIDForChunk(chunkID uint32) uint32 {
	var buf [4]byte
	buf[0] = byte(chunkID)
	buf[1] = byte(chunkID >> 8)
	buf[2] = byte(chunkID >> 16)
	buf[3] = byte(chunkID >> 24)
	return uint32(xxhash.Sum64(buf[:]) % 8)
}

// SeedDevice registers a device and its initial free-chunk list. Used
// at cluster bootstrap and by tests; not part of the client-facing
// operation surface.
func (c *ChunkSelector) SeedDevice(deviceID uint32, chunks []Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.devices[deviceID]
	if !ok {
		b = &deviceBucket{deviceID: deviceID, chunkSz: c.chunkSize}
		c.devices[deviceID] = b
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range chunks {
		ch.DeviceID = deviceID
		heap.Push(&b.freeHeap, &chunkHeapItem{chunk: ch})
	}
}

// GetChunkSize returns the cluster-fixed chunk size in bytes.
func (c *ChunkSelector) GetChunkSize() uint64 { return c.chunkSize }

// MostAvailNumChunks sums the free-heap length across every device.
func (c *ChunkSelector) MostAvailNumChunks() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.devices {
		b.mu.Lock()
		n += b.freeHeap.Len()
		b.mu.Unlock()
	}
	return n
}

func (c *ChunkSelector) pgState(pg PGID) *pgChunkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.pgs[pg]
	if !ok {
		s = &pgChunkState{byPChunk: map[uint32]uint64{}, openChunk: map[uint32]bool{}}
		c.pgs[pg] = s
	}
	return s
}

func (c *ChunkSelector) pgStateReadOnly(pg PGID) (*pgChunkState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.pgs[pg]
	return s, ok
}

// AvailNumChunks returns how many chunks pg currently owns.
func (c *ChunkSelector) AvailNumChunks(pg PGID) int {
	s, ok := c.pgStateReadOnly(pg)
	if !ok {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunkIDs)
}

// AvailBlks sums the residual free blocks across pg's owned chunks.
func (c *ChunkSelector) AvailBlks(pg PGID) uint64 {
	s, ok := c.pgStateReadOnly(pg)
	if !ok {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, v := range s.byPChunk {
		total += v
	}
	return total
}

// GetPGChunks returns a read-only snapshot of pg's chunk list, in
// v_chunk_id order.
func (c *ChunkSelector) GetPGChunks(pg PGID) []uint32 {
	s, ok := c.pgStateReadOnly(pg)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint32, len(s.chunkIDs))
	copy(out, s.chunkIDs)
	return out
}

// SelectChunksForPG atomically removes floor(sizeBytes/chunkSize)
// chunks from the per-device heaps and assigns them to pg. Idempotent
// if pg already owns a chunk list (spec.md §4.1); returns ok=false if
// insufficient chunks are available anywhere in the cluster.
func (c *ChunkSelector) SelectChunksForPG(pg PGID, sizeBytes uint64) (count int, ok bool) {
	if existing := c.AvailNumChunks(pg); existing > 0 {
		return existing, true
	}
	want := int(sizeBytes / c.chunkSize)
	if want == 0 {
		return 0, true
	}
	c.mu.RLock()
	devices := make([]*deviceBucket, 0, len(c.devices))
	for _, b := range c.devices {
		devices = append(devices, b)
	}
	c.mu.RUnlock()

	taken := make([]Chunk, 0, want)
	for _, b := range devices {
		b.mu.Lock()
		for b.freeHeap.Len() > 0 && len(taken) < want {
			item := heap.Pop(&b.freeHeap).(*chunkHeapItem)
			taken = append(taken, item.chunk)
		}
		b.mu.Unlock()
		if len(taken) == want {
			break
		}
	}
	if len(taken) < want {
		// roll back: push everything taken back onto its origin device.
		for _, ch := range taken {
			c.mu.RLock()
			b := c.devices[ch.DeviceID]
			c.mu.RUnlock()
			b.mu.Lock()
			heap.Push(&b.freeHeap, &chunkHeapItem{chunk: ch})
			b.mu.Unlock()
		}
		return 0, false
	}

	s := c.pgState(pg)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range taken {
		s.chunkIDs = append(s.chunkIDs, ch.ID)
		s.byPChunk[ch.ID] = ch.FreeBlocks
	}
	return len(taken), true
}

// RecoverPGChunks re-registers pg's ownership of chunkIDs during
// restart, from the PG superblock (spec.md §4.5 step 2). It does not
// touch the per-device heaps directly; RecoverPerDevChunkHeap rebuilds
// those afterwards from the union of all recovered PGs.
func (c *ChunkSelector) RecoverPGChunks(pg PGID, chunkIDs []uint32, freeBlocksByChunk map[uint32]uint64) {
	s := c.pgState(pg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkIDs = append([]uint32(nil), chunkIDs...)
	for _, id := range chunkIDs {
		fb := freeBlocksByChunk[id]
		s.byPChunk[id] = fb
	}
}

// RecoverPerDevChunkHeap rebuilds the per-device free heaps from
// allChunks minus every chunk any recovered PG now owns (spec.md
// §4.5 step 4).
func (c *ChunkSelector) RecoverPerDevChunkHeap(allChunks []Chunk) {
	owned := map[uint32]bool{}
	c.mu.RLock()
	for _, s := range c.pgs {
		s.mu.RLock()
		for _, id := range s.chunkIDs {
			owned[id] = true
		}
		s.mu.RUnlock()
	}
	c.mu.RUnlock()

	c.mu.Lock()
	c.devices = make(map[uint32]*deviceBucket)
	c.mu.Unlock()

	for _, ch := range allChunks {
		if owned[ch.ID] {
			continue
		}
		c.SeedDevice(ch.DeviceID, []Chunk{ch})
	}
}

// ReserveChunkForNewShard binds an OPEN shard to the chunk in pg's
// chunk list with the largest residual free space, ties broken by
// lowest v_chunk_id (spec.md §4.1), skipping any chunk that already
// hosts an OPEN shard. Returns ok=false if pg owns no eligible chunk.
func (c *ChunkSelector) ReserveChunkForNewShard(pg PGID) (pChunkID uint32, vChunkID uint32, ok bool) {
	s, exists := c.pgStateReadOnly(pg)
	if !exists {
		return 0, 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bestV := -1
	var bestP uint32
	var bestFree uint64
	for v, p := range s.chunkIDs {
		if s.openChunk[p] {
			continue
		}
		free := s.byPChunk[p]
		if bestV == -1 || free > bestFree || (free == bestFree && uint32(v) < uint32(bestV)) {
			bestV = v
			bestP = p
			bestFree = free
		}
	}
	if bestV == -1 {
		return 0, 0, false
	}
	s.openChunk[bestP] = true
	return bestP, uint32(bestV), true
}

// ReleaseChunk returns pChunkID to pg's free-for-open-shard set,
// without removing it from pg's ownership (spec.md §4.3
// on_rollback(CREATE_SHARD)).
func (c *ChunkSelector) ReleaseChunk(pg PGID, pChunkID uint32) {
	s, exists := c.pgStateReadOnly(pg)
	if !exists {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.openChunk, pChunkID)
}

// MarkChunkOpen records that pChunkID now hosts the OPEN shard the
// proposer's decision settled on, releasing whatever this replica's
// own pre-commit reservation had chosen if it differs (DESIGN.md
// Open Question #1: "follower pre-commit chunk mismatch").
func (c *ChunkSelector) MarkChunkOpen(pg PGID, localReserved, decided uint32) {
	s := c.pgState(pg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if localReserved != decided {
		delete(s.openChunk, localReserved)
	}
	s.openChunk[decided] = true
}

// AccountBlocks adjusts pChunkID's residual free-block count within
// pg by delta (negative on write growth, positive on GC reclaim).
func (c *ChunkSelector) AccountBlocks(pg PGID, pChunkID uint32, delta int64) {
	s, exists := c.pgStateReadOnly(pg)
	if !exists {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := int64(s.byPChunk[pChunkID])
	cur += delta
	if cur < 0 {
		cur = 0
	}
	s.byPChunk[pChunkID] = uint64(cur)
}
