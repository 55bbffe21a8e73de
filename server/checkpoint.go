package server

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Checkpointer periodically flushes each PG's durable counters
// (active_blob_count, tombstone_blob_count, total_occupied_blk_count)
// into its pg_info_superblk, so restart recovery does not need to
// replay the full blob history to reconstruct them (spec.md §4.5
// "counters are checkpointed, not recomputed"). Grounded on the
// teacher's periodic directory-flush goroutine pattern
// (server/contracts.go's background sync loop), generalized from a
// single flat namespace to per-PG dirty tracking.
type Checkpointer struct {
	pgs      *pgMap
	sb       *SuperblockStore
	chunkSel *ChunkSelector
	log      *logrus.Entry

	interval time.Duration
	// flushed tracks which PGs were already checkpointed this
	// interval; a PG in it is skipped, whether or not its counters
	// changed since, until its entry expires or Cleanup runs.
	flushed *gocache.Cache

	progress int64 // 0-100, last completed tick's percent done
}

func NewCheckpointer(pgs *pgMap, sb *SuperblockStore, chunkSel *ChunkSelector, interval time.Duration, log *logrus.Entry) *Checkpointer {
	return &Checkpointer{
		pgs:      pgs,
		sb:       sb,
		chunkSel: chunkSel,
		log:      log,
		interval: interval,
		flushed:  gocache.New(interval, 2*interval),
	}
}

// Run blocks, ticking every c.interval until ctx is cancelled.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Flush()
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

// Flush checkpoints every known PG's current counters, reporting
// progress as it goes so a long-running flush is observable.
func (c *Checkpointer) Flush() {
	ids := c.pgs.list()
	total := len(ids)
	if total == 0 {
		atomic.StoreInt64(&c.progress, 100)
		return
	}
	for i, id := range ids {
		if _, seen := c.flushed.Get(id.String()); seen {
			atomic.StoreInt64(&c.progress, int64((i+1)*100/total))
			continue
		}
		if err := c.flushOne(id); err != nil {
			c.log.WithError(err).WithField("pg_id", id).Warn("checkpoint flush failed")
		} else {
			c.flushed.SetDefault(id.String(), struct{}{})
		}
		atomic.StoreInt64(&c.progress, int64((i+1)*100/total))
	}
}

func (c *Checkpointer) flushOne(id PGID) error {
	pg, ok := c.pgs.get(id)
	if !ok {
		return nil
	}
	pg.mu.RLock()
	info := pg.Info
	pg.mu.RUnlock()

	sb := PGInfoSuperblk{
		ID:              info.ID,
		SizeBytes:       info.SizeBytes,
		ChunkSize:       info.ChunkSize,
		ReplicaSetUUID:  info.ReplicaSetUUID,
		IndexTableUUID:  info.IndexTableUUID,
		BlobSequenceNum: atomic.LoadUint64(&info.BlobSequenceNum),
		ActiveBlobCount: atomic.LoadUint64(&info.ActiveBlobCount),
		TombstoneCount:  atomic.LoadUint64(&info.TombstoneCount),
		OccupiedBlocks:  atomic.LoadUint64(&info.OccupiedBlocks),
		Members:         info.Members,
		ChunkIDs:        c.chunkSel.GetPGChunks(info.ID),
	}
	return wrapf(c.sb.PutPG(sb), "checkpoint pg %d", id)
}

// OnSwitchover forces an immediate, synchronous flush of pg before a
// leadership handoff completes, so the new leader's own recovery scan
// observes counters at least as fresh as this replica's (spec.md §4.5).
func (c *Checkpointer) OnSwitchover(id PGID) error {
	return c.flushOne(id)
}

// Cleanup evicts the "already flushed this tick" set, forcing every
// PG to be re-checked on the next Flush; used when a PG's counters
// were mutated by recovery rather than the normal commit path.
func (c *Checkpointer) Cleanup() {
	c.flushed.Flush()
}

// ProgressPercent reports the last Flush's completion percentage.
func (c *Checkpointer) ProgressPercent() int {
	return int(atomic.LoadInt64(&c.progress))
}
