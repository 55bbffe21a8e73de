package server

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RecoveryCoordinator drives the strict four-step restart order
// spec.md §4.5 mandates: Index Store enumeration, then PG superblock
// enumeration (attaching each PG to its already-registered index
// table), then Shard superblock enumeration, then per-device
// free-chunk heap rebuild. Grounded on the teacher's drone startup
// sequence (drone/main.go's directory-scan-then-serve flow), extended
// with the fatal recovery-order assertion spec.md §4.5/§9 requires.
type RecoveryCoordinator struct {
	sb       *SuperblockStore
	idxReg   *indexRegistry
	chunkSel *ChunkSelector
	pgs      *pgMap
	indexDir string
	log      *logrus.Entry
}

func NewRecoveryCoordinator(sb *SuperblockStore, idxReg *indexRegistry, chunkSel *ChunkSelector, pgs *pgMap, indexDir string, log *logrus.Entry) *RecoveryCoordinator {
	return &RecoveryCoordinator{sb: sb, idxReg: idxReg, chunkSel: chunkSel, pgs: pgs, indexDir: indexDir, log: log}
}

// Run executes the four-step restart order. allChunks is the cluster's
// full chunk inventory (device layout config), needed by step 4 to
// rebuild the free heap as "everything minus what a PG now owns".
func (r *RecoveryCoordinator) Run(allChunks []Chunk) error {
	if err := r.recoverIndexTables(); err != nil {
		return wrapf(err, "recovery step 1: index store enumeration")
	}
	if err := r.recoverPGs(); err != nil {
		return wrapf(err, "recovery step 2: pg superblock enumeration")
	}
	if err := r.recoverShards(); err != nil {
		return wrapf(err, "recovery step 3: shard superblock enumeration")
	}
	r.chunkSel.RecoverPerDevChunkHeap(allChunks)
	r.log.WithField("chunks", len(allChunks)).Info("recovery step 4: chunk heap rebuilt")

	if orphans := r.idxReg.Unattached(); len(orphans) > 0 {
		r.log.WithField("orphan_tables", orphans).Warn("index tables with no owning pg")
	}
	return nil
}

// recoverIndexTables is spec.md §4.5 step 1: every subdirectory of
// indexDir named as a uuid is an index table, opened and registered
// before any PG superblock is read.
func (r *RecoveryCoordinator) recoverIndexTables() error {
	entries, err := os.ReadDir(r.indexDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		table, err := uuid.Parse(e.Name())
		if err != nil {
			continue // not an index table directory
		}
		store, err := OpenIndexStore(filepath.Join(r.indexDir, e.Name()), table)
		if err != nil {
			return wrapf(err, "open index store %s", table)
		}
		r.idxReg.Register(table, store)
	}
	return nil
}

// recoverPGs is spec.md §4.5 step 2: for every pg_info_superblk,
// attach it to its already-registered index table — a missing
// registration is the fatal recovery-order violation spec.md §9 calls
// out ("an index table is recovered before the PG that references
// it"). Also seeds the PG's chunk ownership from the superblock.
func (r *RecoveryCoordinator) recoverPGs() error {
	return r.sb.IteratePG(func(sb PGInfoSuperblk) error {
		idx, ok := r.idxReg.Attach(sb.IndexTableUUID, sb.ID)
		if !ok {
			r.log.WithFields(logrus.Fields{
				"pg_id": sb.ID, "index_table": sb.IndexTableUUID,
			}).Fatal("recovery order violation: pg references an index table that was never enumerated")
			return PGUnknown
		}

		freeBlocksByChunk := make(map[uint32]uint64, len(sb.ChunkIDs))
		for _, c := range sb.ChunkIDs {
			freeBlocksByChunk[c] = 0 // refined per-chunk by shard recovery
		}
		r.chunkSel.RecoverPGChunks(sb.ID, sb.ChunkIDs, freeBlocksByChunk)

		info := PGInfo{
			ID:              sb.ID,
			SizeBytes:       sb.SizeBytes,
			ChunkSize:       sb.ChunkSize,
			ReplicaSetUUID:  sb.ReplicaSetUUID,
			IndexTableUUID:  sb.IndexTableUUID,
			ChunkIDs:        sb.ChunkIDs,
			BlobSequenceNum: sb.BlobSequenceNum,
			ActiveBlobCount: sb.ActiveBlobCount,
			TombstoneCount:  sb.TombstoneCount,
			OccupiedBlocks:  sb.OccupiedBlocks,
			Members:         sb.Members,
		}
		r.pgs.insert(newPG(info, idx))
		return nil
	})
}

// recoverShards is spec.md §4.5 step 3: attach every shard superblock
// to its already-recovered PG. A shard whose PG is missing is itself
// a recovery-order violation (a shard cannot outlive its PG).
func (r *RecoveryCoordinator) recoverShards() error {
	return r.sb.IterateShard(func(sb ShardInfoSuperblk) error {
		pg, ok := r.pgs.get(sb.PGID)
		if !ok {
			r.log.WithFields(logrus.Fields{
				"shard_id": sb.ID, "pg_id": sb.PGID,
			}).Fatal("recovery order violation: shard references a pg that was never recovered")
			return ShardUnknownPG
		}
		info := sb.ToShardInfo()
		pg.putShard(&info)
		pg.restoreNextShardSeq(sb.ID.Seq())
		if info.State == ShardOpen {
			r.chunkSel.MarkChunkOpen(sb.PGID, sb.PChunkID, sb.PChunkID)
		}
		return nil
	})
}
