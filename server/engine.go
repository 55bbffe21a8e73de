package server

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/PomeloCloud/pgstore/replication"
)

// Engine is the top-level wiring point: it owns every store and
// manager, implements replication.Hooks, and dispatches each proposal
// to the right manager by MsgType (spec.md §6). Grounded on the
// teacher's server/contracts.go Storage struct, which plays the same
// "owns everything, dispatches by request type" role over BFTRaft4go's
// callback surface.
type Engine struct {
	PGs        *PGManager
	Shards     *ShardManager
	Blobs      *BlobEngine
	Checkpoint *Checkpointer
	Recovery   *RecoveryCoordinator

	pgMap    *pgMap
	chunkSel *ChunkSelector
	idxReg   *indexRegistry
	sb       *SuperblockStore
	port     replication.Port
	exec     *executor
	log      *logrus.Entry

	// pendingShardReservations remembers, between OnPreCommit and
	// OnCommit for CREATE_SHARD, which chunk this replica's own
	// pre-commit picked (DESIGN.md Open Question #1). Keyed by the
	// shard id minted client-side, which is identical across every
	// replica's pre-commit and the eventual decided commit.
	shardResMu sync.Mutex
	shardRes   map[ShardID]uint32
}

// NewEngine wires an Engine from already-open stores. Port is set
// separately via SetPort once the concrete replication adapter (e.g.
// replication/bftraft.Adapter) has been constructed with this Engine
// as its Hooks, breaking the constructor cycle between the two.
func NewEngine(cfg Config, sb *SuperblockStore, chunkSel *ChunkSelector, log *logrus.Entry) *Engine {
	pgs := newPGMap()
	idxReg := newIndexRegistry()
	e := &Engine{
		pgMap:    pgs,
		chunkSel: chunkSel,
		idxReg:   idxReg,
		sb:       sb,
		exec:     newExecutor(cfg.ExecutorLanes),
		log:      log,
		shardRes: make(map[ShardID]uint32),
	}
	e.Shards = NewShardManager(pgs, chunkSel, sb, log)
	e.Checkpoint = NewCheckpointer(pgs, sb, chunkSel, cfg.CheckpointInterval, log)
	e.Recovery = NewRecoveryCoordinator(sb, idxReg, chunkSel, pgs, cfg.IndexDir, log)
	return e
}

// SetPort finishes wiring once a concrete replication.Port exists,
// and constructs the PG/Blob managers that need it.
func (e *Engine) SetPort(port replication.Port, indexDir string) {
	e.port = port
	e.PGs = NewPGManager(e.pgMap, e.chunkSel, e.sb, e.idxReg, port, indexDir, e.log)
	e.Blobs = NewBlobEngine(e.pgMap, e.chunkSel, e.sb, noopBlockReader{}, e.log)
}

// SetBlockReader swaps in a real device-backed BlockReader once the
// storage layer (out of scope, spec.md §1) is available to the host
// process.
func (e *Engine) SetBlockReader(r BlockReader) {
	e.Blobs = NewBlobEngine(e.pgMap, e.chunkSel, e.sb, r, e.log)
}

type noopBlockReader struct{}

func (noopBlockReader) ReadExtent(Extent) ([]byte, error) {
	return nil, errBlockLayerUnavailable
}

var errBlockLayerUnavailable = ShardInvalidArg

// runOnLane submits fn to pg's single-lane executor and blocks for its
// result, so every on_commit callback for one PG runs strictly in
// commit order relative to every other proposal for that PG (spec.md
// §5), even when the Port invokes Hooks from more than one goroutine.
func runOnLane[T any](e *Engine, pg PGID, fn func() (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	e.exec.Submit(pg, func() {
		v, err := fn()
		done <- outcome{v, err}
	})
	o := <-done
	return o.val, o.err
}

// payloadOf returns the domain-specific payload every proposal carries
// in dataSG[0] (spec.md §6): headerBuf/decidedHeader is only ever the
// fixed MsgHeader framing (magic/type/size/crc), never the resource
// struct itself.
func payloadOf(dataSG [][]byte) ([]byte, bool) {
	if len(dataSG) == 0 {
		return nil, false
	}
	return dataSG[0], true
}

// OnPreCommit implements replication.Hooks.
func (e *Engine) OnPreCommit(group replication.GroupID, msgType uint8, headerBuf, keyBuf []byte, dataSG [][]byte) error {
	switch MsgType(msgType) {
	case MsgCreateShard:
		payload, ok := payloadOf(dataSG)
		if !ok {
			return ShardInvalidArg
		}
		reserved, err := e.Shards.PreCommitCreateShard(payload)
		if err != nil {
			return err
		}
		sb, decErr := DecodeShardInfoSuperblk(reserved)
		if decErr != nil {
			return wrapf(decErr, "decode local CREATE_SHARD reservation")
		}
		e.shardResMu.Lock()
		e.shardRes[sb.ID] = sb.PChunkID
		e.shardResMu.Unlock()
		copy(dataSG[0], reserved)
		return nil
	default:
		return nil
	}
}

// OnCommit implements replication.Hooks, routing by MsgType to the
// owning manager's Apply* method, on the proposal's PG lane. Every
// case reads its domain payload from dataSG[0], not decidedHeader,
// which is only the MsgHeader wire frame (spec.md §6).
func (e *Engine) OnCommit(group replication.GroupID, msgType uint8, decidedHeader, keyBuf []byte, dataSG [][]byte, lsn uint64) (interface{}, error) {
	payload, hasPayload := payloadOf(dataSG)

	switch MsgType(msgType) {
	case MsgCreatePG:
		if !hasPayload {
			return nil, PGInvalidArg
		}
		return e.PGs.ApplyCreatePG(payload)

	case MsgCreateShard:
		if !hasPayload {
			return nil, ShardInvalidArg
		}
		sb, err := DecodeShardInfoSuperblk(payload)
		if err != nil {
			return nil, wrapf(err, "decode decided CREATE_SHARD")
		}
		e.shardResMu.Lock()
		localReserved, hadLocal := e.shardRes[sb.ID]
		delete(e.shardRes, sb.ID)
		e.shardResMu.Unlock()
		if !hadLocal {
			// this replica never ran pre-commit for this proposal
			// (e.g. joined after it was decided); treat the decided
			// chunk as already ours.
			localReserved = sb.PChunkID
		}
		return runOnLane(e, sb.PGID, func() (ShardInfo, error) {
			return e.Shards.ApplyCreateShard(payload, localReserved)
		})

	case MsgSealShard:
		shardID := ShardID(0)
		if hasPayload && len(payload) >= 8 {
			shardID = ShardID(leUint64(payload))
		}
		return runOnLane(e, shardID.PGID(), func() (ShardInfo, error) {
			return e.Shards.ApplySealShard(payload)
		})

	case MsgPutBlob:
		if !hasPayload {
			return nil, BlobCRCMismatch
		}
		header, ok := DecodeBlobHeader(payload)
		if !ok {
			return nil, BlobCRCMismatch
		}
		pg, ok := e.pgMap.get(header.ShardID.PGID())
		if !ok {
			return nil, BlobInvalidArg
		}
		shard, ok := pg.getShard(header.ShardID)
		if !ok {
			return nil, BlobInvalidArg
		}
		// BlobPutGetBlkAllocHints already steered the Port's own block
		// allocator toward this shard's chunk before commit (spec.md
		// §4.4); the same chunk id is recorded here for the index.
		pbas := Extent{
			PChunkID:   shard.PChunkID,
			BlockStart: 0,
			BlockCount: uint32(AlignUp(uint64(header.BlobSize), DeviceBlockAlign) / DataBlockSize),
		}
		return runOnLane(e, header.ShardID.PGID(), func() (Extent, error) {
			return e.Blobs.ApplyPutBlob(pg.Index, header, pbas)
		})

	case MsgDelBlob:
		if !hasPayload || len(payload) < 16 {
			return nil, BlobInvalidArg
		}
		shardID, _ := getShardBlob(payload)
		_, err := runOnLane(e, shardID.PGID(), func() (struct{}, error) {
			pg, ok := e.pgMap.get(shardID.PGID())
			if !ok {
				return struct{}{}, BlobInvalidArg
			}
			return struct{}{}, e.Blobs.ApplyDelBlob(pg.Index, payload)
		})
		return nil, err

	default:
		return nil, nil
	}
}

// OnRollback implements replication.Hooks.
func (e *Engine) OnRollback(group replication.GroupID, msgType uint8, headerBuf, keyBuf []byte, dataSG [][]byte) error {
	switch MsgType(msgType) {
	case MsgCreateShard:
		payload, ok := payloadOf(dataSG)
		if !ok {
			return ShardInvalidArg
		}
		return e.Shards.ReleaseChunkBasedOnCreateShardMessage(payload)
	default:
		return nil
	}
}

// BlobPutGetBlkAllocHints implements replication.Hooks: bias block
// allocation toward the target shard's own chunk (spec.md §4.4).
func (e *Engine) BlobPutGetBlkAllocHints(group replication.GroupID, headerBuf []byte) (uint32, uint32, error) {
	header, ok := DecodeBlobHeader(headerBuf)
	if !ok {
		return 0, 0, BlobInvalidArg
	}
	pg, ok := e.pgMap.get(header.ShardID.PGID())
	if !ok {
		return 0, 0, BlobInvalidArg
	}
	shard, ok := pg.getShard(header.ShardID)
	if !ok {
		return 0, 0, BlobInvalidArg
	}
	return 0, shard.PChunkID, nil
}

// OnPGReplaceMember implements replication.Hooks.
func (e *Engine) OnPGReplaceMember(group replication.GroupID, out, in replication.Peer) error {
	return e.PGs.ApplyReplaceMember(group, out, in)
}

// RunCheckpointLoop starts the background checkpoint ticker; call in
// its own goroutine from the daemon entrypoint.
func (e *Engine) RunCheckpointLoop(ctx context.Context) {
	e.Checkpoint.Run(ctx)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
