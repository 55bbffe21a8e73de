package server

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/PomeloCloud/pgstore/replication"
)

// CreatePGRequest is the argument to PGManager.CreatePG.
type CreatePGRequest struct {
	SizeBytes uint64
	ChunkSize uint64
	Peers     []replication.Peer
}

// PGManager owns PG lifecycle: create/replace-member/list, PGInfo
// serialisation, CREATE_PG proposal, on_commit application, and
// pg_info_superblk persistence (spec.md §4.2). Grounded on the
// teacher's NewVolume (server/contracts.go) generalized from a single
// badger transaction to a full propose/pre-commit/commit cycle.
type PGManager struct {
	pgs       *pgMap
	chunkSel  *ChunkSelector
	sb        *SuperblockStore
	idxReg    *indexRegistry
	port      replication.Port
	indexDir  string
	log       *logrus.Entry
	leaderHints *gocache.Cache

	nextPGID uint32
}

// NewPGManager wires a PGManager over already-open stores.
func NewPGManager(pgs *pgMap, chunkSel *ChunkSelector, sb *SuperblockStore, idxReg *indexRegistry, port replication.Port, indexDir string, log *logrus.Entry) *PGManager {
	return &PGManager{
		pgs:         pgs,
		chunkSel:    chunkSel,
		sb:          sb,
		idxReg:      idxReg,
		port:        port,
		indexDir:    indexDir,
		log:         log,
		leaderHints: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// CreatePG implements spec.md §4.2 create_pg. Steps 1-2 are local
// validation and return immediately without proposing (spec.md §7);
// steps 3-5 propose CREATE_PG and suspend until commit.
func (m *PGManager) CreatePG(ctx context.Context, req CreatePGRequest) *AsyncResult[PGInfo] {
	if req.SizeBytes == 0 {
		return Immediate[PGInfo](ctx, PGInfo{}, PGInvalidArg)
	}
	want := int(req.SizeBytes / req.ChunkSize)
	if want > m.chunkSel.MostAvailNumChunks() {
		return Immediate[PGInfo](ctx, PGInfo{}, PGNoSpaceLeft)
	}

	m.nextPGID++
	pgID := PGID(m.nextPGID)
	replUUID := NewUUID()

	info := PGInfo{
		ID:             pgID,
		SizeBytes:      req.SizeBytes,
		ChunkSize:      req.ChunkSize,
		ReplicaSetUUID: replUUID,
		Members:        peersToMembers(req.Peers),
	}

	group := replication.GroupID(replUUID)
	if err := m.port.CreateGroup(ctx, group, req.Peers); err != nil {
		return Immediate[PGInfo](ctx, PGInfo{}, MapReplErrToPG(classifyReplErr(err)))
	}

	payload, err := info.EncodeCreatePGPayload()
	if err != nil {
		return Immediate[PGInfo](ctx, PGInfo{}, PGUnknown)
	}
	header := NewMsgHeader(MsgCreatePG, payload).Encode()

	result := NewAsyncResult[PGInfo](ctx)
	go func() {
		pres, err := m.port.Propose(context.Background(), group, header, nil, [][]byte{payload})
		if err != nil {
			result.Resolve(PGInfo{}, MapReplErrToPG(classifyReplErr(err)))
			return
		}
		if applied, ok := pres.Value.(PGInfo); ok {
			result.Resolve(applied, nil)
			return
		}
		result.Resolve(info, nil)
	}()
	return result
}

// ApplyCreatePG is the on_commit(CREATE_PG) hook (spec.md §4.2). It is
// idempotent: if the PG already exists locally, it is a no-op success
// (replay of an already-applied commit).
func (m *PGManager) ApplyCreatePG(decidedHeaderPayload []byte) (PGInfo, error) {
	info, err := DecodeCreatePGPayload(decidedHeaderPayload)
	if err != nil {
		return PGInfo{}, wrapf(err, "decode CREATE_PG payload")
	}
	if m.pgs.has(info.ID) {
		if existing, ok := m.pgs.get(info.ID); ok {
			return existing.Info, nil
		}
	}
	if info.ChunkSize != m.chunkSel.GetChunkSize() {
		return PGInfo{}, PGUnknown
	}

	if _, ok := m.chunkSel.SelectChunksForPG(info.ID, info.SizeBytes); !ok {
		return PGInfo{}, PGNoSpaceLeft
	}
	info.ChunkIDs = m.chunkSel.GetPGChunks(info.ID)

	indexTable := NewUUID()
	idxDir := filepath.Join(m.indexDir, indexTable.String())
	if err := os.MkdirAll(idxDir, 0o755); err != nil {
		return PGInfo{}, wrapf(err, "mkdir index dir")
	}
	idx, err := OpenIndexStore(idxDir, indexTable)
	if err != nil {
		return PGInfo{}, wrapf(err, "open index store")
	}
	m.idxReg.Create(indexTable, info.ID, idx)
	info.IndexTableUUID = indexTable

	sb := PGInfoSuperblk{
		ID:              info.ID,
		SizeBytes:       info.SizeBytes,
		ChunkSize:       info.ChunkSize,
		ReplicaSetUUID:  info.ReplicaSetUUID,
		IndexTableUUID:  indexTable,
		BlobSequenceNum: 0,
		Members:         info.Members,
		ChunkIDs:        info.ChunkIDs,
	}
	if err := m.sb.PutPG(sb); err != nil {
		return PGInfo{}, wrapf(err, "persist pg superblock")
	}

	pg := newPG(info, idx)
	m.pgs.insert(pg)
	m.log.WithFields(logrus.Fields{"pg_id": info.ID, "chunks": len(info.ChunkIDs)}).Info("pg created")
	return info, nil
}

// ReplaceMember implements spec.md §4.2 replace_member.
func (m *PGManager) ReplaceMember(ctx context.Context, pgID PGID, oldID replication.PeerID, newMember replication.Peer, commitQuorum int) error {
	pg, ok := m.pgs.get(pgID)
	if !ok {
		return PGUnknownPG
	}
	group := replication.GroupID(pg.Info.ReplicaSetUUID)
	if commitQuorum == 0 && !m.port.IsLeader(group) {
		return PGNotLeader
	}
	outPeer := replication.Peer{ID: oldID}
	if err := m.port.ReplaceMember(ctx, group, outPeer, newMember, commitQuorum); err != nil {
		return MapReplErrToPG(classifyReplErr(err))
	}
	return nil
}

// ApplyReplaceMember is the on_pg_replace_member callback: mutate the
// members set, rewrite pg_info_superblk, fsync.
func (m *PGManager) ApplyReplaceMember(groupID replication.GroupID, out, in replication.Peer) error {
	var target *PG
	for _, id := range m.pgs.list() {
		pg, ok := m.pgs.get(id)
		if ok && pg.Info.ReplicaSetUUID == groupID {
			target = pg
			break
		}
	}
	if target == nil {
		return PGUnknownPG
	}
	target.mu.Lock()
	newMembers := make([]Member, 0, len(target.Info.Members))
	for _, mm := range target.Info.Members {
		if mm.ID == out.ID {
			continue
		}
		newMembers = append(newMembers, mm)
	}
	newMembers = append(newMembers, Member{ID: in.ID, Name: in.Name, Priority: in.Priority})
	target.Info.Members = newMembers
	info := target.Info
	target.mu.Unlock()

	sb := PGInfoSuperblk{
		ID:             info.ID,
		SizeBytes:      info.SizeBytes,
		ChunkSize:      info.ChunkSize,
		ReplicaSetUUID: info.ReplicaSetUUID,
		IndexTableUUID: info.IndexTableUUID,
		Members:        info.Members,
		ChunkIDs:       m.chunkSel.GetPGChunks(info.ID),
	}
	return wrapf(m.sb.PutPG(sb), "rewrite pg superblock after replace_member")
}

// ListPGIDs returns every locally known PG id.
func (m *PGManager) ListPGIDs() []PGID { return m.pgs.list() }

// GetStats composes in-memory counters, chunk-selector availability,
// and per-peer replication status (spec.md §4.2 "_get_stats").
func (m *PGManager) GetStats(ctx context.Context, pgID PGID) (PGStats, error) {
	pg, ok := m.pgs.get(pgID)
	if !ok {
		return PGStats{}, PGUnknownPG
	}
	group := replication.GroupID(pg.Info.ReplicaSetUUID)

	stats := PGStats{
		ID:                    pgID,
		AvailNumChunks:        m.chunkSel.AvailNumChunks(pgID),
		AvailBlocks:           m.chunkSel.AvailBlks(pgID),
		BlobSequenceNum:       pg.Info.BlobSequenceNum,
		ActiveBlobCount:       pg.Info.ActiveBlobCount,
		TombstoneBlobCount:    pg.Info.TombstoneCount,
		TotalOccupiedBlkCount: pg.Info.OccupiedBlocks,
	}

	statuses, err := m.port.GetReplicationStatus(group)
	if err != nil {
		return stats, nil // best-effort: local counters are still valid
	}
	memberStats := make([]MemberStat, len(statuses))
	for i, st := range statuses {
		memberStats[i] = MemberStat{
			ID:             st.Peer.ID,
			LastCommitLSN:  st.ReplicationIdx,
			LastSuccRespUS: st.LastSuccRespUS,
		}
	}
	stats.Members = memberStats

	// Cache the peer with the highest replication index as a leader
	// guess, readable through LeaderHint; Client.GetStats checks for
	// it before its one retry on PGNotLeader.
	if best := highestReplicationIdx(memberStats); best != nil {
		m.leaderHints.SetDefault(pgID.String(), *best)
	}
	return stats, nil
}

func highestReplicationIdx(members []MemberStat) *uuid.UUID {
	if len(members) == 0 {
		return nil
	}
	best := members[0]
	for _, m := range members[1:] {
		if m.LastCommitLSN > best.LastCommitLSN {
			best = m
		}
	}
	return &best.ID
}

// LeaderHint returns the last-cached leader guess for pgID, populated
// by GetStats, for a client to try first on its next call.
func (m *PGManager) LeaderHint(pgID PGID) (uuid.UUID, bool) {
	v, ok := m.leaderHints.Get(pgID.String())
	if !ok {
		return uuid.UUID{}, false
	}
	return v.(uuid.UUID), true
}

func peersToMembers(peers []replication.Peer) []Member {
	out := make([]Member, len(peers))
	for i, p := range peers {
		out[i] = Member{ID: p.ID, Name: p.Name, Priority: p.Priority}
	}
	return out
}

// classifyReplErr projects a replication.Error (or an opaque error)
// into the replication ErrCode vocabulary the PG/Shard/Blob error
// tables switch on (spec.md §4.6).
func classifyReplErr(err error) ReplErrCode {
	if re, ok := err.(*replication.Error); ok {
		switch re.Code {
		case replication.NotLeader:
			return ReplNotLeader
		case replication.Timeout:
			return ReplTimeout
		case replication.ServerNotFound:
			return ReplServerNotFound
		case replication.NoSpaceLeft:
			return ReplNoSpaceLeft
		case replication.DriveWriteError:
			return ReplDriveWriteError
		case replication.RetryRequest:
			return ReplRetryRequest
		case replication.Failed:
			return ReplFailed
		}
	}
	return ReplFailed
}
