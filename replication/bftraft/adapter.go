// Package bftraft adapts github.com/PomeloCloud/BFTRaft4go — the
// consensus library the teacher repository (PomeloCloud/pcfs) is
// built on — to the replication.Port interface, so the core can drive
// a real BFT-replicated log without knowing BFTRaft4go exists.
//
// Grounded on the teacher's server/core.go (bft.BFTRaftServer
// embedding) and server/consensus.go (GroupMajorityResponse's
// per-peer RPC fan-out), reshaped from "call BFTRaft directly" to
// "implement the Port contract BFTRaft happens to satisfy".
package bftraft

import (
	"context"
	"sync"

	bft "github.com/PomeloCloud/BFTRaft4go/server"
	rpb "github.com/PomeloCloud/BFTRaft4go/proto/server"
	"github.com/PomeloCloud/pgstore/replication"
	"github.com/PomeloCloud/pgstore/server"
	"github.com/sirupsen/logrus"
)

// Adapter is a replication.Port backed by one *bft.BFTRaftServer
// shared across every PG-scoped group on this node — BFTRaft4go
// already multiplexes many consensus groups over one server, the way
// the teacher's single PCFSServer.BFTRaft handle serves both the
// stash registry group and every volume's group.
type Adapter struct {
	raft   *bft.BFTRaftServer
	hooks  replication.Hooks
	log    *logrus.Entry
	mu     sync.Mutex
	byLSN  map[replication.GroupID]uint64
}

// New builds an Adapter over an already-started BFTRaft server. hooks
// receives OnPreCommit/OnCommit/OnRollback/BlobPutGetBlkAllocHints
// calls as this node's replica of a group applies its log.
func New(raft *bft.BFTRaftServer, hooks replication.Hooks, log *logrus.Entry) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{raft: raft, hooks: hooks, log: log, byLSN: make(map[replication.GroupID]uint64)}
}

// CreateGroup mirrors the teacher's CheckStashGroup: NewGroup if
// absent. If the group already exists it returns nil without joining
// it.
func (a *Adapter) CreateGroup(ctx context.Context, group replication.GroupID, peers []replication.Peer) error {
	id := groupUint64(group)
	if a.raft.Client.GroupExists(id) {
		return nil
	}
	return a.raft.NewGroup(&rpb.RaftGroup{
		Id:           id,
		Replications: uint32(len(peers)),
		Term:         0,
	})
}

// IsLeader treats the first entry BFTRaft4go reports for a group's
// host list as its leader, the same convention the teacher's
// GroupMajorityResponse implicitly relies on when it fans a request
// out to every host and takes the majority answer: whichever host
// answers first in the roster is queried first.
func (a *Adapter) IsLeader(group replication.GroupID) bool {
	id := groupUint64(group)
	if a.raft.GetOnboardGroup(id) == nil {
		return false
	}
	hosts := a.raft.Client.GetGroupHosts(id)
	if hosts == nil || len(*hosts) == 0 {
		return false
	}
	return (*hosts)[0].Id == a.raft.Id
}

func (a *Adapter) GetReplicationStatus(group replication.GroupID) ([]replication.PeerStatus, error) {
	id := groupUint64(group)
	hosts := a.raft.Client.GetGroupHosts(id)
	if hosts == nil {
		return nil, &replication.Error{Code: replication.ServerNotFound, Msg: "group has no known hosts"}
	}
	a.mu.Lock()
	lsn := a.byLSN[group]
	a.mu.Unlock()
	out := make([]replication.PeerStatus, 0, len(*hosts))
	for _, h := range *hosts {
		out = append(out, replication.PeerStatus{
			Peer:           replication.Peer{ID: uuidFromUint64(h.Id), Address: h.ServerAddr},
			ReplicationIdx: lsn,
			LastSuccRespUS: 0,
		})
	}
	return out, nil
}

func (a *Adapter) ReplaceMember(ctx context.Context, group replication.GroupID, out, in replication.Peer, commitQuorum int) error {
	if commitQuorum == 0 && !a.IsLeader(group) {
		return &replication.Error{Code: replication.NotLeader, Msg: "not leader"}
	}
	// No BFTRaft4go membership-change call is issued here: the group's
	// host list is left as it is, and only the OnPGReplaceMember hook
	// runs, so the core rewrites its own pg_info_superblk membership.
	if err := a.hooks.OnPGReplaceMember(group, out, in); err != nil {
		return err
	}
	return nil
}

func (a *Adapter) GetReplDev(group replication.GroupID) (interface{}, error) {
	id := groupUint64(group)
	return a.raft.GetOnboardGroup(id), nil
}

func (a *Adapter) Propose(ctx context.Context, group replication.GroupID, headerBuf, keyBuf []byte, dataSG [][]byte) (replication.ProposeResult, error) {
	if !a.IsLeader(group) {
		return replication.ProposeResult{}, &replication.Error{Code: replication.NotLeader, Msg: "not leader"}
	}
	msgType := uint8(0)
	if len(headerBuf) > 8 {
		msgType = headerBuf[8]
	}
	if err := a.hooks.OnPreCommit(group, msgType, headerBuf, keyBuf, dataSG); err != nil {
		return replication.ProposeResult{}, &replication.Error{Code: replication.Failed, Msg: err.Error()}
	}

	if server.MsgType(msgType) == server.MsgPutBlob && len(dataSG) > 0 {
		if _, chunkID, err := a.hooks.BlobPutGetBlkAllocHints(group, dataSG[0]); err == nil {
			a.log.WithField("chunk_id", chunkID).Debug("PUT_BLOB alloc hint")
		}
	}

	id := groupUint64(group)
	payload := encodeEnvelope(headerBuf, keyBuf, dataSG)
	deadline, cancel := context.WithTimeout(ctx, replication.DefaultProposeTimeout)
	defer cancel()

	resCh := make(chan struct {
		res *[]byte
		err error
	}, 1)
	go func() {
		res, err := a.raft.Client.ExecCommand(id, execFunctionID(msgType), payload)
		resCh <- struct {
			res *[]byte
			err error
		}{res, err}
	}()

	select {
	case <-deadline.Done():
		if rbErr := a.hooks.OnRollback(group, msgType, headerBuf, keyBuf, dataSG); rbErr != nil {
			a.log.WithError(rbErr).Error("rollback after propose timeout failed")
		}
		return replication.ProposeResult{}, &replication.Error{Code: replication.Timeout, Msg: "propose timed out"}
	case r := <-resCh:
		if r.err != nil {
			if rbErr := a.hooks.OnRollback(group, msgType, headerBuf, keyBuf, dataSG); rbErr != nil {
				a.log.WithError(rbErr).Error("rollback after propose error failed")
			}
			return replication.ProposeResult{}, &replication.Error{Code: replication.Failed, Msg: r.err.Error()}
		}
		a.mu.Lock()
		a.byLSN[group]++
		lsn := a.byLSN[group]
		a.mu.Unlock()
		val, err := a.hooks.OnCommit(group, msgType, headerBuf, keyBuf, dataSG, lsn)
		if err != nil {
			return replication.ProposeResult{}, &replication.Error{Code: replication.Failed, Msg: err.Error()}
		}
		return replication.ProposeResult{DecidedHeader: headerBuf, CommitLSN: lsn, Value: val}, nil
	}
}

// encodeEnvelope flattens header/key/data into the single []byte
// BFTRaft4go's ExecCommand takes, length-prefixing each segment.
func encodeEnvelope(header, key []byte, data [][]byte) []byte {
	var flat []byte
	for _, seg := range append([][]byte{header, key}, data...) {
		flat = appendUvarint(flat, uint64(len(seg)))
		flat = append(flat, seg...)
	}
	return flat
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	n++
	return append(buf, tmp[:n]...)
}

// execFunctionID maps a pgstore msg type to the BFTRaft contract
// function id it was registered under (mirrors the teacher's
// contracts.go REG_STASH/NEW_VOLUME/TOUCH_FILE/COMMIT_BLOCK
// constants).
func execFunctionID(msgType uint8) uint64 { return uint64(msgType) }

func groupUint64(g replication.GroupID) uint64 {
	b := g[:]
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func uuidFromUint64(v uint64) replication.PeerID {
	var id replication.PeerID
	for i := 7; i >= 0; i-- {
		id[i] = byte(v)
		v >>= 8
	}
	return id
}
