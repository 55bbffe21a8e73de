// Package inmem is a deterministic, single-process fake of
// replication.Port, used by tests. It has no
// teacher analogue (the teacher always talks to a live BFTRaft
// cluster); it exists purely to make the core's state machine
// testable per spec.md §8 without a real consensus deployment,
// including programmable rollback injection for the
// create-shard-rollback scenario.
package inmem

import (
	"context"
	"sync"

	"github.com/PomeloCloud/pgstore/replication"
)

// Port is a single-node, synchronous, in-process Replication Port.
// Every Propose call runs pre-commit then commit inline before
// returning, in group-arrival order, satisfying spec.md §5's ordering
// requirement trivially (there is only ever one logical stream).
type Port struct {
	mu       sync.Mutex
	hooks    replication.Hooks
	groups   map[replication.GroupID][]replication.Peer
	lsn      map[replication.GroupID]uint64
	leader   bool
	failNext map[replication.GroupID]replication.ErrCode
}

// New builds an in-memory Port bound to hooks. leader controls
// IsLeader's answer for every group (tests flip it to exercise the
// NOT_LEADER path).
func New(hooks replication.Hooks, leader bool) *Port {
	return &Port{
		hooks:    hooks,
		groups:   make(map[replication.GroupID][]replication.Peer),
		lsn:      make(map[replication.GroupID]uint64),
		leader:   leader,
		failNext: make(map[replication.GroupID]replication.ErrCode),
	}
}

// InjectFailure arranges for the next Propose on group to fail with
// code after pre-commit succeeds, triggering OnRollback — this is how
// tests simulate "consensus aborts (leader change)" (spec.md §8
// scenario 3).
func (p *Port) InjectFailure(group replication.GroupID, code replication.ErrCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[group] = code
}

func (p *Port) SetLeader(leader bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leader = leader
}

func (p *Port) CreateGroup(ctx context.Context, group replication.GroupID, peers []replication.Peer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[group] = append([]replication.Peer(nil), peers...)
	return nil
}

func (p *Port) IsLeader(group replication.GroupID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leader
}

func (p *Port) GetReplicationStatus(group replication.GroupID) ([]replication.PeerStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peers := p.groups[group]
	lsn := p.lsn[group]
	out := make([]replication.PeerStatus, len(peers))
	for i, peer := range peers {
		out[i] = replication.PeerStatus{Peer: peer, ReplicationIdx: lsn, LastSuccRespUS: 0}
	}
	return out, nil
}

func (p *Port) ReplaceMember(ctx context.Context, group replication.GroupID, out, in replication.Peer, commitQuorum int) error {
	p.mu.Lock()
	peers := p.groups[group]
	next := make([]replication.Peer, 0, len(peers))
	for _, m := range peers {
		if m.ID == out.ID {
			continue
		}
		next = append(next, m)
	}
	next = append(next, in)
	p.groups[group] = next
	hooks := p.hooks
	p.mu.Unlock()
	return hooks.OnPGReplaceMember(group, out, in)
}

func (p *Port) GetReplDev(group replication.GroupID) (interface{}, error) {
	return nil, nil
}

func (p *Port) Propose(ctx context.Context, group replication.GroupID, headerBuf, keyBuf []byte, dataSG [][]byte) (replication.ProposeResult, error) {
	p.mu.Lock()
	if !p.leader {
		p.mu.Unlock()
		return replication.ProposeResult{}, &replication.Error{Code: replication.NotLeader, Msg: "not leader"}
	}
	msgType := uint8(0)
	if len(headerBuf) > 8 {
		msgType = headerBuf[8]
	}
	failCode, shouldFail := p.failNext[group]
	if shouldFail {
		delete(p.failNext, group)
	}
	p.mu.Unlock()

	if err := p.hooks.OnPreCommit(group, msgType, headerBuf, keyBuf, dataSG); err != nil {
		return replication.ProposeResult{}, &replication.Error{Code: replication.Failed, Msg: err.Error()}
	}

	if shouldFail {
		if rbErr := p.hooks.OnRollback(group, msgType, headerBuf, keyBuf, dataSG); rbErr != nil {
			return replication.ProposeResult{}, &replication.Error{Code: replication.Failed, Msg: rbErr.Error()}
		}
		return replication.ProposeResult{}, &replication.Error{Code: failCode, Msg: "injected failure"}
	}

	p.mu.Lock()
	p.lsn[group]++
	lsn := p.lsn[group]
	p.mu.Unlock()

	val, err := p.hooks.OnCommit(group, msgType, headerBuf, keyBuf, dataSG, lsn)
	if err != nil {
		return replication.ProposeResult{}, &replication.Error{Code: replication.Failed, Msg: err.Error()}
	}
	return replication.ProposeResult{DecidedHeader: headerBuf, CommitLSN: lsn, Value: val}, nil
}
