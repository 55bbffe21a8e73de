// Package replication defines the Replication Port (spec.md §6): the
// abstract interface the core (server package) uses to drive a
// PG-scoped consensus-replicated log, without depending on any
// specific consensus implementation. The consensus layer itself
// (leader election, log replication, snapshotting) is explicitly out
// of scope for this repository (spec.md §1); this package only
// specifies the seam.
package replication

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// GroupID identifies a PG's consensus group.
type GroupID = uuid.UUID

// PeerID identifies one replica in a group.
type PeerID = uuid.UUID

// ErrCode is the small, replication-layer-specific error vocabulary a
// Port may surface; the core maps these into its own per-manager
// taxonomies (spec.md §4.6) rather than exposing them to callers.
type ErrCode int

const (
	OK ErrCode = iota
	NotLeader
	Timeout
	ServerNotFound
	NoSpaceLeft
	DriveWriteError
	RetryRequest
	Failed
)

// Error wraps an ErrCode so it satisfies the error interface while
// still being switchable by the core's error-mapping tables.
type Error struct {
	Code ErrCode
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Peer describes one member of a replication group.
type Peer struct {
	ID       PeerID
	Name     string
	Priority int32
	Address  string
}

// PeerStatus is one peer's replication progress, as reported by
// GetReplicationStatus (spec.md §6).
type PeerStatus struct {
	Peer             Peer
	ReplicationIdx   uint64
	LastSuccRespUS   int64
}

// ProposeResult is what a successful propose() commit yields back to
// the proposer: the decided header frame (both Port implementations
// return the proposer's headerBuf unchanged; a reservation such as
// CREATE_SHARD's chunk pick travels in dataSG[0]) and any typed value
// the per-message on_commit hook produced.
type ProposeResult struct {
	DecidedHeader []byte
	CommitLSN     uint64
	Value         interface{}
}

// Port is the abstract Replication Port every PG-scoped consensus
// group is accessed through (spec.md §6). The core's PG/Shard/Blob
// managers hold a Port per group and never talk to a concrete
// consensus library directly.
type Port interface {
	// Propose submits headerBuf/keyBuf/dataSG for replication on
	// group, suspending until quorum commit or a definitive failure.
	// The three payload buffers mirror spec.md §6's message shape:
	// a fixed header, a key buffer, and one or more data segments.
	Propose(ctx context.Context, group GroupID, headerBuf, keyBuf []byte, dataSG [][]byte) (ProposeResult, error)

	// IsLeader reports whether the local replica currently holds
	// leadership of group.
	IsLeader(group GroupID) bool

	// GetReplicationStatus returns per-peer replication progress,
	// used by PG Manager stats (spec.md §4.2).
	GetReplicationStatus(group GroupID) ([]PeerStatus, error)

	// ReplaceMember requests replacing an existing group member with
	// a new one. commitQuorum mirrors spec.md §4.2's semantics: 0
	// means "require this replica to be leader"; non-zero requests a
	// specific quorum size for the membership change itself.
	ReplaceMember(ctx context.Context, group GroupID, out, in Peer, commitQuorum int) error

	// GetReplDev exposes the underlying replicated device/log handle
	// for group, typed as interface{} since its shape is entirely
	// owned by the concrete consensus implementation.
	GetReplDev(group GroupID) (interface{}, error)

	// CreateGroup bootstraps a brand new replication group with the
	// given initial peer set. Used by PG Manager's create_pg
	// (spec.md §4.2 step 4).
	CreateGroup(ctx context.Context, group GroupID, peers []Peer) error
}

// Hooks is the set of callbacks the Replication Port invokes on the
// core for every proposal (spec.md §6): pre-commit reserves
// resources, commit applies state, rollback undoes reservation. A
// Port implementation is expected to call these synchronously, in
// commit order, from whatever goroutine owns log application for a
// given group.
type Hooks interface {
	// OnPreCommit runs on every replica (including the leader)
	// before a proposal is durably decided. It may replace dataSG[0]
	// to record a locally-chosen resource reservation (e.g.
	// CREATE_SHARD's chunk pick) so all replicas agree on what was
	// decided once commit runs. Returning an error aborts the
	// proposal at this replica.
	OnPreCommit(group GroupID, msgType uint8, headerBuf, keyBuf []byte, dataSG [][]byte) error

	// OnCommit applies a decided proposal's effects. decidedHeader is
	// the header frame; the decided payload, including any reservation
	// the proposer's OnPreCommit recorded, is dataSG[0], and on_commit
	// uses it in place of whatever this replica's own OnPreCommit
	// decided (spec.md §9 open question).
	OnCommit(group GroupID, msgType uint8, decidedHeader, keyBuf []byte, dataSG [][]byte, lsn uint64) (interface{}, error)

	// OnRollback undoes whatever OnPreCommit reserved, for a proposal
	// that did not reach commit (leader change, local propose error).
	// dataSG is the same, possibly OnPreCommit-mutated, segment set
	// the proposal carried, so rollback can see what pre-commit
	// reserved even though headerBuf itself never holds domain data.
	OnRollback(group GroupID, msgType uint8, headerBuf, keyBuf []byte, dataSG [][]byte) error

	// BlobPutGetBlkAllocHints lets PUT_BLOB bias block allocation
	// toward the shard's own chunk (spec.md §4.4).
	BlobPutGetBlkAllocHints(group GroupID, headerBuf []byte) (deviceID uint32, chunkID uint32, err error)

	// OnPGReplaceMember fires once ReplaceMember durably completes,
	// so the core can rewrite the pg_info_superblk membership and
	// fsync (spec.md §4.2).
	OnPGReplaceMember(group GroupID, out, in Peer) error
}

// DefaultProposeTimeout bounds how long bftraft.Adapter.Propose waits
// for a commit, in addition to any deadline on the caller's context.
const DefaultProposeTimeout = 10 * time.Second
