package server

import "github.com/pkg/errors"

// PGError is the PG Manager's error taxonomy (spec.md §7).
type PGError int

const (
	PGOK PGError = iota
	PGTimeout
	PGNotLeader
	PGUnknownPG
	PGUnknownPeer
	PGInvalidArg
	PGCRCMismatch
	PGNoSpaceLeft
	PGDriveWriteError
	PGRetryRequest
	PGUnknown
)

func (e PGError) Error() string {
	switch e {
	case PGOK:
		return "ok"
	case PGTimeout:
		return "timeout"
	case PGNotLeader:
		return "not leader"
	case PGUnknownPG:
		return "unknown pg"
	case PGUnknownPeer:
		return "unknown peer"
	case PGInvalidArg:
		return "invalid argument"
	case PGCRCMismatch:
		return "crc mismatch"
	case PGNoSpaceLeft:
		return "no space left"
	case PGDriveWriteError:
		return "drive write error"
	case PGRetryRequest:
		return "retry request"
	default:
		return "unknown pg error"
	}
}

// ShardError is the Shard Manager's error taxonomy (spec.md §7).
type ShardError int

const (
	ShardOK ShardError = iota
	ShardTimeout
	ShardNotLeader
	ShardInvalidArg
	ShardUnknownPG
	ShardUnknownShard
)

func (e ShardError) Error() string {
	switch e {
	case ShardOK:
		return "ok"
	case ShardTimeout:
		return "timeout"
	case ShardNotLeader:
		return "not leader"
	case ShardInvalidArg:
		return "invalid argument"
	case ShardUnknownPG:
		return "unknown pg"
	case ShardUnknownShard:
		return "unknown shard"
	default:
		return "unknown shard error"
	}
}

// BlobError is the Blob Engine's error taxonomy (spec.md §7).
type BlobError int

const (
	BlobOK BlobError = iota
	BlobUnknownBlob
	BlobInvalidArg
	BlobNotLeader
	BlobTimeout
	BlobCRCMismatch
	BlobNoSpaceLeft
	BlobUnknown
)

func (e BlobError) Error() string {
	switch e {
	case BlobOK:
		return "ok"
	case BlobUnknownBlob:
		return "unknown blob"
	case BlobInvalidArg:
		return "invalid argument"
	case BlobNotLeader:
		return "not leader"
	case BlobTimeout:
		return "timeout"
	case BlobCRCMismatch:
		return "crc mismatch"
	case BlobNoSpaceLeft:
		return "no space left"
	default:
		return "unknown blob error"
	}
}

// ReplErrCode is the small set of error conditions the Replication
// Port (replication.Port) can surface; the core maps these into its
// own per-manager taxonomies rather than leaking replication-layer
// vocabulary to callers (spec.md §4.6).
type ReplErrCode int

const (
	ReplOK ReplErrCode = iota
	ReplNotLeader
	ReplTimeout
	ReplServerNotFound
	ReplNoSpaceLeft
	ReplDriveWriteError
	ReplRetryRequest
	ReplFailed
)

// MapReplErrToPG implements the representative mapping table of
// spec.md §4.6 for the PG taxonomy. OK must never appear on the error
// path, so ReplOK is deliberately absent from the switch below and
// falls to PGInvalidArg, like any other unrecognised code, if ever
// passed in by mistake.
func MapReplErrToPG(c ReplErrCode) PGError {
	switch c {
	case ReplNotLeader:
		return PGNotLeader
	case ReplTimeout:
		return PGTimeout
	case ReplServerNotFound:
		return PGUnknownPG
	case ReplNoSpaceLeft:
		return PGNoSpaceLeft
	case ReplDriveWriteError:
		return PGDriveWriteError
	case ReplRetryRequest:
		return PGRetryRequest
	case ReplFailed:
		return PGUnknown
	default:
		return PGInvalidArg
	}
}

// MapReplErrToShard applies the same table, projected onto the Shard
// taxonomy's smaller member set.
func MapReplErrToShard(c ReplErrCode) ShardError {
	switch c {
	case ReplNotLeader:
		return ShardNotLeader
	case ReplTimeout:
		return ShardTimeout
	case ReplServerNotFound:
		return ShardUnknownPG
	default:
		return ShardInvalidArg
	}
}

// MapReplErrToBlob applies the same table, projected onto the Blob
// taxonomy's member set.
func MapReplErrToBlob(c ReplErrCode) BlobError {
	switch c {
	case ReplNotLeader:
		return BlobNotLeader
	case ReplTimeout:
		return BlobTimeout
	case ReplNoSpaceLeft:
		return BlobNoSpaceLeft
	case ReplFailed:
		return BlobUnknown
	default:
		return BlobInvalidArg
	}
}

// wrapf is a thin errors.Wrapf alias kept local so callers don't need
// to import github.com/pkg/errors directly for the common case.
func wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
