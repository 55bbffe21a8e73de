package server

import (
	"github.com/cespare/xxhash/v2"
)

// executor pins every on_commit callback for a given PG to a single
// goroutine lane, so callbacks for one PG run strictly in commit
// order while different PGs make progress independently (spec.md §5
// "may be pinned to one executor lane per PG"). Lane assignment is by
// xxhash of the pg id, the same striping idiom
// unkn0wn-root-kioshun/shard.go uses to partition its cache into
// lock-independent shards — applied here to goroutine lanes instead
// of map buckets.
type executor struct {
	lanes []chan func()
}

// newExecutor starts n worker lanes. n should be small and fixed
// (e.g. runtime.NumCPU()); it does not need to match the PG count,
// since many PGs hash onto the same lane and each lane processes its
// queue strictly in order.
func newExecutor(n int) *executor {
	if n < 1 {
		n = 1
	}
	e := &executor{lanes: make([]chan func(), n)}
	for i := range e.lanes {
		ch := make(chan func(), 256)
		e.lanes[i] = ch
		go func() {
			for fn := range ch {
				fn()
			}
		}()
	}
	return e
}

func (e *executor) laneFor(pg PGID) chan func() {
	var buf [2]byte
	buf[0] = byte(pg)
	buf[1] = byte(pg >> 8)
	idx := xxhash.Sum64(buf[:]) % uint64(len(e.lanes))
	return e.lanes[idx]
}

// Submit enqueues fn onto pg's lane. Submit itself never blocks the
// replication commit stream beyond the lane's buffer; a full lane
// applies backpressure, which is the intended behavior under
// sustained overload rather than unbounded memory growth.
func (e *executor) Submit(pg PGID, fn func()) {
	e.laneFor(pg) <- fn
}

// Close stops accepting work; in-flight lane goroutines drain and
// exit once their channel is closed and empty.
func (e *executor) Close() {
	for _, ch := range e.lanes {
		close(ch)
	}
}
