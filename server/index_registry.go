package server

import (
	"sync"

	"github.com/google/uuid"
)

// indexRegistry is the index-uuid map (spec.md §5 "index_lock_"):
// index_table_uuid -> (pg_id, *IndexStore). It is the single point of
// truth both PG create (which mints a fresh index table) and restart
// recovery (which must discover every index table before any PG that
// references one, spec.md §4.5) go through. Grounded on spec.md §5's
// explicit call-out of a separate writer-preferring lock from the PG
// map's lock.
type indexRegistry struct {
	mu      sync.RWMutex
	byTable map[uuid.UUID]*indexRegEntry
}

type indexRegEntry struct {
	pg    PGID
	store *IndexStore
	// attached is true once the owning PG has been recovered and
	// linked to this entry (spec.md §4.5 step 2). A table enumerated
	// by the Index Store at startup but never attached by a PG
	// superblock is orphaned and reported by the recovery coordinator,
	// never silently dropped.
	attached bool
}

func newIndexRegistry() *indexRegistry {
	return &indexRegistry{byTable: make(map[uuid.UUID]*indexRegEntry)}
}

// Register records that table exists (Index Store enumeration,
// spec.md §4.5 step 1), before any PG has claimed it.
func (r *indexRegistry) Register(table uuid.UUID, store *IndexStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTable[table] = &indexRegEntry{store: store}
}

// Attach links table to pg once the PG superblock referencing it has
// been recovered (spec.md §4.5 step 2). ok is false if the table was
// never registered — a fatal recovery-order violation (spec.md §4.5,
// §9: "an index table is recovered before the PG that references it;
// violation is a fatal startup error").
func (r *indexRegistry) Attach(table uuid.UUID, pg PGID) (*IndexStore, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTable[table]
	if !ok {
		return nil, false
	}
	e.pg = pg
	e.attached = true
	return e.store, true
}

// Create mints a brand new table for pg (create_pg on_commit path)
// and both registers and attaches it in one step, since there is no
// recovery ordering concern for a freshly created PG.
func (r *indexRegistry) Create(table uuid.UUID, pg PGID, store *IndexStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTable[table] = &indexRegEntry{pg: pg, store: store, attached: true}
}

func (r *indexRegistry) Lookup(table uuid.UUID) (*IndexStore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byTable[table]
	if !ok {
		return nil, false
	}
	return e.store, true
}

// Unattached returns every table registered but never attached to a
// PG — used by the recovery coordinator to flag orphans after step 2
// completes.
func (r *indexRegistry) Unattached() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uuid.UUID
	for t, e := range r.byTable {
		if !e.attached {
			out = append(out, t)
		}
	}
	return out
}
