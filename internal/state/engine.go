package state

import (
	"fmt"
	"log"

	"github.com/nervemesh/nerve/internal/model"
)

// CacheReaders provides callbacks for reading current in-memory values at
// flush time. If a reader returns nil for a key marked OpUpsert, the key is
// treated as a delete (the object was removed between mark and flush).
type CacheReaders struct {
	ReadBreakerState func(slug string) *model.BreakerState
	ReadNodeHealth   func(slug string) *model.NodeHealth
}

// StateEngine is the single write entry point for all persistence operations.
// Strong-persist data (runtime config, node records) goes through
// transactional writes to state.db. Weak-persist data (breaker states, node
// health) is marked dirty and batch-flushed to cache.db.
type StateEngine struct {
	*StateRepo
	*CacheRepo

	dirtyBreakers *DirtySet[string]
	dirtyHealth   *DirtySet[string]
}

// newStateEngine creates a StateEngine with the given repos.
func newStateEngine(stateRepo *StateRepo, cacheRepo *CacheRepo) *StateEngine {
	return &StateEngine{
		StateRepo:     stateRepo,
		CacheRepo:     cacheRepo,
		dirtyBreakers: NewDirtySet[string](),
		dirtyHealth:   NewDirtySet[string](),
	}
}

// --- Weak-persist methods (dirty-mark only) ---

func (e *StateEngine) MarkBreakerState(slug string)       { e.dirtyBreakers.MarkUpsert(slug) }
func (e *StateEngine) MarkBreakerStateDelete(slug string) { e.dirtyBreakers.MarkDelete(slug) }
func (e *StateEngine) MarkNodeHealth(slug string)         { e.dirtyHealth.MarkUpsert(slug) }
func (e *StateEngine) MarkNodeHealthDelete(slug string)   { e.dirtyHealth.MarkDelete(slug) }

// DirtyCount returns the total number of dirty entries across all sets.
func (e *StateEngine) DirtyCount() int {
	return e.dirtyBreakers.Len() + e.dirtyHealth.Len()
}

// classifyDirtySet splits a drained dirty-set snapshot into upsert values and
// delete keys. For OpUpsert entries, the reader is called to fetch the current
// in-memory value; a nil return is treated as a delete.
func classifyDirtySet[K comparable, V any](
	drained map[K]DirtyOp,
	reader func(K) *V,
) (upserts []V, deletes []K) {
	for key, op := range drained {
		if op == OpDelete {
			deletes = append(deletes, key)
			continue
		}
		v := reader(key)
		if v == nil {
			deletes = append(deletes, key)
		} else {
			upserts = append(upserts, *v)
		}
	}
	return
}

// FlushDirtySets drains all dirty sets, reads current values via readers, and
// batch-writes to cache.db in a single transaction. On failure, undrained
// entries are merged back.
func (e *StateEngine) FlushDirtySets(readers CacheReaders) error {
	drainedBreakers := e.dirtyBreakers.Drain()
	drainedHealth := e.dirtyHealth.Drain()

	remerge := func() {
		e.dirtyBreakers.Merge(drainedBreakers)
		e.dirtyHealth.Merge(drainedHealth)
	}

	upsertBreakers, deleteBreakers := classifyDirtySet(drainedBreakers, readers.ReadBreakerState)
	upsertHealth, deleteHealth := classifyDirtySet(drainedHealth, readers.ReadNodeHealth)

	if err := e.CacheRepo.FlushTx(FlushOps{
		UpsertBreakerStates: upsertBreakers,
		DeleteBreakerStates: deleteBreakers,
		UpsertNodeHealth:    upsertHealth,
		DeleteNodeHealth:    deleteHealth,
	}); err != nil {
		remerge()
		return fmt.Errorf("flush: %w", err)
	}

	log.Printf("[state] flushed dirty sets: breakers=%d, health=%d",
		len(drainedBreakers), len(drainedHealth))
	return nil
}
