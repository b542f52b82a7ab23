package state

import (
	"database/sql"
	"fmt"
)

// RepairConsistency runs orphan-cleanup SQL on cache.db, cross-referencing
// state.db via ATTACH. All DELETEs execute in a single transaction to avoid
// half-repaired state on crash.
//
// Breaker and health rows belong to node records; rows for slugs that no
// longer exist in state.nodes are dropped.
func RepairConsistency(stateDBPath string, cacheDB *sql.DB) error {
	attachSQL := fmt.Sprintf("ATTACH DATABASE %q AS state_db", stateDBPath)
	if _, err := cacheDB.Exec(attachSQL); err != nil {
		return fmt.Errorf("attach state_db: %w", err)
	}
	defer cacheDB.Exec("DETACH DATABASE state_db")

	tx, err := cacheDB.Begin()
	if err != nil {
		return fmt.Errorf("begin repair tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM breaker_states
		 WHERE slug NOT IN (SELECT slug FROM state_db.nodes)`,

		`DELETE FROM node_health
		 WHERE slug NOT IN (SELECT slug FROM state_db.nodes)`,
	}

	for i, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return fmt.Errorf("repair step %d: %w", i+1, err)
		}
	}

	return tx.Commit()
}
