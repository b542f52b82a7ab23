package state

import (
	"database/sql"
	"fmt"

	"github.com/nervemesh/nerve/internal/model"
)

// CacheRepo wraps cache.db and provides batch read/write for weak-persist data.
type CacheRepo struct {
	db *sql.DB
}

// newCacheRepo creates a CacheRepo for the given cache.db connection.
func newCacheRepo(db *sql.DB) *CacheRepo {
	return &CacheRepo{db: db}
}

const (
	upsertBreakerSQL = `
		INSERT INTO breaker_states (slug, state, failure_count, success_count,
			last_failure_at_ns, last_success_at_ns, opened_at_ns, next_retry_at_ns, reopen_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			state              = excluded.state,
			failure_count      = excluded.failure_count,
			success_count      = excluded.success_count,
			last_failure_at_ns = excluded.last_failure_at_ns,
			last_success_at_ns = excluded.last_success_at_ns,
			opened_at_ns       = excluded.opened_at_ns,
			next_retry_at_ns   = excluded.next_retry_at_ns,
			reopen_count       = excluded.reopen_count`
	deleteBreakerSQL = `DELETE FROM breaker_states WHERE slug = ?`

	upsertHealthSQL = `
		INSERT INTO node_health (slug, last_ping_at_ns, ping_failures,
			avg_response_time_ms, active_connections, last_sync_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			last_ping_at_ns      = excluded.last_ping_at_ns,
			ping_failures        = excluded.ping_failures,
			avg_response_time_ms = excluded.avg_response_time_ms,
			active_connections   = excluded.active_connections,
			last_sync_at_ns      = excluded.last_sync_at_ns`
	deleteHealthSQL = `DELETE FROM node_health WHERE slug = ?`
)

// --- breaker_states ---

// BulkUpsertBreakerStates batch-inserts or updates breaker records.
func (r *CacheRepo) BulkUpsertBreakerStates(states []model.BreakerState) error {
	return bulkExecRows(r, upsertBreakerSQL, states, execBreakerUpsert)
}

// BulkDeleteBreakerStates batch-deletes breaker records by slug.
func (r *CacheRepo) BulkDeleteBreakerStates(slugs []string) error {
	return bulkExecRows(r, deleteBreakerSQL, slugs, func(stmt *sql.Stmt, slug string) error {
		_, err := stmt.Exec(slug)
		return err
	})
}

// LoadAllBreakerStates reads all breaker records.
func (r *CacheRepo) LoadAllBreakerStates() ([]model.BreakerState, error) {
	rows, err := r.db.Query(`
		SELECT slug, state, failure_count, success_count, last_failure_at_ns,
		       last_success_at_ns, opened_at_ns, next_retry_at_ns, reopen_count
		FROM breaker_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.BreakerState
	for rows.Next() {
		var b model.BreakerState
		if err := rows.Scan(&b.Slug, &b.State, &b.FailureCount, &b.SuccessCount,
			&b.LastFailureAtNs, &b.LastSuccessAtNs, &b.OpenedAtNs, &b.NextRetryAtNs, &b.ReopenCount); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func execBreakerUpsert(stmt *sql.Stmt, b model.BreakerState) error {
	_, err := stmt.Exec(b.Slug, b.State, b.FailureCount, b.SuccessCount,
		b.LastFailureAtNs, b.LastSuccessAtNs, b.OpenedAtNs, b.NextRetryAtNs, b.ReopenCount)
	return err
}

// --- node_health ---

// BulkUpsertNodeHealth batch-inserts or updates node health records.
func (r *CacheRepo) BulkUpsertNodeHealth(entries []model.NodeHealth) error {
	return bulkExecRows(r, upsertHealthSQL, entries, execHealthUpsert)
}

// BulkDeleteNodeHealth batch-deletes node health records by slug.
func (r *CacheRepo) BulkDeleteNodeHealth(slugs []string) error {
	return bulkExecRows(r, deleteHealthSQL, slugs, func(stmt *sql.Stmt, slug string) error {
		_, err := stmt.Exec(slug)
		return err
	})
}

// LoadAllNodeHealth reads all node health records.
func (r *CacheRepo) LoadAllNodeHealth() ([]model.NodeHealth, error) {
	rows, err := r.db.Query(`
		SELECT slug, last_ping_at_ns, ping_failures, avg_response_time_ms,
		       active_connections, last_sync_at_ns
		FROM node_health`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.NodeHealth
	for rows.Next() {
		var h model.NodeHealth
		if err := rows.Scan(&h.Slug, &h.LastPingAtNs, &h.PingFailures,
			&h.AvgResponseMs, &h.ActiveConnections, &h.LastSyncAtNs); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func execHealthUpsert(stmt *sql.Stmt, h model.NodeHealth) error {
	_, err := stmt.Exec(h.Slug, h.LastPingAtNs, h.PingFailures,
		h.AvgResponseMs, h.ActiveConnections, h.LastSyncAtNs)
	return err
}

// --- internal helpers ---

// bulkExecTx runs a prepared statement within an existing transaction for n rows.
func bulkExecTx(tx *sql.Tx, query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := execFn(stmt, i); err != nil {
			return fmt.Errorf("exec row %d: %w", i, err)
		}
	}
	return nil
}

// bulkExec runs a prepared statement in its own transaction for n rows.
func (r *CacheRepo) bulkExec(query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := bulkExecTx(tx, query, n, execFn); err != nil {
		return err
	}
	return tx.Commit()
}

func bulkExecRows[T any](
	r *CacheRepo,
	query string,
	rows []T,
	execFn func(stmt *sql.Stmt, row T) error,
) error {
	return r.bulkExec(query, len(rows), func(stmt *sql.Stmt, i int) error {
		return execFn(stmt, rows[i])
	})
}

// FlushOps holds all upsert/delete slices for a single-transaction cache flush.
type FlushOps struct {
	UpsertBreakerStates []model.BreakerState
	DeleteBreakerStates []string
	UpsertNodeHealth    []model.NodeHealth
	DeleteNodeHealth    []string
}

// FlushTx executes all upserts and deletes in one transaction.
func (r *CacheRepo) FlushTx(ops FlushOps) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		name  string
		query string
		n     int
		exec  func(*sql.Stmt, int) error
	}{
		{"upsert_breaker_states", upsertBreakerSQL, len(ops.UpsertBreakerStates), func(s *sql.Stmt, i int) error {
			return execBreakerUpsert(s, ops.UpsertBreakerStates[i])
		}},
		{"upsert_node_health", upsertHealthSQL, len(ops.UpsertNodeHealth), func(s *sql.Stmt, i int) error {
			return execHealthUpsert(s, ops.UpsertNodeHealth[i])
		}},
		{"delete_breaker_states", deleteBreakerSQL, len(ops.DeleteBreakerStates), func(s *sql.Stmt, i int) error {
			_, err := s.Exec(ops.DeleteBreakerStates[i])
			return err
		}},
		{"delete_node_health", deleteHealthSQL, len(ops.DeleteNodeHealth), func(s *sql.Stmt, i int) error {
			_, err := s.Exec(ops.DeleteNodeHealth[i])
			return err
		}},
	}

	for _, step := range steps {
		if err := bulkExecTx(tx, step.query, step.n, step.exec); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	return tx.Commit()
}
