package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nervemesh/nerve/internal/config"
	"github.com/nervemesh/nerve/internal/model"
)

// StateRepo wraps state.db and provides transactional CRUD for strong-persist
// data. All writes are serialized by an internal mutex.
type StateRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// newStateRepo creates a StateRepo for the given state.db connection.
func newStateRepo(db *sql.DB) *StateRepo {
	return &StateRepo{db: db}
}

// mapConstraintErr converts SQLite uniqueness violations into ErrConflict so
// callers can branch with errors.Is without importing the driver.
func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// --- system_config ---

// GetSystemConfig loads the runtime config and version from state.db.
// Returns nil config and version 0 if no row exists.
func (r *StateRepo) GetSystemConfig() (*config.RuntimeConfig, int, error) {
	row := r.db.QueryRow("SELECT config_json, version FROM system_config WHERE id = 1")
	var configJSON string
	var version int
	if err := row.Scan(&configJSON, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("scan system_config: %w", err)
	}
	cfg := &config.RuntimeConfig{}
	if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
		return nil, 0, fmt.Errorf("unmarshal system_config: %w", err)
	}
	return cfg, version, nil
}

// SaveSystemConfig persists the runtime config with the given version.
func (r *StateRepo) SaveSystemConfig(cfg *config.RuntimeConfig, version int, updatedAtNs int64) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal system_config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO system_config (id, config_json, version, updated_at_ns)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_json   = excluded.config_json,
			version       = excluded.version,
			updated_at_ns = excluded.updated_at_ns
	`, string(data), version, updatedAtNs)
	return err
}

// --- nodes ---

const nodeColumns = `slug, name, type, base_url, description, status, weight, version,
	api_key, refresh_token, secrets_expire_at_ns, prev_api_key, prev_refresh_token, rotated_at_ns,
	collections_json, collectors_json, workflows_json, domains_json, data_types_json, keywords_json,
	created_at_ns, updated_at_ns`

func scanNode(scan func(dest ...any) error) (model.Node, error) {
	var n model.Node
	err := scan(
		&n.Slug, &n.Name, &n.Type, &n.BaseURL, &n.Description, &n.Status, &n.Weight, &n.Version,
		&n.APIKey, &n.RefreshToken, &n.SecretsExpireAtNs, &n.PrevAPIKey, &n.PrevRefreshToken, &n.RotatedAtNs,
		&n.CollectionsJSON, &n.CollectorsJSON, &n.WorkflowsJSON, &n.DomainsJSON, &n.DataTypesJSON, &n.KeywordsJSON,
		&n.CreatedAtNs, &n.UpdatedAtNs,
	)
	return n, err
}

// InsertNode inserts a new node record. Returns ErrConflict if the slug,
// api_key, or refresh_token is already taken.
func (r *StateRepo) InsertNode(n model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.Slug, n.Name, n.Type, n.BaseURL, n.Description, n.Status, n.Weight, n.Version,
		n.APIKey, n.RefreshToken, n.SecretsExpireAtNs, n.PrevAPIKey, n.PrevRefreshToken, n.RotatedAtNs,
		n.CollectionsJSON, n.CollectorsJSON, n.WorkflowsJSON, n.DomainsJSON, n.DataTypesJSON, n.KeywordsJSON,
		n.CreatedAtNs, n.UpdatedAtNs)
	return mapConstraintErr(err)
}

// UpdateNode rewrites a node record by slug, preserving created_at_ns.
// Returns ErrNotFound if no such node exists.
func (r *StateRepo) UpdateNode(n model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE nodes SET
			name = ?, type = ?, base_url = ?, description = ?, status = ?, weight = ?, version = ?,
			api_key = ?, refresh_token = ?, secrets_expire_at_ns = ?,
			prev_api_key = ?, prev_refresh_token = ?, rotated_at_ns = ?,
			collections_json = ?, collectors_json = ?, workflows_json = ?,
			domains_json = ?, data_types_json = ?, keywords_json = ?,
			updated_at_ns = ?
		WHERE slug = ?
	`, n.Name, n.Type, n.BaseURL, n.Description, n.Status, n.Weight, n.Version,
		n.APIKey, n.RefreshToken, n.SecretsExpireAtNs,
		n.PrevAPIKey, n.PrevRefreshToken, n.RotatedAtNs,
		n.CollectionsJSON, n.CollectorsJSON, n.WorkflowsJSON,
		n.DomainsJSON, n.DataTypesJSON, n.KeywordsJSON,
		n.UpdatedAtNs, n.Slug)
	if err != nil {
		return mapConstraintErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: node %s", ErrNotFound, n.Slug)
	}
	return nil
}

// DeleteNode removes a node record by slug.
func (r *StateRepo) DeleteNode(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM nodes WHERE slug = ?", slug)
	return err
}

// GetNode loads a node by slug. Returns ErrNotFound if missing.
func (r *StateRepo) GetNode(slug string) (model.Node, error) {
	row := r.db.QueryRow("SELECT "+nodeColumns+" FROM nodes WHERE slug = ?", slug)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, fmt.Errorf("%w: node %s", ErrNotFound, slug)
	}
	if err != nil {
		return model.Node{}, fmt.Errorf("scan node %s: %w", slug, err)
	}
	return n, nil
}

// GetNodeByRefreshToken resolves a node by its current or previous refresh
// token. The caller decides whether the previous token is still inside the
// rotation grace window.
func (r *StateRepo) GetNodeByRefreshToken(token string) (model.Node, error) {
	row := r.db.QueryRow(
		"SELECT "+nodeColumns+" FROM nodes WHERE refresh_token = ? OR prev_refresh_token = ?",
		token, token)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if err != nil {
		return model.Node{}, fmt.Errorf("scan node by refresh token: %w", err)
	}
	return n, nil
}

// ListNodes returns all node records ordered by slug.
func (r *StateRepo) ListNodes() ([]model.Node, error) {
	rows, err := r.db.Query("SELECT " + nodeColumns + " FROM nodes ORDER BY slug")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// RotateNodeSecrets swaps in fresh secrets for a node, demoting the current
// pair to prev_* so in-flight callers keep verifying through the grace window.
func (r *StateRepo) RotateNodeSecrets(slug, apiKey, refreshToken string, expiresAtNs, rotatedAtNs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE nodes SET
			prev_api_key = api_key,
			prev_refresh_token = refresh_token,
			api_key = ?,
			refresh_token = ?,
			secrets_expire_at_ns = ?,
			rotated_at_ns = ?,
			updated_at_ns = ?
		WHERE slug = ?
	`, apiKey, refreshToken, expiresAtNs, rotatedAtNs, rotatedAtNs, slug)
	if err != nil {
		return mapConstraintErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: node %s", ErrNotFound, slug)
	}
	return nil
}
