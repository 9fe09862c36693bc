package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cliploop/retentiond/internal/persistence"
)

// configVersionsRepo implements ConfigVersionsRepo for PostgreSQL
type configVersionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewConfigVersionsRepo creates a new PostgreSQL config version repository
func NewConfigVersionsRepo(db *sqlx.DB, timeout time.Duration) persistence.ConfigVersionsRepo {
	return &configVersionsRepo{
		db:      db,
		timeout: timeout,
	}
}

const configVersionColumns = `id, created_at, created_by, preset_name, params, is_active, note`

// Create inserts a version without touching the active pointer
func (r *configVersionsRepo) Create(ctx context.Context, v persistence.ConfigVersion) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	paramsJSON, err := json.Marshal(v.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
		INSERT INTO config_versions (id, created_at, created_by, preset_name, params, is_active, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		v.ID, v.CreatedAt, v.CreatedBy, v.PresetName, paramsJSON, v.IsActive, v.Note)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate config version: %w", err)
		}
		return fmt.Errorf("failed to insert config version: %w", err)
	}

	return nil
}

// CreateActive inserts v as the only active version and re-points in-flight
// jobs, all in one transaction
func (r *configVersionsRepo) CreateActive(ctx context.Context, v persistence.ConfigVersion) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	paramsJSON, err := json.Marshal(v.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE config_versions SET is_active = false WHERE is_active = true`); err != nil {
		return fmt.Errorf("failed to demote active versions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO config_versions (id, created_at, created_by, preset_name, params, is_active, note)
		VALUES ($1, $2, $3, $4, $5, true, $6)`,
		v.ID, v.CreatedAt, v.CreatedBy, v.PresetName, paramsJSON, v.Note); err != nil {
		return fmt.Errorf("failed to insert active config version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET config_version_id = $1 WHERE status = ANY($2)`,
		v.ID, pq.Array(persistence.ActiveJobStatuses)); err != nil {
		return fmt.Errorf("failed to re-point in-flight jobs: %w", err)
	}

	return tx.Commit()
}

// Activate flips the active pointer to id
func (r *configVersionsRepo) Activate(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE config_versions SET is_active = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to activate config version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("config version %s: %w", id, persistence.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE config_versions SET is_active = false WHERE id != $1 AND is_active = true`, id); err != nil {
		return fmt.Errorf("failed to demote other versions: %w", err)
	}

	return tx.Commit()
}

// GetActive returns the active version, or nil when none is marked
func (r *configVersionsRepo) GetActive(ctx context.Context) (*persistence.ConfigVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + configVersionColumns + `
		FROM config_versions
		WHERE is_active = true
		ORDER BY created_at DESC
		LIMIT 1`

	v, err := r.scanVersion(r.db.QueryRowxContext(ctx, query))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active config version: %w", err)
	}
	return v, nil
}

// GetByID returns one version, or nil when absent
func (r *configVersionsRepo) GetByID(ctx context.Context, id string) (*persistence.ConfigVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + configVersionColumns + `
		FROM config_versions
		WHERE id = $1`

	v, err := r.scanVersion(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get config version: %w", err)
	}
	return v, nil
}

// List returns the newest versions, newest first
func (r *configVersionsRepo) List(ctx context.Context, limit int) ([]persistence.ConfigVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + configVersionColumns + `
		FROM config_versions
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list config versions: %w", err)
	}
	defer rows.Close()

	return r.scanVersions(rows)
}

// NewestInactive returns the most recent non-active version, or nil
func (r *configVersionsRepo) NewestInactive(ctx context.Context) (*persistence.ConfigVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + configVersionColumns + `
		FROM config_versions
		WHERE is_active = false
		ORDER BY created_at DESC
		LIMIT 1`

	v, err := r.scanVersion(r.db.QueryRowxContext(ctx, query))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get newest inactive version: %w", err)
	}
	return v, nil
}

// PromoteNewest marks the most recent row active when none is
func (r *configVersionsRepo) PromoteNewest(ctx context.Context) (*persistence.ConfigVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + configVersionColumns + `
		FROM config_versions
		ORDER BY created_at DESC
		LIMIT 1`

	v, err := r.scanVersion(tx.QueryRowxContext(ctx, query))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find newest version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE config_versions SET is_active = false WHERE is_active = true AND id != $1`, v.ID); err != nil {
		return nil, fmt.Errorf("failed to demote active versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE config_versions SET is_active = true WHERE id = $1`, v.ID); err != nil {
		return nil, fmt.Errorf("failed to promote newest version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit promotion: %w", err)
	}

	v.IsActive = true
	return v, nil
}

// Helper methods

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *configVersionsRepo) scanVersion(row rowScanner) (*persistence.ConfigVersion, error) {
	var v persistence.ConfigVersion
	var paramsJSON []byte

	err := row.Scan(
		&v.ID, &v.CreatedAt, &v.CreatedBy, &v.PresetName,
		&paramsJSON, &v.IsActive, &v.Note)
	if err != nil {
		return nil, err
	}

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &v.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}

	return &v, nil
}

func (r *configVersionsRepo) scanVersions(rows *sqlx.Rows) ([]persistence.ConfigVersion, error) {
	var versions []persistence.ConfigVersion

	for rows.Next() {
		v, err := r.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return versions, nil
}
