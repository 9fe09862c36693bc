package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cliploop/retentiond/internal/persistence"
)

// experimentsRepo implements ExperimentsRepo for PostgreSQL
type experimentsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewExperimentsRepo creates a new PostgreSQL experiments repository
func NewExperimentsRepo(db *sqlx.DB, timeout time.Duration) persistence.ExperimentsRepo {
	return &experimentsRepo{
		db:      db,
		timeout: timeout,
	}
}

const experimentColumns = `id, created_at, created_by, name, status, arms, allocation, reward_metric, start_at, end_at`

// StartExclusive stops every running experiment and inserts e as running
func (r *experimentsRepo) StartExclusive(ctx context.Context, e persistence.Experiment) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	armsJSON, err := json.Marshal(e.Arms)
	if err != nil {
		return fmt.Errorf("failed to marshal arms: %w", err)
	}
	allocationJSON, err := json.Marshal(e.Allocation)
	if err != nil {
		return fmt.Errorf("failed to marshal allocation: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE experiments SET status = $1, end_at = COALESCE(end_at, $2) WHERE status = $3`,
		persistence.ExperimentStopped, e.CreatedAt, persistence.ExperimentRunning); err != nil {
		return fmt.Errorf("failed to stop running experiments: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO experiments (id, created_at, created_by, name, status, arms, allocation, reward_metric, start_at, end_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.CreatedAt, e.CreatedBy, e.Name, e.Status,
		armsJSON, allocationJSON, e.RewardMetric, e.StartAt, e.EndAt); err != nil {
		return fmt.Errorf("failed to insert experiment: %w", err)
	}

	return tx.Commit()
}

// StopRunning marks running experiments stopped and stamps end_at
func (r *experimentsRepo) StopRunning(ctx context.Context, endAt time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE experiments SET status = $1, end_at = COALESCE(end_at, $2) WHERE status = $3`,
		persistence.ExperimentStopped, endAt, persistence.ExperimentRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to stop running experiments: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected, nil
}

// GetRunning returns the running experiment, or nil
func (r *experimentsRepo) GetRunning(ctx context.Context) (*persistence.Experiment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + experimentColumns + `
		FROM experiments
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT 1`

	e, err := r.scanExperiment(r.db.QueryRowxContext(ctx, query, persistence.ExperimentRunning))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get running experiment: %w", err)
	}
	return e, nil
}

// GetByID returns one experiment, or nil when absent
func (r *experimentsRepo) GetByID(ctx context.Context, id string) (*persistence.Experiment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + experimentColumns + `
		FROM experiments
		WHERE id = $1`

	e, err := r.scanExperiment(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return e, nil
}

// List returns the newest experiments, newest first
func (r *experimentsRepo) List(ctx context.Context, limit int) ([]persistence.Experiment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + experimentColumns + `
		FROM experiments
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var experiments []persistence.Experiment
	for rows.Next() {
		e, err := r.scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return experiments, nil
}

func (r *experimentsRepo) scanExperiment(row rowScanner) (*persistence.Experiment, error) {
	var e persistence.Experiment
	var armsJSON, allocationJSON []byte

	err := row.Scan(
		&e.ID, &e.CreatedAt, &e.CreatedBy, &e.Name, &e.Status,
		&armsJSON, &allocationJSON, &e.RewardMetric, &e.StartAt, &e.EndAt)
	if err != nil {
		return nil, err
	}

	if len(armsJSON) > 0 {
		if err := json.Unmarshal(armsJSON, &e.Arms); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arms: %w", err)
		}
	}
	if len(allocationJSON) > 0 {
		if err := json.Unmarshal(allocationJSON, &e.Allocation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allocation: %w", err)
		}
	}

	return &e, nil
}
