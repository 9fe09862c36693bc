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

// jobsRepo reads the externally-owned jobs table
type jobsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewJobsRepo creates a read-only PostgreSQL jobs repository
func NewJobsRepo(db *sqlx.DB, timeout time.Duration) persistence.JobsRepo {
	return &jobsRepo{
		db:      db,
		timeout: timeout,
	}
}

const jobColumns = `id, status, user_id, analysis, render_settings, retention_score, config_version_id`

// GetByID returns one job, or nil when absent
func (r *jobsRepo) GetByID(ctx context.Context, id string) (*persistence.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE id = $1`

	j, err := r.scanJob(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListRecent returns the newest jobs that carry an analysis payload
func (r *jobsRepo) ListRecent(ctx context.Context, limit int) ([]persistence.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE analysis IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []persistence.Job
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return jobs, nil
}

func (r *jobsRepo) scanJob(row rowScanner) (*persistence.Job, error) {
	var j persistence.Job
	var analysisJSON, settingsJSON []byte

	err := row.Scan(
		&j.ID, &j.Status, &j.UserID, &analysisJSON, &settingsJSON,
		&j.RetentionScore, &j.ConfigVersionID)
	if err != nil {
		return nil, err
	}

	if len(analysisJSON) > 0 {
		if err := json.Unmarshal(analysisJSON, &j.Analysis); err != nil {
			return nil, fmt.Errorf("failed to unmarshal analysis: %w", err)
		}
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &j.RenderSettings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal render settings: %w", err)
		}
	}

	return &j, nil
}
