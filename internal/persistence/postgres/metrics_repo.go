package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cliploop/retentiond/internal/persistence"
)

// metricsRepo implements MetricsRepo for PostgreSQL
type metricsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMetricsRepo creates a new PostgreSQL render metrics repository
func NewMetricsRepo(db *sqlx.DB, timeout time.Duration) persistence.MetricsRepo {
	return &metricsRepo{
		db:      db,
		timeout: timeout,
	}
}

const metricColumns = `id, job_id, user_id, created_at, config_version_id,
	score_total, score_hook, score_pacing, score_emotion, score_visual,
	score_story, score_filler, score_jank, features, flags`

// Insert appends one render quality row
func (r *metricsRepo) Insert(ctx context.Context, m persistence.RenderMetric) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	featuresJSON, err := json.Marshal(m.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	flagsJSON, err := json.Marshal(m.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	query := `
		INSERT INTO render_quality_metrics
			(id, job_id, user_id, created_at, config_version_id,
			 score_total, score_hook, score_pacing, score_emotion, score_visual,
			 score_story, score_filler, score_jank, features, flags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = r.db.ExecContext(ctx, query,
		m.ID, m.JobID, m.UserID, m.CreatedAt, m.ConfigVersionID,
		m.ScoreTotal, m.ScoreHook, m.ScorePacing, m.ScoreEmotion, m.ScoreVisual,
		m.ScoreStory, m.ScoreFiller, m.ScoreJank, featuresJSON, flagsJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			return fmt.Errorf("metric references missing row: %w", err)
		}
		return fmt.Errorf("failed to insert render metric: %w", err)
	}

	return nil
}

// ListRecent returns the newest rows, newest first
func (r *metricsRepo) ListRecent(ctx context.Context, limit int) ([]persistence.RenderMetric, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + metricColumns + `
		FROM render_quality_metrics
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent metrics: %w", err)
	}
	defer rows.Close()

	return r.scanMetrics(rows)
}

// ListRange returns rows inside the window, newest first
func (r *metricsRepo) ListRange(ctx context.Context, tr persistence.TimeRange, limit int) ([]persistence.RenderMetric, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + metricColumns + `
		FROM render_quality_metrics
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics in range: %w", err)
	}
	defer rows.Close()

	return r.scanMetrics(rows)
}

// ListByConfigVersion returns rows for one version inside the window
func (r *metricsRepo) ListByConfigVersion(ctx context.Context, configVersionID string, tr persistence.TimeRange, limit int) ([]persistence.RenderMetric, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + metricColumns + `
		FROM render_quality_metrics
		WHERE config_version_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, configVersionID, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics by config version: %w", err)
	}
	defer rows.Close()

	return r.scanMetrics(rows)
}

func (r *metricsRepo) scanMetrics(rows *sqlx.Rows) ([]persistence.RenderMetric, error) {
	var metrics []persistence.RenderMetric

	for rows.Next() {
		var m persistence.RenderMetric
		var featuresJSON, flagsJSON []byte

		err := rows.Scan(
			&m.ID, &m.JobID, &m.UserID, &m.CreatedAt, &m.ConfigVersionID,
			&m.ScoreTotal, &m.ScoreHook, &m.ScorePacing, &m.ScoreEmotion, &m.ScoreVisual,
			&m.ScoreStory, &m.ScoreFiller, &m.ScoreJank, &featuresJSON, &flagsJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render metric: %w", err)
		}

		if len(featuresJSON) > 0 {
			if err := json.Unmarshal(featuresJSON, &m.Features); err != nil {
				return nil, fmt.Errorf("failed to unmarshal features: %w", err)
			}
		}
		if len(flagsJSON) > 0 {
			if err := json.Unmarshal(flagsJSON, &m.Flags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal flags: %w", err)
			}
		}

		metrics = append(metrics, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return metrics, nil
}
