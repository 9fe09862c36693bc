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

// feedbackStateRepo implements FeedbackStateRepo for PostgreSQL
type feedbackStateRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFeedbackStateRepo creates a new PostgreSQL feedback state repository
func NewFeedbackStateRepo(db *sqlx.DB, timeout time.Duration) persistence.FeedbackStateRepo {
	return &feedbackStateRepo{
		db:      db,
		timeout: timeout,
	}
}

// Get returns the singleton row, or nil when it was never written
func (r *feedbackStateRepo) Get(ctx context.Context) (*persistence.FeedbackState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, settings, runtime, updated_at
		FROM feedback_loop_state
		WHERE id = $1`

	var s persistence.FeedbackState
	var settingsJSON, runtimeJSON []byte

	err := r.db.QueryRowxContext(ctx, query, persistence.FeedbackStateID).
		Scan(&s.ID, &settingsJSON, &runtimeJSON, &s.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get feedback state: %w", err)
	}

	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &s.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	if len(runtimeJSON) > 0 {
		if err := json.Unmarshal(runtimeJSON, &s.Runtime); err != nil {
			return nil, fmt.Errorf("failed to unmarshal runtime: %w", err)
		}
	}

	return &s, nil
}

// Upsert writes the singleton row
func (r *feedbackStateRepo) Upsert(ctx context.Context, s persistence.FeedbackState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	settingsJSON, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	runtimeJSON, err := json.Marshal(s.Runtime)
	if err != nil {
		return fmt.Errorf("failed to marshal runtime: %w", err)
	}

	query := `
		INSERT INTO feedback_loop_state (id, settings, runtime, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET settings = EXCLUDED.settings,
		    runtime = EXCLUDED.runtime,
		    updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		persistence.FeedbackStateID, settingsJSON, runtimeJSON, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert feedback state: %w", err)
	}

	return nil
}
