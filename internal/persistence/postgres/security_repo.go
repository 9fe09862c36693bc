package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cliploop/retentiond/internal/persistence"
)

// securityEventsRepo implements SecurityEventsRepo for PostgreSQL
type securityEventsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSecurityEventsRepo creates a new PostgreSQL security events repository
func NewSecurityEventsRepo(db *sqlx.DB, timeout time.Duration) persistence.SecurityEventsRepo {
	return &securityEventsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Insert appends one audit record
func (r *securityEventsRepo) Insert(ctx context.Context, e persistence.SecurityEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}

	query := `
		INSERT INTO security_events (created_at, type, meta)
		VALUES ($1, $2, $3)`

	_, err = r.db.ExecContext(ctx, query, e.CreatedAt, e.Type, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}

	return nil
}

// ListRecent returns the newest audit records, newest first
func (r *securityEventsRepo) ListRecent(ctx context.Context, limit int) ([]persistence.SecurityEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, created_at, type, meta
		FROM security_events
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer rows.Close()

	var events []persistence.SecurityEvent
	for rows.Next() {
		var e persistence.SecurityEvent
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Type, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal meta: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}
