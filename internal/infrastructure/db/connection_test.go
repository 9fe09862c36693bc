package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 10, config.MaxOpenConns)
	assert.Equal(t, 5, config.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, config.ConnMaxLifetime)
	assert.Equal(t, 5*time.Minute, config.ConnMaxIdleTime)
	assert.Equal(t, 30*time.Second, config.QueryTimeout)
	assert.False(t, config.Enabled) // Should be disabled by default
}

func TestNewManager_Disabled(t *testing.T) {
	manager, err := NewManager(Config{Enabled: false})
	require.NoError(t, err)

	assert.NotNil(t, manager)
	assert.False(t, manager.IsEnabled())
	assert.Nil(t, manager.Repository())
	assert.Nil(t, manager.DB())

	// Health should work even when disabled
	health := manager.Health()
	assert.NotNil(t, health)

	healthCheck := health.Health(context.Background())
	assert.True(t, healthCheck.Healthy)
	assert.Contains(t, healthCheck.Errors[0], "disabled")
}

func TestNewManager_MissingDSN(t *testing.T) {
	config := Config{
		Enabled: true,
		DSN:     "", // Missing DSN
	}

	_, err := NewManager(config)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DSN is required")
}

func TestHealthChecker_Disabled(t *testing.T) {
	manager, err := NewManager(Config{Enabled: false})
	require.NoError(t, err)

	health := manager.Health()

	healthCheck := health.Health(context.Background())
	assert.True(t, healthCheck.Healthy)
	assert.Contains(t, healthCheck.Errors[0], "disabled")
	assert.Equal(t, 0, healthCheck.ConnectionPool["status"])
	assert.Equal(t, int64(0), healthCheck.ResponseTimeMS)

	err = health.Ping(context.Background())
	assert.NoError(t, err) // Should not error when disabled

	stats := health.Stats(context.Background())
	assert.False(t, stats["enabled"].(bool))
	assert.Equal(t, "disabled", stats["status"])
}

func TestHealthChecker_Enabled(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	sqlxDB := sqlx.NewDb(mockDB, "postgres")

	checker := &healthChecker{
		enabled: true,
		db:      sqlxDB,
		timeout: 5 * time.Second,
	}

	mock.ExpectPing()

	healthCheck := checker.Health(context.Background())
	assert.True(t, healthCheck.Healthy)
	assert.Empty(t, healthCheck.Errors)
	assert.GreaterOrEqual(t, healthCheck.ResponseTimeMS, int64(0))
	assert.Contains(t, healthCheck.ConnectionPool, "max_open")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_PingFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	sqlxDB := sqlx.NewDb(mockDB, "postgres")

	checker := &healthChecker{
		enabled: true,
		db:      sqlxDB,
		timeout: 5 * time.Second,
	}

	mock.ExpectPing().WillReturnError(sqlmock.ErrCancelled)

	healthCheck := checker.Health(context.Background())
	assert.False(t, healthCheck.Healthy)
	assert.Len(t, healthCheck.Errors, 1)
	assert.Contains(t, healthCheck.Errors[0], "ping failed")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_Stats(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	sqlxDB := sqlx.NewDb(mockDB, "postgres")

	checker := &healthChecker{
		enabled: true,
		db:      sqlxDB,
		timeout: 5 * time.Second,
	}

	stats := checker.Stats(context.Background())

	assert.True(t, stats["enabled"].(bool))
	assert.Contains(t, stats, "max_open_connections")
	assert.Contains(t, stats, "open_connections")
	assert.Contains(t, stats, "in_use")
	assert.Contains(t, stats, "idle")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_PassThroughWhenDisabled(t *testing.T) {
	manager, err := NewManager(Config{Enabled: false})
	require.NoError(t, err)

	calls := 0
	err = manager.Guard(func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	err = manager.Guard(func() error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, "disabled", manager.BreakerState())
}

func TestGuard_TripsAfterConsecutiveFailures(t *testing.T) {
	manager := &Manager{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "store",
			Timeout: breakerOpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
		}),
	}

	boom := errors.New("store down")
	for i := 0; i < breakerFailures; i++ {
		err := manager.Guard(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	// Circuit is open now: calls fail fast without reaching the store.
	calls := 0
	err := manager.Guard(func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 0, calls)
	assert.Equal(t, "open", manager.BreakerState())
}

func TestManager_Close(t *testing.T) {
	manager, err := NewManager(Config{Enabled: false})
	require.NoError(t, err)

	err = manager.Close()
	assert.NoError(t, err)
}
