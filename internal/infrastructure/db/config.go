package db

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides connection settings from PG_* environment variables.
// Unparseable values are ignored and the file or default value stands.
func (c *Config) ApplyEnv() {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		c.DSN = dsn
	}

	if enabled := os.Getenv("PG_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			c.Enabled = val
		}
	}

	if maxOpen := os.Getenv("PG_MAX_OPEN_CONNS"); maxOpen != "" {
		if val, err := strconv.Atoi(maxOpen); err == nil {
			c.MaxOpenConns = val
		}
	}

	if maxIdle := os.Getenv("PG_MAX_IDLE_CONNS"); maxIdle != "" {
		if val, err := strconv.Atoi(maxIdle); err == nil {
			c.MaxIdleConns = val
		}
	}

	if maxLifetime := os.Getenv("PG_CONN_MAX_LIFETIME"); maxLifetime != "" {
		if val, err := time.ParseDuration(maxLifetime); err == nil {
			c.ConnMaxLifetime = val
		}
	}

	if maxIdleTime := os.Getenv("PG_CONN_MAX_IDLE_TIME"); maxIdleTime != "" {
		if val, err := time.ParseDuration(maxIdleTime); err == nil {
			c.ConnMaxIdleTime = val
		}
	}

	if queryTimeout := os.Getenv("PG_QUERY_TIMEOUT"); queryTimeout != "" {
		if val, err := time.ParseDuration(queryTimeout); err == nil {
			c.QueryTimeout = val
		}
	}
}

// Validate checks the connection settings for internal consistency.
func (c Config) Validate() error {
	if c.Enabled && c.DSN == "" {
		return fmt.Errorf("database DSN is required when database is enabled")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be positive")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns cannot be negative")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max_idle_conns cannot exceed max_open_conns")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be positive")
	}
	return nil
}
