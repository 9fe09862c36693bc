// Package config loads the retentiond service configuration: YAML file
// first, then environment overrides, then validation. A missing file is
// not an error; defaults plus environment cover the dev setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/cliploop/retentiond/internal/cache"
	"github.com/cliploop/retentiond/internal/infrastructure/db"
)

// Config is the full service configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  db.Config       `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ReadTimeoutSec   int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int    `yaml:"write_timeout_sec"`
	ShutdownGraceSec int    `yaml:"shutdown_grace_sec"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSec) * time.Second
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

func (s ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSec) * time.Second
}

// AuthConfig gates the algorithm routes: the operator email must be on the
// owner list and the control key header must match.
type AuthConfig struct {
	OwnerEmails []string `yaml:"owner_emails"`
	ControlKey  string   `yaml:"control_key"`
}

// RateLimitConfig shapes the per-client-IP token bucket on mutating routes.
type RateLimitConfig struct {
	WindowMs int `yaml:"window_ms"`
	Max      int `yaml:"max"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	Redis cache.Config `yaml:"redis"`
}

// Default returns the configuration used when no file and no environment
// overrides are present. The owner list is empty on purpose: auth fails
// closed until operators are configured.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeoutSec:   15,
			WriteTimeoutSec:  30,
			ShutdownGraceSec: 10,
		},
		Database:  db.DefaultConfig(),
		RateLimit: RateLimitConfig{WindowMs: 60000, Max: 30},
	}
}

// Load reads path (when it exists) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return cfg, fmt.Errorf("read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.ApplyEnv()

	if v := os.Getenv("HTTP_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.Redis.DB = n
		}
	}
	if v := os.Getenv("RETENTION_CONTROL_KEY"); v != "" {
		c.Auth.ControlKey = v
	}
	if v := os.Getenv("RETENTION_OWNER_EMAILS"); v != "" {
		var owners []string
		for _, part := range strings.Split(v, ",") {
			if email := strings.TrimSpace(part); email != "" {
				owners = append(owners, email)
			}
		}
		c.Auth.OwnerEmails = owners
	}
}

// Validate checks the loaded configuration for shape errors. Auth material
// is allowed to be empty here; the HTTP layer fails closed without it.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.ReadTimeoutSec <= 0 || c.Server.WriteTimeoutSec <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("rate_limit.window_ms must be positive")
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("rate_limit.max must be positive")
	}
	return c.Database.Validate()
}
