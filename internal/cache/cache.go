// Package cache is the best-effort response cache in front of the hot read
// endpoints. Misses and backend failures are equivalent: callers always fall
// through to the authoritative store.
package cache

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache is a byte cache with per-entry TTLs.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Invalidate(keys ...string)
	Close() error
}

// Config selects and configures the backend. An empty Addr means in-process
// memory only.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// New returns a redis-backed cache when an address is configured and the
// server answers a ping, otherwise the in-process cache.
func New(cfg Config) Cache {
	if cfg.Addr == "" {
		return NewMemory()
	}
	r, err := NewRedis(cfg)
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unreachable, using in-process cache")
		return NewMemory()
	}
	log.Info().Str("addr", cfg.Addr).Msg("Response cache backed by redis")
	return r
}

// Key builds a namespaced cache key.
func Key(parts ...string) string {
	return "retentiond:" + strings.Join(parts, ":")
}
