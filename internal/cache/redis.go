package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis adapts a redis client to the Cache interface. Backend errors are
// logged and reported as misses.
type Redis struct {
	client *redis.Client
}

func NewRedis(cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(key string) ([]byte, bool) {
	data, err := r.client.Get(context.Background(), key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug().Err(err).Str("key", key).Msg("Cache read failed")
		}
		return nil, false
	}
	return data, true
}

func (r *Redis) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := r.client.Set(context.Background(), key, value, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

func (r *Redis) Invalidate(keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(context.Background(), keys...).Err(); err != nil {
		log.Debug().Err(err).Msg("Cache invalidate failed")
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Cache = (*Redis)(nil)
