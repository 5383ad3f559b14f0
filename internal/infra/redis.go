// README: Redis client initialization for the dispatch GEO mirror and bookkeeping.
package infra

import (
	"github.com/redis/go-redis/v9"

	"presto/internal/config"
)

func NewRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
