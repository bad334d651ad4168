// Package redis implements the hot-path storage adapters: the versioned
// table state store, the distributed table lock, and the idempotency
// guard. All mutations that must be atomic against concurrent readers
// and writers run as server-side Lua scripts.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bobmcallan/felt/internal/common"
)

// NewClient connects a go-redis client per the service config and
// verifies connectivity.
func NewClient(cfg common.RedisConfig) (*redis.Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 50
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,

		PoolSize:     poolSize,
		MinIdleConns: poolSize / 4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return rdb, nil
}

// Key layout shared by the adapters in this package.
func stateKey(tableID string) string   { return "table:" + tableID }
func channelKey(tableID string) string { return "pubsub:table:" + tableID }
func lockKey(resource string) string   { return "lock:" + resource }
func resultKey(key string) string      { return "idempotency:result:" + key }
func processingKey(key string) string  { return "idempotency:result:" + key + ":processing" }
