package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
)

// IdempotencyStore guards retried financial flows. A cached result under
// idempotency:result:{key} short-circuits replays; the companion
// :processing flag prevents two concurrent attempts from both reaching
// the ledger.
type IdempotencyStore struct {
	rdb    *redis.Client
	logger *common.Logger
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore(rdb *redis.Client, logger *common.Logger) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, logger: logger}
}

func (s *IdempotencyStore) Claim(ctx context.Context, key string, processingTTL time.Duration) ([]byte, bool, error) {
	cached, err := s.rdb.Get(ctx, resultKey(key)).Bytes()
	if err == nil {
		return cached, false, nil
	}
	if err != redis.Nil {
		return nil, false, fmt.Errorf("idempotency lookup failed for %s: %w", key, err)
	}

	ok, err := s.rdb.SetNX(ctx, processingKey(key), "1", processingTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("idempotency claim failed for %s: %w", key, err)
	}
	if !ok {
		return nil, false, common.ErrConflict("request with key %s already in flight", key)
	}
	return nil, true, nil
}

func (s *IdempotencyStore) StoreResult(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, resultKey(key), result, ttl)
	pipe.Del(ctx, processingKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("idempotency store failed for %s: %w", key, err)
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, processingKey(key)).Err(); err != nil {
		return fmt.Errorf("idempotency release failed for %s: %w", key, err)
	}
	return nil
}

// Compile-time check
var _ interfaces.IdempotencyStore = (*IdempotencyStore)(nil)
