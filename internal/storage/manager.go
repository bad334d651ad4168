// Package storage wires the hot (Redis) and cold (SurrealDB) backends
// into one StorageManager.
package storage

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	surreal "github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/storage/redis"
	"github.com/bobmcallan/felt/internal/storage/surrealdb"
)

// Manager implements interfaces.StorageManager across both backends.
type Manager struct {
	rdb    *goredis.Client
	db     *surreal.DB
	logger *common.Logger

	stateStore  *redis.StateStore
	lockManager *redis.LockManager
	idemStore   *redis.IdempotencyStore
	ledgerStore *surrealdb.LedgerStore
	tableStore  *surrealdb.TableStore
	handStore   *surrealdb.HandStore
	jobQueue    *surrealdb.JobQueueStore
}

// NewManager connects both backends and initializes every store.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	rdb, err := redis.NewClient(config.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect hot store: %w", err)
	}

	db, err := surrealdb.Connect(config.Surreal)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect cold store: %w", err)
	}

	m := &Manager{
		rdb:    rdb,
		db:     db,
		logger: logger,

		stateStore:  redis.NewStateStore(rdb, logger),
		lockManager: redis.NewLockManager(rdb, logger),
		idemStore:   redis.NewIdempotencyStore(rdb, logger),
		ledgerStore: surrealdb.NewLedgerStore(db, logger),
		tableStore:  surrealdb.NewTableStore(db, logger),
		handStore:   surrealdb.NewHandStore(db, logger),
		jobQueue:    surrealdb.NewJobQueueStore(db, logger),
	}

	logger.Info().
		Str("redis_addr", config.Redis.Addr).
		Str("surreal_addr", config.Surreal.Address).
		Msg("Storage manager initialized")

	return m, nil
}

func (m *Manager) StateStore() interfaces.StateStore             { return m.stateStore }
func (m *Manager) LockManager() interfaces.LockManager           { return m.lockManager }
func (m *Manager) IdempotencyStore() interfaces.IdempotencyStore { return m.idemStore }
func (m *Manager) LedgerStore() interfaces.LedgerStore           { return m.ledgerStore }
func (m *Manager) TableStore() interfaces.TableStore             { return m.tableStore }
func (m *Manager) HandStore() interfaces.HandStore               { return m.handStore }
func (m *Manager) JobQueueStore() interfaces.JobQueueStore       { return m.jobQueue }

func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return m.rdb.Close()
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
