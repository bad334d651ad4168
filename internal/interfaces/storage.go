// Package interfaces defines service contracts for Felt
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/felt/internal/models"
)

// StorageManager coordinates all storage backends: the hot store
// (state, locks, pub/sub, idempotency) and the cold store (ledger,
// tables, hand histories, job queue).
type StorageManager interface {
	StateStore() StateStore
	LockManager() LockManager
	IdempotencyStore() IdempotencyStore
	LedgerStore() LedgerStore
	TableStore() TableStore
	HandStore() HandStore
	JobQueueStore() JobQueueStore

	// Lifecycle
	Close() error
}

// StateStore holds the versioned hot snapshot per table and the per-table
// pub/sub channel. The snapshot at version v may only be replaced by a
// snapshot at version v+1, verified atomically server-side.
type StateStore interface {
	// Load returns the current snapshot, or a NOT_FOUND error.
	Load(ctx context.Context, tableID string) (*models.Snapshot, error)

	// Create writes the version-0 snapshot; CONFLICT if one exists.
	Create(ctx context.Context, snap *models.Snapshot, ttl time.Duration) error

	// CompareAndSet atomically verifies the stored version equals
	// expectedVersion and replaces the snapshot, refreshing the TTL.
	// Fails CONFLICT on version mismatch and NOT_FOUND when absent.
	CompareAndSet(ctx context.Context, tableID string, expectedVersion int64, snap *models.Snapshot, ttl time.Duration) error

	// Delete removes the hot snapshot (administrative close).
	Delete(ctx context.Context, tableID string) error

	// Publish emits a state event on the table's channel. Best-effort;
	// subscribers re-read canonical state.
	Publish(ctx context.Context, tableID string, event models.StateEvent) error

	// Subscribe pattern-subscribes to table channels ("*" for all).
	Subscribe(ctx context.Context, pattern string) (StateSubscription, error)
}

// StateSubscription is a live pub/sub stream of state events.
type StateSubscription interface {
	Events() <-chan models.StateEvent
	Close() error
}

// LockManager provides distributed mutual exclusion per resource with a
// lease. At most one live handle per resource across the cluster; lease
// expiry releases automatically.
type LockManager interface {
	// Acquire blocks up to a bounded retry budget and fails with a
	// CONTENTION error on exhaustion.
	Acquire(ctx context.Context, resource string, lease time.Duration) (LockHandle, error)

	// TryAcquire attempts a single acquisition without retrying.
	TryAcquire(ctx context.Context, resource string, lease time.Duration) (LockHandle, error)
}

// LockHandle is one holder's claim on a resource.
type LockHandle interface {
	// Extend renews the lease. A CONFLICT error means the lock was taken
	// over by another holder; the caller must abort without writing.
	Extend(ctx context.Context, lease time.Duration) error

	// Release frees the lock if still held by this handle.
	Release(ctx context.Context) error
}

// IdempotencyStore guards client-retried financial flows behind a
// client-supplied key.
type IdempotencyStore interface {
	// Claim returns the cached result when one exists. Otherwise it
	// attempts to take the short-lived processing flag: when another
	// attempt already holds it, Claim returns a CONFLICT error.
	Claim(ctx context.Context, key string, processingTTL time.Duration) (cached []byte, claimed bool, err error)

	// StoreResult caches the successful result and clears the flag.
	StoreResult(ctx context.Context, key string, result []byte, ttl time.Duration) error

	// Release clears the processing flag after a failed attempt so the
	// client may retry.
	Release(ctx context.Context, key string) error
}

// LedgerStore is the append-only double-entry ledger with cached
// balances per (user, currency, type) account.
type LedgerStore interface {
	// UpsertAccount creates the account if missing and returns it.
	UpsertAccount(ctx context.Context, userID, currency, accountType string) (*models.Account, error)

	// GetAccount returns an account or a NOT_FOUND error.
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)

	// ReadBalance returns the cached balance; NOT_FOUND when absent.
	ReadBalance(ctx context.Context, accountID string) (int64, error)

	// ApplyTransaction atomically appends all entries and updates each
	// touched account's cached balance. Entries must reference existing
	// accounts. A guarded-kind decrement below zero fails the whole
	// transaction with FUNDS_INSUFFICIENT. Unique-kind entries that
	// already exist for (account, reference, kind) are skipped, making
	// settlement replays no-ops.
	ApplyTransaction(ctx context.Context, entries []models.LedgerEntry) error

	// EntriesByReference lists entries written against a reference id
	// (hand id, table id), oldest first.
	EntriesByReference(ctx context.Context, referenceID string) ([]models.LedgerEntry, error)

	// EntriesByAccount lists an account's entries, oldest first.
	EntriesByAccount(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
}

// TableStore is write-behind cold persistence of table rows and state.
type TableStore interface {
	SaveTable(ctx context.Context, table *models.Table) error
	GetTable(ctx context.Context, tableID string) (*models.Table, error)
	ListTables(ctx context.Context) ([]*models.Table, error)
	UpdateStatus(ctx context.Context, tableID, status string) error

	// SaveState persists a snapshot for cold-start recovery. Stale
	// writes (version below the persisted one) are ignored.
	SaveState(ctx context.Context, snap *models.Snapshot) error
	GetState(ctx context.Context, tableID string) (*models.Snapshot, error)
}

// HandStore archives per-hand history documents.
type HandStore interface {
	SaveHandHistory(ctx context.Context, hh *models.HandHistory) error
	GetHandHistory(ctx context.Context, id string) (*models.HandHistory, error)
	ListByTable(ctx context.Context, tableID string, limit int) ([]*models.HandHistory, error)
}

// JobQueueStore manages the persistent job queue.
type JobQueueStore interface {
	// Enqueue adds a job. When job.UniqueID is set and a pending or
	// delayed job with that id exists, the call is a no-op.
	Enqueue(ctx context.Context, job *models.Job) error

	// Dequeue atomically claims the oldest due pending job (run_at in
	// the past) and marks it running. Returns nil when none is due.
	Dequeue(ctx context.Context) (*models.Job, error)

	// Complete marks a job completed or failed.
	Complete(ctx context.Context, id string, jobErr error, durationMS int64) error

	Cancel(ctx context.Context, id string) error
	ListPending(ctx context.Context, limit int) ([]*models.Job, error)
	CountPending(ctx context.Context) (int, error)
	HasPendingJob(ctx context.Context, uniqueID string) (bool, error)
	PurgeCompleted(ctx context.Context, olderThan time.Time) (int, error)

	// ResetRunningJobs returns crashed-over running jobs to pending.
	// Called once at startup.
	ResetRunningJobs(ctx context.Context) (int, error)
}
