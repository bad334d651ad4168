// Package interfaces defines service contracts for Felt
package interfaces

import (
	"context"
	"encoding/json"

	"github.com/bobmcallan/felt/internal/models"
)

// TableService is the orchestrator: it owns the lock → load → act →
// compare-and-set → enqueue → publish pipeline that serializes every
// action on a table.
type TableService interface {
	// CreateTable initializes an engine with the supplied configuration,
	// writes the version-0 snapshot, and records the table row.
	CreateTable(ctx context.Context, config models.TableConfig) (string, error)

	// ProcessAction applies one action under the table lock and returns
	// the acting user's masked view of the new state.
	ProcessAction(ctx context.Context, tableID string, action models.Action, actingUserID string) (json.RawMessage, error)

	// GetState returns the masked projection without mutation. An empty
	// viewerUserID yields the spectator view.
	GetState(ctx context.Context, tableID, viewerUserID string) (json.RawMessage, error)

	// ListTables returns all table rows for the lobby.
	ListTables(ctx context.Context) ([]*models.Table, error)

	// CloseTable marks an empty waiting table closed and drops its hot
	// snapshot.
	CloseTable(ctx context.Context, tableID string) error

	// ProcessTimeout is the player-timeout worker entry point: it folds
	// the player via a TIMEOUT action only if the table is still at
	// expectedVersion. A stale version is a silent no-op.
	ProcessTimeout(ctx context.Context, tableID, playerID string, expectedVersion int64) error

	// ProcessNextHand is the next-hand worker entry point: it auto-deals
	// after the grace delay, idempotent against a manual DEAL.
	ProcessNextHand(ctx context.Context, tableID string) error

	// RecoverTables reloads tables whose hot snapshot expired from cold
	// storage. Called once at startup; returns the number restored.
	RecoverTables(ctx context.Context) (int, error)
}

// FinancialService moves value between a user's MAIN and IN_PLAY
// accounts and settles completed hands against the ledger.
type FinancialService interface {
	// BuyIn moves amount from MAIN to IN_PLAY in one double-entry
	// transaction. Fails FUNDS_INSUFFICIENT when MAIN < amount.
	BuyIn(ctx context.Context, userID, tableID string, amount int64) error

	// CashOut moves amount from IN_PLAY back to MAIN.
	CashOut(ctx context.Context, userID, tableID string, amount int64) error

	// BuyInAndSit chains buy-in and the SIT action behind a
	// client-supplied idempotency key: a replay returns the cached
	// result without touching the ledger again.
	BuyInAndSit(ctx context.Context, idempotencyKey, userID, tableID string, seat int, amount int64) (json.RawMessage, error)

	// EnsureAccounts idempotently creates the user's MAIN account.
	EnsureAccounts(ctx context.Context, userID string) error

	// Balances reads both cached balances.
	Balances(ctx context.Context, userID string) (*models.UserBalances, error)

	// SettleHand applies one hand's rake and per-player net deltas to
	// the ledger. Safe to re-run for the same hand.
	SettleHand(ctx context.Context, settlement models.HandSettlement) error
}

// Broadcaster fans masked views out to registered client connections.
type Broadcaster interface {
	// Start opens the process-wide pattern subscription.
	Start(ctx context.Context) error

	// Stop closes the subscription and all connections.
	Stop()

	// ConnectionCount reports registered connections for a table.
	ConnectionCount(tableID string) int
}
