package models

import (
	"fmt"
	"time"
)

// Account is a user's balance bucket for one currency and account type.
// Balance is a cache: it always equals the sum of signed amounts across
// the account's ledger entries, maintained inside the same transaction
// that writes the entries.
type Account struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Currency  string    `json:"currency"`
	Type      string    `json:"type"` // "MAIN" or "IN_PLAY"
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Account type constants
const (
	AccountTypeMain   = "MAIN"
	AccountTypeInPlay = "IN_PLAY"
)

// DefaultCurrency is used when a table config names no currency.
const DefaultCurrency = "USD"

// AccountID builds the stable identifier for (userID, currency, type).
func AccountID(userID, currency, accountType string) string {
	return fmt.Sprintf("%s_%s_%s", userID, currency, accountType)
}

// LedgerEntry is one append-only ledger line. Amount is signed cents;
// entries are never updated or deleted.
type LedgerEntry struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	Amount      int64             `json:"amount"`
	Kind        string            `json:"kind"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Ledger entry kinds
const (
	EntryBuyIn      = "BUY_IN"
	EntryCashOut    = "CASH_OUT"
	EntryHandWin    = "HAND_WIN"
	EntryHandLoss   = "HAND_LOSS"
	EntryRake       = "RAKE"
	EntryDeposit    = "DEPOSIT"
	EntryWithdrawal = "WITHDRAWAL"
	EntryRefund     = "REFUND"
	EntrySweep      = "SWEEP"
)

// GuardedKind reports whether the ledger store must reject a decrement
// that would take the cached balance negative for this kind. Settlement
// kinds are deliberately unguarded; the settlement worker skips postings
// that would underflow instead.
func GuardedKind(kind string) bool {
	switch kind {
	case EntryBuyIn, EntryCashOut, EntryWithdrawal:
		return true
	}
	return false
}

// UniqueKind reports whether the ledger store enforces at most one entry
// per (account, reference, kind). Settlement kinds are unique so that a
// redelivered settle-hand job becomes a no-op instead of a duplicate.
func UniqueKind(kind string) bool {
	switch kind {
	case EntryHandWin, EntryHandLoss, EntryRake:
		return true
	}
	return false
}

// ValidEntryKind reports whether kind is one of the known ledger kinds.
func ValidEntryKind(kind string) bool {
	switch kind {
	case EntryBuyIn, EntryCashOut, EntryHandWin, EntryHandLoss,
		EntryRake, EntryDeposit, EntryWithdrawal, EntryRefund, EntrySweep:
		return true
	}
	return false
}

// UserBalances is the pair of cached balances returned to callers.
type UserBalances struct {
	UserID   string `json:"user_id"`
	Currency string `json:"currency"`
	Main     int64  `json:"main"`
	InPlay   int64  `json:"in_play"`
}

// HandSettlement is the payload of a settle-hand job: the per-player net
// stack deltas and the rake for one completed hand. Deltas conserve
// chips across the hand (the engine guarantees sum(deltas) + rake == 0).
type HandSettlement struct {
	TableID  string           `json:"table_id"`
	HandID   string           `json:"hand_id"`
	Currency string           `json:"currency"`
	Deltas   map[string]int64 `json:"deltas"` // userID -> signed cents
	Rake     int64            `json:"rake"`
}
