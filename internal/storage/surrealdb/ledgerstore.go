package surrealdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/models"
)

// LedgerStore implements interfaces.LedgerStore using SurrealDB.
//
// Every ApplyTransaction runs as one BEGIN/COMMIT block that appends the
// entries and folds each amount into the account's cached balance, so
// the balance always equals the sum of the account's entries. Guarded
// kinds THROW inside the block when a decrement would go negative,
// cancelling the whole transaction. Unique kinds (hand settlement and
// rake) are skipped when an entry for (account, reference, kind) already
// exists, which makes a redelivered settle-hand job a no-op.
type LedgerStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(db *surrealdb.DB, logger *common.Logger) *LedgerStore {
	return &LedgerStore{db: db, logger: logger}
}

func (s *LedgerStore) UpsertAccount(ctx context.Context, userID, currency, accountType string) (*models.Account, error) {
	id := models.AccountID(userID, currency, accountType)

	sql := `UPSERT $rid SET
		account_id = $account_id, user_id = $user_id, currency = $currency, type = $type,
		balance = balance OR 0,
		created_at = created_at OR time::now(), updated_at = time::now()`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("account", id),
		"account_id": id,
		"user_id":    userID,
		"currency":   currency,
		"type":       accountType,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return nil, fmt.Errorf("failed to upsert account %s: %w", id, err)
	}
	return s.GetAccount(ctx, id)
}

func (s *LedgerStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	sql := "SELECT account_id AS id, user_id, currency, type, balance, created_at, updated_at FROM account WHERE account_id = $account_id LIMIT 1"
	vars := map[string]any{"account_id": accountID}

	results, err := surrealdb.Query[[]models.Account](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query account %s: %w", accountID, err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return &(*results)[0].Result[0], nil
	}
	return nil, common.ErrNotFound("account %s", accountID)
}

func (s *LedgerStore) ReadBalance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (s *LedgerStore) ApplyTransaction(ctx context.Context, entries []models.LedgerEntry) error {
	if len(entries) == 0 {
		return common.ErrValidation("ledger transaction has no entries")
	}
	for _, e := range entries {
		if !models.ValidEntryKind(e.Kind) {
			return common.ErrValidation("unknown ledger entry kind %q", e.Kind)
		}
	}

	var b strings.Builder
	vars := map[string]any{}
	b.WriteString("BEGIN TRANSACTION;\n")

	for i, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}

		rid := fmt.Sprintf("rid_%d", i)
		amt := fmt.Sprintf("amt_%d", i)
		entry := fmt.Sprintf("entry_%d", i)
		aid := fmt.Sprintf("aid_%d", i)
		ref := fmt.Sprintf("ref_%d", i)
		kind := fmt.Sprintf("kind_%d", i)

		vars[rid] = surrealmodels.NewRecordID("account", e.AccountID)
		vars[amt] = e.Amount
		vars[aid] = e.AccountID
		vars[ref] = e.ReferenceID
		vars[kind] = e.Kind
		vars[entry] = map[string]any{
			"entry_id":     e.ID,
			"account_id":   e.AccountID,
			"amount":       e.Amount,
			"kind":         e.Kind,
			"reference_id": e.ReferenceID,
			"metadata":     e.Metadata,
			"created_at":   e.CreatedAt,
		}

		// Entries must reference existing accounts.
		fmt.Fprintf(&b, "LET $acct_%d = (SELECT account_id FROM account WHERE account_id = $%s);\n", i, aid)
		fmt.Fprintf(&b, "IF array::len($acct_%d) == 0 { THROW 'ACCOUNT_MISSING:' + $%s };\n", i, aid)

		if models.UniqueKind(e.Kind) {
			fmt.Fprintf(&b, "LET $dup_%d = (SELECT count() AS cnt FROM ledger_entry WHERE account_id = $%s AND reference_id = $%s AND kind = $%s GROUP ALL);\n", i, aid, ref, kind)
			fmt.Fprintf(&b, "IF array::len($dup_%d) == 0 {\n", i)
			fmt.Fprintf(&b, "  CREATE ledger_entry CONTENT $%s;\n", entry)
			fmt.Fprintf(&b, "  UPDATE $%s SET balance += $%s, updated_at = time::now();\n", rid, amt)
			b.WriteString("};\n")
		} else {
			fmt.Fprintf(&b, "CREATE ledger_entry CONTENT $%s;\n", entry)
			fmt.Fprintf(&b, "LET $bal_%d = (UPDATE $%s SET balance += $%s, updated_at = time::now() RETURN AFTER);\n", i, rid, amt)
			if models.GuardedKind(e.Kind) {
				fmt.Fprintf(&b, "IF $bal_%d[0].balance < 0 { THROW 'BALANCE_NEGATIVE:' + $%s };\n", i, aid)
			}
		}
	}

	b.WriteString("COMMIT TRANSACTION;")

	if _, err := surrealdb.Query[any](ctx, s.db, b.String(), vars); err != nil {
		if strings.Contains(err.Error(), "BALANCE_NEGATIVE") {
			return common.ErrFundsInsufficient("ledger transaction would overdraw an account").Wrap(err)
		}
		if strings.Contains(err.Error(), "ACCOUNT_MISSING") {
			return common.ErrNotFound("ledger transaction references a missing account").Wrap(err)
		}
		return fmt.Errorf("ledger transaction failed: %w", err)
	}
	return nil
}

func (s *LedgerStore) EntriesByReference(ctx context.Context, referenceID string) ([]models.LedgerEntry, error) {
	sql := "SELECT entry_id AS id, account_id, amount, kind, reference_id, metadata, created_at FROM ledger_entry WHERE reference_id = $ref ORDER BY created_at ASC"
	vars := map[string]any{"ref": referenceID}
	return s.queryEntries(ctx, sql, vars)
}

func (s *LedgerStore) EntriesByAccount(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT entry_id AS id, account_id, amount, kind, reference_id, metadata, created_at FROM ledger_entry WHERE account_id = $account_id ORDER BY created_at ASC LIMIT $limit"
	vars := map[string]any{"account_id": accountID, "limit": limit}
	return s.queryEntries(ctx, sql, vars)
}

func (s *LedgerStore) queryEntries(ctx context.Context, sql string, vars map[string]any) ([]models.LedgerEntry, error) {
	results, err := surrealdb.Query[[]models.LedgerEntry](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}

	var entries []models.LedgerEntry
	if results != nil && len(*results) > 0 {
		entries = (*results)[0].Result
	}
	return entries, nil
}

// Compile-time check
var _ interfaces.LedgerStore = (*LedgerStore)(nil)
