package financial

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/models"
)

// --- in-memory ledger store ---

// memLedger mirrors the ledger store contract: atomic multi-entry
// transactions, guarded kinds rejecting overdrafts, unique kinds
// skipping duplicates, cached balances equal to the entry sum.
type memLedger struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	entries  []models.LedgerEntry
	seq      int
}

func newMemLedger() *memLedger {
	return &memLedger{accounts: make(map[string]*models.Account)}
}

func (l *memLedger) UpsertAccount(_ context.Context, userID, currency, accountType string) (*models.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := models.AccountID(userID, currency, accountType)
	if acct, ok := l.accounts[id]; ok {
		cp := *acct
		return &cp, nil
	}
	acct := &models.Account{ID: id, UserID: userID, Currency: currency, Type: accountType}
	l.accounts[id] = acct
	cp := *acct
	return &cp, nil
}

func (l *memLedger) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[accountID]
	if !ok {
		return nil, common.ErrNotFound("account %s", accountID)
	}
	cp := *acct
	return &cp, nil
}

func (l *memLedger) ReadBalance(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (l *memLedger) ApplyTransaction(_ context.Context, entries []models.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Stage balances so a guarded failure leaves nothing written.
	staged := make(map[string]int64)
	var accepted []models.LedgerEntry

	for _, e := range entries {
		acct, ok := l.accounts[e.AccountID]
		if !ok {
			return common.ErrNotFound("account %s", e.AccountID)
		}
		if models.UniqueKind(e.Kind) && l.hasEntryLocked(e.AccountID, e.ReferenceID, e.Kind) {
			continue
		}
		if _, ok := staged[e.AccountID]; !ok {
			staged[e.AccountID] = acct.Balance
		}
		staged[e.AccountID] += e.Amount
		if models.GuardedKind(e.Kind) && staged[e.AccountID] < 0 {
			return common.ErrFundsInsufficient("account %s would go negative", e.AccountID)
		}
		accepted = append(accepted, e)
	}

	now := time.Now()
	for _, e := range accepted {
		l.seq++
		if e.ID == "" {
			e.ID = fmt.Sprintf("entry-%d", l.seq)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		l.entries = append(l.entries, e)
	}
	for id, bal := range staged {
		l.accounts[id].Balance = bal
	}
	return nil
}

func (l *memLedger) hasEntryLocked(accountID, referenceID, kind string) bool {
	for _, e := range l.entries {
		if e.AccountID == accountID && e.ReferenceID == referenceID && e.Kind == kind {
			return true
		}
	}
	return false
}

func (l *memLedger) EntriesByReference(_ context.Context, referenceID string) ([]models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range l.entries {
		if e.ReferenceID == referenceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *memLedger) EntriesByAccount(_ context.Context, accountID string, _ int) ([]models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range l.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

// entrySum recomputes an account's balance from its entries.
func (l *memLedger) entrySum(accountID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for _, e := range l.entries {
		if e.AccountID == accountID {
			sum += e.Amount
		}
	}
	return sum
}

func (l *memLedger) balance(accountID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[accountID]; ok {
		return acct.Balance
	}
	return 0
}

func (l *memLedger) entryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// seed creates an account holding balance through a DEPOSIT entry.
func (l *memLedger) seed(userID, accountType string, balance int64) {
	ctx := context.Background()
	acct, _ := l.UpsertAccount(ctx, userID, models.DefaultCurrency, accountType)
	if balance != 0 {
		_ = l.ApplyTransaction(ctx, []models.LedgerEntry{
			{AccountID: acct.ID, Amount: balance, Kind: models.EntryDeposit, ReferenceID: "seed"},
		})
	}
}

// --- in-memory idempotency store ---

type memIdempotency struct {
	mu         sync.Mutex
	results    map[string][]byte
	processing map[string]bool
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{
		results:    make(map[string][]byte),
		processing: make(map[string]bool),
	}
}

func (s *memIdempotency) Claim(_ context.Context, key string, _ time.Duration) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.results[key]; ok {
		return cached, false, nil
	}
	if s.processing[key] {
		return nil, false, common.ErrConflict("request with key %s already in flight", key)
	}
	s.processing[key] = true
	return nil, true, nil
}

func (s *memIdempotency) StoreResult(_ context.Context, key string, result []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = result
	delete(s.processing, key)
	return nil
}

func (s *memIdempotency) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processing, key)
	return nil
}

// --- fake table service ---

type sitCall struct {
	tableID string
	action  models.Action
	userID  string
}

type fakeTables struct {
	mu      sync.Mutex
	calls   []sitCall
	viewErr error
}

func (f *fakeTables) CreateTable(_ context.Context, _ models.TableConfig) (string, error) {
	return "t1", nil
}

func (f *fakeTables) ProcessAction(_ context.Context, tableID string, action models.Action, userID string) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sitCall{tableID: tableID, action: action, userID: userID})
	f.mu.Unlock()
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	return json.Marshal(map[string]string{"seated": userID})
}

func (f *fakeTables) GetState(_ context.Context, _, _ string) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeTables) ListTables(_ context.Context) ([]*models.Table, error) { return nil, nil }
func (f *fakeTables) CloseTable(_ context.Context, _ string) error          { return nil }
func (f *fakeTables) ProcessTimeout(_ context.Context, _, _ string, _ int64) error {
	return nil
}
func (f *fakeTables) ProcessNextHand(_ context.Context, _ string) error { return nil }
func (f *fakeTables) RecoverTables(_ context.Context) (int, error)      { return 0, nil }

func (f *fakeTables) sitCalls() []sitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sitCall(nil), f.calls...)
}

// --- storage manager ---

type memStorage struct {
	ledger *memLedger
	idem   *memIdempotency
}

func newMemStorage() *memStorage {
	return &memStorage{ledger: newMemLedger(), idem: newMemIdempotency()}
}

func (m *memStorage) StateStore() interfaces.StateStore             { return nil }
func (m *memStorage) LockManager() interfaces.LockManager           { return nil }
func (m *memStorage) IdempotencyStore() interfaces.IdempotencyStore { return m.idem }
func (m *memStorage) LedgerStore() interfaces.LedgerStore           { return m.ledger }
func (m *memStorage) TableStore() interfaces.TableStore             { return nil }
func (m *memStorage) HandStore() interfaces.HandStore               { return nil }
func (m *memStorage) JobQueueStore() interfaces.JobQueueStore       { return nil }
func (m *memStorage) Close() error                                  { return nil }

var _ interfaces.LedgerStore = (*memLedger)(nil)
var _ interfaces.TableService = (*fakeTables)(nil)
