// Package financial implements double-entry movements between a user's
// MAIN and IN_PLAY accounts and the per-hand settlement posting.
package financial

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/models"
)

// Compile-time interface check
var _ interfaces.FinancialService = (*Service)(nil)

// Idempotency windows for the buy-in/SIT chain.
const (
	processingTTL = 30 * time.Second
	resultTTL     = 10 * time.Minute
)

// Service implements FinancialService
type Service struct {
	storage     interfaces.StorageManager
	tables      interfaces.TableService
	logger      *common.Logger
	houseUserID string
}

// NewService creates a new financial service.
func NewService(storage interfaces.StorageManager, tables interfaces.TableService, logger *common.Logger, houseUserID string) *Service {
	if houseUserID == "" {
		houseUserID = "house"
	}
	return &Service{
		storage:     storage,
		tables:      tables,
		logger:      logger,
		houseUserID: houseUserID,
	}
}

// BuyIn moves amount from MAIN to IN_PLAY in one double-entry
// transaction. The two entries sum to zero; the guarded MAIN debit fails
// the transaction when the balance is short.
func (s *Service) BuyIn(ctx context.Context, userID, tableID string, amount int64) error {
	if amount <= 0 {
		return common.ErrValidation("buy-in amount must be positive, got %d", amount)
	}

	currency := models.DefaultCurrency
	mainID := models.AccountID(userID, currency, models.AccountTypeMain)

	if _, err := s.storage.LedgerStore().GetAccount(ctx, mainID); err != nil {
		return err
	}
	inPlay, err := s.storage.LedgerStore().UpsertAccount(ctx, userID, currency, models.AccountTypeInPlay)
	if err != nil {
		return err
	}

	meta := map[string]string{"table_id": tableID}
	err = s.storage.LedgerStore().ApplyTransaction(ctx, []models.LedgerEntry{
		{AccountID: mainID, Amount: -amount, Kind: models.EntryBuyIn, ReferenceID: tableID, Metadata: meta},
		{AccountID: inPlay.ID, Amount: amount, Kind: models.EntryBuyIn, ReferenceID: tableID, Metadata: meta},
	})
	if err != nil {
		if common.IsCode(err, common.CodeFundsInsufficient) {
			return common.ErrFundsInsufficient("insufficient funds for buy-in of %d", amount)
		}
		return err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("table_id", tableID).
		Int64("amount", amount).
		Msg("Buy-in applied")
	return nil
}

// CashOut moves amount from IN_PLAY back to MAIN.
func (s *Service) CashOut(ctx context.Context, userID, tableID string, amount int64) error {
	if amount <= 0 {
		return common.ErrValidation("cash-out amount must be positive, got %d", amount)
	}

	currency := models.DefaultCurrency
	inPlayID := models.AccountID(userID, currency, models.AccountTypeInPlay)

	if _, err := s.storage.LedgerStore().GetAccount(ctx, inPlayID); err != nil {
		return err
	}
	main, err := s.storage.LedgerStore().UpsertAccount(ctx, userID, currency, models.AccountTypeMain)
	if err != nil {
		return err
	}

	meta := map[string]string{"table_id": tableID}
	err = s.storage.LedgerStore().ApplyTransaction(ctx, []models.LedgerEntry{
		{AccountID: inPlayID, Amount: -amount, Kind: models.EntryCashOut, ReferenceID: tableID, Metadata: meta},
		{AccountID: main.ID, Amount: amount, Kind: models.EntryCashOut, ReferenceID: tableID, Metadata: meta},
	})
	if err != nil {
		if common.IsCode(err, common.CodeFundsInsufficient) {
			return common.ErrFundsInsufficient("insufficient in-play funds for cash-out of %d", amount)
		}
		return err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("table_id", tableID).
		Int64("amount", amount).
		Msg("Cash-out applied")
	return nil
}

// BuyInAndSit chains buy-in and the SIT action behind a client-supplied
// idempotency key. A replay with the same key returns the cached result
// without touching the ledger; the processing flag stops two concurrent
// attempts from both buying in.
func (s *Service) BuyInAndSit(ctx context.Context, idempotencyKey, userID, tableID string, seat int, amount int64) (json.RawMessage, error) {
	if idempotencyKey == "" {
		return nil, common.ErrValidation("idempotency key is required")
	}

	cached, claimed, err := s.storage.IdempotencyStore().Claim(ctx, idempotencyKey, processingTTL)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		s.logger.Debug().Str("key", idempotencyKey).Msg("Returning cached buy-in result")
		return cached, nil
	}
	if !claimed {
		return nil, common.ErrConflict("buy-in with key %s already in flight", idempotencyKey)
	}

	view, err := s.buyInAndSit(ctx, userID, tableID, seat, amount)
	if err != nil {
		if relErr := s.storage.IdempotencyStore().Release(ctx, idempotencyKey); relErr != nil {
			s.logger.Warn().Str("key", idempotencyKey).Err(relErr).Msg("Failed to release idempotency flag")
		}
		return nil, err
	}

	if err := s.storage.IdempotencyStore().StoreResult(ctx, idempotencyKey, view, resultTTL); err != nil {
		s.logger.Warn().Str("key", idempotencyKey).Err(err).Msg("Failed to cache buy-in result")
	}
	return view, nil
}

func (s *Service) buyInAndSit(ctx context.Context, userID, tableID string, seat int, amount int64) (json.RawMessage, error) {
	if err := s.BuyIn(ctx, userID, tableID, amount); err != nil {
		return nil, err
	}

	view, err := s.tables.ProcessAction(ctx, tableID, models.Action{
		Type:     models.ActionSit,
		PlayerID: userID,
		Seat:     &seat,
		Stack:    amount,
	}, userID)
	if err == nil {
		return view, nil
	}

	// The seat was refused after the chips moved; put them back.
	currency := models.DefaultCurrency
	inPlayID := models.AccountID(userID, currency, models.AccountTypeInPlay)
	mainID := models.AccountID(userID, currency, models.AccountTypeMain)
	meta := map[string]string{"table_id": tableID, "reason": "sit_failed"}
	if refundErr := s.storage.LedgerStore().ApplyTransaction(ctx, []models.LedgerEntry{
		{AccountID: inPlayID, Amount: -amount, Kind: models.EntryRefund, ReferenceID: tableID, Metadata: meta},
		{AccountID: mainID, Amount: amount, Kind: models.EntryRefund, ReferenceID: tableID, Metadata: meta},
	}); refundErr != nil {
		s.logger.Error().
			Str("user_id", userID).
			Str("table_id", tableID).
			Int64("amount", amount).
			Err(refundErr).
			Msg("Refund after failed sit did not apply, operator action required")
	}
	return nil, err
}

// EnsureAccounts idempotently creates the user's MAIN account.
func (s *Service) EnsureAccounts(ctx context.Context, userID string) error {
	_, err := s.storage.LedgerStore().UpsertAccount(ctx, userID, models.DefaultCurrency, models.AccountTypeMain)
	return err
}

// Balances reads both cached balances; missing accounts read as zero.
func (s *Service) Balances(ctx context.Context, userID string) (*models.UserBalances, error) {
	currency := models.DefaultCurrency
	out := &models.UserBalances{UserID: userID, Currency: currency}

	main, err := s.storage.LedgerStore().ReadBalance(ctx, models.AccountID(userID, currency, models.AccountTypeMain))
	if err != nil && !common.IsCode(err, common.CodeNotFound) {
		return nil, err
	}
	out.Main = main

	inPlay, err := s.storage.LedgerStore().ReadBalance(ctx, models.AccountID(userID, currency, models.AccountTypeInPlay))
	if err != nil && !common.IsCode(err, common.CodeNotFound) {
		return nil, err
	}
	out.InPlay = inPlay

	return out, nil
}

// SettleHand applies one hand's rake and per-player net deltas in a
// single ledger transaction. A posting that would take IN_PLAY negative
// is skipped with a warning: it marks a rare interleaving with a stand
// that already returned the seat's chips. Re-running the same hand is a
// no-op through the (account, reference, kind) uniqueness of settlement
// kinds.
func (s *Service) SettleHand(ctx context.Context, settlement models.HandSettlement) error {
	currency := settlement.Currency
	if currency == "" {
		currency = models.DefaultCurrency
	}

	var entries []models.LedgerEntry

	if settlement.Rake > 0 {
		house, err := s.storage.LedgerStore().UpsertAccount(ctx, s.houseUserID, currency, models.AccountTypeMain)
		if err != nil {
			return err
		}
		entries = append(entries, models.LedgerEntry{
			AccountID:   house.ID,
			Amount:      settlement.Rake,
			Kind:        models.EntryRake,
			ReferenceID: settlement.HandID,
			Metadata:    map[string]string{"table_id": settlement.TableID},
		})
	}

	userIDs := make([]string, 0, len(settlement.Deltas))
	for userID := range settlement.Deltas {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	for _, userID := range userIDs {
		delta := settlement.Deltas[userID]
		if delta == 0 {
			continue
		}

		accountID := models.AccountID(userID, currency, models.AccountTypeInPlay)
		if delta < 0 {
			current, err := s.storage.LedgerStore().ReadBalance(ctx, accountID)
			if err != nil {
				if common.IsCode(err, common.CodeNotFound) {
					current = 0
				} else {
					return err
				}
			}
			if current+delta < 0 {
				s.logger.Warn().
					Str("user_id", userID).
					Str("hand_id", settlement.HandID).
					Int64("delta", delta).
					Int64("in_play", current).
					Msg("Skipping settlement posting that would overdraw, seat likely pre-settled by stand")
				continue
			}
		}

		kind := models.EntryHandWin
		if delta < 0 {
			kind = models.EntryHandLoss
		}
		entries = append(entries, models.LedgerEntry{
			AccountID:   accountID,
			Amount:      delta,
			Kind:        kind,
			ReferenceID: settlement.HandID,
			Metadata:    map[string]string{"table_id": settlement.TableID},
		})
	}

	if len(entries) == 0 {
		return nil
	}

	if err := s.storage.LedgerStore().ApplyTransaction(ctx, entries); err != nil {
		return err
	}

	s.logger.Info().
		Str("table_id", settlement.TableID).
		Str("hand_id", settlement.HandID).
		Int("postings", len(entries)).
		Int64("rake", settlement.Rake).
		Msg("Hand settled")
	return nil
}
