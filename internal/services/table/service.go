// Package table implements the orchestrator: every action on a table is
// serialized by a distributed lock and applied to exactly one version of
// that table's state through compare-and-set.
package table

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/models"
)

// Compile-time interface check
var _ interfaces.TableService = (*Service)(nil)

// nextHandLease is the short lease the next-hand worker probes with;
// contention means a manual deal is in flight and the worker exits.
const nextHandLease = 2 * time.Second

// Service implements TableService
type Service struct {
	storage   interfaces.StorageManager
	engines   interfaces.EngineFactory
	financial interfaces.FinancialService
	logger    *common.Logger
	cfg       common.TablesConfig
}

// NewService creates a new table service. The financial service is wired
// afterwards via SetFinancial to break the construction cycle (it needs
// the table service for the buy-in/SIT chain).
func NewService(storage interfaces.StorageManager, engines interfaces.EngineFactory, logger *common.Logger, cfg common.TablesConfig) *Service {
	return &Service{
		storage: storage,
		engines: engines,
		logger:  logger,
		cfg:     cfg,
	}
}

// SetFinancial wires the financial service used for stand cash-outs.
func (s *Service) SetFinancial(fin interfaces.FinancialService) {
	s.financial = fin
}

// CreateTable initializes an engine with the supplied configuration,
// writes the version-0 snapshot, and records the table row.
func (s *Service) CreateTable(ctx context.Context, config models.TableConfig) (string, error) {
	applyConfigDefaults(&config, s.cfg)
	if err := config.Validate(); err != nil {
		return "", common.ErrValidation("invalid table config: %v", err)
	}

	eng, err := s.engines.New(config)
	if err != nil {
		return "", fmt.Errorf("failed to initialize engine: %w", err)
	}

	raw, err := eng.Snapshot()
	if err != nil {
		return "", fmt.Errorf("failed to snapshot new engine: %w", err)
	}

	tableID := uuid.New().String()[:8]
	snap := &models.Snapshot{TableID: tableID, Version: 0, Engine: raw}

	if err := s.storage.StateStore().Create(ctx, snap, s.cfg.GetSnapshotTTL()); err != nil {
		return "", err
	}

	if err := s.storage.TableStore().SaveTable(ctx, &models.Table{
		ID:     tableID,
		Config: config,
		Status: models.TableStatusWaiting,
	}); err != nil {
		return "", err
	}

	s.logger.Info().
		Str("table_id", tableID).
		Int64("small_blind", config.SmallBlind).
		Int64("big_blind", config.BigBlind).
		Str("mode", config.Mode).
		Msg("Table created")

	return tableID, nil
}

// ProcessAction applies one action under the table lock:
// lock → load → identity → engine.act → CAS → enqueue → publish.
func (s *Service) ProcessAction(ctx context.Context, tableID string, action models.Action, actingUserID string) (json.RawMessage, error) {
	// TIMEOUT is fired by the timeout worker through ProcessTimeout;
	// accepting it here would let a caller force-fold another player.
	if action.Type == models.ActionTimeout {
		return nil, common.ErrAuthorization("TIMEOUT is system-scheduled, not a client action")
	}

	lease := s.cfg.GetLockLease()
	start := time.Now()

	handle, err := s.storage.LockManager().Acquire(ctx, "table:"+tableID, lease)
	if err != nil {
		return nil, err
	}
	defer handle.Release(ctx)

	snap, err := s.storage.StateStore().Load(ctx, tableID)
	if err != nil {
		return nil, err
	}

	if action.PlayerID != "" && action.PlayerID != actingUserID {
		return nil, common.ErrIdentity("action player %s does not match caller %s", action.PlayerID, actingUserID)
	}

	eng, err := s.engines.Restore(snap.Engine)
	if err != nil {
		return nil, fmt.Errorf("failed to restore engine for %s: %w", tableID, err)
	}
	prevState := eng.State()

	if err := eng.Act(action); err != nil {
		return nil, engineError(err)
	}

	view, err := s.finishAction(ctx, handle, lease, start, snap, eng, prevState, actingUserID)
	if err != nil {
		return nil, err
	}

	// A stand that emptied the seat pre-settles the remaining stack back
	// to MAIN. The state write is already canonical; a financial failure
	// here is logged for operator follow-up rather than unwound.
	if action.Type == models.ActionStand && s.financial != nil {
		s.standCashOut(ctx, tableID, action.PlayerID, prevState, eng.State())
	}

	return view, nil
}

// GetState returns the masked projection without mutation.
func (s *Service) GetState(ctx context.Context, tableID, viewerUserID string) (json.RawMessage, error) {
	snap, err := s.storage.StateStore().Load(ctx, tableID)
	if err != nil {
		return nil, err
	}

	eng, err := s.engines.Restore(snap.Engine)
	if err != nil {
		return nil, fmt.Errorf("failed to restore engine for %s: %w", tableID, err)
	}
	return eng.View(viewerUserID, snap.Version)
}

// ListTables returns all table rows for the lobby.
func (s *Service) ListTables(ctx context.Context) ([]*models.Table, error) {
	return s.storage.TableStore().ListTables(ctx)
}

// CloseTable marks an empty waiting table closed and drops its hot snapshot.
func (s *Service) CloseTable(ctx context.Context, tableID string) error {
	tbl, err := s.storage.TableStore().GetTable(ctx, tableID)
	if err != nil {
		return err
	}
	if tbl.Status != models.TableStatusWaiting {
		return common.ErrConflict("table %s is %s, not waiting", tableID, tbl.Status)
	}

	snap, err := s.storage.StateStore().Load(ctx, tableID)
	if err == nil {
		eng, restoreErr := s.engines.Restore(snap.Engine)
		if restoreErr != nil {
			return fmt.Errorf("failed to restore engine for %s: %w", tableID, restoreErr)
		}
		engState := eng.State()
		if engState.PositiveStacks() > 0 {
			return common.ErrConflict("table %s still has seated players", tableID)
		}
	} else if !common.IsCode(err, common.CodeNotFound) {
		return err
	}

	if err := s.storage.TableStore().UpdateStatus(ctx, tableID, models.TableStatusClosed); err != nil {
		return err
	}
	if err := s.storage.StateStore().Delete(ctx, tableID); err != nil {
		s.logger.Warn().Str("table_id", tableID).Err(err).Msg("Failed to drop hot snapshot for closed table")
	}

	s.logger.Info().Str("table_id", tableID).Msg("Table closed")
	return nil
}

// ProcessTimeout folds the player via a TIMEOUT action only if the table
// is still at expectedVersion. A stale version means the player acted in
// time and the job drops silently.
func (s *Service) ProcessTimeout(ctx context.Context, tableID, playerID string, expectedVersion int64) error {
	lease := s.cfg.GetLockLease()
	start := time.Now()

	handle, err := s.storage.LockManager().Acquire(ctx, "table:"+tableID, lease)
	if err != nil {
		return err
	}
	defer handle.Release(ctx)

	snap, err := s.storage.StateStore().Load(ctx, tableID)
	if err != nil {
		if common.IsCode(err, common.CodeNotFound) {
			// Table gone; nothing to time out.
			return nil
		}
		return err
	}

	if snap.Version != expectedVersion {
		s.logger.Debug().
			Str("table_id", tableID).
			Int64("expected", expectedVersion).
			Int64("current", snap.Version).
			Msg("Timeout superseded by a timely action")
		return nil
	}

	eng, err := s.engines.Restore(snap.Engine)
	if err != nil {
		return fmt.Errorf("failed to restore engine for %s: %w", tableID, err)
	}
	prevState := eng.State()

	if err := eng.Act(models.Action{Type: models.ActionTimeout, PlayerID: playerID}); err != nil {
		return engineError(err)
	}

	_, err = s.finishAction(ctx, handle, lease, start, snap, eng, prevState, playerID)
	return err
}

// ProcessNextHand auto-deals after the grace delay, idempotent against a
// manual DEAL: lock contention or an already-advanced state exits silently.
func (s *Service) ProcessNextHand(ctx context.Context, tableID string) error {
	start := time.Now()

	handle, err := s.storage.LockManager().TryAcquire(ctx, "table:"+tableID, nextHandLease)
	if err != nil {
		if common.IsCode(err, common.CodeContention) {
			// A manual deal holds the lock; it supersedes us.
			return nil
		}
		return err
	}
	defer handle.Release(ctx)

	snap, err := s.storage.StateStore().Load(ctx, tableID)
	if err != nil {
		if common.IsCode(err, common.CodeNotFound) {
			return nil
		}
		return err
	}

	eng, err := s.engines.Restore(snap.Engine)
	if err != nil {
		return fmt.Errorf("failed to restore engine for %s: %w", tableID, err)
	}
	state := eng.State()

	if !state.HandComplete() || state.Street != models.StreetShowdown {
		// A manual deal already advanced the table.
		return nil
	}

	if state.PositiveStacks() < 2 {
		if err := s.storage.TableStore().UpdateStatus(ctx, tableID, models.TableStatusWaiting); err != nil {
			return err
		}
		s.logger.Info().Str("table_id", tableID).Msg("Too few stacks to continue, table waiting")
		return nil
	}

	if err := eng.Deal(); err != nil {
		return engineError(err)
	}

	_, err = s.finishAction(ctx, handle, nextHandLease, start, snap, eng, state, "")
	return err
}

// RecoverTables reloads tables whose hot snapshot expired from cold
// storage. Called once at startup.
func (s *Service) RecoverTables(ctx context.Context) (int, error) {
	tables, err := s.storage.TableStore().ListTables(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, tbl := range tables {
		if tbl.Status == models.TableStatusClosed {
			continue
		}
		if _, err := s.storage.StateStore().Load(ctx, tbl.ID); err == nil {
			continue
		} else if !common.IsCode(err, common.CodeNotFound) {
			return restored, err
		}

		snap, err := s.storage.TableStore().GetState(ctx, tbl.ID)
		if err != nil {
			if common.IsCode(err, common.CodeNotFound) {
				s.logger.Warn().Str("table_id", tbl.ID).Msg("No persisted state to recover")
				continue
			}
			return restored, err
		}

		if err := s.storage.StateStore().Create(ctx, snap, s.cfg.GetSnapshotTTL()); err != nil {
			// Another node recovered it first.
			if common.IsCode(err, common.CodeConflict) {
				continue
			}
			return restored, err
		}
		restored++
		s.logger.Info().Str("table_id", tbl.ID).Int64("version", snap.Version).Msg("Table recovered from cold store")
	}
	return restored, nil
}

// finishAction runs steps 5–11 of the action pipeline once the engine
// has accepted the action: stamp the next version, extend the lock when
// the lease is running down, compare-and-set, enqueue side effects, and
// publish. The caller still holds the lock.
func (s *Service) finishAction(
	ctx context.Context,
	handle interfaces.LockHandle,
	lease time.Duration,
	start time.Time,
	prev *models.Snapshot,
	eng interfaces.Engine,
	prevState models.EngineState,
	viewerID string,
) (json.RawMessage, error) {
	newRaw, err := eng.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot engine: %w", err)
	}
	newState := eng.State()

	newVersion := prev.Version + 1
	newSnap := &models.Snapshot{TableID: prev.TableID, Version: newVersion, Engine: newRaw}

	if time.Since(start) > lease*6/10 {
		if err := handle.Extend(ctx, lease); err != nil {
			// The lease was lost; writing now could race the new holder.
			return nil, common.ErrContention("lock lease on table %s lost mid-action", prev.TableID).Wrap(err)
		}
	}

	if err := s.storage.StateStore().CompareAndSet(ctx, prev.TableID, prev.Version, newSnap, s.cfg.GetSnapshotTTL()); err != nil {
		if common.IsCode(err, common.CodeConflict) {
			// Should not occur under correct locking; indicates a bug or lock loss.
			return nil, common.ErrInternal("concurrent modification of table %s at version %d", prev.TableID, prev.Version).Wrap(err)
		}
		return nil, err
	}

	s.enqueue(ctx, models.QueuePersistSnapshot, models.PersistSnapshotPayload{
		TableID: prev.TableID,
		Version: newVersion,
	}, 0, "")

	if newState.HandComplete() {
		s.enqueueHandCompletion(ctx, prev.TableID, newSnap, prevState, newState)
	} else if actor := newState.PlayerBySeat(newState.ActionTo); actor != nil {
		s.enqueueActionTimeout(ctx, prev.TableID, newVersion, actor, newState)
	}

	event := models.StateEvent{Kind: models.EventStateUpdate, TableID: prev.TableID, Version: newVersion}
	if err := s.storage.StateStore().Publish(ctx, prev.TableID, event); err != nil {
		// Best-effort: subscribers re-read canonical state.
		s.logger.Warn().Str("table_id", prev.TableID).Err(err).Msg("Failed to publish state update")
	}

	s.logger.Debug().
		Str("table_id", prev.TableID).
		Int64("version", newVersion).
		Str("street", newState.Street).
		Msg("Action applied")

	return eng.View(viewerID, newVersion)
}

// enqueueHandCompletion fans a finished hand out to settlement, archival,
// and the next-hand timer. Deltas are relative to the previous snapshot;
// the engine guarantees conservation across the whole hand.
func (s *Service) enqueueHandCompletion(ctx context.Context, tableID string, newSnap *models.Snapshot, prevState, newState models.EngineState) {
	handID := uuid.New().String()

	prevStacks := make(map[string]int64, len(prevState.Players))
	for _, p := range prevState.Players {
		prevStacks[p.ID] = p.Stack
	}

	deltas := make(map[string]int64)
	for _, p := range newState.Players {
		if d := p.Stack - prevStacks[p.ID]; d != 0 {
			deltas[p.ID] = d
		}
	}

	currency := newState.Config.Currency
	if currency == "" {
		currency = models.DefaultCurrency
	}

	s.enqueue(ctx, models.QueueSettleHand, models.HandSettlement{
		TableID:  tableID,
		HandID:   handID,
		Currency: currency,
		Deltas:   deltas,
		Rake:     newState.RakeThisHand,
	}, 0, "")

	s.enqueue(ctx, models.QueueArchiveHand, models.ArchiveHandPayload{
		TableID:  tableID,
		HandID:   handID,
		Snapshot: *newSnap,
	}, 0, "")

	if newState.PositiveStacks() >= 2 {
		s.enqueue(ctx, models.QueueNextHand, models.NextHandPayload{TableID: tableID},
			s.cfg.GetNextHandDelay(),
			fmt.Sprintf("nexthand:%s:%d", tableID, newSnap.Version))
	}

	s.logger.Info().
		Str("table_id", tableID).
		Str("hand_id", handID).
		Int("deltas", len(deltas)).
		Int64("rake", newState.RakeThisHand).
		Msg("Hand completed")
}

// enqueueActionTimeout schedules the pending actor's timeout. The
// singleton id binds to the new version: any later action produces a new
// version and a new id, so an elapsed stale timer observes a version
// mismatch and self-cancels.
func (s *Service) enqueueActionTimeout(ctx context.Context, tableID string, version int64, actor *models.EnginePlayer, newState models.EngineState) {
	base := newState.Config.ActionTimeoutSeconds
	if base <= 0 {
		base = s.cfg.ActionTimeoutSeconds
	}
	bonus := 0
	if newState.TimeBankActiveSeat == newState.ActionTo {
		bonus = newState.Config.TimeBankSeconds
		if bonus <= 0 {
			bonus = s.cfg.TimeBankSeconds
		}
	}

	s.enqueue(ctx, models.QueuePlayerTimeout, models.PlayerTimeoutPayload{
		TableID:         tableID,
		PlayerID:        actor.ID,
		Seat:            actor.Seat,
		ExpectedVersion: version,
	}, time.Duration(base+bonus)*time.Second,
		fmt.Sprintf("timeout:%s:%d:%d", tableID, newState.ActionTo, version))
}

// enqueue submits a job, logging rather than failing the action on queue
// errors: the written state is canonical and workers can be replayed
// from the cold store.
func (s *Service) enqueue(ctx context.Context, queue string, payload any, delay time.Duration, uniqueID string) {
	job := &models.Job{
		Queue:    queue,
		Payload:  models.MarshalPayload(payload),
		UniqueID: uniqueID,
	}
	if delay > 0 {
		job.RunAt = time.Now().Add(delay)
	}
	if err := s.storage.JobQueueStore().Enqueue(ctx, job); err != nil {
		s.logger.Warn().Str("queue", queue).Err(err).Msg("Failed to enqueue job")
	}
}

// standCashOut returns a departed player's remaining stack to MAIN.
func (s *Service) standCashOut(ctx context.Context, tableID, playerID string, prevState, newState models.EngineState) {
	var prevStack int64
	for _, p := range prevState.Players {
		if p.ID == playerID {
			prevStack = p.Stack
		}
	}
	for _, p := range newState.Players {
		if p.ID == playerID {
			// Still seated (sitting out); nothing to return.
			return
		}
	}
	if prevStack <= 0 {
		return
	}

	if err := s.financial.CashOut(ctx, playerID, tableID, prevStack); err != nil {
		s.logger.Error().
			Str("table_id", tableID).
			Str("player_id", playerID).
			Int64("stack", prevStack).
			Err(err).
			Msg("Stand cash-out failed, operator action required")
	}
}

// applyConfigDefaults fills table config gaps from service defaults and
// expands tournament configs to the default blind ladder.
func applyConfigDefaults(config *models.TableConfig, cfg common.TablesConfig) {
	if config.Mode == "" {
		config.Mode = models.TableModeCash
	}
	if config.Currency == "" {
		config.Currency = models.DefaultCurrency
	}
	if config.ActionTimeoutSeconds <= 0 {
		config.ActionTimeoutSeconds = cfg.ActionTimeoutSeconds
	}
	if config.TimeBankSeconds <= 0 {
		config.TimeBankSeconds = cfg.TimeBankSeconds
	}
	if config.Mode == models.TableModeTournament && len(config.BlindLevels) == 0 {
		sb, bb := config.SmallBlind, config.BigBlind
		for i := 0; i < 8; i++ {
			config.BlindLevels = append(config.BlindLevels, models.BlindLevel{
				SmallBlind:      sb,
				BigBlind:        bb,
				DurationMinutes: 15,
			})
			sb *= 2
			bb *= 2
		}
	}
}

// engineError maps a rules-engine rejection to the typed taxonomy,
// preserving the engine's stable code prefix.
func engineError(err error) error {
	msg := err.Error()
	code := "ENGINE"
	if i := strings.Index(msg, ":"); i > 0 && !strings.ContainsAny(msg[:i], " \t") {
		code = msg[:i]
		msg = strings.TrimSpace(msg[i+1:])
	}
	return common.ErrEngineInvalid(code, "%s", msg)
}
