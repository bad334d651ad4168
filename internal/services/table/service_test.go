package table

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/models"
)

func testTablesConfig() common.TablesConfig {
	return common.TablesConfig{
		SnapshotTTL:          "24h",
		LockLease:            "10s",
		ActionTimeoutSeconds: 30,
		TimeBankSeconds:      60,
		NextHandDelay:        "5s",
	}
}

func newTestService(factory *fakeEngineFactory) (*Service, *memStorage) {
	storage := newMemStorage()
	svc := NewService(storage, factory, common.NewSilentLogger(), testTablesConfig())
	return svc, storage
}

// sitAct appends the seated player; the default action script for tests
// that only need version movement.
func sitAct(st *models.EngineState, a models.Action) error {
	switch a.Type {
	case models.ActionSit:
		players := append([]models.EnginePlayer(nil), st.Players...)
		seat := 0
		if a.Seat != nil {
			seat = *a.Seat
		}
		st.Players = append(players, models.EnginePlayer{ID: a.PlayerID, Seat: seat, Stack: a.Stack})
		return nil
	case models.ActionStand:
		var players []models.EnginePlayer
		for _, p := range st.Players {
			if p.ID != a.PlayerID {
				players = append(players, p)
			}
		}
		st.Players = players
		return nil
	}
	return nil
}

func defaultConfig() models.TableConfig {
	return models.TableConfig{SmallBlind: 5, BigBlind: 10, MaxPlayers: 6}
}

func TestCreateTableWritesVersionZero(t *testing.T) {
	svc, storage := newTestService(&fakeEngineFactory{})
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)
	require.NotEmpty(t, tableID)

	snap := storage.state.snapshot(tableID)
	require.NotNil(t, snap)
	assert.Equal(t, int64(0), snap.Version)

	tbl, err := storage.tables.GetTable(ctx, tableID)
	require.NoError(t, err)
	assert.Equal(t, models.TableStatusWaiting, tbl.Status)
	assert.Equal(t, models.TableModeCash, tbl.Config.Mode)
	assert.Equal(t, models.DefaultCurrency, tbl.Config.Currency)
	assert.Equal(t, 30, tbl.Config.ActionTimeoutSeconds)
}

func TestCreateTableRejectsBadConfig(t *testing.T) {
	svc, _ := newTestService(&fakeEngineFactory{})

	_, err := svc.CreateTable(context.Background(), models.TableConfig{SmallBlind: 10, BigBlind: 5, MaxPlayers: 6})
	assert.True(t, common.IsCode(err, common.CodeValidation))
}

func TestCreateTableExpandsTournamentLadder(t *testing.T) {
	svc, storage := newTestService(&fakeEngineFactory{})
	ctx := context.Background()

	cfg := defaultConfig()
	cfg.Mode = models.TableModeTournament
	tableID, err := svc.CreateTable(ctx, cfg)
	require.NoError(t, err)

	tbl, err := storage.tables.GetTable(ctx, tableID)
	require.NoError(t, err)
	require.NotEmpty(t, tbl.Config.BlindLevels)
	assert.Equal(t, int64(5), tbl.Config.BlindLevels[0].SmallBlind)
	assert.Equal(t, int64(10), tbl.Config.BlindLevels[1].SmallBlind)
}

func TestProcessActionIncrementsVersionAndPublishes(t *testing.T) {
	svc, storage := newTestService(&fakeEngineFactory{onAct: sitAct})
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	seat := 0
	view, err := svc.ProcessAction(ctx, tableID, models.Action{
		Type: models.ActionSit, PlayerID: "u1", Seat: &seat, Stack: 1000,
	}, "u1")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(view, &decoded))
	assert.Equal(t, "u1", decoded["viewer"])
	assert.Equal(t, float64(1), decoded["version"])

	snap := storage.state.snapshot(tableID)
	assert.Equal(t, int64(1), snap.Version)

	events := storage.state.publishedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStateUpdate, events[0].Kind)
	assert.Equal(t, int64(1), events[0].Version)

	persists := storage.queue.byQueue(models.QueuePersistSnapshot)
	require.Len(t, persists, 1)
}

func TestProcessActionIdentityMismatch(t *testing.T) {
	svc, storage := newTestService(&fakeEngineFactory{onAct: sitAct})
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	seat := 0
	_, err = svc.ProcessAction(ctx, tableID, models.Action{
		Type: models.ActionSit, PlayerID: "u1", Seat: &seat, Stack: 1000,
	}, "intruder")
	assert.True(t, common.IsCode(err, common.CodeIdentity))

	// Nothing written, nothing enqueued.
	assert.Equal(t, int64(0), storage.state.snapshot(tableID).Version)
	assert.Empty(t, storage.state.publishedEvents())
	assert.Empty(t, storage.queue.byQueue(models.QueuePersistSnapshot))
}

func TestProcessActionRejectsTimeoutType(t *testing.T) {
	factory := &fakeEngineFactory{onAct: handEndScript(0)}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID := setupDealtTable(t, svc, 0)

	// A client cannot force-fold another player by submitting TIMEOUT;
	// only the timeout worker's ProcessTimeout path may apply it.
	_, err := svc.ProcessAction(ctx, tableID, models.Action{
		Type: models.ActionTimeout, PlayerID: "u2",
	}, "u1")
	assert.True(t, common.IsCode(err, common.CodeAuthorization))

	assert.Equal(t, int64(3), storage.state.snapshot(tableID).Version)
	assert.Empty(t, storage.queue.byQueue(models.QueueSettleHand))
}

func TestProcessActionUnknownTable(t *testing.T) {
	svc, _ := newTestService(&fakeEngineFactory{})

	_, err := svc.ProcessAction(context.Background(), "missing", models.Action{Type: models.ActionCheck}, "u1")
	assert.True(t, common.IsCode(err, common.CodeNotFound))
}

func TestProcessActionEngineRejection(t *testing.T) {
	factory := &fakeEngineFactory{onAct: func(_ *models.EngineState, _ models.Action) error {
		return fmt.Errorf("NOT_YOUR_TURN: seat 2 cannot act")
	}}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionBet, PlayerID: "u1", Amount: 50}, "u1")
	assert.True(t, common.IsCode(err, common.CodeEngineInvalid))
	assert.Contains(t, err.Error(), "NOT_YOUR_TURN")

	// No version movement on rejection.
	assert.Equal(t, int64(0), storage.state.snapshot(tableID).Version)
}

func TestProcessActionSchedulesTimeout(t *testing.T) {
	factory := &fakeEngineFactory{onAct: func(st *models.EngineState, a models.Action) error {
		_ = sitAct(st, a)
		if a.Type == models.ActionDeal {
			st.Street = models.StreetPreflop
			st.ActionTo = 0
		}
		return nil
	}}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	seat0, seat1 := 0, 1
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u1", Seat: &seat0, Stack: 1000}, "u1")
	require.NoError(t, err)
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u2", Seat: &seat1, Stack: 1000}, "u2")
	require.NoError(t, err)

	before := time.Now()
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionDeal}, "system")
	require.NoError(t, err)

	timeouts := storage.queue.byQueue(models.QueuePlayerTimeout)
	require.Len(t, timeouts, 1)

	job := timeouts[0]
	assert.Equal(t, fmt.Sprintf("timeout:%s:0:3", tableID), job.UniqueID)

	var payload models.PlayerTimeoutPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "u1", payload.PlayerID)
	assert.Equal(t, int64(3), payload.ExpectedVersion)

	delay := job.RunAt.Sub(before)
	assert.GreaterOrEqual(t, delay, 29*time.Second)
	assert.LessOrEqual(t, delay, 31*time.Second)
}

func TestProcessActionTimeBankExtendsTimeout(t *testing.T) {
	factory := &fakeEngineFactory{onAct: func(st *models.EngineState, a models.Action) error {
		_ = sitAct(st, a)
		if a.Type == models.ActionTimeBank {
			st.Street = models.StreetPreflop
			st.ActionTo = 0
			st.TimeBankActiveSeat = 0
		}
		return nil
	}}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	seat := 0
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u1", Seat: &seat, Stack: 1000}, "u1")
	require.NoError(t, err)

	before := time.Now()
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionTimeBank, PlayerID: "u1"}, "u1")
	require.NoError(t, err)

	timeouts := storage.queue.byQueue(models.QueuePlayerTimeout)
	require.Len(t, timeouts, 1)

	delay := timeouts[0].RunAt.Sub(before)
	assert.GreaterOrEqual(t, delay, 89*time.Second) // base 30 + bank 60
}

// handEndScript completes the hand on FOLD: the folder pays the caller,
// rake is withheld, winners and showdown street are stamped.
func handEndScript(rake int64) func(st *models.EngineState, a models.Action) error {
	return func(st *models.EngineState, a models.Action) error {
		if err := sitAct(st, a); err != nil {
			return err
		}
		switch a.Type {
		case models.ActionDeal:
			st.Street = models.StreetPreflop
			st.ActionTo = 1
		case models.ActionFold, models.ActionTimeout:
			pot := int64(100)
			players := append([]models.EnginePlayer(nil), st.Players...)
			for i := range players {
				if players[i].ID == a.PlayerID {
					players[i].Stack -= pot
				} else {
					players[i].Stack += pot - rake
					st.Winners = []models.Winner{{PlayerID: players[i].ID, Seat: players[i].Seat, Amount: pot - rake}}
				}
			}
			st.Players = players
			st.Street = models.StreetShowdown
			st.ActionTo = -1
			st.RakeThisHand = rake
		}
		return nil
	}
}

func setupDealtTable(t *testing.T, svc *Service, rake int64) string {
	t.Helper()
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	seat0, seat1 := 0, 1
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u1", Seat: &seat0, Stack: 1000}, "u1")
	require.NoError(t, err)
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u2", Seat: &seat1, Stack: 1000}, "u2")
	require.NoError(t, err)
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionDeal}, "system")
	require.NoError(t, err)

	return tableID
}

func TestHandCompletionFansOut(t *testing.T) {
	factory := &fakeEngineFactory{onAct: handEndScript(10)}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID := setupDealtTable(t, svc, 10)

	before := time.Now()
	_, err := svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionFold, PlayerID: "u2"}, "u2")
	require.NoError(t, err)

	// Settlement carries deltas relative to the previous snapshot.
	settles := storage.queue.byQueue(models.QueueSettleHand)
	require.Len(t, settles, 1)
	var settlement models.HandSettlement
	require.NoError(t, json.Unmarshal(settles[0].Payload, &settlement))
	assert.Equal(t, tableID, settlement.TableID)
	assert.NotEmpty(t, settlement.HandID)
	assert.Equal(t, int64(10), settlement.Rake)
	assert.Equal(t, int64(-100), settlement.Deltas["u2"])
	assert.Equal(t, int64(90), settlement.Deltas["u1"])

	archives := storage.queue.byQueue(models.QueueArchiveHand)
	require.Len(t, archives, 1)
	var archive models.ArchiveHandPayload
	require.NoError(t, json.Unmarshal(archives[0].Payload, &archive))
	assert.Equal(t, settlement.HandID, archive.HandID)
	assert.Equal(t, int64(4), archive.Snapshot.Version)

	// Next hand scheduled with grace delay, singleton on the new version.
	nexts := storage.queue.byQueue(models.QueueNextHand)
	require.Len(t, nexts, 1)
	assert.Equal(t, fmt.Sprintf("nexthand:%s:4", tableID), nexts[0].UniqueID)
	assert.GreaterOrEqual(t, nexts[0].RunAt.Sub(before), 4*time.Second)

	// Only the deal's timer exists; hand completion arms no new one.
	assert.Len(t, storage.queue.byQueue(models.QueuePlayerTimeout), 1)
}

func TestHandCompletionSkipsNextHandWhenShortStacked(t *testing.T) {
	factory := &fakeEngineFactory{onAct: func(st *models.EngineState, a models.Action) error {
		if err := sitAct(st, a); err != nil {
			return err
		}
		if a.Type == models.ActionFold {
			// Loser busts to zero.
			st.Players = []models.EnginePlayer{
				{ID: "u1", Seat: 0, Stack: 2000},
				{ID: "u2", Seat: 1, Stack: 0},
			}
			st.Winners = []models.Winner{{PlayerID: "u1", Seat: 0, Amount: 1000}}
			st.Street = models.StreetShowdown
			st.ActionTo = -1
		}
		return nil
	}}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	seat0, seat1 := 0, 1
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u1", Seat: &seat0, Stack: 1000}, "u1")
	require.NoError(t, err)
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u2", Seat: &seat1, Stack: 1000}, "u2")
	require.NoError(t, err)
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionFold, PlayerID: "u2"}, "u2")
	require.NoError(t, err)

	assert.Empty(t, storage.queue.byQueue(models.QueueNextHand))
	assert.Len(t, storage.queue.byQueue(models.QueueSettleHand), 1)
}

func TestProcessTimeoutStaleVersionIsNoop(t *testing.T) {
	factory := &fakeEngineFactory{onAct: handEndScript(0)}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID := setupDealtTable(t, svc, 0) // version 3 after deal

	// Timer armed at version 2 fires after the deal moved to version 3.
	require.NoError(t, svc.ProcessTimeout(ctx, tableID, "u1", 2))

	assert.Equal(t, int64(3), storage.state.snapshot(tableID).Version)
	assert.Len(t, storage.state.publishedEvents(), 3) // only the three actions
}

func TestProcessTimeoutMatchingVersionFolds(t *testing.T) {
	factory := &fakeEngineFactory{onAct: handEndScript(0)}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID := setupDealtTable(t, svc, 0)

	require.NoError(t, svc.ProcessTimeout(ctx, tableID, "u2", 3))

	snap := storage.state.snapshot(tableID)
	assert.Equal(t, int64(4), snap.Version)

	// The fold completed the hand: settlement was enqueued.
	assert.Len(t, storage.queue.byQueue(models.QueueSettleHand), 1)
}

func TestProcessNextHandExitsOnContention(t *testing.T) {
	factory := &fakeEngineFactory{onAct: handEndScript(0)}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID := setupDealtTable(t, svc, 0)
	_, err := svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionFold, PlayerID: "u2"}, "u2")
	require.NoError(t, err)

	release := storage.locks.holdLock("table:" + tableID)
	defer release()

	require.NoError(t, svc.ProcessNextHand(ctx, tableID))
	assert.Equal(t, int64(4), storage.state.snapshot(tableID).Version)
}

func TestProcessNextHandExitsWhenAlreadyAdvanced(t *testing.T) {
	factory := &fakeEngineFactory{onAct: handEndScript(0)}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	// Mid-hand state: street preflop, no winners.
	tableID := setupDealtTable(t, svc, 0)

	require.NoError(t, svc.ProcessNextHand(ctx, tableID))
	assert.Equal(t, int64(3), storage.state.snapshot(tableID).Version)
}

func TestProcessNextHandMarksWaitingBelowTwoStacks(t *testing.T) {
	factory := &fakeEngineFactory{onAct: func(st *models.EngineState, a models.Action) error {
		if err := sitAct(st, a); err != nil {
			return err
		}
		if a.Type == models.ActionFold {
			st.Players = []models.EnginePlayer{
				{ID: "u1", Seat: 0, Stack: 2000},
				{ID: "u2", Seat: 1, Stack: 0},
			}
			st.Winners = []models.Winner{{PlayerID: "u1", Seat: 0, Amount: 1000}}
			st.Street = models.StreetShowdown
			st.ActionTo = -1
		}
		return nil
	}}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)
	seat0, seat1 := 0, 1
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u1", Seat: &seat0, Stack: 1000}, "u1")
	require.NoError(t, err)
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u2", Seat: &seat1, Stack: 1000}, "u2")
	require.NoError(t, err)
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionFold, PlayerID: "u2"}, "u2")
	require.NoError(t, err)

	require.NoError(t, svc.ProcessNextHand(ctx, tableID))

	assert.Equal(t, models.TableStatusWaiting, storage.tables.status(tableID))
	assert.Equal(t, int64(3), storage.state.snapshot(tableID).Version)
}

func TestProcessNextHandDeals(t *testing.T) {
	factory := &fakeEngineFactory{
		onAct: handEndScript(0),
		onDeal: func(st *models.EngineState) error {
			st.Street = models.StreetPreflop
			st.Winners = nil
			st.ActionTo = 0
			return nil
		},
	}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID := setupDealtTable(t, svc, 0)
	_, err := svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionFold, PlayerID: "u2"}, "u2")
	require.NoError(t, err)

	require.NoError(t, svc.ProcessNextHand(ctx, tableID))

	snap := storage.state.snapshot(tableID)
	assert.Equal(t, int64(5), snap.Version)

	// The fresh hand has a pending actor: a timeout is armed at the new version.
	timeouts := storage.queue.byQueue(models.QueuePlayerTimeout)
	require.NotEmpty(t, timeouts)
	last := timeouts[len(timeouts)-1]
	assert.Equal(t, fmt.Sprintf("timeout:%s:0:5", tableID), last.UniqueID)
}

func TestLockExtensionFailureAbortsWithoutWrite(t *testing.T) {
	factory := &fakeEngineFactory{onAct: sitAct}
	storage := newMemStorage()
	storage.locks.extendErr = common.ErrConflict("lock taken over")

	cfg := testTablesConfig()
	cfg.LockLease = "1ns" // 60% of 1ns truncates to zero: any elapsed time exceeds it
	svc := NewService(storage, factory, common.NewSilentLogger(), cfg)
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	seat := 0
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u1", Seat: &seat, Stack: 1000}, "u1")
	assert.True(t, common.IsCode(err, common.CodeContention))

	assert.Equal(t, int64(0), storage.state.snapshot(tableID).Version)
	assert.Empty(t, storage.state.publishedEvents())
}

func TestConcurrentActionsSerialize(t *testing.T) {
	factory := &fakeEngineFactory{onAct: func(st *models.EngineState, a models.Action) error {
		if a.Type == models.ActionCheck {
			return nil
		}
		return sitAct(st, a)
	}}
	svc, storage := newTestService(factory)
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionCheck}, "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers), storage.state.snapshot(tableID).Version)

	// Every version 1..N was published exactly once: no gaps, no repeats.
	seen := make(map[int64]int)
	for _, ev := range storage.state.publishedEvents() {
		seen[ev.Version]++
	}
	require.Len(t, seen, workers)
	for v := int64(1); v <= workers; v++ {
		assert.Equal(t, 1, seen[v], "version %d", v)
	}
}

func TestStandTriggersCashOut(t *testing.T) {
	factory := &fakeEngineFactory{onAct: sitAct}
	svc, _ := newTestService(factory)
	fin := &fakeFinancial{}
	svc.SetFinancial(fin)
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	seat := 0
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u1", Seat: &seat, Stack: 750}, "u1")
	require.NoError(t, err)

	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionStand, PlayerID: "u1"}, "u1")
	require.NoError(t, err)

	calls := fin.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, cashOutCall{userID: "u1", tableID: tableID, amount: 750}, calls[0])
}

func TestGetStateMasksForViewer(t *testing.T) {
	svc, _ := newTestService(&fakeEngineFactory{onAct: sitAct})
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	view, err := svc.GetState(ctx, tableID, "u9")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(view, &decoded))
	assert.Equal(t, "u9", decoded["viewer"])
	assert.Equal(t, float64(0), decoded["version"])
}

func TestCloseTable(t *testing.T) {
	svc, storage := newTestService(&fakeEngineFactory{onAct: sitAct})
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	require.NoError(t, svc.CloseTable(ctx, tableID))
	assert.Equal(t, models.TableStatusClosed, storage.tables.status(tableID))
	assert.Nil(t, storage.state.snapshot(tableID))
}

func TestCloseTableRefusesSeatedPlayers(t *testing.T) {
	svc, _ := newTestService(&fakeEngineFactory{onAct: sitAct})
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	seat := 0
	_, err = svc.ProcessAction(ctx, tableID, models.Action{Type: models.ActionSit, PlayerID: "u1", Seat: &seat, Stack: 100}, "u1")
	require.NoError(t, err)

	err = svc.CloseTable(ctx, tableID)
	assert.True(t, common.IsCode(err, common.CodeConflict))
}

func TestRecoverTablesReloadsFromColdStore(t *testing.T) {
	svc, storage := newTestService(&fakeEngineFactory{onAct: sitAct})
	ctx := context.Background()

	tableID, err := svc.CreateTable(ctx, defaultConfig())
	require.NoError(t, err)

	// Persist to cold store, then lose the hot snapshot (TTL expiry).
	snap := storage.state.snapshot(tableID)
	require.NoError(t, storage.tables.SaveState(ctx, snap))
	require.NoError(t, storage.state.Delete(ctx, tableID))

	restored, err := svc.RecoverTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	recovered := storage.state.snapshot(tableID)
	require.NotNil(t, recovered)
	assert.Equal(t, snap.Version, recovered.Version)
}
