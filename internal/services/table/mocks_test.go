package table

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

// --- fake engine ---

// fakeEngine round-trips its state through JSON so restore/snapshot
// behave like a real engine. Behavior is injected per test via onAct and
// onDeal; both receive the state to mutate (replace slices, don't alias).
type fakeEngine struct {
	state  models.EngineState
	onAct  func(st *models.EngineState, a models.Action) error
	onDeal func(st *models.EngineState) error
}

func (e *fakeEngine) Act(a models.Action) error {
	if e.onAct == nil {
		return nil
	}
	return e.onAct(&e.state, a)
}

func (e *fakeEngine) Deal() error {
	if e.onDeal == nil {
		return nil
	}
	return e.onDeal(&e.state)
}

func (e *fakeEngine) Snapshot() (json.RawMessage, error) {
	return json.Marshal(e.state)
}

func (e *fakeEngine) State() models.EngineState {
	st := e.state
	st.Players = append([]models.EnginePlayer(nil), e.state.Players...)
	st.Winners = append([]models.Winner(nil), e.state.Winners...)
	return st
}

func (e *fakeEngine) View(viewerID string, version int64) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"viewer":  viewerID,
		"version": version,
		"street":  e.state.Street,
	})
}

func (e *fakeEngine) History(format string) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"format": format, "street": e.state.Street})
}

type fakeEngineFactory struct {
	onAct      func(st *models.EngineState, a models.Action) error
	onDeal     func(st *models.EngineState) error
	restoreErr error
}

func (f *fakeEngineFactory) New(config models.TableConfig) (interfaces.Engine, error) {
	return &fakeEngine{
		state: models.EngineState{
			ActionTo:           -1,
			TimeBankActiveSeat: -1,
			Config:             config,
		},
		onAct:  f.onAct,
		onDeal: f.onDeal,
	}, nil
}

func (f *fakeEngineFactory) Restore(raw json.RawMessage) (interfaces.Engine, error) {
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	var st models.EngineState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &fakeEngine{state: st, onAct: f.onAct, onDeal: f.onDeal}, nil
}

// --- in-memory state store ---

type memStateStore struct {
	mu     sync.Mutex
	snaps  map[string]*models.Snapshot
	events []models.StateEvent
}

func newMemStateStore() *memStateStore {
	return &memStateStore{snaps: make(map[string]*models.Snapshot)}
}

func (s *memStateStore) Load(_ context.Context, tableID string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[tableID]
	if !ok {
		return nil, common.ErrNotFound("table %s has no snapshot", tableID)
	}
	cp := *snap
	return &cp, nil
}

func (s *memStateStore) Create(_ context.Context, snap *models.Snapshot, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[snap.TableID]; ok {
		return common.ErrConflict("table %s already has a snapshot", snap.TableID)
	}
	cp := *snap
	s.snaps[snap.TableID] = &cp
	return nil
}

func (s *memStateStore) CompareAndSet(_ context.Context, tableID string, expectedVersion int64, snap *models.Snapshot, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.snaps[tableID]
	if !ok {
		return common.ErrNotFound("table %s has no snapshot", tableID)
	}
	if cur.Version != expectedVersion {
		return common.ErrConflict("table %s version mismatch", tableID)
	}
	cp := *snap
	s.snaps[tableID] = &cp
	return nil
}

func (s *memStateStore) Delete(_ context.Context, tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, tableID)
	return nil
}

func (s *memStateStore) Publish(_ context.Context, _ string, event models.StateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memStateStore) Subscribe(_ context.Context, _ string) (interfaces.StateSubscription, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *memStateStore) snapshot(tableID string) *models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[tableID]
}

func (s *memStateStore) publishedEvents() []models.StateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StateEvent(nil), s.events...)
}

// --- in-memory lock manager ---

type memLockManager struct {
	mu        sync.Mutex
	held      map[string]string // resource -> token
	extendErr error
	seq       int
}

func newMemLockManager() *memLockManager {
	return &memLockManager{held: make(map[string]string)}
}

func (m *memLockManager) tryLock(resource string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.held[resource]; taken {
		return "", false
	}
	m.seq++
	token := fmt.Sprintf("tok-%d", m.seq)
	m.held[resource] = token
	return token, true
}

func (m *memLockManager) Acquire(ctx context.Context, resource string, _ time.Duration) (interfaces.LockHandle, error) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if token, ok := m.tryLock(resource); ok {
			return &memLockHandle{mgr: m, resource: resource, token: token}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil, common.ErrContention("lock on %s contended past retry budget", resource)
}

func (m *memLockManager) TryAcquire(_ context.Context, resource string, _ time.Duration) (interfaces.LockHandle, error) {
	if token, ok := m.tryLock(resource); ok {
		return &memLockHandle{mgr: m, resource: resource, token: token}, nil
	}
	return nil, common.ErrContention("lock on %s held elsewhere", resource)
}

// holdLock takes the lock out-of-band to simulate contention.
func (m *memLockManager) holdLock(resource string) func() {
	token, ok := m.tryLock(resource)
	if !ok {
		panic("lock already held in test setup")
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held[resource] == token {
			delete(m.held, resource)
		}
	}
}

type memLockHandle struct {
	mgr      *memLockManager
	resource string
	token    string
}

func (h *memLockHandle) Extend(_ context.Context, _ time.Duration) error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	if h.mgr.extendErr != nil {
		return h.mgr.extendErr
	}
	if h.mgr.held[h.resource] != h.token {
		return common.ErrConflict("lock on %s taken over", h.resource)
	}
	return nil
}

func (h *memLockHandle) Release(_ context.Context) error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	if h.mgr.held[h.resource] == h.token {
		delete(h.mgr.held, h.resource)
	}
	return nil
}

// --- in-memory job queue ---

type memJobQueue struct {
	mu   sync.Mutex
	jobs []*models.Job
	seq  int
}

func (q *memJobQueue) Enqueue(_ context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Singleton guard mirrors the store: a job's own row never blocks
	// its retry re-enqueue.
	if job.UniqueID != "" {
		for _, j := range q.jobs {
			if j.UniqueID == job.UniqueID && j.ID != job.ID && (j.Status == models.JobStatusPending || j.Status == models.JobStatusRunning) {
				return nil
			}
		}
	}
	q.seq++
	cp := *job
	if cp.ID == "" {
		cp.ID = fmt.Sprintf("job-%d", q.seq)
	}
	if cp.Status == "" {
		cp.Status = models.JobStatusPending
	}
	if cp.RunAt.IsZero() {
		cp.RunAt = time.Now()
	}
	for i, j := range q.jobs {
		if j.ID == cp.ID {
			q.jobs[i] = &cp
			return nil
		}
	}
	q.jobs = append(q.jobs, &cp)
	return nil
}

func (q *memJobQueue) Dequeue(_ context.Context) (*models.Job, error) { return nil, nil }
func (q *memJobQueue) Complete(_ context.Context, _ string, _ error, _ int64) error {
	return nil
}
func (q *memJobQueue) Cancel(_ context.Context, _ string) error { return nil }
func (q *memJobQueue) ListPending(_ context.Context, _ int) ([]*models.Job, error) {
	return nil, nil
}
func (q *memJobQueue) CountPending(_ context.Context) (int, error) { return 0, nil }
func (q *memJobQueue) HasPendingJob(_ context.Context, uniqueID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.UniqueID == uniqueID && j.Status == models.JobStatusPending {
			return true, nil
		}
	}
	return false, nil
}
func (q *memJobQueue) PurgeCompleted(_ context.Context, _ time.Time) (int, error) { return 0, nil }
func (q *memJobQueue) ResetRunningJobs(_ context.Context) (int, error)            { return 0, nil }

func (q *memJobQueue) byQueue(name string) []*models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Job
	for _, j := range q.jobs {
		if j.Queue == name {
			out = append(out, j)
		}
	}
	return out
}

// --- in-memory table and hand stores ---

type memTableStore struct {
	mu     sync.Mutex
	tables map[string]*models.Table
	states map[string]*models.Snapshot
}

func newMemTableStore() *memTableStore {
	return &memTableStore{
		tables: make(map[string]*models.Table),
		states: make(map[string]*models.Snapshot),
	}
}

func (s *memTableStore) SaveTable(_ context.Context, table *models.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *table
	s.tables[table.ID] = &cp
	return nil
}

func (s *memTableStore) GetTable(_ context.Context, tableID string) (*models.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[tableID]
	if !ok {
		return nil, common.ErrNotFound("table %s", tableID)
	}
	cp := *tbl
	return &cp, nil
}

func (s *memTableStore) ListTables(_ context.Context) ([]*models.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Table
	for _, tbl := range s.tables {
		cp := *tbl
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memTableStore) UpdateStatus(_ context.Context, tableID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tbl, ok := s.tables[tableID]; ok {
		tbl.Status = status
	}
	return nil
}

func (s *memTableStore) SaveState(_ context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.states[snap.TableID]; ok && cur.Version >= snap.Version {
		return nil
	}
	cp := *snap
	s.states[snap.TableID] = &cp
	return nil
}

func (s *memTableStore) GetState(_ context.Context, tableID string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.states[tableID]
	if !ok {
		return nil, common.ErrNotFound("no persisted state for table %s", tableID)
	}
	cp := *snap
	return &cp, nil
}

func (s *memTableStore) status(tableID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tbl, ok := s.tables[tableID]; ok {
		return tbl.Status
	}
	return ""
}

type memHandStore struct {
	mu    sync.Mutex
	hands map[string]*models.HandHistory
}

func newMemHandStore() *memHandStore {
	return &memHandStore{hands: make(map[string]*models.HandHistory)}
}

func (s *memHandStore) SaveHandHistory(_ context.Context, hh *models.HandHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *hh
	s.hands[hh.HandID] = &cp
	return nil
}

func (s *memHandStore) GetHandHistory(_ context.Context, id string) (*models.HandHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hh, ok := s.hands[id]
	if !ok {
		return nil, common.ErrNotFound("hand history %s", id)
	}
	cp := *hh
	return &cp, nil
}

func (s *memHandStore) ListByTable(_ context.Context, tableID string, _ int) ([]*models.HandHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.HandHistory
	for _, hh := range s.hands {
		if hh.TableID == tableID {
			cp := *hh
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- storage manager ---

type memStorage struct {
	state  *memStateStore
	locks  *memLockManager
	queue  *memJobQueue
	tables *memTableStore
	hands  *memHandStore
}

func newMemStorage() *memStorage {
	return &memStorage{
		state:  newMemStateStore(),
		locks:  newMemLockManager(),
		queue:  &memJobQueue{},
		tables: newMemTableStore(),
		hands:  newMemHandStore(),
	}
}

func (m *memStorage) StateStore() interfaces.StateStore             { return m.state }
func (m *memStorage) LockManager() interfaces.LockManager           { return m.locks }
func (m *memStorage) IdempotencyStore() interfaces.IdempotencyStore { return nil }
func (m *memStorage) LedgerStore() interfaces.LedgerStore           { return nil }
func (m *memStorage) TableStore() interfaces.TableStore             { return m.tables }
func (m *memStorage) HandStore() interfaces.HandStore               { return m.hands }
func (m *memStorage) JobQueueStore() interfaces.JobQueueStore       { return m.queue }
func (m *memStorage) Close() error                                  { return nil }

// --- fake financial service ---

type cashOutCall struct {
	userID  string
	tableID string
	amount  int64
}

type fakeFinancial struct {
	mu       sync.Mutex
	cashOuts []cashOutCall
}

func (f *fakeFinancial) BuyIn(_ context.Context, _, _ string, _ int64) error { return nil }
func (f *fakeFinancial) CashOut(_ context.Context, userID, tableID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cashOuts = append(f.cashOuts, cashOutCall{userID: userID, tableID: tableID, amount: amount})
	return nil
}
func (f *fakeFinancial) BuyInAndSit(_ context.Context, _, _, _ string, _ int, _ int64) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeFinancial) EnsureAccounts(_ context.Context, _ string) error { return nil }
func (f *fakeFinancial) Balances(_ context.Context, userID string) (*models.UserBalances, error) {
	return &models.UserBalances{UserID: userID}, nil
}
func (f *fakeFinancial) SettleHand(_ context.Context, _ models.HandSettlement) error { return nil }

func (f *fakeFinancial) calls() []cashOutCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cashOutCall(nil), f.cashOuts...)
}
