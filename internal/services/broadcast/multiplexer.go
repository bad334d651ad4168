// Package broadcast fans table state out to client connections: one
// pattern subscription per process, re-reading canonical state on every
// event and pushing per-viewer masked views.
package broadcast

import (
	"context"
	"sync"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/models"
)

// Compile-time interface check
var _ interfaces.Broadcaster = (*Multiplexer)(nil)

// Multiplexer owns the process-wide table:* subscription and the
// process-local registry of client connections per table.
type Multiplexer struct {
	storage interfaces.StorageManager
	engines interfaces.EngineFactory
	logger  *common.Logger

	mu    sync.RWMutex
	conns map[string]map[*Client]bool // tableID -> connections

	sub    interfaces.StateSubscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMultiplexer creates a new broadcast multiplexer.
func NewMultiplexer(storage interfaces.StorageManager, engines interfaces.EngineFactory, logger *common.Logger) *Multiplexer {
	return &Multiplexer{
		storage: storage,
		engines: engines,
		logger:  logger,
		conns:   make(map[string]map[*Client]bool),
	}
}

// Start opens the pattern subscription and begins dispatching events.
func (m *Multiplexer) Start(ctx context.Context) error {
	sub, err := m.storage.StateStore().Subscribe(ctx, "*")
	if err != nil {
		return err
	}
	m.sub = sub

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(runCtx)
	}()

	m.logger.Info().Msg("Broadcast multiplexer started")
	return nil
}

// Stop closes the subscription and every registered connection.
func (m *Multiplexer) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.sub != nil {
		m.sub.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	for _, set := range m.conns {
		for c := range set {
			c.close()
		}
	}
	m.conns = make(map[string]map[*Client]bool)
	m.mu.Unlock()

	m.logger.Info().Msg("Broadcast multiplexer stopped")
}

func (m *Multiplexer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.sub.Events():
			if !ok {
				return
			}
			m.dispatch(ctx, ev)
		}
	}
}

// dispatch re-reads canonical state once per event and pushes each
// registered connection its own masked view. A slow connection never
// blocks the others: sends are buffered with drop-oldest overflow.
func (m *Multiplexer) dispatch(ctx context.Context, ev models.StateEvent) {
	m.mu.RLock()
	set := m.conns[ev.TableID]
	clients := make([]*Client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	snap, err := m.storage.StateStore().Load(ctx, ev.TableID)
	if err != nil {
		m.logger.Warn().Str("table_id", ev.TableID).Err(err).Msg("Failed to load state for broadcast")
		return
	}

	eng, err := m.engines.Restore(snap.Engine)
	if err != nil {
		m.logger.Warn().Str("table_id", ev.TableID).Err(err).Msg("Failed to restore engine for broadcast")
		return
	}

	// One view per distinct viewer; connections sharing a user share it.
	views := make(map[string][]byte)
	for _, c := range clients {
		view, ok := views[c.userID]
		if !ok {
			raw, err := eng.View(c.userID, snap.Version)
			if err != nil {
				m.logger.Warn().
					Str("table_id", ev.TableID).
					Str("user_id", c.userID).
					Err(err).
					Msg("Failed to build view for broadcast")
				continue
			}
			view = raw
			views[c.userID] = view
		}
		c.push(view)
	}
}

// Register adds a connection to a table's set.
func (m *Multiplexer) Register(tableID string, c *Client) {
	m.mu.Lock()
	if m.conns[tableID] == nil {
		m.conns[tableID] = make(map[*Client]bool)
	}
	m.conns[tableID][c] = true
	count := len(m.conns[tableID])
	m.mu.Unlock()

	m.logger.Debug().Str("table_id", tableID).Int("connections", count).Msg("Broadcast client registered")
}

// Unregister removes a connection promptly on disconnect.
func (m *Multiplexer) Unregister(tableID string, c *Client) {
	m.mu.Lock()
	if set, ok := m.conns[tableID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			c.close()
		}
		if len(set) == 0 {
			delete(m.conns, tableID)
		}
	}
	m.mu.Unlock()

	m.logger.Debug().Str("table_id", tableID).Msg("Broadcast client unregistered")
}

// ConnectionCount reports registered connections for a table.
func (m *Multiplexer) ConnectionCount(tableID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns[tableID])
}
