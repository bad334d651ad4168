package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/models"
)

// HandStore implements interfaces.HandStore using SurrealDB.
type HandStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewHandStore creates a new HandStore.
func NewHandStore(db *surrealdb.DB, logger *common.Logger) *HandStore {
	return &HandStore{db: db, logger: logger}
}

func (s *HandStore) SaveHandHistory(ctx context.Context, hh *models.HandHistory) error {
	if hh.ID == "" {
		hh.ID = uuid.New().String()
	}
	if hh.Timestamp.IsZero() {
		hh.Timestamp = time.Now()
	}

	// Keyed by hand id so a redelivered archive job overwrites rather
	// than duplicates.
	sql := `UPSERT $rid SET
		history_id = $history_id, table_id = $table_id, hand_id = $hand_id,
		data = $data, timestamp = $timestamp`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("hand_history", hh.HandID),
		"history_id": hh.ID,
		"table_id":   hh.TableID,
		"hand_id":    hh.HandID,
		"data":       string(hh.Data),
		"timestamp":  hh.Timestamp,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save hand history %s: %w", hh.HandID, err)
	}
	return nil
}

type handRow struct {
	HistoryID string    `json:"history_id"`
	TableID   string    `json:"table_id"`
	HandID    string    `json:"hand_id"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *handRow) toModel() *models.HandHistory {
	return &models.HandHistory{
		ID:        r.HistoryID,
		TableID:   r.TableID,
		HandID:    r.HandID,
		Data:      []byte(r.Data),
		Timestamp: r.Timestamp,
	}
}

func (s *HandStore) GetHandHistory(ctx context.Context, id string) (*models.HandHistory, error) {
	sql := "SELECT history_id, table_id, hand_id, data, timestamp FROM hand_history WHERE hand_id = $hand_id OR history_id = $hand_id LIMIT 1"
	vars := map[string]any{"hand_id": id}

	results, err := surrealdb.Query[[]handRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query hand history %s: %w", id, err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].toModel(), nil
	}
	return nil, common.ErrNotFound("hand history %s", id)
}

func (s *HandStore) ListByTable(ctx context.Context, tableID string, limit int) ([]*models.HandHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT history_id, table_id, hand_id, data, timestamp FROM hand_history WHERE table_id = $table_id ORDER BY timestamp DESC LIMIT $limit"
	vars := map[string]any{"table_id": tableID, "limit": limit}

	results, err := surrealdb.Query[[]handRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list hand histories for %s: %w", tableID, err)
	}

	var out []*models.HandHistory
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, (*results)[0].Result[i].toModel())
		}
	}
	return out, nil
}

// Compile-time check
var _ interfaces.HandStore = (*HandStore)(nil)
