package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/models"
)

// TableStore implements interfaces.TableStore using SurrealDB. Table
// rows live in `tables`; the write-behind snapshot copy lives in
// `table_state`, one row per table, replaced only by a newer version.
type TableStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewTableStore creates a new TableStore.
func NewTableStore(db *surrealdb.DB, logger *common.Logger) *TableStore {
	return &TableStore{db: db, logger: logger}
}

// tableSelectFields aliases table_id to id for struct mapping.
const tableSelectFields = "table_id AS id, config, status, created_at, updated_at"

func (s *TableStore) SaveTable(ctx context.Context, table *models.Table) error {
	if table.CreatedAt.IsZero() {
		table.CreatedAt = time.Now()
	}
	table.UpdatedAt = time.Now()

	sql := `UPSERT $rid SET
		table_id = $table_id, config = $config, status = $status,
		created_at = $created_at, updated_at = $updated_at`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("tables", table.ID),
		"table_id":   table.ID,
		"config":     table.Config,
		"status":     table.Status,
		"created_at": table.CreatedAt,
		"updated_at": table.UpdatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save table %s: %w", table.ID, err)
	}
	return nil
}

func (s *TableStore) GetTable(ctx context.Context, tableID string) (*models.Table, error) {
	sql := "SELECT " + tableSelectFields + " FROM tables WHERE table_id = $table_id LIMIT 1"
	vars := map[string]any{"table_id": tableID}

	results, err := surrealdb.Query[[]models.Table](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query table %s: %w", tableID, err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return &(*results)[0].Result[0], nil
	}
	return nil, common.ErrNotFound("table %s", tableID)
}

func (s *TableStore) ListTables(ctx context.Context) ([]*models.Table, error) {
	sql := "SELECT " + tableSelectFields + " FROM tables ORDER BY created_at ASC"

	results, err := surrealdb.Query[[]models.Table](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	var tables []*models.Table
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			tables = append(tables, &(*results)[0].Result[i])
		}
	}
	return tables, nil
}

func (s *TableStore) UpdateStatus(ctx context.Context, tableID, status string) error {
	sql := "UPDATE $rid SET status = $status, updated_at = time::now()"
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("tables", tableID),
		"status": status,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to update table %s status: %w", tableID, err)
	}
	return nil
}

func (s *TableStore) SaveState(ctx context.Context, snap *models.Snapshot) error {
	// Persist jobs can complete out of order; only move forward.
	sql := `BEGIN TRANSACTION;
LET $cur = (SELECT version FROM table_state WHERE table_id = $table_id);
IF array::len($cur) == 0 OR $cur[0].version < $version {
  UPSERT $rid SET table_id = $table_id, version = $version, engine = $engine, updated_at = time::now();
};
COMMIT TRANSACTION;`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("table_state", snap.TableID),
		"table_id": snap.TableID,
		"version":  snap.Version,
		"engine":   string(snap.Engine),
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to persist state for %s: %w", snap.TableID, err)
	}
	return nil
}

func (s *TableStore) GetState(ctx context.Context, tableID string) (*models.Snapshot, error) {
	type stateRow struct {
		TableID string `json:"table_id"`
		Version int64  `json:"version"`
		Engine  string `json:"engine"`
	}

	sql := "SELECT table_id, version, engine FROM table_state WHERE table_id = $table_id LIMIT 1"
	vars := map[string]any{"table_id": tableID}

	results, err := surrealdb.Query[[]stateRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query state for %s: %w", tableID, err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		row := (*results)[0].Result[0]
		return &models.Snapshot{
			TableID: row.TableID,
			Version: row.Version,
			Engine:  []byte(row.Engine),
		}, nil
	}
	return nil, common.ErrNotFound("no persisted state for table %s", tableID)
}

// Compile-time check
var _ interfaces.TableStore = (*TableStore)(nil)
