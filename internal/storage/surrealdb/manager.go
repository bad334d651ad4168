// Package surrealdb implements the durable storage adapters: the
// double-entry ledger, cold table/state persistence, hand-history
// archive, and the persistent job queue.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/felt/internal/common"
)

// Connect opens the SurrealDB connection, signs in, selects the
// namespace/database, and defines the tables the adapters use.
func Connect(cfg common.SurrealConfig) (*surrealdb.DB, error) {
	ctx := context.Background()

	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": cfg.Username,
		"pass": cfg.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	// Define tables to ensure they exist (SurrealDB v3 errors on querying
	// non-existent tables)
	tables := []string{"account", "ledger_entry", "tables", "table_state", "hand_history", "job_queue"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	return db, nil
}
