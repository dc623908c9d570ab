// Package pgschema applies the PostgreSQL schema used by the threshold,
// delegation and instance stores.
package pgschema

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// migrationLockID serializes concurrent migrations from several replicas.
const migrationLockID = 7_361_050_412

// Migrate applies the schema in one transaction. Every statement is
// idempotent, so Migrate is safe to run on each start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgschema: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
		return fmt.Errorf("pgschema: lock: %w", err)
	}

	stmts := Statements()
	for i, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgschema: statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgschema: commit: %w", err)
	}

	logger.Info("database schema applied", zap.Int("statements", len(stmts)))
	return nil
}

// Statements returns the schema split into individual statements.
func Statements() []string {
	var out []string
	for _, part := range strings.Split(schema, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
