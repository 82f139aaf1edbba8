package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Schema renders the DDL for the given table names
func Schema(tables *TableNames) string {
	return strings.NewReplacer(
		"{{prefix}}", tables.Prefix,
		"{{conversations}}", tables.Conversations,
		"{{nodes}}", tables.Nodes,
		"{{balances}}", tables.Balances,
		"{{ledger}}", tables.Ledger,
	).Replace(schemaSQL)
}

// Migrate creates missing tables and indexes. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, tables *TableNames) error {
	if _, err := pool.Exec(ctx, Schema(tables)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
