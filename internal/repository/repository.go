// Package repository provides data access over the embedded store for the
// provider registry, spend ledger, benchmark and risk-flag tables.
package repository

import (
	"context"
	"database/sql"
)

// DateLayout is the canonical encoding of period dates in the store.
const DateLayout = "2006-01-02"

// Querier is satisfied by both *sql.DB and *sql.Tx so that screening runs
// can execute the same statements inside a run transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
