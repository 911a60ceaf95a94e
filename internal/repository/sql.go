package repository

import (
	"context"
	"database/sql"
)

// sqlExecutor is the subset of *sql.DB the repositories use; *sql.Tx also
// satisfies it.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanSingleRow(ctx context.Context, q sqlExecutor, query string, args []any, dest ...any) error {
	return q.QueryRowContext(ctx, query, args...).Scan(dest...)
}
