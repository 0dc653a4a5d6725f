// Package repository implements the engine's storage ports on sqlite.
package repository

import (
	"context"
	"database/sql"

	"github.com/mischa23v/caseflow/internal/infrastructure/persistence/sqlite"
)

// executor abstracts *sql.DB and *sql.Tx so repositories join any
// transaction carried on the context.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getExecutor(ctx context.Context, db *sqlite.DB) executor {
	if tx := sqlite.ExtractTx(ctx); tx != nil {
		return tx
	}
	return db.DB
}
