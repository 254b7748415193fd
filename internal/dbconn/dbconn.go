// Package dbconn provides the shared, externally-owned connection
// handle every C2-C6 engine receives (spec.md §5 "Shared-resource
// policy": "the core receives it and a cursor... does not pool,
// reconnect, or close on behalf of the caller" and §9 "express this
// via an injected transaction-capable handle interface, not
// module-global state").
//
// The handle is a *sqlx.DB over the pgx stdlib driver, the same shape
// the teacher's repository layer is built and tested against
// (sqlx.DB/sqlx.Tx mocked with DATA-DOG/go-sqlmock), so every engine
// here is unit-testable the same way.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/glenn-edgar/kbcore/internal/dbconn")

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, letting every
// engine operation accept either "run this as its own transaction" or
// "run this inside a transaction the caller already opened".
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

var (
	_ Querier = (*sqlx.DB)(nil)
	_ Querier = (*sqlx.Tx)(nil)
)

// Handle is the fabric's injected connection.
type Handle struct {
	DB *sqlx.DB
}

// Open establishes a Handle against dsn via the pgx stdlib driver. The
// caller owns the returned Handle's lifetime and must call Close.
func Open(ctx context.Context, dsn string, maxConns, minConns int) (*Handle, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbconn: opening pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(minConns)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("dbconn: pinging pool: %w", err)
	}

	return &Handle{DB: sqlx.NewDb(sqlDB, "pgx")}, nil
}

// Close releases the Handle's pool.
func (h *Handle) Close() error {
	if h.DB == nil {
		return nil
	}
	return h.DB.Close()
}

// WithTx runs fn inside a serializable transaction opened on db,
// committing on success and rolling back on error or panic. Mutating
// C2-C6 operations run their statements through WithTx (one call per
// retry attempt) (spec.md §7: "Every mutating operation runs in one
// transaction"); streambuf's Clear, a single UPDATE, and the per-kb
// DDL run by graphstore's CreateKB execute directly on the handle.
func WithTx(ctx context.Context, db *sqlx.DB, op string, fn func(ctx context.Context, tx *sqlx.Tx) error) (err error) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("kbcore.op", op)))
	defer span.End()

	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}
