// Package provision implements the out-of-band slot-pool
// provisioning step the Job Queue, Stream, and RPC engines depend on
// (spec.md §4.4 "Slot pool": "rows pre-allocated... by an out-of-band
// provisioning step. The engine never creates or destroys rows").
//
// This stays a separate package/CLI rather than folding into C4-C6,
// per the Open Question resolution recorded in DESIGN.md: the core
// engines only ever mutate state on rows that already exist.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/glenn-edgar/kbcore/pkg/kberrors"
)

// ProvisionJobSlots inserts n free job slots at path in kb's
// <kb>_job table.
func ProvisionJobSlots(ctx context.Context, db *sqlx.DB, kb, path string, n int) error {
	const op = "provision.job_slots"
	return insertEmptyRows(ctx, db, op, fmt.Sprintf(
		`INSERT INTO %s_job (path, data, valid, is_active) VALUES ($1, '{}', false, false)`, kb), path, n)
}

// ProvisionStreamSlots inserts n empty (invalid) stream slots at path
// in kb's <kb>_stream table.
func ProvisionStreamSlots(ctx context.Context, db *sqlx.DB, kb, path string, n int) error {
	const op = "provision.stream_slots"
	return insertEmptyRows(ctx, db, op, fmt.Sprintf(
		`INSERT INTO %s_stream (path, data, valid, recorded_at) VALUES ($1, '{}', false, TIMESTAMP 'epoch')`, kb), path, n)
}

// ProvisionRPCServerSlots inserts n empty rpc server slots at
// serverPath in kb's <kb>_rpc_server table.
func ProvisionRPCServerSlots(ctx context.Context, db *sqlx.DB, kb, serverPath string, n int) error {
	const op = "provision.rpc_server_slots"
	return insertEmptyRows(ctx, db, op, fmt.Sprintf(
		`INSERT INTO %s_rpc_server (server_path, state) VALUES ($1, 'empty')`, kb), serverPath, n)
}

// ProvisionRPCClientSlots inserts n free rpc client slots at
// clientPath in kb's <kb>_rpc_client table.
func ProvisionRPCClientSlots(ctx context.Context, db *sqlx.DB, kb, clientPath string, n int) error {
	const op = "provision.rpc_client_slots"
	return insertEmptyRows(ctx, db, op, fmt.Sprintf(
		`INSERT INTO %s_rpc_client (client_path, server_path, is_new_result) VALUES ($1, $1, false)`, kb), clientPath, n)
}

func insertEmptyRows(ctx context.Context, db *sqlx.DB, op, insertSQL, path string, n int) error {
	if n <= 0 {
		return kberrors.New(kberrors.InvalidArgument, op, fmt.Errorf("slot count must be positive, got %d", n))
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return kberrors.New(kberrors.StorageFailure, op, err)
	}
	for i := 0; i < n; i++ {
		if _, err := tx.ExecContext(ctx, insertSQL, path); err != nil {
			_ = tx.Rollback()
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return kberrors.New(kberrors.StorageFailure, op, err)
	}
	return nil
}

// StaleLease identifies a job slot that has been active longer than a
// caller-chosen threshold.
type StaleLease struct {
	ID        int64     `db:"id"`
	Path      string    `db:"path"`
	StartedAt time.Time `db:"started_at"`
}

// ListStaleLeases returns every active job slot at path whose
// started_at predates olderThan, without mutating anything. A reaper
// tool external to the core may use this to decide which leases to
// force-reset; the core itself never does so (spec.md §9: lease
// expiry is out of scope for the core, by design).
func ListStaleLeases(ctx context.Context, db *sqlx.DB, kb, path string, olderThan time.Time) ([]StaleLease, error) {
	const op = "provision.list_stale_leases"
	var out []StaleLease
	sqlText := fmt.Sprintf(`
		SELECT id, path, started_at FROM %s_job
		WHERE path = $1 AND is_active = true AND started_at < $2
		ORDER BY started_at ASC`, kb)
	if err := db.SelectContext(ctx, &out, sqlText, path, olderThan); err != nil {
		return nil, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return out, nil
}
