// Package streambuf implements the Stream Engine (C5): a circular
// buffer over a pre-allocated slot pool per path, always overwriting
// the oldest slot (spec.md §4.5).
package streambuf

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/internal/dbconn"
	"github.com/glenn-edgar/kbcore/pkg/kberrors"
	"github.com/glenn-edgar/kbcore/pkg/metrics"
	"github.com/glenn-edgar/kbcore/pkg/models"
	"github.com/glenn-edgar/kbcore/pkg/retry"
)

const component = "streambuf"

// Engine owns the <kb>_stream table for every kb.
type Engine struct {
	db      *sqlx.DB
	logger  *zap.Logger
	policy  retry.Policy
	metrics *metrics.Metrics
}

// New constructs an Engine over db using policy for lock-conflict
// retries. A nil m records into a private, unobserved registry (see
// metrics.Noop), matching the nil-defaulting already applied to
// logger.
func New(db *sqlx.DB, logger *zap.Logger, policy retry.Policy, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Engine{db: db, logger: logger, policy: policy, metrics: m}
}

func (e *Engine) onRetry(op string) retry.Option {
	return retry.WithOnRetry(func(int) {
		e.metrics.RetriesTotal.WithLabelValues(component, op).Inc()
	})
}

func resultLabel(err error) string {
	switch kberrors.KindOf(err) {
	case kberrors.NoSlot:
		return metrics.ResultNoSlot
	case kberrors.LockExhausted:
		return metrics.ResultExhausted
	default:
		return metrics.ResultError
	}
}

var streamCols = "id, path, recorded_at, data, valid"

// Push overwrites the oldest slot at path with data (spec.md §4.5
// push). Fails with NoSlot if no slots have been provisioned for
// path.
func (e *Engine) Push(ctx context.Context, kb, path string, data json.RawMessage) (*models.StreamSlot, error) {
	const op = "streambuf.push"
	start := time.Now()
	if data == nil {
		data = json.RawMessage(`{}`)
	}

	slot, err := retry.Do(ctx, op, e.policy, e.logger, func(ctx context.Context) (*models.StreamSlot, error) {
		var out models.StreamSlot
		txErr := dbconn.WithTx(ctx, e.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
			var total int64
			countSQL := fmt.Sprintf(`SELECT count(*) FROM %s_stream WHERE path = $1`, kb)
			if err := tx.GetContext(ctx, &total, countSQL, path); err != nil {
				return kberrors.New(kberrors.StorageFailure, op, err)
			}
			if total == 0 {
				return kberrors.New(kberrors.NoSlot, op, fmt.Errorf("no stream slots provisioned for path %q", path))
			}

			var id int64
			selectSQL := fmt.Sprintf(`
				SELECT id FROM %s_stream WHERE path = $1
				ORDER BY recorded_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, kb)
			if err := tx.GetContext(ctx, &id, selectSQL, path); err != nil {
				return retry.ErrRaced
			}

			updateSQL := fmt.Sprintf(`
				UPDATE %s_stream SET data = $1, recorded_at = now(), valid = true
				WHERE id = $2
				RETURNING %s`, kb, streamCols)
			return tx.QueryRowxContext(ctx, updateSQL, []byte(data), id).StructScan(&out)
		})
		if txErr != nil {
			return nil, txErr
		}
		return &out, nil
	}, e.onRetry(op))
	e.metrics.OperationSecs.WithLabelValues(component, op).Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.PushesTotal.WithLabelValues(component, resultLabel(err)).Inc()
		return nil, classify(op, err)
	}
	e.metrics.PushesTotal.WithLabelValues(component, metrics.ResultSuccess).Inc()
	return slot, nil
}

// GetLatest returns the most recently recorded valid slot at path, or
// nil if there is none.
func (e *Engine) GetLatest(ctx context.Context, kb, path string) (*models.StreamSlot, error) {
	const op = "streambuf.get_latest"
	var out models.StreamSlot
	sqlText := fmt.Sprintf(`
		SELECT %s FROM %s_stream WHERE path = $1 AND valid = true
		ORDER BY recorded_at DESC LIMIT 1`, streamCols, kb)
	if err := e.db.GetContext(ctx, &out, sqlText, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return &out, nil
}

// List returns a paginated window of slots at path, newest first by
// recorded_at, filtered by valid=true unless includeInvalid is set
// (spec.md §4.5 list).
func (e *Engine) List(ctx context.Context, kb, path string, limit, offset int, includeInvalid bool) ([]models.StreamSlot, error) {
	const op = "streambuf.list"
	cond := "path = $1"
	if !includeInvalid {
		cond += " AND valid = true"
	}
	var out []models.StreamSlot
	sqlText := fmt.Sprintf(`
		SELECT %s FROM %s_stream WHERE %s
		ORDER BY recorded_at DESC LIMIT $2 OFFSET $3`, streamCols, kb, cond)
	if err := e.db.SelectContext(ctx, &out, sqlText, path, limit, offset); err != nil {
		return nil, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return out, nil
}

// Range returns every valid slot at path recorded within [start, end]
// inclusive, ascending (spec.md §4.5 range).
func (e *Engine) Range(ctx context.Context, kb, path string, start, end time.Time) ([]models.StreamSlot, error) {
	const op = "streambuf.range"
	var out []models.StreamSlot
	sqlText := fmt.Sprintf(`
		SELECT %s FROM %s_stream
		WHERE path = $1 AND valid = true AND recorded_at BETWEEN $2 AND $3
		ORDER BY recorded_at ASC`, streamCols, kb)
	if err := e.db.SelectContext(ctx, &out, sqlText, path, start, end); err != nil {
		return nil, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return out, nil
}

// Count counts slots at path, including invalid ones when
// includeInvalid is set (spec.md §4.5 count).
func (e *Engine) Count(ctx context.Context, kb, path string, includeInvalid bool) (int64, error) {
	const op = "streambuf.count"
	cond := "path = $1"
	if !includeInvalid {
		cond += " AND valid = true"
	}
	var n int64
	sqlText := fmt.Sprintf(`SELECT count(*) FROM %s_stream WHERE %s`, kb, cond)
	if err := e.db.GetContext(ctx, &n, sqlText, path); err != nil {
		return 0, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return n, nil
}

// Clear soft-clears slots at path (and older than olderThan, if
// non-nil) by setting valid=false, leaving recorded_at untouched
// (spec.md §4.5 clear; §9 resolution: this does not reset
// recorded_at, which is intentional, not an oversight — a subsequent
// Push still selects the true oldest slot by recorded_at).
func (e *Engine) Clear(ctx context.Context, kb, path string, olderThan *time.Time) error {
	const op = "streambuf.clear"
	cond := "path = $1"
	args := []interface{}{path}
	if olderThan != nil {
		cond += " AND recorded_at < $2"
		args = append(args, *olderThan)
	}
	sqlText := fmt.Sprintf(`UPDATE %s_stream SET valid = false WHERE %s`, kb, cond)
	if _, err := e.db.ExecContext(ctx, sqlText, args...); err != nil {
		return kberrors.New(kberrors.StorageFailure, op, err)
	}
	return nil
}

// Statistics aggregates count, earliest/latest timestamps, and mean
// inter-arrival seconds for valid slots at path (spec.md §4.5
// statistics).
func (e *Engine) Statistics(ctx context.Context, kb, path string) (*models.StreamStatistics, error) {
	const op = "streambuf.statistics"
	sqlText := fmt.Sprintf(`
		WITH ordered AS (
			SELECT recorded_at, recorded_at - LAG(recorded_at) OVER (ORDER BY recorded_at) AS gap
			FROM %s_stream WHERE path = $1 AND valid = true
		)
		SELECT count(*) AS count, min(recorded_at) AS earliest, max(recorded_at) AS latest,
		       COALESCE(avg(EXTRACT(EPOCH FROM gap)), 0) AS average_inter_arrival_sec
		FROM ordered`, kb)

	var row struct {
		Count                  int64      `db:"count"`
		Earliest               *time.Time `db:"earliest"`
		Latest                 *time.Time `db:"latest"`
		AverageInterArrivalSec float64    `db:"average_inter_arrival_sec"`
	}
	if err := e.db.GetContext(ctx, &row, sqlText, path); err != nil {
		return nil, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return &models.StreamStatistics{
		Count:                  row.Count,
		Earliest:               row.Earliest,
		Latest:                 row.Latest,
		AverageInterArrivalSec: row.AverageInterArrivalSec,
	}, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *kberrors.Error
	if errors.As(err, &e) {
		return err
	}
	return kberrors.New(kberrors.StorageFailure, op, err)
}
