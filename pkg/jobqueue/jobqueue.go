// Package jobqueue implements the Job Queue Engine (C4): claim-based
// work distribution over a pre-allocated slot pool per path (spec.md
// §4.4).
package jobqueue

import (
	"context"
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
	"github.com/glenn-edgar/kbcore/pkg/query"
	"github.com/glenn-edgar/kbcore/pkg/retry"
)

const component = "jobqueue"

// Engine owns the <kb>_job table for every kb. It never creates or
// destroys rows — only mutates the state of rows an out-of-band
// provisioning step allocated (spec.md §4.4 "Slot pool").
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

// FindJob delegates to the Query Composer scoped to
// models.LabelJobQueue, optionally narrowed further by refine
// (spec.md §4.4 find_job).
func (e *Engine) FindJob(ctx context.Context, kb string, refine func(*query.Composer) *query.Composer) ([]models.Node, error) {
	c := query.New(e.db, kb).Label(models.LabelJobQueue)
	if refine != nil {
		c = refine(c)
	}
	return c.Execute(ctx)
}

// CountQueued counts slots at path with valid=true.
func (e *Engine) CountQueued(ctx context.Context, kb, path string) (int64, error) {
	return e.count(ctx, kb, path, true)
}

// CountFree counts slots at path with valid=false and records the
// result as the path's current free-slot gauge.
func (e *Engine) CountFree(ctx context.Context, kb, path string) (int64, error) {
	n, err := e.count(ctx, kb, path, false)
	if err == nil {
		e.metrics.SlotPoolFree.WithLabelValues(component, path).Set(float64(n))
	}
	return n, err
}

func (e *Engine) count(ctx context.Context, kb, path string, valid bool) (int64, error) {
	const op = "jobqueue.count"
	var n int64
	sqlText := fmt.Sprintf(`SELECT count(*) FROM %s_job WHERE path = $1 AND valid = $2`, kb)
	if err := e.db.GetContext(ctx, &n, sqlText, path, valid); err != nil {
		return 0, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return n, nil
}

// Push claims the oldest free slot at path and populates it (spec.md
// §4.4 push). Fails with NoSlot if every slot at path is occupied.
func (e *Engine) Push(ctx context.Context, kb, path string, data json.RawMessage) (*models.JobSlot, error) {
	const op = "jobqueue.push"
	start := time.Now()
	if data == nil {
		data = json.RawMessage(`{}`)
	}

	slot, err := retry.Do(ctx, op, e.policy, e.logger, func(ctx context.Context) (*models.JobSlot, error) {
		var out models.JobSlot
		txErr := dbconn.WithTx(ctx, e.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
			var id int64
			selectSQL := fmt.Sprintf(`
				SELECT id FROM %s_job
				WHERE path = $1 AND valid = false
				ORDER BY completed_at ASC NULLS FIRST
				LIMIT 1 FOR UPDATE SKIP LOCKED`, kb)
			if scanErr := tx.GetContext(ctx, &id, selectSQL, path); scanErr != nil {
				return kberrors.New(kberrors.NoSlot, op, fmt.Errorf("no free job slot at path %q", path))
			}

			updateSQL := fmt.Sprintf(`
				UPDATE %s_job SET data = $1, schedule_at = now(), started_at = now(),
				       completed_at = now(), valid = true, is_active = false
				WHERE id = $2
				RETURNING id, path, data, schedule_at, started_at, completed_at, is_active, valid`, kb)
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

// PeekAndClaim claims the oldest pending slot at path whose schedule
// has come due, returning nil if none is pending (spec.md §4.4
// peek_and_claim).
func (e *Engine) PeekAndClaim(ctx context.Context, kb, path string) (*models.JobSlot, error) {
	const op = "jobqueue.peek_and_claim"
	start := time.Now()

	slot, err := retry.Do(ctx, op, e.policy, e.logger, func(ctx context.Context) (*models.JobSlot, error) {
		var out *models.JobSlot
		txErr := dbconn.WithTx(ctx, e.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
			var candidate models.JobSlot
			selectSQL := fmt.Sprintf(`
				SELECT id, path, data, schedule_at, started_at, completed_at, is_active, valid FROM %s_job
				WHERE path = $1 AND valid = true AND is_active = false
				  AND (schedule_at IS NULL OR schedule_at <= now())
				ORDER BY schedule_at ASC NULLS FIRST, id ASC
				LIMIT 1 FOR UPDATE SKIP LOCKED`, kb)
			if scanErr := tx.QueryRowxContext(ctx, selectSQL, path).StructScan(&candidate); scanErr != nil {
				return nil // nothing pending; not an error
			}

			updateSQL := fmt.Sprintf(`
				UPDATE %s_job SET is_active = true, started_at = now()
				WHERE id = $1 AND is_active = false AND valid = true
				RETURNING id, path, data, schedule_at, started_at, completed_at, is_active, valid`, kb)
			if scanErr := tx.QueryRowxContext(ctx, updateSQL, candidate.ID).StructScan(&candidate); scanErr != nil {
				return retry.ErrRaced
			}
			out = &candidate
			return nil
		})
		if txErr != nil {
			return nil, txErr
		}
		return out, nil
	}, e.onRetry(op))
	e.metrics.OperationSecs.WithLabelValues(component, op).Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.ClaimsTotal.WithLabelValues(component, resultLabel(err)).Inc()
		return nil, classify(op, err)
	}
	result := metrics.ResultSuccess
	if slot == nil {
		result = metrics.ResultNoSlot
	}
	e.metrics.ClaimsTotal.WithLabelValues(component, result).Inc()
	return slot, nil
}

// MarkCompleted marks id completed and frees it for reuse (spec.md
// §4.4 mark_completed). Fails with NotFound if id does not exist.
// Returns false, without changing any state, if id exists but is not
// currently leased (is_active=false) — completing an already-completed
// or never-claimed slot is a no-op, not an error (spec.md §8 property
// 4).
func (e *Engine) MarkCompleted(ctx context.Context, kb string, id int64) (bool, error) {
	const op = "jobqueue.mark_completed"
	var completed bool
	err := dbconn.WithTx(ctx, e.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
		lockSQL := fmt.Sprintf(`SELECT is_active FROM %s_job WHERE id = $1 FOR UPDATE NOWAIT`, kb)
		var isActive bool
		if lockErr := tx.GetContext(ctx, &isActive, lockSQL, id); lockErr != nil {
			return kberrors.New(kberrors.NotFound, op, fmt.Errorf("job slot %d not found: %w", id, lockErr))
		}
		if !isActive {
			completed = false
			return nil
		}
		updateSQL := fmt.Sprintf(`
			UPDATE %s_job SET completed_at = now(), valid = false, is_active = false WHERE id = $1`, kb)
		if _, updErr := tx.ExecContext(ctx, updateSQL, id); updErr != nil {
			return kberrors.New(kberrors.StorageFailure, op, updErr)
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, classify(op, err)
	}
	return completed, nil
}

// ListPending lists slots at path that are valid and not yet active,
// oldest-scheduled first, with no locking (spec.md §4.4 list_pending).
func (e *Engine) ListPending(ctx context.Context, kb, path string, limit, offset int) ([]models.JobSlot, error) {
	return e.list(ctx, kb, path, "valid = true AND is_active = false", "schedule_at ASC NULLS FIRST, id ASC", limit, offset)
}

// ListActive lists slots at path currently being worked, with no
// locking (spec.md §4.4 list_active).
func (e *Engine) ListActive(ctx context.Context, kb, path string, limit, offset int) ([]models.JobSlot, error) {
	return e.list(ctx, kb, path, "is_active = true", "started_at ASC NULLS FIRST, id ASC", limit, offset)
}

func (e *Engine) list(ctx context.Context, kb, path, cond, order string, limit, offset int) ([]models.JobSlot, error) {
	const op = "jobqueue.list"
	var out []models.JobSlot
	sqlText := fmt.Sprintf(`
		SELECT id, path, data, schedule_at, started_at, completed_at, is_active, valid
		FROM %s_job WHERE path = $1 AND %s
		ORDER BY %s LIMIT $2 OFFSET $3`, kb, cond, order)
	if err := e.db.SelectContext(ctx, &out, sqlText, path, limit, offset); err != nil {
		return nil, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return out, nil
}

// Clear resets every slot at path to the free state under an
// EXCLUSIVE table lock (spec.md §4.4 clear).
func (e *Engine) Clear(ctx context.Context, kb, path string) error {
	const op = "jobqueue.clear"
	err := dbconn.WithTx(ctx, e.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, lockErr := tx.ExecContext(ctx, fmt.Sprintf(`LOCK TABLE %s_job IN EXCLUSIVE MODE`, kb)); lockErr != nil {
			return kberrors.New(kberrors.StorageFailure, op, lockErr)
		}
		updateSQL := fmt.Sprintf(`
			UPDATE %s_job SET data = '{}', valid = false, is_active = false,
			       schedule_at = NULL, started_at = NULL, completed_at = NULL
			WHERE path = $1`, kb)
		if _, err := tx.ExecContext(ctx, updateSQL, path); err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		return nil
	})
	return classify(op, err)
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

// resultLabel maps a failed operation's error to the metrics result
// label it should be recorded under.
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
