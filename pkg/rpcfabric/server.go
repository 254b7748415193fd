// Package rpcfabric implements the RPC Fabric (C6): a server request
// queue and a client reply queue over pre-allocated slot pools
// (spec.md §4.6).
package rpcfabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/internal/dbconn"
	"github.com/glenn-edgar/kbcore/pkg/kberrors"
	"github.com/glenn-edgar/kbcore/pkg/lockkey"
	"github.com/glenn-edgar/kbcore/pkg/metrics"
	"github.com/glenn-edgar/kbcore/pkg/models"
	"github.com/glenn-edgar/kbcore/pkg/retry"
	"github.com/glenn-edgar/kbcore/pkg/validation"
)

const serverComponent = "rpcfabric.server"

// ServerQueue owns the <kb>_rpc_server table for every kb (spec.md
// §4.6.1).
type ServerQueue struct {
	db      *sqlx.DB
	logger  *zap.Logger
	policy  retry.Policy
	metrics *metrics.Metrics
}

// NewServerQueue constructs a ServerQueue over db using policy for
// lock-conflict retries. A nil m records into a private, unobserved
// registry (see metrics.Noop), matching the nil-defaulting already
// applied to logger.
func NewServerQueue(db *sqlx.DB, logger *zap.Logger, policy retry.Policy, m *metrics.Metrics) *ServerQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &ServerQueue{db: db, logger: logger, policy: policy, metrics: m}
}

func (q *ServerQueue) onRetry(op string) retry.Option {
	return retry.WithOnRetry(func(int) {
		q.metrics.RetriesTotal.WithLabelValues(serverComponent, op).Inc()
	})
}

func rpcResultLabel(err error) string {
	switch kberrors.KindOf(err) {
	case kberrors.NoSlot:
		return metrics.ResultNoSlot
	case kberrors.LockExhausted:
		return metrics.ResultExhausted
	default:
		return metrics.ResultError
	}
}

// pushInput carries the struct-tag-validated fields of
// ServerQueue.Push (spec.md §4.6.1: rpc_action must be a well-formed
// label; priority is an unbounded integer where higher values are
// more urgent, so only non-negativity is enforced here).
type pushInput struct {
	Action   string `validate:"required,pathlabel"`
	Priority int    `validate:"gte=0"`
}

var rpcServerCols = `id, server_path, request_id, rpc_action, request_payload, transaction_tag,
	priority, rpc_client_queue, state, request_timestamp, processing_timestamp, completed_timestamp`

// Push claims the oldest empty slot at server_path and populates it
// with a new request (spec.md §4.6.1 push). requestID may be
// uuid.Nil, in which case a fresh one is generated.
//
// request_timestamp is read once, here, before the retry loop begins,
// and reused across every retry attempt: FIFO ordering among
// concurrently-pushed requests must be stable from the caller's
// perspective regardless of how many times any individual push had to
// retry (spec.md §9 resolution; §8 property 6, Scenario C).
func (q *ServerQueue) Push(ctx context.Context, kb, serverPath string, requestID uuid.UUID, action string, payload json.RawMessage, transactionTag string, priority int, clientQueue string) (*models.RPCServerSlot, error) {
	const op = "rpcfabric.server.push"
	start := time.Now()
	if ve := validation.ValidateStruct("rpc_server_push", pushInput{Action: action, Priority: priority}); ve != nil {
		err := kberrors.New(kberrors.InvalidArgument, op, ve)
		q.metrics.PushesTotal.WithLabelValues(serverComponent, metrics.ResultError).Inc()
		return nil, err
	}
	if requestID == uuid.Nil {
		requestID = uuid.New()
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	requestTimestamp := time.Now().UTC()

	slot, err := retry.Do(ctx, op, q.policy, q.logger, func(ctx context.Context) (*models.RPCServerSlot, error) {
		var out models.RPCServerSlot
		txErr := dbconn.WithTx(ctx, q.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
			key := lockkey.Derive(kb+"_rpc_server", serverPath)
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
				return kberrors.New(kberrors.StorageFailure, op, err)
			}

			var id int64
			selectSQL := fmt.Sprintf(`
				SELECT id FROM %s_rpc_server
				WHERE server_path = $1 AND state = 'empty'
				ORDER BY priority DESC, request_timestamp ASC
				LIMIT 1 FOR UPDATE`, kb)
			if err := tx.GetContext(ctx, &id, selectSQL, serverPath); err != nil {
				return kberrors.New(kberrors.NoSlot, op, fmt.Errorf("no free rpc server slot at path %q", serverPath))
			}

			updateSQL := fmt.Sprintf(`
				UPDATE %s_rpc_server SET
					request_id = $1, rpc_action = $2, request_payload = $3, transaction_tag = $4,
					priority = $5, rpc_client_queue = $6, state = 'new_job',
					request_timestamp = $7, completed_timestamp = NULL
				WHERE id = $8
				RETURNING %s`, kb, rpcServerCols)
			return tx.QueryRowxContext(ctx, updateSQL,
				requestID, action, []byte(payload), transactionTag, priority, clientQueue, requestTimestamp, id).StructScan(&out)
		})
		if txErr != nil {
			return nil, txErr
		}
		return &out, nil
	}, q.onRetry(op))
	q.metrics.OperationSecs.WithLabelValues(serverComponent, op).Observe(time.Since(start).Seconds())
	if err != nil {
		q.metrics.PushesTotal.WithLabelValues(serverComponent, rpcResultLabel(err)).Inc()
		return nil, classify(op, err)
	}
	q.metrics.PushesTotal.WithLabelValues(serverComponent, metrics.ResultSuccess).Inc()
	return slot, nil
}

// PeekAndClaim claims the oldest new_job slot at server_path,
// returning nil if none is waiting (spec.md §4.6.1 peek_and_claim).
func (q *ServerQueue) PeekAndClaim(ctx context.Context, kb, serverPath string) (*models.RPCServerSlot, error) {
	const op = "rpcfabric.server.peek_and_claim"
	start := time.Now()

	slot, err := retry.Do(ctx, op, q.policy, q.logger, func(ctx context.Context) (*models.RPCServerSlot, error) {
		var out *models.RPCServerSlot
		txErr := dbconn.WithTx(ctx, q.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
			var id int64
			selectSQL := fmt.Sprintf(`
				SELECT id FROM %s_rpc_server
				WHERE server_path = $1 AND state = 'new_job'
				ORDER BY priority DESC, request_timestamp ASC
				LIMIT 1 FOR UPDATE SKIP LOCKED`, kb)
			if err := tx.GetContext(ctx, &id, selectSQL, serverPath); err != nil {
				return nil
			}

			var claimed models.RPCServerSlot
			updateSQL := fmt.Sprintf(`
				UPDATE %s_rpc_server SET state = 'processing', processing_timestamp = now()
				WHERE id = $1
				RETURNING %s`, kb, rpcServerCols)
			if err := tx.QueryRowxContext(ctx, updateSQL, id).StructScan(&claimed); err != nil {
				return retry.ErrRaced
			}
			out = &claimed
			return nil
		})
		if txErr != nil {
			return nil, txErr
		}
		return out, nil
	}, q.onRetry(op))
	q.metrics.OperationSecs.WithLabelValues(serverComponent, op).Observe(time.Since(start).Seconds())
	if err != nil {
		q.metrics.ClaimsTotal.WithLabelValues(serverComponent, rpcResultLabel(err)).Inc()
		return nil, classify(op, err)
	}
	result := metrics.ResultSuccess
	if slot == nil {
		result = metrics.ResultNoSlot
	}
	q.metrics.ClaimsTotal.WithLabelValues(serverComponent, result).Inc()
	return slot, nil
}

// MarkCompletion frees id back to the empty state if it is currently
// processing under server_path, returning false if it is not
// (spec.md §4.6.1 mark_completion).
func (q *ServerQueue) MarkCompletion(ctx context.Context, kb, serverPath string, id int64) (bool, error) {
	const op = "rpcfabric.server.mark_completion"
	var completed bool
	err := dbconn.WithTx(ctx, q.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
		var locked int64
		lockSQL := fmt.Sprintf(`
			SELECT id FROM %s_rpc_server WHERE id = $1 AND server_path = $2 AND state = 'processing'
			FOR UPDATE`, kb)
		if err := tx.GetContext(ctx, &locked, lockSQL, id, serverPath); err != nil {
			completed = false
			return nil
		}
		updateSQL := fmt.Sprintf(`
			UPDATE %s_rpc_server SET state = 'empty', completed_timestamp = now() WHERE id = $1`, kb)
		if _, err := tx.ExecContext(ctx, updateSQL, id); err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, classify(op, err)
	}
	return completed, nil
}

// CountByState counts slots at server_path in state. When state is
// empty, the count is also recorded as the path's free-slot gauge.
func (q *ServerQueue) CountByState(ctx context.Context, kb, serverPath string, state models.RPCServerState) (int64, error) {
	const op = "rpcfabric.server.count_by_state"
	var n int64
	sqlText := fmt.Sprintf(`SELECT count(*) FROM %s_rpc_server WHERE server_path = $1 AND state = $2`, kb)
	if err := q.db.GetContext(ctx, &n, sqlText, serverPath, string(state)); err != nil {
		return 0, kberrors.New(kberrors.StorageFailure, op, err)
	}
	if state == models.RPCServerEmpty {
		q.metrics.SlotPoolFree.WithLabelValues(serverComponent, serverPath).Set(float64(n))
	}
	return n, nil
}

// ListByState lists slots at server_path in state, highest priority
// first, then oldest request_timestamp first.
func (q *ServerQueue) ListByState(ctx context.Context, kb, serverPath string, state models.RPCServerState) ([]models.RPCServerSlot, error) {
	const op = "rpcfabric.server.list_by_state"
	var out []models.RPCServerSlot
	sqlText := fmt.Sprintf(`
		SELECT %s FROM %s_rpc_server WHERE server_path = $1 AND state = $2
		ORDER BY priority DESC, request_timestamp ASC`, rpcServerCols, kb)
	if err := q.db.SelectContext(ctx, &out, sqlText, serverPath, string(state)); err != nil {
		return nil, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return out, nil
}

// Clear resets every slot at server_path to the empty state under an
// EXCLUSIVE table lock, assigning each a fresh request_id (spec.md
// §4.6.1 clear).
func (q *ServerQueue) Clear(ctx context.Context, kb, serverPath string) error {
	const op = "rpcfabric.server.clear"
	err := dbconn.WithTx(ctx, q.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`LOCK TABLE %s_rpc_server IN EXCLUSIVE MODE`, kb)); err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		updateSQL := fmt.Sprintf(`
			UPDATE %s_rpc_server SET
				state = 'empty', request_id = gen_random_uuid(), rpc_action = '',
				request_payload = '{}', transaction_tag = '', priority = 0, rpc_client_queue = '',
				request_timestamp = NULL, processing_timestamp = NULL, completed_timestamp = NULL
			WHERE server_path = $1`, kb)
		if _, err := tx.ExecContext(ctx, updateSQL, serverPath); err != nil {
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
