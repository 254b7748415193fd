package rpcfabric

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/internal/dbconn"
	"github.com/glenn-edgar/kbcore/pkg/kberrors"
	"github.com/glenn-edgar/kbcore/pkg/metrics"
	"github.com/glenn-edgar/kbcore/pkg/models"
	"github.com/glenn-edgar/kbcore/pkg/retry"
	"github.com/glenn-edgar/kbcore/pkg/validation"
)

const clientComponent = "rpcfabric.client"

// ClientQueue owns the <kb>_rpc_client table for every kb (spec.md
// §4.6.2). A full round-trip pairs a ServerQueue.Push (whose
// rpc_client_queue field addresses the reply destination) with a
// ClientQueue.PushAndClaimReply from the server worker and a
// ClientQueue.PeekAndClaimReply from the originating caller.
type ClientQueue struct {
	db      *sqlx.DB
	logger  *zap.Logger
	policy  retry.Policy
	metrics *metrics.Metrics
}

// NewClientQueue constructs a ClientQueue over db using policy for
// lock-conflict retries. A nil m records into a private, unobserved
// registry (see metrics.Noop), matching the nil-defaulting already
// applied to logger.
func NewClientQueue(db *sqlx.DB, logger *zap.Logger, policy retry.Policy, m *metrics.Metrics) *ClientQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &ClientQueue{db: db, logger: logger, policy: policy, metrics: m}
}

func (q *ClientQueue) onRetry(op string) retry.Option {
	return retry.WithOnRetry(func(int) {
		q.metrics.RetriesTotal.WithLabelValues(clientComponent, op).Inc()
	})
}

// replyInput carries the struct-tag-validated fields of
// ClientQueue.PushAndClaimReply (spec.md §4.6.2: rpc_action must be a
// well-formed label, matching the server side's push validation).
type replyInput struct {
	Action string `validate:"required,pathlabel"`
}

var rpcClientCols = `id, client_path, request_id, server_path, rpc_action, transaction_tag,
	response_payload, response_timestamp, is_new_result`

// PushAndClaimReply occupies the oldest free slot at client_path and
// populates it with a reply, marking it as a new result (spec.md
// §4.6.2 push_and_claim_reply).
func (q *ClientQueue) PushAndClaimReply(ctx context.Context, kb, clientPath string, requestID uuid.UUID, serverPath, action, transactionTag string, replyData json.RawMessage) (*models.RPCClientSlot, error) {
	const op = "rpcfabric.client.push_and_claim_reply"
	start := time.Now()
	if ve := validation.ValidateStruct("rpc_client_reply", replyInput{Action: action}); ve != nil {
		err := kberrors.New(kberrors.InvalidArgument, op, ve)
		q.metrics.PushesTotal.WithLabelValues(clientComponent, metrics.ResultError).Inc()
		return nil, err
	}
	if requestID == uuid.Nil {
		requestID = uuid.New()
	}
	if replyData == nil {
		replyData = json.RawMessage(`{}`)
	}

	slot, err := retry.Do(ctx, op, q.policy, q.logger, func(ctx context.Context) (*models.RPCClientSlot, error) {
		var out models.RPCClientSlot
		txErr := dbconn.WithTx(ctx, q.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
			var id int64
			selectSQL := fmt.Sprintf(`
				SELECT id FROM %s_rpc_client
				WHERE client_path = $1 AND is_new_result = false
				ORDER BY response_timestamp ASC
				LIMIT 1 FOR UPDATE SKIP LOCKED`, kb)
			if err := tx.GetContext(ctx, &id, selectSQL, clientPath); err != nil {
				return kberrors.New(kberrors.NoSlot, op, fmt.Errorf("no free rpc client slot at path %q", clientPath))
			}

			updateSQL := fmt.Sprintf(`
				UPDATE %s_rpc_client SET
					request_id = $1, server_path = $2, rpc_action = $3, transaction_tag = $4,
					response_payload = $5, response_timestamp = now(), is_new_result = true
				WHERE id = $6
				RETURNING %s`, kb, rpcClientCols)
			return tx.QueryRowxContext(ctx, updateSQL,
				requestID, serverPath, action, transactionTag, []byte(replyData), id).StructScan(&out)
		})
		if txErr != nil {
			return nil, txErr
		}
		return &out, nil
	}, q.onRetry(op))
	q.metrics.OperationSecs.WithLabelValues(clientComponent, op).Observe(time.Since(start).Seconds())
	if err != nil {
		q.metrics.PushesTotal.WithLabelValues(clientComponent, rpcResultLabel(err)).Inc()
		return nil, classify(op, err)
	}
	q.metrics.PushesTotal.WithLabelValues(clientComponent, metrics.ResultSuccess).Inc()
	return slot, nil
}

// PeekAndClaimReply claims the oldest waiting reply at client_path,
// returning nil if none is waiting (spec.md §4.6.2
// peek_and_claim_reply).
func (q *ClientQueue) PeekAndClaimReply(ctx context.Context, kb, clientPath string) (*models.RPCClientSlot, error) {
	const op = "rpcfabric.client.peek_and_claim_reply"
	start := time.Now()

	slot, err := retry.Do(ctx, op, q.policy, q.logger, func(ctx context.Context) (*models.RPCClientSlot, error) {
		var out *models.RPCClientSlot
		txErr := dbconn.WithTx(ctx, q.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
			var candidate models.RPCClientSlot
			selectSQL := fmt.Sprintf(`
				SELECT %s FROM %s_rpc_client
				WHERE client_path = $1 AND is_new_result = true
				ORDER BY response_timestamp ASC
				LIMIT 1 FOR UPDATE SKIP LOCKED`, rpcClientCols, kb)
			if err := tx.QueryRowxContext(ctx, selectSQL, clientPath).StructScan(&candidate); err != nil {
				return nil
			}

			updateSQL := fmt.Sprintf(`
				UPDATE %s_rpc_client SET is_new_result = false WHERE id = $1 AND is_new_result = true`, kb)
			res, err := tx.ExecContext(ctx, updateSQL, candidate.ID)
			if err != nil {
				return kberrors.New(kberrors.StorageFailure, op, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return retry.ErrRaced
			}
			out = &candidate
			return nil
		})
		if txErr != nil {
			return nil, txErr
		}
		return out, nil
	}, q.onRetry(op))
	q.metrics.OperationSecs.WithLabelValues(clientComponent, op).Observe(time.Since(start).Seconds())
	if err != nil {
		q.metrics.ClaimsTotal.WithLabelValues(clientComponent, rpcResultLabel(err)).Inc()
		return nil, classify(op, err)
	}
	result := metrics.ResultSuccess
	if slot == nil {
		result = metrics.ResultNoSlot
	}
	q.metrics.ClaimsTotal.WithLabelValues(clientComponent, result).Inc()
	return slot, nil
}

// CountFree counts free (is_new_result=false) slots at client_path.
// Fails with NoSlot if client_path has zero slots provisioned.
func (q *ClientQueue) CountFree(ctx context.Context, kb, clientPath string) (int64, error) {
	n, err := q.count(ctx, kb, clientPath, false)
	if err == nil {
		q.metrics.SlotPoolFree.WithLabelValues(clientComponent, clientPath).Set(float64(n))
	}
	return n, err
}

// CountQueued counts waiting (is_new_result=true) slots at
// client_path. Fails with NoSlot if client_path has zero slots
// provisioned.
func (q *ClientQueue) CountQueued(ctx context.Context, kb, clientPath string) (int64, error) {
	return q.count(ctx, kb, clientPath, true)
}

func (q *ClientQueue) count(ctx context.Context, kb, clientPath string, isNewResult bool) (int64, error) {
	const op = "rpcfabric.client.count"
	var total int64
	totalSQL := fmt.Sprintf(`SELECT count(*) FROM %s_rpc_client WHERE client_path = $1`, kb)
	if err := q.db.GetContext(ctx, &total, totalSQL, clientPath); err != nil {
		return 0, kberrors.New(kberrors.StorageFailure, op, err)
	}
	if total == 0 {
		return 0, kberrors.New(kberrors.NoSlot, op, fmt.Errorf("no rpc client slots provisioned for path %q", clientPath))
	}

	var n int64
	sqlText := fmt.Sprintf(`SELECT count(*) FROM %s_rpc_client WHERE client_path = $1 AND is_new_result = $2`, kb)
	if err := q.db.GetContext(ctx, &n, sqlText, clientPath, isNewResult); err != nil {
		return 0, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return n, nil
}

// ListWaiting lists every slot with is_new_result=true across
// clientPath (or every path, if clientPath is empty), oldest first
// (spec.md §4.6.2 list_waiting).
func (q *ClientQueue) ListWaiting(ctx context.Context, kb, clientPath string) ([]models.RPCClientSlot, error) {
	const op = "rpcfabric.client.list_waiting"
	var out []models.RPCClientSlot
	if clientPath == "" {
		sqlText := fmt.Sprintf(`
			SELECT %s FROM %s_rpc_client WHERE is_new_result = true
			ORDER BY response_timestamp ASC`, rpcClientCols, kb)
		if err := q.db.SelectContext(ctx, &out, sqlText); err != nil {
			return nil, kberrors.New(kberrors.StorageFailure, op, err)
		}
		return out, nil
	}
	sqlText := fmt.Sprintf(`
		SELECT %s FROM %s_rpc_client WHERE client_path = $1 AND is_new_result = true
		ORDER BY response_timestamp ASC`, rpcClientCols, kb)
	if err := q.db.SelectContext(ctx, &out, sqlText, clientPath); err != nil {
		return nil, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return out, nil
}

// Clear resets every slot at client_path to the free state under a
// NOWAIT lock (spec.md §4.6.2 clear).
func (q *ClientQueue) Clear(ctx context.Context, kb, clientPath string) error {
	const op = "rpcfabric.client.clear"
	err := dbconn.WithTx(ctx, q.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
		lockSQL := fmt.Sprintf(`SELECT id FROM %s_rpc_client WHERE client_path = $1 FOR UPDATE NOWAIT`, kb)
		var ids []int64
		if err := tx.SelectContext(ctx, &ids, lockSQL, clientPath); err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		updateSQL := fmt.Sprintf(`
			UPDATE %s_rpc_client SET
				request_id = gen_random_uuid(), server_path = client_path, response_payload = '{}',
				response_timestamp = now(), is_new_result = false
			WHERE client_path = $1`, kb)
		if _, err := tx.ExecContext(ctx, updateSQL, clientPath); err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		return nil
	})
	return classify(op, err)
}
