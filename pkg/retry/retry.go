// Package retry implements the exponential-backoff retry discipline
// described in spec.md §4.4/§5/§7: on serialization failure, deadlock,
// or lock-not-available, retry up to a caller-provided max with
// exponential backoff and a cap; surface kberrors.LockExhausted once
// the budget is spent.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/pkg/kberrors"
)

// Postgres SQLSTATE codes that indicate a transient, retry-worthy
// conflict rather than a genuine caller error.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
)

// Policy bundles the caller-provided retry tuning (spec.md §5:
// "Retry count, base delay, and cap are caller-provided").
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy matches spec.md §4.4's default of 3 retries and §5's
// typical 8-second cap.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// ErrRaced marks a claim attempt that lost a race to another
// claimant between its locking SELECT and its guarded UPDATE (spec.md
// §4.4 peek_and_claim step 3: "If no rows updated, retry."). It is
// Retryable so a single call to Do covers both genuine serialization
// conflicts and this read-then-guarded-write race.
var ErrRaced = errors.New("retry: claim raced with another claimant")

// Retryable reports whether err is a transient storage conflict that
// the retry loop should retry rather than surface immediately.
func Retryable(err error) bool {
	if errors.Is(err, ErrRaced) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			return true
		}
	}
	return false
}

// Option configures a single Do call beyond the caller-provided
// Policy.
type Option func(*options)

type options struct {
	onRetry func(attempt int)
}

// WithOnRetry registers a callback invoked once per retry attempt
// (not on the initial try), after the failure is confirmed Retryable
// and before the next attempt fires. Engines use this to drive
// metrics.Metrics.RetriesTotal without pkg/retry importing pkg/metrics.
func WithOnRetry(fn func(attempt int)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do runs op, retrying on Retryable errors per policy. Non-retryable
// errors (including those already wrapped as *kberrors.Error) are
// returned immediately without consuming a retry attempt. Once the
// retry budget is exhausted, the last error is wrapped as
// kberrors.LockExhausted.
func Do[T any](ctx context.Context, op string, policy Policy, logger *zap.Logger, fn func(context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	attempts := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !Retryable(err) {
			return zero, backoff.Permanent(err)
		}
		if attempts > policy.MaxRetries {
			return zero, backoff.Permanent(kberrors.New(kberrors.LockExhausted, op, err))
		}
		if o.onRetry != nil {
			o.onRetry(attempts)
		}
		logger.Warn("retrying after transient storage conflict",
			zap.String("op", op), zap.Int("attempt", attempts), zap.Error(err))
		return zero, err
	},
		backoff.WithBackOff(exponential(policy)),
		backoff.WithMaxTries(uint(policy.MaxRetries+1)),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Unwrap()
		}
		// Retry budget exhausted on the library's own MaxTries guard
		// rather than our own counter racing it.
		return zero, kberrors.New(kberrors.LockExhausted, op, err)
	}
	return result, nil
}

func exponential(policy Policy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.MaxInterval = policy.MaxDelay
	return b
}
