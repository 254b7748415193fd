package jobqueue_test

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/pkg/jobqueue"
	"github.com/glenn-edgar/kbcore/pkg/retry"
)

// Scenario F (spec.md §8): two callers race on one pending slot under
// the guarded double-check update. The loser's guarded UPDATE affects
// zero rows, which PeekAndClaim reports as retry.ErrRaced; the retry
// loop transparently re-attempts and, finding nothing left pending on
// the second pass, returns nil rather than ever claiming the slot
// twice.
var _ = Describe("Scenario F: lock retry on a raced claim", func() {
	It("retries past a raced double-check update and settles on nil", func() {
		ctx := context.Background()
		mockDB, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		db := sqlx.NewDb(mockDB, "sqlmock")
		engine := jobqueue.New(db, zap.NewNop(), retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)

		path := "kb1.jobs.racy"

		// First attempt: a pending row is visible, but another
		// transaction wins the guarded UPDATE first, so this
		// transaction's UPDATE affects zero rows.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, path, data").
			WithArgs(path).
			WillReturnRows(sqlmock.NewRows(jobCols).
				AddRow(int64(1), path, []byte(`{}`), nil, nil, nil, false, true))
		mock.ExpectQuery("UPDATE kb1_job").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(jobCols))
		mock.ExpectRollback()

		// Retry: the winner already claimed the only pending slot, so
		// nothing is left.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, path, data").
			WithArgs(path).
			WillReturnRows(sqlmock.NewRows(jobCols))
		mock.ExpectCommit()

		slot, err := engine.PeekAndClaim(ctx, "kb1", path)
		Expect(err).ToNot(HaveOccurred())
		Expect(slot).To(BeNil())

		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
