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

// Scenario A (spec.md §8): pre-allocate 3 job slots for
// kb1.jobs.worker, push three payloads, claim all three in push
// order, complete each, and land back at count_queued=0,
// count_free=3.
var _ = Describe("Scenario A: job round-trip", func() {
	It("pushes three jobs, claims them in order, and completes all three", func() {
		ctx := context.Background()
		mockDB, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		db := sqlx.NewDb(mockDB, "sqlmock")
		engine := jobqueue.New(db, zap.NewNop(), retry.Policy{MaxRetries: 2}, nil)

		path := "kb1.jobs.worker"

		for i, x := range []int{1, 2, 3} {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT id FROM kb1_job").
				WithArgs(path).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(i + 1)))
			mock.ExpectQuery("UPDATE kb1_job").
				WillReturnRows(sqlmock.NewRows(jobCols).
					AddRow(int64(i+1), path, []byte(`{"x":`+string(rune('1'+i))+`}`), nil, nil, nil, false, true))
			mock.ExpectCommit()

			_, err := engine.Push(ctx, "kb1", path, []byte(`{"x":`+string(rune('0'+x))+`}`))
			Expect(err).ToNot(HaveOccurred())
		}

		mock.ExpectQuery("SELECT count").
			WithArgs(path, true).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
		queued, err := engine.CountQueued(ctx, "kb1", path)
		Expect(err).ToNot(HaveOccurred())
		Expect(queued).To(Equal(int64(3)))

		mock.ExpectQuery("SELECT count").
			WithArgs(path, false).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
		free, err := engine.CountFree(ctx, "kb1", path)
		Expect(err).ToNot(HaveOccurred())
		Expect(free).To(Equal(int64(0)))

		now := time.Now()
		for i, x := range []int{1, 2, 3} {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT id, path, data").
				WithArgs(path).
				WillReturnRows(sqlmock.NewRows(jobCols).
					AddRow(int64(i+1), path, []byte(`{"x":`+string(rune('0'+x))+`}`), nil, nil, now, false, true))
			mock.ExpectQuery("UPDATE kb1_job").
				WithArgs(int64(i + 1)).
				WillReturnRows(sqlmock.NewRows(jobCols).
					AddRow(int64(i+1), path, []byte(`{"x":`+string(rune('0'+x))+`}`), nil, now, now, true, true))
			mock.ExpectCommit()

			slot, err := engine.PeekAndClaim(ctx, "kb1", path)
			Expect(err).ToNot(HaveOccurred())
			Expect(slot).ToNot(BeNil())
			Expect(slot.ID).To(Equal(int64(i + 1)))
		}

		for i := 1; i <= 3; i++ {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT is_active FROM kb1_job").
				WithArgs(int64(i)).
				WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))
			mock.ExpectExec("UPDATE kb1_job").
				WithArgs(int64(i)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			completed, err := engine.MarkCompleted(ctx, "kb1", int64(i))
			Expect(err).ToNot(HaveOccurred())
			Expect(completed).To(BeTrue())
		}

		mock.ExpectQuery("SELECT count").
			WithArgs(path, true).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
		queued, err = engine.CountQueued(ctx, "kb1", path)
		Expect(err).ToNot(HaveOccurred())
		Expect(queued).To(Equal(int64(0)))

		mock.ExpectQuery("SELECT count").
			WithArgs(path, false).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
		free, err = engine.CountFree(ctx, "kb1", path)
		Expect(err).ToNot(HaveOccurred())
		Expect(free).To(Equal(int64(3)))

		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
