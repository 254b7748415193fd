package streambuf_test

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/pkg/retry"
	"github.com/glenn-edgar/kbcore/pkg/streambuf"
)

// Scenario B (spec.md §8): pre-allocate 2 stream slots for
// kb1.tel.cpu. Push three values in increasing recorded_at order;
// since K=3 > S=2, the pool retains only the two most recent. list
// descending returns the newest two, and get_latest returns the
// single newest.
var _ = Describe("Scenario B: stream circular overwrite", func() {
	It("retains only the most recent S of K>S pushed values", func() {
		ctx := context.Background()
		mockDB, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		db := sqlx.NewDb(mockDB, "sqlmock")
		engine := streambuf.New(db, zap.NewNop(), retry.Policy{MaxRetries: 2}, nil)

		path := "kb1.tel.cpu"
		t1 := time.Unix(1, 0).UTC()
		t2 := time.Unix(2, 0).UTC()
		t3 := time.Unix(3, 0).UTC()

		// push {"v":10} at t1 claims the slot with no history yet.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT count").WithArgs(path).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
		mock.ExpectQuery("SELECT id FROM kb1_stream").WithArgs(path).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		mock.ExpectQuery("UPDATE kb1_stream").
			WillReturnRows(sqlmock.NewRows(streamCols).AddRow(int64(1), path, t1, []byte(`{"v":10}`), true))
		mock.ExpectCommit()
		_, err = engine.Push(ctx, "kb1", path, []byte(`{"v":10}`))
		Expect(err).ToNot(HaveOccurred())

		// push {"v":20} at t2 claims slot 2, the other provisioned row.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT count").WithArgs(path).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
		mock.ExpectQuery("SELECT id FROM kb1_stream").WithArgs(path).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
		mock.ExpectQuery("UPDATE kb1_stream").
			WillReturnRows(sqlmock.NewRows(streamCols).AddRow(int64(2), path, t2, []byte(`{"v":20}`), true))
		mock.ExpectCommit()
		_, err = engine.Push(ctx, "kb1", path, []byte(`{"v":20}`))
		Expect(err).ToNot(HaveOccurred())

		// push {"v":30} at t3 overwrites slot 1, the now-globally-oldest row.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT count").WithArgs(path).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
		mock.ExpectQuery("SELECT id FROM kb1_stream").WithArgs(path).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		mock.ExpectQuery("UPDATE kb1_stream").
			WillReturnRows(sqlmock.NewRows(streamCols).AddRow(int64(1), path, t3, []byte(`{"v":30}`), true))
		mock.ExpectCommit()
		_, err = engine.Push(ctx, "kb1", path, []byte(`{"v":30}`))
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery("SELECT .* FROM kb1_stream").
			WithArgs(path, 10, 0).
			WillReturnRows(sqlmock.NewRows(streamCols).
				AddRow(int64(1), path, t3, []byte(`{"v":30}`), true).
				AddRow(int64(2), path, t2, []byte(`{"v":20}`), true))
		listed, err := engine.List(ctx, "kb1", path, 10, 0, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(listed).To(HaveLen(2))
		Expect(string(listed[0].Data)).To(Equal(`{"v":30}`))
		Expect(string(listed[1].Data)).To(Equal(`{"v":20}`))

		mock.ExpectQuery("SELECT .* FROM kb1_stream").WithArgs(path).
			WillReturnRows(sqlmock.NewRows(streamCols).
				AddRow(int64(1), path, t3, []byte(`{"v":30}`), true))
		latest, err := engine.GetLatest(ctx, "kb1", path)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(latest.Data)).To(Equal(`{"v":30}`))

		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
