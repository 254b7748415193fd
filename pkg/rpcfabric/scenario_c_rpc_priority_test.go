package rpcfabric_test

import (
	"context"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/pkg/retry"
	"github.com/glenn-edgar/kbcore/pkg/rpcfabric"
)

// Scenario C (spec.md §8): pre-allocate 4 server slots for kb1.srv.a.
// Push (r1,pri=1), (r2,pri=3), (r3,pri=2), (r4,pri=3) at t=1..4.
// Consecutive peek_and_claim calls return r2, r4, r3, r1 — priority
// descending, FIFO among equal priorities (property 6). mark_completion
// frees each claimed slot back to empty.
var _ = Describe("Scenario C: RPC server priority dispatch", func() {
	It("claims in priority-then-FIFO order and frees on completion", func() {
		ctx := context.Background()
		mockDB, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		db := sqlx.NewDb(mockDB, "sqlmock")
		server := rpcfabric.NewServerQueue(db, zap.NewNop(), retry.Policy{MaxRetries: 2}, nil)

		path := "kb1.srv.a"
		requests := []struct {
			id       uuid.UUID
			priority int
		}{
			{uuid.New(), 1}, // r1
			{uuid.New(), 3}, // r2
			{uuid.New(), 2}, // r3
			{uuid.New(), 3}, // r4
		}

		for i, r := range requests {
			mock.ExpectBegin()
			mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("SELECT id FROM kb1_rpc_server").WithArgs(path).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(i + 1)))
			mock.ExpectQuery("UPDATE kb1_rpc_server").
				WillReturnRows(sqlmock.NewRows(serverCols).
					AddRow(int64(i+1), path, r.id, "do_thing", []byte(`{}`), "", r.priority, "", "new_job", nil, nil, nil))
			mock.ExpectCommit()

			_, err := server.Push(ctx, "kb1", path, r.id, "do_thing", nil, "", r.priority, "")
			Expect(err).ToNot(HaveOccurred())
		}

		// Claim order by (priority desc, request_timestamp asc):
		// r2 (id=2,pri=3), r4 (id=4,pri=3), r3 (id=3,pri=2), r1 (id=1,pri=1).
		claimOrder := []struct {
			slotID   int64
			reqIndex int
		}{
			{2, 1}, // r2
			{4, 3}, // r4
			{3, 2}, // r3
			{1, 0}, // r1
		}

		for _, c := range claimOrder {
			r := requests[c.reqIndex]
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT id FROM kb1_rpc_server").WithArgs(path).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(c.slotID))
			mock.ExpectQuery("UPDATE kb1_rpc_server").WithArgs(c.slotID).
				WillReturnRows(sqlmock.NewRows(serverCols).
					AddRow(c.slotID, path, r.id, "do_thing", []byte(`{}`), "", r.priority, "", "processing", nil, nil, nil))
			mock.ExpectCommit()

			slot, err := server.PeekAndClaim(ctx, "kb1", path)
			Expect(err).ToNot(HaveOccurred())
			Expect(slot).ToNot(BeNil())
			Expect(slot.ID).To(Equal(c.slotID))
			Expect(slot.RequestID).To(Equal(r.id))

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT id FROM kb1_rpc_server").WithArgs(c.slotID, path).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(c.slotID))
			mock.ExpectExec("UPDATE kb1_rpc_server").WithArgs(c.slotID).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			ok, err := server.MarkCompletion(ctx, "kb1", path, c.slotID)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		}

		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
