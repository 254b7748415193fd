package rpcfabric_test

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/pkg/kberrors"
	"github.com/glenn-edgar/kbcore/pkg/retry"
	"github.com/glenn-edgar/kbcore/pkg/rpcfabric"
)

// Scenario D (spec.md §8): pre-allocate 2 client slots for kb1.cli.b.
// Two push_and_claim_reply calls succeed; a third fails with NoSlot.
// One peek_and_claim_reply returns the oldest reply, freeing a slot so
// a subsequent push now succeeds again.
var _ = Describe("Scenario D: RPC client reply pool exhaustion and recovery", func() {
	It("exhausts at capacity, fails the third push, then recovers a slot after a claim", func() {
		ctx := context.Background()
		mockDB, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		db := sqlx.NewDb(mockDB, "sqlmock")
		client := rpcfabric.NewClientQueue(db, zap.NewNop(), retry.Policy{MaxRetries: 2}, nil)

		path := "kb1.cli.b"
		r1, r2 := uuid.New(), uuid.New()
		now := time.Now().UTC()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM kb1_rpc_client").WithArgs(path).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		mock.ExpectQuery("UPDATE kb1_rpc_client").
			WillReturnRows(sqlmock.NewRows(clientCols).
				AddRow(int64(1), path, r1, "srv.a", "do_thing", "", []byte(`{}`), now, true))
		mock.ExpectCommit()
		_, err = client.PushAndClaimReply(ctx, "kb1", path, r1, "srv.a", "do_thing", "", nil)
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM kb1_rpc_client").WithArgs(path).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
		mock.ExpectQuery("UPDATE kb1_rpc_client").
			WillReturnRows(sqlmock.NewRows(clientCols).
				AddRow(int64(2), path, r2, "srv.a", "do_thing", "", []byte(`{}`), now, true))
		mock.ExpectCommit()
		_, err = client.PushAndClaimReply(ctx, "kb1", path, r2, "srv.a", "do_thing", "", nil)
		Expect(err).ToNot(HaveOccurred())

		// Third push finds both slots occupied (is_new_result=true).
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM kb1_rpc_client").WithArgs(path).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()
		_, err = client.PushAndClaimReply(ctx, "kb1", path, uuid.New(), "srv.a", "do_thing", "", nil)
		Expect(err).To(HaveOccurred())
		Expect(kberrors.Is(err, kberrors.NoSlot)).To(BeTrue())

		// peek_and_claim_reply returns the oldest waiting reply (slot 1)
		// and frees it.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT .* FROM kb1_rpc_client").WithArgs(path).
			WillReturnRows(sqlmock.NewRows(clientCols).
				AddRow(int64(1), path, r1, "srv.a", "do_thing", "", []byte(`{}`), now, true))
		mock.ExpectExec("UPDATE kb1_rpc_client").WithArgs(int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		reply, err := client.PeekAndClaimReply(ctx, "kb1", path)
		Expect(err).ToNot(HaveOccurred())
		Expect(reply.ID).To(Equal(int64(1)))

		// With slot 1 free again, a new push now succeeds.
		r3 := uuid.New()
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM kb1_rpc_client").WithArgs(path).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		mock.ExpectQuery("UPDATE kb1_rpc_client").
			WillReturnRows(sqlmock.NewRows(clientCols).
				AddRow(int64(1), path, r3, "srv.a", "do_thing", "", []byte(`{}`), now, true))
		mock.ExpectCommit()
		_, err = client.PushAndClaimReply(ctx, "kb1", path, r3, "srv.a", "do_thing", "", nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
