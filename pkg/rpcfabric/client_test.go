package rpcfabric_test

import (
	"context"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/pkg/kberrors"
	"github.com/glenn-edgar/kbcore/pkg/metrics"
	"github.com/glenn-edgar/kbcore/pkg/retry"
	"github.com/glenn-edgar/kbcore/pkg/rpcfabric"
)

var clientCols = []string{
	"id", "client_path", "request_id", "server_path", "rpc_action", "transaction_tag",
	"response_payload", "response_timestamp", "is_new_result",
}

var _ = Describe("ClientQueue", func() {
	var (
		ctx    context.Context
		db     *sqlx.DB
		mock   sqlmock.Sqlmock
		client *rpcfabric.ClientQueue
	)

	BeforeEach(func() {
		ctx = context.Background()
		mockDB, mockSQL, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		db = sqlx.NewDb(mockDB, "sqlmock")
		mock = mockSQL
		client = rpcfabric.NewClientQueue(db, zap.NewNop(), retry.Policy{MaxRetries: 2}, nil)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("PushAndClaimReply", func() {
		It("fails with NoSlot when every slot at client_path is occupied", func() {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT id FROM kb1_rpc_client").
				WithArgs("cli.a").
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			mock.ExpectRollback()

			_, err := client.PushAndClaimReply(ctx, "kb1", "cli.a", uuid.Nil, "srv.a", "do_thing", "", nil)
			Expect(err).To(HaveOccurred())
			Expect(kberrors.Is(err, kberrors.NoSlot)).To(BeTrue())
		})

		It("fails with InvalidArgument on a malformed action without touching the database", func() {
			_, err := client.PushAndClaimReply(ctx, "kb1", "cli.a", uuid.Nil, "srv.a", "9-not-a-label", "", nil)
			Expect(err).To(HaveOccurred())
			Expect(kberrors.Is(err, kberrors.InvalidArgument)).To(BeTrue())
		})
	})

	Describe("PeekAndClaimReply", func() {
		It("returns nil when nothing is waiting", func() {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT .* FROM kb1_rpc_client").
				WithArgs("cli.a").
				WillReturnRows(sqlmock.NewRows(clientCols))
			mock.ExpectCommit()

			slot, err := client.PeekAndClaimReply(ctx, "kb1", "cli.a")
			Expect(err).ToNot(HaveOccurred())
			Expect(slot).To(BeNil())
		})
	})

	Describe("CountFree", func() {
		It("fails with NoSlot when client_path has zero provisioned slots", func() {
			mock.ExpectQuery("SELECT count").
				WithArgs("cli.a").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

			_, err := client.CountFree(ctx, "kb1", "cli.a")
			Expect(err).To(HaveOccurred())
			Expect(kberrors.Is(err, kberrors.NoSlot)).To(BeTrue())
		})
	})
})

var _ = Describe("ClientQueue metrics wiring", func() {
	It("records an invalid-argument reply push as an error result without a retry", func() {
		ctx := context.Background()
		mockDB, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		db := sqlx.NewDb(mockDB, "sqlmock")

		registry := prometheus.NewRegistry()
		m := metrics.NewWithRegistry("kbcore_test_rpcclient", registry)
		client := rpcfabric.NewClientQueue(db, zap.NewNop(), retry.Policy{MaxRetries: 2}, m)

		_, err = client.PushAndClaimReply(ctx, "kb1", "cli.a", uuid.Nil, "srv.a", "", "", nil)
		Expect(kberrors.Is(err, kberrors.InvalidArgument)).To(BeTrue())
		Expect(testutil.ToFloat64(m.PushesTotal.WithLabelValues("rpcfabric.client", metrics.ResultError))).To(Equal(float64(1)))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
