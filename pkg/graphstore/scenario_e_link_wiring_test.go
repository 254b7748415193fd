package graphstore_test

import (
	"context"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/pkg/graphstore"
	"github.com/glenn-edgar/kbcore/pkg/kberrors"
)

// Scenario E (spec.md §8): create kb1, add a node at kb1.root.a,
// mount link m1 at (kb1, kb1.root.a), then link m1 under the same
// parent. The node ends up with has_link=true and has_link_mount=true;
// mounting a second link named m1 fails with Conflict.
var _ = Describe("Scenario E: link wiring", func() {
	It("wires a mount and a link onto the same node, then rejects a duplicate mount", func() {
		ctx := context.Background()
		mockDB, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		db := sqlx.NewDb(mockDB, "sqlmock")
		store := graphstore.New(db, zap.NewNop())

		mock.ExpectExec("(?s).*").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO kb1_info").WithArgs("kb1", "root kb").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO kbcore_kb_registry").WithArgs("kb1").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
		Expect(store.CreateKB(ctx, "kb1", "root kb")).To(Succeed())

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO kb1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "kb", "label", "name", "properties", "data", "path", "has_link", "has_link_mount"}).
				AddRow(int64(1), "kb1", "widget", "a", []byte(`{}`), []byte(`{}`), "kb1.root.a", false, false))
		mock.ExpectCommit()
		node, err := store.AddNode(ctx, "kb1", "widget", "a", nil, nil, "kb1.root.a")
		Expect(err).ToNot(HaveOccurred())
		Expect(node.HasLink).To(BeFalse())
		Expect(node.HasLinkMount).To(BeFalse())

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE kb1").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO kb1_link_mount").
			WithArgs("m1", "kb1", "kb1.root.a", "").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
		Expect(store.AddLinkMount(ctx, "kb1", "kb1.root.a", "m1", "")).To(Succeed())

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectExec("UPDATE kb1").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO kb1_link").
			WithArgs("m1", "kb1", "kb1.root.a").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
		Expect(store.AddLink(ctx, "kb1", "kb1.root.a", "m1")).To(Succeed())

		// A second mount named m1 collides on the link_mount table's
		// unique link_name constraint.
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE kb1").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO kb1_link_mount").
			WillReturnError(&pgconn.PgError{Code: "23505"})
		mock.ExpectRollback()
		err = store.AddLinkMount(ctx, "kb1", "kb1.root.a", "m1", "second mount")
		Expect(err).To(HaveOccurred())
		Expect(kberrors.Is(err, kberrors.Conflict)).To(BeTrue())

		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
