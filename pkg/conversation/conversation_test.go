package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/prodplan-one/copilot-core/internal/errors"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

func TestConversation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "conversation suite")
}

func newMockStore() (*Store, pgxmock.PgxPoolIface) {
	mock, err := pgxmock.NewPool()
	Expect(err).NotTo(HaveOccurred())
	return NewWithPool(mock), mock
}

var _ = Describe("Store", func() {
	var (
		store *Store
		mock  pgxmock.PgxPoolIface
	)

	BeforeEach(func() {
		store, mock = newMockStore()
	})

	AfterEach(func() {
		mock.Close()
	})

	Describe("CreateConversation", func() {
		It("inserts a new row and returns its id", func() {
			mock.ExpectExec("INSERT INTO conversations").
				WithArgs(pgxmock.AnyArg(), "tenant-a", "user-1", "my conversation").
				WillReturnResult(pgxmock.NewResult("INSERT", 1))

			id, err := store.CreateConversation(context.Background(), "tenant-a", "user-1", "my conversation")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("ListMessages", func() {
		It("returns not-found for a conversation owned by another tenant", func() {
			mock.ExpectQuery("SELECT tenant_id FROM conversations").
				WithArgs("conv-1").
				WillReturnRows(pgxmock.NewRows([]string{"tenant_id"}).AddRow("tenant-a"))

			_, err := store.ListMessages(context.Background(), "tenant-b", "conv-1", 50, 0)
			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.As(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeNotFound))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("WriteAudit", func() {
		It("inserts a suggestion_audits row independent of any conversation", func() {
			mock.ExpectExec("INSERT INTO suggestion_audits").
				WithArgs("sugg-1", "tenant-a", "user-1", "what is OEE", string(types.IntentKPICurrent), pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))

			audit := types.SuggestionAudit{
				SuggestionID:   "sugg-1",
				TenantID:       "tenant-a",
				UserID:         "user-1",
				QueryText:      "what is OEE",
				ResolvedIntent: types.IntentKPICurrent,
				Response:       types.CopilotResponse{Type: types.ResponseAnswer, Summary: "OEE is 47%"},
				Timestamp:      time.Now(),
			}

			err := store.WriteAudit(context.Background(), audit)
			Expect(err).NotTo(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("AppendTurn", func() {
		It("locks the conversation row, writes the audit and both messages, then commits", func() {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT tenant_id FROM conversations WHERE id = \\$1 FOR UPDATE").
				WithArgs("conv-1").
				WillReturnRows(pgxmock.NewRows([]string{"tenant_id"}).AddRow("tenant-a"))
			mock.ExpectExec("INSERT INTO suggestion_audits").WillReturnResult(pgxmock.NewResult("INSERT", 1))
			mock.ExpectExec("INSERT INTO messages").WillReturnResult(pgxmock.NewResult("INSERT", 1))
			mock.ExpectExec("INSERT INTO messages").WillReturnResult(pgxmock.NewResult("INSERT", 1))
			mock.ExpectExec("UPDATE conversations SET last_message_at").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			mock.ExpectCommit()

			audit := types.SuggestionAudit{
				SuggestionID:   "sugg-1",
				TenantID:       "tenant-a",
				UserID:         "user-1",
				QueryText:      "what is OEE",
				ResolvedIntent: types.IntentKPICurrent,
				Timestamp:      time.Now(),
			}
			resp := types.CopilotResponse{Type: types.ResponseAnswer, Summary: "OEE is 47%"}

			err := store.AppendTurn(context.Background(), "tenant-a", "conv-1", "what is OEE", audit, resp)
			Expect(err).NotTo(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("rolls back and returns not-found for a cross-tenant conversation", func() {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT tenant_id FROM conversations WHERE id = \\$1 FOR UPDATE").
				WithArgs("conv-1").
				WillReturnRows(pgxmock.NewRows([]string{"tenant_id"}).AddRow("tenant-other"))
			mock.ExpectRollback()

			err := store.AppendTurn(context.Background(), "tenant-a", "conv-1", "text", types.SuggestionAudit{}, types.CopilotResponse{})
			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.As(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeNotFound))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("Rename", func() {
		It("returns not-found when no row is affected", func() {
			mock.ExpectExec("UPDATE conversations SET title").
				WithArgs("new title", "conv-1", "tenant-a").
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))

			err := store.Rename(context.Background(), "tenant-a", "conv-1", "new title")
			Expect(err).To(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})
})
