package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prodplan-one/copilot-core/pkg/conversation"
	"github.com/prodplan-one/copilot-core/pkg/modelgateway"
	"github.com/prodplan-one/copilot-core/pkg/ratelimit"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

type fakeAsker struct {
	resp  types.CopilotResponse
	lastQ types.Query
}

func (f *fakeAsker) ProcessAsk(_ context.Context, q types.Query) types.CopilotResponse {
	f.lastQ = q
	return f.resp
}

type fakeProber struct {
	status modelgateway.HealthStatus
	err    error
}

func (f *fakeProber) Probe(_ context.Context) (modelgateway.HealthStatus, error) {
	return f.status, f.err
}

func newConversationStore(t *testing.T) (*conversation.Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return conversation.NewWithPool(mock), mock
}

func TestHandleAsk_ReturnsOrchestratorResponse(t *testing.T) {
	asker := &fakeAsker{resp: types.CopilotResponse{Type: types.ResponseAnswer, Summary: "OEE is 47%"}}
	store, mock := newConversationStore(t)
	defer mock.Close()

	router := NewRouter(&Handlers{Orchestrator: asker, Conversation: store, Logger: zap.NewNop()})

	body := bytes.NewBufferString(`{"user_query":"What is the OEE?"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/ask", body)
	req.Header.Set("X-Tenant-Id", "tenant-a")
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "OEE is 47%")
	assert.Equal(t, "tenant-a", asker.lastQ.TenantID)
}

func TestHandleAsk_RejectsOversizedQuery(t *testing.T) {
	asker := &fakeAsker{}
	store, mock := newConversationStore(t)
	defer mock.Close()

	router := NewRouter(&Handlers{Orchestrator: asker, Conversation: store, Logger: zap.NewNop()})

	huge := bytes.Repeat([]byte("a"), 2001)
	body := bytes.NewBufferString(`{"user_query":"` + string(huge) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/ask", body)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth_ReportsUnhealthyWhenModelOffline(t *testing.T) {
	store, mock := newConversationStore(t)
	defer mock.Close()
	router := NewRouter(&Handlers{
		Orchestrator: &fakeAsker{},
		Model:        &fakeProber{status: modelgateway.StatusOffline},
		Conversation: store,
		RateLimits:   ratelimit.NewSource(ratelimit.Limits{PerHour: 60, PerDay: 300}),
		Logger:       zap.NewNop(),
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
}

func TestHandleCreateConversation_PersistsAndReturnsID(t *testing.T) {
	store, mock := newConversationStore(t)
	defer mock.Close()
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(pgxmock.AnyArg(), "tenant-a", "user-1", "my chat").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	router := NewRouter(&Handlers{Orchestrator: &fakeAsker{}, Conversation: store, Logger: zap.NewNop()})

	body := bytes.NewBufferString(`{"title":"my chat"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", body)
	req.Header.Set("X-Tenant-Id", "tenant-a")
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
