// Package httpapi is the thin HTTP surface binding the External
// Interfaces table (spec §6) onto the core packages. It carries no
// business logic: every handler reads tenant_id/user_id from request
// context set by upstream auth middleware (not part of this
// repository) and calls straight into the Orchestrator, pkg/insights,
// or pkg/conversation.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	apperrors "github.com/prodplan-one/copilot-core/internal/errors"
	"github.com/prodplan-one/copilot-core/pkg/conversation"
	"github.com/prodplan-one/copilot-core/pkg/insights"
	"github.com/prodplan-one/copilot-core/pkg/modelgateway"
	"github.com/prodplan-one/copilot-core/pkg/ratelimit"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

type tenantCtxKey struct{}
type userCtxKey struct{}

// WithIdentity stashes tenantID/userID on ctx the way the (external)
// auth middleware is expected to -- exported so a real auth layer can
// be dropped in ahead of these routes without this package changing.
func WithIdentity(ctx context.Context, tenantID, userID string) context.Context {
	ctx = context.WithValue(ctx, tenantCtxKey{}, tenantID)
	return context.WithValue(ctx, userCtxKey{}, userID)
}

func identity(r *http.Request) (tenantID, userID string) {
	tenantID, _ = r.Context().Value(tenantCtxKey{}).(string)
	userID, _ = r.Context().Value(userCtxKey{}).(string)
	return tenantID, userID
}

// Asker is the subset of the Orchestrator the HTTP layer depends on.
type Asker interface {
	ProcessAsk(ctx context.Context, q types.Query) types.CopilotResponse
}

// Prober reports Model Gateway health for GET /v1/health.
type Prober interface {
	Probe(ctx context.Context) (modelgateway.HealthStatus, error)
}

// Handlers holds every collaborator the HTTP surface binds to routes.
type Handlers struct {
	Orchestrator   Asker
	Model          Prober
	Conversation   *conversation.Store
	RateLimits     ratelimit.Source
	ModelName      string
	EmbeddingModel string
	Logger         *zap.Logger
}

// NewRouter builds the chi.Router binding every External Interfaces
// row to its handler.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Tenant-Id", "X-User-Id"},
		MaxAge:         300,
	}))
	r.Use(identityMiddleware)

	r.Post("/v1/ask", h.handleAsk)
	r.Get("/v1/health", h.handleHealth)
	r.Get("/v1/daily-feedback", h.handleDailyFeedback)
	r.Get("/v1/insights", h.handleInsights)
	r.Post("/v1/conversations", h.handleCreateConversation)
	r.Get("/v1/conversations", h.handleListConversations)
	r.Get("/v1/conversations/{id}/messages", h.handleListMessages)
	r.Post("/v1/conversations/{id}/messages", h.handleAppendMessage)
	r.Patch("/v1/conversations/{id}", h.handlePatchConversation)

	return r
}

// identityMiddleware stands in for the upstream auth middleware this
// repository does not own (per spec §1): it reads X-Tenant-Id/X-User-Id
// and stores them on context the same way a real auth layer would.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithIdentity(r.Context(), r.Header.Get("X-Tenant-Id"), r.Header.Get("X-User-Id"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": appErr.Message})
}

type askRequest struct {
	UserQuery          string `json:"user_query"`
	EntityType         string `json:"entity_type"`
	EntityID           string `json:"entity_id"`
	ContextWindowHours int    `json:"context_window_hours"`
	IncludeCitations   *bool  `json:"include_citations"`
	IdempotencyKey     string `json:"idempotency_key"`
	ConversationID     string `json:"conversation_id"`
}

func (h *Handlers) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.ErrorTypeBadRequest, "malformed request body"))
		return
	}
	if len(req.UserQuery) == 0 || len(req.UserQuery) > 2000 {
		writeError(w, apperrors.New(apperrors.ErrorTypeBadRequest, "user_query must be 1..2000 characters"))
		return
	}
	tenantID, userID := identity(r)
	includeCitations := true
	if req.IncludeCitations != nil {
		includeCitations = *req.IncludeCitations
	}
	q := types.Query{
		TenantID:           tenantID,
		UserID:             userID,
		RawText:            req.UserQuery,
		EntityType:         req.EntityType,
		EntityID:           req.EntityID,
		ConversationID:     req.ConversationID,
		IdempotencyKey:     req.IdempotencyKey,
		ContextWindowHours: req.ContextWindowHours,
		IncludeCitations:   includeCitations,
	}
	resp := h.Orchestrator.ProcessAsk(r.Context(), q)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	ollama := "online"
	if h.Model != nil {
		probe, err := h.Model.Probe(r.Context())
		if err != nil {
			ollama = string(modelgateway.StatusOffline)
		} else {
			ollama = string(probe)
		}
	}
	if ollama == string(modelgateway.StatusOffline) {
		status = "unhealthy"
	} else if ollama == string(modelgateway.StatusDegraded) {
		status = "degraded"
	}
	rateLimit := map[string]int{}
	if h.RateLimits != nil {
		rateLimit["per_hour"] = h.RateLimits.PerHour()
		rateLimit["per_day"] = h.RateLimits.PerDay()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"ollama":          ollama,
		"embeddings_model": h.EmbeddingModel,
		"rate_limit":      rateLimit,
	})
}

func (h *Handlers) handleDailyFeedback(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := identity(r)
	date := parseDateParam(r, "date")
	fb, err := insights.DailyFeedback(r.Context(), h.Orchestrator, tenantID, date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

func (h *Handlers) handleInsights(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := identity(r)
	date := parseDateParam(r, "date")
	in, err := insights.Insights(r.Context(), h.Orchestrator, tenantID, date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func parseDateParam(r *http.Request, key string) time.Time {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (h *Handlers) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	json.NewDecoder(r.Body).Decode(&req)
	tenantID, userID := identity(r)
	id, err := h.Conversation.CreateConversation(r.Context(), tenantID, userID, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handlers) handleListConversations(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := identity(r)
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	var archived *bool
	if raw := r.URL.Query().Get("archived"); raw != "" {
		b := raw == "true"
		archived = &b
	}
	convos, err := h.Conversation.ListConversations(r.Context(), tenantID, userID, limit, offset, archived)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convos)
}

func (h *Handlers) handleListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := identity(r)
	id := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	msgs, err := h.Conversation.ListMessages(r.Context(), tenantID, id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type appendMessageRequest struct {
	UserQuery string `json:"user_query"`
}

// handleAppendMessage runs process_ask scoped to this conversation and
// persists the turn -- the same effect as POST /v1/ask with a
// conversation_id, exposed as its own route per the External
// Interfaces table.
func (h *Handlers) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.ErrorTypeBadRequest, "malformed request body"))
		return
	}
	tenantID, userID := identity(r)
	id := chi.URLParam(r, "id")
	resp := h.Orchestrator.ProcessAsk(r.Context(), types.Query{
		TenantID:         tenantID,
		UserID:           userID,
		RawText:          req.UserQuery,
		ConversationID:   id,
		IncludeCitations: true,
	})
	writeJSON(w, http.StatusOK, resp)
}

type patchConversationRequest struct {
	Title    *string `json:"title"`
	Archived *bool   `json:"archived"`
}

func (h *Handlers) handlePatchConversation(w http.ResponseWriter, r *http.Request) {
	var req patchConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.ErrorTypeBadRequest, "malformed request body"))
		return
	}
	tenantID, _ := identity(r)
	id := chi.URLParam(r, "id")

	if req.Title != nil {
		if err := h.Conversation.Rename(r.Context(), tenantID, id, *req.Title); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Archived != nil && *req.Archived {
		if err := h.Conversation.Archive(r.Context(), tenantID, id); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
