// Package orchestrator is the Orchestrator (C11): the process_ask
// state machine that sequences every other component for one inbound
// question. The pipeline is strictly sequential within a request (no
// fan-out), which keeps the audit trail trivial and the validator's
// grounding check simple.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/prodplan-one/copilot-core/internal/errors"
	"github.com/prodplan-one/copilot-core/internal/telemetry"
	"github.com/prodplan-one/copilot-core/pkg/contextbuilder"
	"github.com/prodplan-one/copilot-core/pkg/conversation"
	"github.com/prodplan-one/copilot-core/pkg/fastpath"
	"github.com/prodplan-one/copilot-core/pkg/guardrail"
	"github.com/prodplan-one/copilot-core/pkg/intent"
	"github.com/prodplan-one/copilot-core/pkg/modelgateway"
	"github.com/prodplan-one/copilot-core/pkg/normalizer"
	"github.com/prodplan-one/copilot-core/pkg/promptrenderer"
	"github.com/prodplan-one/copilot-core/pkg/ratelimit"
	"github.com/prodplan-one/copilot-core/pkg/retrieval"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

// Orchestrator wires every component into the process_ask pipeline.
type Orchestrator struct {
	Model        modelgateway.Client
	Retrieval    retrieval.Store
	Context      *contextbuilder.Builder
	Renderer     *promptrenderer.Renderer
	Conversation *conversation.Store
	RateLimiter  *ratelimit.Limiter

	FastPathEnabled bool
	WallClockBudget time.Duration
	GuardrailOpts   guardrail.Options
	GuardrailSource guardrail.LiveOptionsSource
	RetrievalTopK   int
	IdempotencyTTL  time.Duration

	Logger  *zap.Logger
	Metrics *telemetry.Metrics

	idempotency idempotencyCache
}

var tracer = telemetry.Tracer()

// idempotencyCache replays a prior response for (tenant, idempotency_key)
// within its validity window (spec §8's idempotence law), mirroring the
// mutex+map in-process fallback shape pkg/ratelimit uses for its own
// per-process tier.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

type idempotencyEntry struct {
	resp      types.CopilotResponse
	expiresAt time.Time
}

func (o *Orchestrator) lookupIdempotent(key string) (types.CopilotResponse, bool) {
	o.idempotency.mu.Lock()
	defer o.idempotency.mu.Unlock()
	entry, ok := o.idempotency.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return types.CopilotResponse{}, false
	}
	return entry.resp, true
}

func (o *Orchestrator) storeIdempotent(key string, resp types.CopilotResponse) {
	ttl := o.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	o.idempotency.mu.Lock()
	defer o.idempotency.mu.Unlock()
	if o.idempotency.entries == nil {
		o.idempotency.entries = map[string]idempotencyEntry{}
	}
	o.idempotency.entries[key] = idempotencyEntry{resp: resp, expiresAt: time.Now().Add(ttl)}
}

// ProcessAsk runs the full RECEIVE -> ... -> DONE/ERROR state machine
// for one Query and returns a well-formed CopilotResponse in every
// case — the core never surfaces a raw error to the caller.
func (o *Orchestrator) ProcessAsk(ctx context.Context, q types.Query) types.CopilotResponse {
	start := time.Now()
	correlationID := q.IdempotencyKey
	if correlationID == "" {
		correlationID = fmt.Sprintf("%s-%d", q.TenantID, start.UnixNano())
	}

	var idemKey string
	if q.IdempotencyKey != "" {
		idemKey = q.TenantID + "|" + q.IdempotencyKey
		if cached, ok := o.lookupIdempotent(idemKey); ok {
			return cached
		}
	}

	ctx, cancel := ratelimit.WallClockGuard(ctx, o.WallClockBudget)
	defer cancel()

	ctx, span := tracer.Start(ctx, "process_ask", trace.WithAttributes(
		attribute.String("tenant_id", q.TenantID),
		attribute.String("user_id", q.UserID),
	))
	defer span.End()

	resp := o.run(ctx, q, correlationID, start)

	o.recordOutcome(resp)
	span.SetAttributes(attribute.String("outcome", string(resp.Type)))
	if resp.Type == types.ResponseError {
		span.SetStatus(codes.Error, "process_ask returned ERROR")
	}

	if idemKey != "" {
		o.storeIdempotent(idemKey, resp)
	}
	return resp
}

func (o *Orchestrator) run(ctx context.Context, q types.Query, correlationID string, start time.Time) types.CopilotResponse {
	// RATE_CHECK
	_, rateSpan := tracer.Start(ctx, "rate_check")
	allowed, err := o.RateLimiter.Allow(ctx, q.TenantID, q.UserID)
	rateSpan.End()
	if err != nil {
		o.Logger.Warn("orchestrator: rate limiter error, failing open", zap.Error(err))
	} else if !allowed {
		return o.errorResponse(correlationID, start, types.IntentGeneric, types.WarningRateLimited, "You've reached your request limit for now — please try again later.")
	}

	// INTENT
	class := intent.Classify(q)

	if ctx.Err() != nil {
		return o.errorResponse(correlationID, start, class.Intent, types.WarningModelOffline, "That took too long to process — please try again.")
	}

	// SNAPSHOT
	_, snapSpan := tracer.Start(ctx, "snapshot")
	windowHours := q.ContextWindowHours
	if windowHours == 0 {
		windowHours = 24
	}
	snap := o.Context.Build(ctx, q.TenantID, windowHours)
	snapSpan.End()

	if class.Path == types.PathFast && o.FastPathEnabled {
		return o.runFastPath(ctx, q, class, snap, correlationID, start)
	}
	return o.runLLMPath(ctx, q, class, snap, correlationID, start)
}

func (o *Orchestrator) runFastPath(ctx context.Context, q types.Query, class intent.Classification, snap *types.OperationalSnapshot, correlationID string, start time.Time) types.CopilotResponse {
	_, span := tracer.Start(ctx, "fast_resolve")
	facts, warnings := fastpath.Resolve(q, snap)
	span.End()

	resp := types.CopilotResponse{
		Type:     types.ResponseAnswer,
		Intent:   class.Intent,
		Facts:    facts,
		Warnings: warnings,
	}
	if len(facts) > 0 {
		resp.Summary = facts[0].Text
	}

	grounding := guardrail.NewGroundingSet(nil, []string{contextbuilder.SnapshotRef(snap)})
	opts := o.guardrailOpts(q.TenantID)
	validated := guardrail.Validate(ctx, &resp, grounding, opts)

	final := normalizer.Normalize(validated, normalizer.Meta{
		CorrelationID:    correlationID,
		ModelName:        "fast-path",
		StartedAt:        start,
		ValidationPassed: !types.HasCode(validated.Warnings, types.WarningValidationFailed),
	})

	o.persist(ctx, q, class.Intent, *final)
	return *final
}

func (o *Orchestrator) runLLMPath(ctx context.Context, q types.Query, class intent.Classification, snap *types.OperationalSnapshot, correlationID string, start time.Time) types.CopilotResponse {
	var chunks []promptrenderer.Chunk
	var chunkIDs []string

	if o.Retrieval != nil {
		_, retrSpan := tracer.Start(ctx, "retrieve")
		queryEmbedding, embErr := o.Model.Embed(ctx, []string{q.RawText})
		switch {
		case embErr != nil:
			o.Logger.Warn("orchestrator: embedding failed, proceeding without RAG", zap.Error(embErr))
			snap.DataGaps = append(snap.DataGaps, "retrieval: embedding failed")
		case len(queryEmbedding) == 1:
			ranked, searchErr := o.Retrieval.Search(ctx, q.TenantID, q.RawText, queryEmbedding[0], o.topK())
			if searchErr != nil {
				o.Logger.Warn("orchestrator: retrieval degraded, proceeding without RAG", zap.Error(searchErr))
				snap.DataGaps = append(snap.DataGaps, "retrieval: "+searchErr.Error())
			} else {
				for _, rc := range ranked {
					chunks = append(chunks, promptrenderer.Chunk{ID: rc.ID, Text: rc.Text, Score: rc.Score})
					chunkIDs = append(chunkIDs, rc.ID)
				}
			}
		}
		retrSpan.End()
	}

	// RENDER
	_, renderSpan := tracer.Start(ctx, "render")
	prompt := o.Renderer.Render(q, chunks, snap, o.Context, class.Budget)
	renderSpan.End()

	// GENERATE (with one repair retry on parse failure, per §4.7 item 1)
	resp, modelName, tokenCount, genErr := o.generateAndParse(ctx, prompt)
	if genErr != nil {
		appErr, _ := apperrors.As(genErr)
		if appErr != nil && appErr.Type == apperrors.ErrorTypeModelOffline {
			if class.Intent == types.IntentKPICurrent && o.FastPathEnabled {
				return o.runFastPath(ctx, q, class, snap, correlationID, start)
			}
			return o.errorResponse(correlationID, start, class.Intent, types.WarningModelOffline, "The model is unavailable right now — please try again shortly.")
		}
		return o.errorResponse(correlationID, start, class.Intent, types.WarningValidationFailed, "I couldn't validate my own answer — please rephrase.")
	}
	resp.Intent = class.Intent

	// VALIDATE
	_, validateSpan := tracer.Start(ctx, "validate")
	snapshotRefs := []string{contextbuilder.SnapshotRef(snap)}
	grounding := guardrail.NewGroundingSet(chunkIDs, snapshotRefs)
	opts := o.guardrailOpts(q.TenantID)
	validated := guardrail.Validate(ctx, resp, grounding, opts)
	validateSpan.End()

	if types.HasCode(validated.Warnings, types.WarningSecurityFlag) && validated.Type == types.ResponseError {
		final := normalizer.Normalize(validated, normalizer.Meta{CorrelationID: correlationID, ModelName: modelName, TokenCount: tokenCount, StartedAt: start})
		o.persist(ctx, q, class.Intent, *final)
		return *final
	}

	// NORMALIZE
	final := normalizer.Normalize(validated, normalizer.Meta{
		CorrelationID:    correlationID,
		ModelName:        modelName,
		TokenCount:       tokenCount,
		StartedAt:        start,
		ValidationPassed: !types.HasCode(validated.Warnings, types.WarningValidationFailed),
	})

	// PERSIST (best-effort)
	o.persist(ctx, q, class.Intent, *final)

	return *final
}

// generateAndParse calls the Model Gateway and parses its reply,
// retrying once with a repair instruction on a parse failure (spec
// §4.7 item 1 / §7's "one repair pass").
func (o *Orchestrator) generateAndParse(ctx context.Context, prompt string) (*types.CopilotResponse, string, int, error) {
	reply, err := o.Model.Generate(ctx, prompt, modelgateway.DefaultOptions())
	if err != nil {
		return nil, "", 0, err
	}

	resp, hint, parseErr := guardrail.Parse(reply.Text)
	if parseErr == nil {
		return resp, reply.ModelName, reply.EvalTokens, nil
	}

	repairPrompt := prompt + "\n\nYour previous reply could not be used: " + hint + "\nRespond again with a single corrected JSON object."
	reply2, err2 := o.Model.Generate(ctx, repairPrompt, modelgateway.DefaultOptions())
	if err2 != nil {
		return nil, "", 0, err2
	}
	resp2, _, parseErr2 := guardrail.Parse(reply2.Text)
	if parseErr2 != nil {
		return nil, "", 0, apperrors.New(apperrors.ErrorTypeValidationFailed, "model reply failed validation after one repair attempt")
	}
	return resp2, reply2.ModelName, reply2.EvalTokens, nil
}

// guardrailOpts returns the validator tuning for one request, preferring
// GuardrailSource's live values (e.g. a config.Watcher) over the static
// GuardrailOpts when one is configured.
func (o *Orchestrator) guardrailOpts(tenantID string) guardrail.Options {
	opts := o.GuardrailOpts
	if o.GuardrailSource != nil {
		opts.LowTrustThreshold = o.GuardrailSource.LowTrustThreshold()
		opts.RedactEmployeeNames = o.GuardrailSource.RedactEmployeeNames()
	}
	opts.TenantID = tenantID
	return opts
}

func (o *Orchestrator) topK() int {
	if o.RetrievalTopK <= 0 {
		return 8
	}
	return o.RetrievalTopK
}

func (o *Orchestrator) errorResponse(correlationID string, start time.Time, intentKind types.IntentKind, code types.WarningCode, summary string) types.CopilotResponse {
	resp := types.CopilotResponse{
		Type:     types.ResponseError,
		Intent:   intentKind,
		Summary:  summary,
		Warnings: []types.Warning{{Code: code}},
	}
	final := normalizer.Normalize(&resp, normalizer.Meta{CorrelationID: correlationID, StartedAt: start})
	return *final
}

// persist is best-effort: a failure is logged but never changes the
// response already computed for the caller (spec §4.11). The
// SuggestionAudit row is written unconditionally for every answered
// request; the message-thread linkage (AppendTurn) only applies when
// the request carries a conversation id.
func (o *Orchestrator) persist(ctx context.Context, q types.Query, intentKind types.IntentKind, resp types.CopilotResponse) {
	if o.Conversation == nil {
		return
	}
	audit := types.SuggestionAudit{
		SuggestionID:   resp.SuggestionID,
		TenantID:       q.TenantID,
		UserID:         q.UserID,
		QueryText:      q.RawText,
		ResolvedIntent: intentKind,
		Response:       resp,
		Timestamp:      time.Now(),
	}
	if q.ConversationID == "" {
		if err := o.Conversation.WriteAudit(ctx, audit); err != nil {
			o.Logger.Error("orchestrator: audit persistence failed, response already returned to caller", zap.Error(err))
		}
		return
	}
	if err := o.Conversation.AppendTurn(ctx, q.TenantID, q.ConversationID, q.RawText, audit, resp); err != nil {
		o.Logger.Error("orchestrator: persistence failed, response already returned to caller", zap.Error(err))
	}
}

// EnsureConversation is a separate idempotent helper resolving Open
// Question 2: callers that don't yet have a conversation id pass one
// explicitly through this before calling ProcessAsk, rather than
// ProcessAsk silently creating one.
func (o *Orchestrator) EnsureConversation(ctx context.Context, tenantID, userID, conversationID, title string) (string, error) {
	if conversationID != "" {
		return conversationID, nil
	}
	return o.Conversation.CreateConversation(ctx, tenantID, userID, title)
}

func (o *Orchestrator) recordOutcome(resp types.CopilotResponse) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.RequestsTotal.WithLabelValues(string(resp.Type), string(resp.Intent)).Inc()
	o.Metrics.RequestLatencySec.WithLabelValues("process_ask").Observe(float64(resp.Meta.LatencyMS) / 1000.0)
}
