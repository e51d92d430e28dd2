// Package types holds the data model shared by every component of the
// copilot core: the transient Query, the derived Intent, the per-request
// OperationalSnapshot, the persisted retrieval/conversation entities, and
// the CopilotResponse contract the Guardrail Validator enforces.
package types

import (
	"strings"
	"time"
)

// IntentKind is the closed set of classified intents.
type IntentKind string

const (
	IntentKPICurrent        IntentKind = "kpi_current"
	IntentExplainOEE        IntentKind = "explain_oee"
	IntentExplainPlanChange IntentKind = "explain_plan_change"
	IntentQualitySummary    IntentKind = "quality_summary"
	IntentDataIntegrity     IntentKind = "data_integrity"
	IntentRunbookRequest    IntentKind = "runbook_request"
	IntentGeneric           IntentKind = "generic"
)

// Path is the route an Intent takes through the Orchestrator.
type Path string

const (
	PathFast Path = "fast"
	PathLLM  Path = "llm"
)

// ContextBudget sizes the Prompt Renderer's token budget.
type ContextBudget string

const (
	BudgetSmall  ContextBudget = "small"
	BudgetMedium ContextBudget = "medium"
	BudgetLarge  ContextBudget = "large"
)

// Query is the transient inbound question.
type Query struct {
	TenantID           string `json:"tenant_id" validate:"required"`
	UserID             string `json:"user_id" validate:"required"`
	RawText            string `json:"user_query" validate:"required,min=1,max=2000"`
	EntityType         string `json:"entity_type,omitempty"`
	EntityID           string `json:"entity_id,omitempty"`
	ConversationID     string `json:"conversation_id,omitempty"`
	IdempotencyKey     string `json:"idempotency_key,omitempty"`
	ContextWindowHours int    `json:"context_window_hours,omitempty" validate:"omitempty,min=1,max=720"`
	IncludeCitations   bool   `json:"include_citations"`
}

// Severity is the closed set of error severities carried by a snapshot.
type Severity string

const (
	SeverityMinor    Severity = "Minor"
	SeverityMajor    Severity = "Major"
	SeverityCritical Severity = "Critical"
)

// RecentError is one row of the snapshot's recent-errors list.
type RecentError struct {
	ID        string    `json:"id"`
	Phase     string    `json:"phase"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// PhaseWIP is one entry of the snapshot's top-N phases by WIP.
type PhaseWIP struct {
	Phase string `json:"phase"`
	WIP   int    `json:"wip"`
}

// KPISet holds the current-value KPIs, each either a percentage in
// [0,100] or nil when unknown.
type KPISet struct {
	Availability *float64 `json:"availability"`
	Performance  *float64 `json:"performance"`
	Quality      *float64 `json:"quality"`
	OEE          *float64 `json:"oee"`
	FPY          *float64 `json:"fpy"`
	ReworkRate   *float64 `json:"rework_rate"`
}

// Get returns the named KPI's value and whether it is known. Recognized
// names are case-insensitive: oee, fpy, availability, performance,
// quality, rework(_rate).
func (k KPISet) Get(name string) (float64, bool) {
	var v *float64
	switch strings.ToLower(name) {
	case "availability":
		v = k.Availability
	case "performance":
		v = k.Performance
	case "quality":
		v = k.Quality
	case "oee":
		v = k.OEE
	case "fpy":
		v = k.FPY
	case "rework", "rework_rate":
		v = k.ReworkRate
	default:
		return 0, false
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// OrderCounts tallies production orders by status.
type OrderCounts map[string]int

// OperationalSnapshot is an immutable, per-request view of operational
// state assembled by the Context Builder. It lives for one request.
type OperationalSnapshot struct {
	TenantID      string
	WindowHours   int
	WindowStart   time.Time
	WindowEnd     time.Time
	KPIs          KPISet
	OrdersByState OrderCounts
	RecentErrors  []RecentError
	TopPhasesWIP  []PhaseWIP
	DataGaps      []string
	GapCitations  []Citation
}

// SourceKind is the closed set of citation source kinds.
type SourceKind string

const (
	SourceDB          SourceKind = "db"
	SourceRAG         SourceKind = "rag"
	SourceEvent       SourceKind = "event"
	SourceCalculation SourceKind = "calculation"
)

// Citation points to the grounding evidence behind one Fact.
type Citation struct {
	SourceType string  `json:"source_type" validate:"required,oneof=db rag event calculation"`
	Ref        string  `json:"ref" validate:"required"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	TrustIndex float64 `json:"trust_index" validate:"gte=0,lte=1"`
}

// Fact is one grounded sentence of a response.
type Fact struct {
	Text      string     `json:"text" validate:"required"`
	Citations []Citation `json:"citations"`
}

// ActionType is the closed allow-list of proposal action types.
type ActionType string

const (
	ActionCreateDecisionPR ActionType = "CREATE_DECISION_PR"
	ActionDryRun           ActionType = "DRY_RUN"
	ActionOpenEntity       ActionType = "OPEN_ENTITY"
	ActionRunRunbook       ActionType = "RUN_RUNBOOK"
)

var allowedActionTypes = map[ActionType]bool{
	ActionCreateDecisionPR: true,
	ActionDryRun:           true,
	ActionOpenEntity:       true,
	ActionRunRunbook:       true,
}

// IsAllowed reports whether t is a member of the closed action allow-list.
func (t ActionType) IsAllowed() bool { return allowedActionTypes[t] }

// Action is a proposed action requiring external approval.
type Action struct {
	ActionType       ActionType     `json:"action_type" validate:"required"`
	Label            string         `json:"label"`
	RequiresApproval bool           `json:"requires_approval"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// WarningCode is the closed set of warning codes.
type WarningCode string

const (
	WarningInsufficientEvidence WarningCode = "INSUFFICIENT_EVIDENCE"
	WarningSecurityFlag         WarningCode = "SECURITY_FLAG"
	WarningLowTrustIndex        WarningCode = "LOW_TRUST_INDEX"
	WarningModelOffline         WarningCode = "MODEL_OFFLINE"
	WarningValidationFailed     WarningCode = "VALIDATION_FAILED"
	WarningRateLimited          WarningCode = "RATE_LIMITED"
)

// Warning is a non-fatal (or, for ERROR responses, the terminal) issue
// attached to a CopilotResponse.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// HasCode reports whether warnings contains one with the given code.
func HasCode(warnings []Warning, code WarningCode) bool {
	for _, w := range warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// ResponseType is the closed set of CopilotResponse types.
type ResponseType string

const (
	ResponseAnswer        ResponseType = "ANSWER"
	ResponseRunbookResult ResponseType = "RUNBOOK_RESULT"
	ResponseProposal      ResponseType = "PROPOSAL"
	ResponseError         ResponseType = "ERROR"
)

// Meta carries response provenance: model identity, usage, and timing.
type Meta struct {
	ModelName        string `json:"model_name"`
	TokenCount       int    `json:"token_count"`
	LatencyMS        int64  `json:"latency_ms"`
	ValidationPassed bool   `json:"validation_passed"`
}

// CopilotResponse is the full, auditable, citation-bearing response.
type CopilotResponse struct {
	SuggestionID  string       `json:"suggestion_id"`
	CorrelationID string       `json:"correlation_id"`
	Type          ResponseType `json:"type" validate:"required,oneof=ANSWER RUNBOOK_RESULT PROPOSAL ERROR"`
	Intent        IntentKind   `json:"intent"`
	Summary       string       `json:"summary"`
	Facts         []Fact       `json:"facts"`
	Actions       []Action     `json:"actions"`
	Warnings      []Warning    `json:"warnings"`
	Meta          Meta         `json:"meta"`
}

// RequiresGrounding reports whether this response's type is subject to
// Invariant 2 (facts-or-INSUFFICIENT_EVIDENCE).
func (r ResponseType) RequiresGrounding() bool {
	return r == ResponseAnswer || r == ResponseProposal
}

// DocumentChunk is a persisted, immutable fragment of an indexed
// document, paired with a fixed-dimension embedding.
type DocumentChunk struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Source    string    `json:"source" db:"source"`
	Ordinal   int       `json:"ordinal" db:"ordinal"`
	Text      string    `json:"text" db:"text"`
	Embedding []float32 `json:"-" db:"embedding"`
	Tags      []string  `json:"tags,omitempty" db:"tags"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RankedChunk is a DocumentChunk with its hybrid ranking scores.
type RankedChunk struct {
	DocumentChunk
	LexicalScore float64 `db:"lexical_score"`
	VectorScore  float64 `db:"vector_score"`
	Score        float64 `db:"-"`
}

// ActorRole is the closed set of Message actors.
type ActorRole string

const (
	ActorUser    ActorRole = "user"
	ActorCopilot ActorRole = "copilot"
)

// Conversation groups an ordered sequence of Messages for one user.
type Conversation struct {
	ID            string    `json:"id" db:"id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Title         string    `json:"title" db:"title"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	LastMessageAt time.Time `json:"last_message_at" db:"last_message_at"`
	Archived      bool      `json:"archived" db:"archived"`
}

// Message is one turn of a Conversation.
type Message struct {
	ID                string           `json:"id" db:"id"`
	ConversationID    string           `json:"conversation_id" db:"conversation_id"`
	Role              ActorRole        `json:"role" db:"role"`
	ContentText       string           `json:"content_text" db:"content_text"`
	ContentStructured *CopilotResponse `json:"content_structured,omitempty" db:"content_structured"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
}

// SuggestionAudit is the unconditional audit record of an answered
// request; every copilot Message references one by SuggestionID
// (Invariant 4).
type SuggestionAudit struct {
	SuggestionID   string          `json:"suggestion_id" db:"suggestion_id"`
	TenantID       string          `json:"tenant_id" db:"tenant_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	QueryText      string          `json:"query_text" db:"query_text"`
	ResolvedIntent IntentKind      `json:"resolved_intent" db:"resolved_intent"`
	Response       CopilotResponse `json:"response" db:"response"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}
