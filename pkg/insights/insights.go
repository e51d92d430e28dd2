// Package insights implements the `daily_feedback` and `insights`
// inbound operations (spec §6) as pre-canned invocations of the
// Orchestrator: no new grounding or generation logic lives here, only
// query construction and CopilotResponse-to-dashboard-shape mapping.
package insights

import (
	"context"
	"time"

	"github.com/prodplan-one/copilot-core/pkg/types"
)

// Asker is the subset of the Orchestrator this package depends on.
type Asker interface {
	ProcessAsk(ctx context.Context, q types.Query) types.CopilotResponse
}

// Bullet is one line of a DailyFeedback report.
type Bullet struct {
	Severity  string          `json:"severity"`
	Title     string          `json:"title"`
	Text      string          `json:"text"`
	Citations []types.Citation `json:"citations"`
}

// DailyFeedback is the `daily_feedback(date?)` response shape.
type DailyFeedback struct {
	TenantID string   `json:"tenant_id"`
	Date     string   `json:"date"`
	Bullets  []Bullet `json:"bullets"`
}

// InsightItem is one entry of an InsightsResponse's now/next lists.
type InsightItem struct {
	Title     string            `json:"title"`
	Text      string            `json:"text"`
	Citations []types.Citation  `json:"citations"`
}

// InsightsResponse is the `insights(date?)` response shape, for
// dashboard consumption.
type InsightsResponse struct {
	TenantID string        `json:"tenant_id"`
	Date     string        `json:"date"`
	Now      []InsightItem `json:"now"`
	Next     []InsightItem `json:"next"`
	Meta     types.Meta    `json:"meta"`
}

const systemUserID = "system-scheduler"

// DailyFeedback runs the pre-canned quality/error summary query for
// tenantID over the last 24 hours and reshapes the resulting
// CopilotResponse into severity-tagged bullets. date (today when it is
// the zero Time) only labels the report; it does not change the window
// the query covers.
func DailyFeedback(ctx context.Context, asker Asker, tenantID string, date time.Time) (*DailyFeedback, error) {
	if date.IsZero() {
		date = time.Now().UTC()
	}
	q := types.Query{
		TenantID:           tenantID,
		UserID:             systemUserID,
		RawText:            "Give me a summary of today's quality issues, errors, and anything that needs attention.",
		ContextWindowHours: 24,
		IncludeCitations:   true,
	}
	resp := asker.ProcessAsk(ctx, q)

	fb := &DailyFeedback{TenantID: tenantID, Date: date.Format("2006-01-02")}
	if resp.Type == types.ResponseError {
		fb.Bullets = append(fb.Bullets, Bullet{
			Severity: "WARN",
			Title:    "Daily feedback unavailable",
			Text:     resp.Summary,
		})
		return fb, nil
	}
	for _, f := range resp.Facts {
		fb.Bullets = append(fb.Bullets, Bullet{
			Severity:  bulletSeverity(f),
			Title:     "Operational note",
			Text:      f.Text,
			Citations: f.Citations,
		})
	}
	if types.HasCode(resp.Warnings, types.WarningInsufficientEvidence) {
		fb.Bullets = append(fb.Bullets, Bullet{
			Severity: "INFO",
			Title:    "Limited evidence",
			Text:     "No grounded facts were available for this window.",
		})
	}
	return fb, nil
}

// bulletSeverity derives a DailyFeedback bullet's severity from the
// lowest trust index among its citations: below 0.5 is CRITICAL, below
// 0.75 (or no citation at all) is WARN, anything else is INFO, so a
// reviewer notices low-confidence facts.
func bulletSeverity(f types.Fact) string {
	minTrust := 1.0
	for _, c := range f.Citations {
		if c.TrustIndex < minTrust {
			minTrust = c.TrustIndex
		}
	}
	switch {
	case len(f.Citations) == 0:
		return "WARN"
	case minTrust < 0.5:
		return "CRITICAL"
	case minTrust < 0.75:
		return "WARN"
	default:
		return "INFO"
	}
}

// Insights runs two pre-canned queries -- current state and near-term
// outlook -- and assembles the dashboard's now/next lists.
func Insights(ctx context.Context, asker Asker, tenantID string, date time.Time) (*InsightsResponse, error) {
	if date.IsZero() {
		date = time.Now().UTC()
	}

	nowResp := asker.ProcessAsk(ctx, types.Query{
		TenantID:           tenantID,
		UserID:             systemUserID,
		RawText:            "What is the OEE, FPY, and rework rate right now?",
		ContextWindowHours: 24,
		IncludeCitations:   true,
	})
	nextResp := asker.ProcessAsk(ctx, types.Query{
		TenantID:           tenantID,
		UserID:             systemUserID,
		RawText:            "What plan changes or schedule risks should I expect next?",
		ContextWindowHours: 24,
		IncludeCitations:   true,
	})

	out := &InsightsResponse{TenantID: tenantID, Date: date.Format("2006-01-02")}
	out.Now = toInsightItems(nowResp)
	out.Next = toInsightItems(nextResp)
	out.Meta = types.Meta{
		ModelName:  "pre-canned",
		LatencyMS:  nowResp.Meta.LatencyMS + nextResp.Meta.LatencyMS,
		TokenCount: nowResp.Meta.TokenCount + nextResp.Meta.TokenCount,
	}
	return out, nil
}

func toInsightItems(resp types.CopilotResponse) []InsightItem {
	if resp.Type == types.ResponseError {
		return []InsightItem{{Title: "Unavailable", Text: resp.Summary}}
	}
	items := make([]InsightItem, 0, len(resp.Facts))
	for _, f := range resp.Facts {
		items = append(items, InsightItem{
			Title:     string(resp.Intent),
			Text:      f.Text,
			Citations: f.Citations,
		})
	}
	return items
}
