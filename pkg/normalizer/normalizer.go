// Package normalizer is the Response Normalizer (C8): the final pass
// that stamps provenance onto a validated CopilotResponse before it
// leaves the core.
package normalizer

import (
	"time"

	"github.com/google/uuid"

	"github.com/prodplan-one/copilot-core/pkg/types"
)

// Meta carries the inputs Normalize needs to populate
// types.Meta, gathered by the Orchestrator over the course of one request.
type Meta struct {
	CorrelationID    string
	ModelName        string
	TokenCount       int
	StartedAt        time.Time
	ValidationPassed bool
}

// Normalize stamps a fresh suggestion id, the propagated correlation
// id, a populated meta block, and ensures every optional array is
// empty rather than absent (spec §4.8).
func Normalize(resp *types.CopilotResponse, meta Meta) *types.CopilotResponse {
	resp.SuggestionID = uuid.NewString()
	resp.CorrelationID = meta.CorrelationID

	resp.Meta = types.Meta{
		ModelName:        meta.ModelName,
		TokenCount:       meta.TokenCount,
		LatencyMS:        time.Since(meta.StartedAt).Milliseconds(),
		ValidationPassed: meta.ValidationPassed && !types.HasCode(resp.Warnings, types.WarningValidationFailed),
	}

	if resp.Facts == nil {
		resp.Facts = []types.Fact{}
	}
	if resp.Actions == nil {
		resp.Actions = []types.Action{}
	}
	if resp.Warnings == nil {
		resp.Warnings = []types.Warning{}
	}
	for i := range resp.Facts {
		if resp.Facts[i].Citations == nil {
			resp.Facts[i].Citations = []types.Citation{}
		}
	}

	return resp
}
