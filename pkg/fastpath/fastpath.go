// Package fastpath is the Fast-Path KPI Resolver (C5): answers
// kpi_current queries directly from an OperationalSnapshot with no LLM
// call. It is a pure function over already-built data, so the
// <=500ms latency target is met by construction — no I/O happens here.
package fastpath

import (
	"fmt"
	"strings"

	"github.com/prodplan-one/copilot-core/pkg/contextbuilder"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

var allKPINames = []string{"oee", "fpy", "availability", "performance", "quality", "rework"}

// requestedKPIs extracts which KPI names the raw query text mentions,
// falling back to "all of them" when the query is ambiguous (spec §4.5).
func requestedKPIs(rawText string) []string {
	text := strings.ToLower(rawText)
	var found []string
	for _, name := range allKPINames {
		if strings.Contains(text, name) {
			found = append(found, name)
		}
	}
	if len(found) == 0 {
		return allKPINames
	}
	return found
}

// Resolve produces the Facts (and, for unknown KPIs, Warnings) for one
// kpi_current query against snap. Every Fact for a known KPI cites a
// single "calculation" source with confidence 0.95 and trust index 0.9,
// whose ref encodes the snapshot window via contextbuilder.SnapshotRef.
// A KPI that is unknown while the snapshot recorded a "kpis" data gap
// gets a Fact citing that gap's reduced-trust citation instead.
func Resolve(q types.Query, snap *types.OperationalSnapshot) (facts []types.Fact, warnings []types.Warning) {
	ref := contextbuilder.SnapshotRef(snap)
	kpiGap := gapCitation(snap, "kpis")

	for _, name := range requestedKPIs(q.RawText) {
		v, ok := snap.KPIs.Get(name)
		if !ok {
			if kpiGap != nil {
				facts = append(facts, types.Fact{
					Text:      fmt.Sprintf("%s could not be computed for this window.", displayName(name)),
					Citations: []types.Citation{*kpiGap},
				})
			}
			continue
		}
		facts = append(facts, types.Fact{
			Text: fmt.Sprintf("%s is currently %.1f%%.", displayName(name), v),
			Citations: []types.Citation{{
				SourceType: string(types.SourceCalculation),
				Ref:        fmt.Sprintf("%s:kpi:%s", ref, name),
				Label:      displayName(name),
				Confidence: 0.95,
				TrustIndex: 0.9,
			}},
		})
	}

	if len(facts) == 0 {
		warnings = append(warnings, types.Warning{
			Code:    types.WarningInsufficientEvidence,
			Message: "the requested KPI is not available in the current operational snapshot",
		})
	}

	return facts, warnings
}

// gapCitation finds the data-gap citation contextbuilder recorded for
// kind (e.g. "kpis"), if the snapshot has one.
func gapCitation(snap *types.OperationalSnapshot, kind string) *types.Citation {
	ref := "gap:" + kind
	for i := range snap.GapCitations {
		if snap.GapCitations[i].Ref == ref {
			return &snap.GapCitations[i]
		}
	}
	return nil
}

func displayName(name string) string {
	switch name {
	case "oee":
		return "OEE"
	case "fpy":
		return "FPY"
	case "rework":
		return "Rework rate"
	default:
		return strings.ToUpper(name[:1]) + name[1:]
	}
}
