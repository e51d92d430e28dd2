// Package intent is the Intent Router (C4): classifies a Query against
// a priority-ordered rule table, first match wins, and selects the
// path (fast/llm) and context budget the rest of the pipeline respects.
// A six-rule keyword table does not warrant a third-party classifier;
// it is a plain ordered slice of predicates (see DESIGN.md).
package intent

import (
	"strings"

	"github.com/prodplan-one/copilot-core/pkg/types"
)

// Classification is the Intent Router's output.
type Classification struct {
	Intent types.IntentKind
	Path   types.Path
	Budget types.ContextBudget
}

var kpiNames = []string{"oee", "fpy", "availability", "performance", "quality", "rework"}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func containsKPIName(text string) bool {
	return containsAny(text, kpiNames...)
}

type rule struct {
	match  func(text string) bool
	result Classification
}

// rules is the priority-ordered table: first match wins (spec §4.4).
var rules = []rule{
	{
		// 1: {current, now} + any KPI name, or "today" + any KPI name in a
		// question that is not a "why"/"porque" question -> kpi_current,
		// fast, small. In a why-question "today" names the window being
		// explained, so "Why did OEE drop today?" falls through to rule 2.
		match: func(t string) bool {
			if !containsKPIName(t) {
				return false
			}
			return containsAny(t, "current", "now") ||
				(containsAny(t, "today") && !containsAny(t, "why", "porque"))
		},
		result: Classification{Intent: types.IntentKPICurrent, Path: types.PathFast, Budget: types.BudgetSmall},
	},
	{
		// 2: "why"/"porque" + KPI name -> explain_oee, llm, medium
		match: func(t string) bool {
			return containsAny(t, "why", "porque") && containsKPIName(t)
		},
		result: Classification{Intent: types.IntentExplainOEE, Path: types.PathLLM, Budget: types.BudgetMedium},
	},
	{
		// 3: "plan"/"schedule" + "change"/"why" -> explain_plan_change, llm, medium
		match: func(t string) bool {
			return containsAny(t, "plan", "schedule") && containsAny(t, "change", "why")
		},
		result: Classification{Intent: types.IntentExplainPlanChange, Path: types.PathLLM, Budget: types.BudgetMedium},
	},
	{
		// 4: quality/defects/errors summary keywords -> quality_summary, llm, medium
		match: func(t string) bool {
			return containsAny(t, "quality", "defect", "defects", "error", "errors") && containsAny(t, "summary", "report", "overview")
		},
		result: Classification{Intent: types.IntentQualitySummary, Path: types.PathLLM, Budget: types.BudgetMedium},
	},
	{
		// 5: "runbook" or explicit runbook reference -> runbook_request, llm, large
		match: func(t string) bool {
			return containsAny(t, "runbook")
		},
		result: Classification{Intent: types.IntentRunbookRequest, Path: types.PathLLM, Budget: types.BudgetLarge},
	},
}

// fallback is rule 6: no other rule matched -> generic, llm, medium.
var fallback = Classification{Intent: types.IntentGeneric, Path: types.PathLLM, Budget: types.BudgetMedium}

// Classify runs the priority-ordered rule table against q.RawText,
// case-folded, and returns the first match, or the generic fallback.
func Classify(q types.Query) Classification {
	text := strings.ToLower(q.RawText)
	for _, r := range rules {
		if r.match(text) {
			return r.result
		}
	}
	return fallback
}
