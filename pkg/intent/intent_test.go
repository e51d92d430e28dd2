package intent

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/prodplan-one/copilot-core/pkg/types"
)

func TestIntent(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "intent suite")
}

var _ = Describe("Classify", func() {
	DescribeTable("rule table matches",
		func(query string, wantIntent types.IntentKind, wantPath types.Path, wantBudget types.ContextBudget) {
			c := Classify(types.Query{RawText: query})
			Expect(c.Intent).To(Equal(wantIntent))
			Expect(c.Path).To(Equal(wantPath))
			Expect(c.Budget).To(Equal(wantBudget))
		},
		Entry("current KPI", "What is the OEE right now?", types.IntentKPICurrent, types.PathFast, types.BudgetSmall),
		Entry("today's availability", "What is availability today?", types.IntentKPICurrent, types.PathFast, types.BudgetSmall),
		Entry("why drop", "Why did OEE drop today?", types.IntentExplainOEE, types.PathLLM, types.BudgetMedium),
		Entry("porque variant", "Porque caiu o fpy?", types.IntentExplainOEE, types.PathLLM, types.BudgetMedium),
		Entry("plan change", "Why did the plan change this morning?", types.IntentExplainPlanChange, types.PathLLM, types.BudgetMedium),
		Entry("schedule change", "The schedule changed, why?", types.IntentExplainPlanChange, types.PathLLM, types.BudgetMedium),
		Entry("quality summary", "Give me a quality summary for this week", types.IntentQualitySummary, types.PathLLM, types.BudgetMedium),
		Entry("errors report", "I need an errors report", types.IntentQualitySummary, types.PathLLM, types.BudgetMedium),
		Entry("runbook request", "Show me the runbook for line stoppage", types.IntentRunbookRequest, types.PathLLM, types.BudgetLarge),
		Entry("generic fallback", "What should we do about the weather?", types.IntentGeneric, types.PathLLM, types.BudgetMedium),
	)

	It("matches rule 1 before rule 2 when both could apply", func() {
		// "why is OEE low now" contains both "why"+KPI and "now"+KPI;
		// rule 1 (kpi_current) is listed first and wins.
		c := Classify(types.Query{RawText: "why is OEE low now"})
		Expect(c.Intent).To(Equal(types.IntentKPICurrent))
	})

	It("is case-insensitive", func() {
		c := Classify(types.Query{RawText: "WHAT IS THE OEE RIGHT NOW"})
		Expect(c.Intent).To(Equal(types.IntentKPICurrent))
	})
})
