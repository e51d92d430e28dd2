package fastpath

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/prodplan-one/copilot-core/pkg/types"
)

func TestFastpath(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "fastpath suite")
}

func f64(v float64) *float64 { return &v }

var _ = Describe("Resolve", func() {
	var snap *types.OperationalSnapshot

	BeforeEach(func() {
		snap = &types.OperationalSnapshot{
			TenantID: "t1",
			KPIs: types.KPISet{
				OEE:          f64(47),
				FPY:          f64(32),
				Availability: f64(84),
				Performance:  f64(68),
				Quality:      f64(45),
			},
		}
	})

	It("answers a single named KPI with a calculation citation", func() {
		facts, warnings := Resolve(types.Query{RawText: "What is the OEE right now?"}, snap)
		Expect(warnings).To(BeEmpty())
		Expect(facts).To(HaveLen(1))
		Expect(facts[0].Text).To(ContainSubstring("47"))
		Expect(facts[0].Citations).To(HaveLen(1))
		Expect(facts[0].Citations[0].SourceType).To(Equal(string(types.SourceCalculation)))
		Expect(facts[0].Citations[0].Confidence).To(Equal(0.95))
		Expect(facts[0].Citations[0].TrustIndex).To(Equal(0.9))
	})

	It("answers all KPIs when the query is ambiguous", func() {
		facts, warnings := Resolve(types.Query{RawText: "how are we doing"}, snap)
		Expect(warnings).To(BeEmpty())
		Expect(facts).To(HaveLen(5))
	})

	It("emits INSUFFICIENT_EVIDENCE with no facts when the KPI is null", func() {
		snap.KPIs.OEE = nil
		facts, warnings := Resolve(types.Query{RawText: "What is the OEE right now?"}, snap)
		Expect(facts).To(BeEmpty())
		Expect(warnings).To(HaveLen(1))
		Expect(warnings[0].Code).To(Equal(types.WarningInsufficientEvidence))
	})

	It("cites the gap instead of staying silent when the KPI collaborator failed", func() {
		snap.KPIs.OEE = nil
		snap.GapCitations = []types.Citation{{
			SourceType: string(types.SourceCalculation),
			Ref:        "gap:kpis",
			Label:      "kpis: collaborator unavailable",
			TrustIndex: 0.5,
		}}
		facts, warnings := Resolve(types.Query{RawText: "What is the OEE right now?"}, snap)
		Expect(warnings).To(BeEmpty())
		Expect(facts).To(HaveLen(1))
		Expect(facts[0].Citations[0].Ref).To(Equal("gap:kpis"))
		Expect(facts[0].Citations[0].TrustIndex).To(Equal(0.5))
	})
})
