package promptrenderer

import (
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/prodplan-one/copilot-core/pkg/contextbuilder"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

func TestPromptRenderer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "promptrenderer suite")
}

var _ = Describe("Renderer", func() {
	var (
		r       *Renderer
		builder *contextbuilder.Builder
		snap    *types.OperationalSnapshot
		q       types.Query
	)

	BeforeEach(func() {
		var err error
		r, err = New("gpt-4")
		Expect(err).NotTo(HaveOccurred())

		builder = contextbuilder.New(
			contextbuilder.NewFakeOrders(),
			contextbuilder.NewFakeErrors(),
			contextbuilder.NewFakeAllocations(),
			contextbuilder.DefaultLimits(),
		)

		now := time.Now()
		snap = &types.OperationalSnapshot{
			TenantID:    "t1",
			WindowStart: now.Add(-24 * time.Hour),
			WindowEnd:   now,
		}
		q = types.Query{RawText: "Why did OEE drop today?"}
	})

	It("always includes the system rules block", func() {
		prompt := r.Render(q, nil, snap, builder, types.BudgetSmall)
		Expect(prompt).To(ContainSubstring("Never invent facts"))
	})

	It("labels RAG chunks and includes the user query", func() {
		chunks := []Chunk{{ID: "c1", Text: "rework rose sharply", Score: 0.9}}
		prompt := r.Render(q, chunks, snap, builder, types.BudgetMedium)
		Expect(prompt).To(ContainSubstring("[RAG:c1]"))
		Expect(prompt).To(ContainSubstring("Why did OEE drop today?"))
	})

	It("truncates lowest-scored RAG chunks first to respect the small budget", func() {
		var chunks []Chunk
		for i := 0; i < 200; i++ {
			chunks = append(chunks, Chunk{
				ID:    "c", // intentionally repeated
				Text:  strings.Repeat("padding text for the chunk body ", 20),
				Score: float64(i),
			})
		}
		prompt := r.Render(q, chunks, snap, builder, types.BudgetSmall)
		tokens := len(r.enc.Encode(prompt, nil, nil))
		Expect(tokens).To(BeNumerically("<=", r.tokenBudgets[types.BudgetSmall]))
		Expect(prompt).To(ContainSubstring("Never invent facts"))
	})

	It("never truncates the system rules block even under extreme pressure", func() {
		snap.RecentErrors = make([]types.RecentError, 500)
		for i := range snap.RecentErrors {
			snap.RecentErrors[i] = types.RecentError{
				ID: "e", Phase: "Assembly", Severity: types.SeverityMinor,
				Timestamp: time.Now().Add(-time.Duration(i) * time.Minute),
			}
		}
		prompt := r.Render(q, nil, snap, builder, types.BudgetSmall)
		Expect(prompt).To(ContainSubstring(SystemRules))
	})
})
