package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestRatelimit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ratelimit suite")
}

func newTestLimiter(limits Limits) (*Limiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, limits, zap.NewNop()), mr
}

// varyingSource lets a test change PerHour/PerDay between Allow calls,
// the way a config.Watcher's live values change on a file reload.
type varyingSource struct {
	perHour int
	perDay  int
}

func (s *varyingSource) PerHour() int { return s.perHour }
func (s *varyingSource) PerDay() int  { return s.perDay }

var _ = Describe("Limiter", func() {
	var mr *miniredis.Miniredis

	AfterEach(func() {
		if mr != nil {
			mr.Close()
		}
	})

	It("allows requests within the configured limit", func() {
		var limiter *Limiter
		limiter, mr = newTestLimiter(Limits{PerHour: 2, PerDay: 10})

		ok1, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok1).To(BeTrue())

		ok2, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok2).To(BeTrue())
	})

	It("denies a request once the hourly limit is exceeded", func() {
		var limiter *Limiter
		limiter, mr = newTestLimiter(Limits{PerHour: 1, PerDay: 10})

		ok1, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok1).To(BeTrue())

		ok2, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok2).To(BeFalse())
	})

	It("isolates buckets by tenant and user", func() {
		var limiter *Limiter
		limiter, mr = newTestLimiter(Limits{PerHour: 1, PerDay: 10})

		ok1, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok1).To(BeTrue())

		ok2, err := limiter.Allow(context.Background(), "t1", "u2")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok2).To(BeTrue(), "a different user in the same tenant has its own bucket")

		ok3, err := limiter.Allow(context.Background(), "t2", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok3).To(BeTrue(), "a different tenant has its own bucket")
	})

	It("falls back to in-process counters when redis is unreachable", func() {
		var limiter *Limiter
		limiter, mr = newTestLimiter(Limits{PerHour: 1, PerDay: 10})
		mr.Close() // simulate a Redis outage mid-test
		mr = nil

		ok1, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok1).To(BeTrue())

		ok2, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok2).To(BeFalse(), "fallback counters still enforce the configured hourly limit")
	})

	It("uses the fallback unconditionally when constructed with a nil client", func() {
		limiter := New(nil, Limits{PerHour: 1, PerDay: 10}, zap.NewNop())

		ok1, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok1).To(BeTrue())

		ok2, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok2).To(BeFalse())
	})

	It("re-reads its ceilings from a live Source on every call", func() {
		source := &varyingSource{perHour: 1, perDay: 10}
		limiter := NewWithSource(nil, source, zap.NewNop())

		ok1, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok1).To(BeTrue())

		ok2, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok2).To(BeFalse(), "second request exceeds the original hourly ceiling of 1")

		source.perHour = 10
		ok3, err := limiter.Allow(context.Background(), "t1", "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok3).To(BeTrue(), "raising the live ceiling takes effect without reconstructing the Limiter")
	})
})
