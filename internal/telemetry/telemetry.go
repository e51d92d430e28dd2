// Package telemetry wires the ambient observability stack shared by
// every component: structured logging, Prometheus metrics, and
// OpenTelemetry tracing. Nothing in this repository renders these
// metrics (dashboards are an external consumer, per spec.md's
// Non-goals) — it only emits them.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// NewLogger builds a zap.Logger for the given level ("debug", "info",
// "warn", "error") and format ("json" or "console").
func NewLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	var zl zap.AtomicLevel
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		zl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = zl
	return cfg.Build()
}

// Metrics holds the Prometheus collectors the core emits.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestLatencySec *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec
}

// NewMetrics registers and returns the core's Prometheus collectors
// against reg. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the global default registry across test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copilot",
			Name:      "requests_total",
			Help:      "process_ask requests by terminal outcome.",
		}, []string{"outcome", "intent"}),
		RequestLatencySec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "copilot",
			Name:      "request_latency_seconds",
			Help:      "process_ask end-to-end latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "copilot",
			Name:      "model_breaker_state",
			Help:      "Model Gateway circuit breaker state (0=closed,1=half_open,2=open).",
		}, []string{"model"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatencySec, m.BreakerState)
	return m
}

// Tracer is the copilot core's tracer name, used to span each
// Orchestrator state transition.
const tracerName = "github.com/prodplan-one/copilot-core"

// Tracer returns the package-scoped OpenTelemetry tracer.
func Tracer() trace.Tracer { return otel.Tracer(tracerName) }
