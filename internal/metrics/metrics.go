// Package metrics exposes Prometheus collectors for the tagging and
// correlation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. One instance is created in main and
// shared by reference, matching the explicit-wiring rule used everywhere else.
type Metrics struct {
	TagsSent         prometheus.Counter
	TagsFellBack     prometheus.Counter
	TagsRejected     prometheus.Counter
	BreakerOpened    prometheus.Counter
	BreakerState     prometheus.Gauge
	FetchRequests    prometheus.Counter
	FetchFailures    prometheus.Counter
	SchemaDrift      prometheus.Counter
	FallbackWriteErr prometheus.Counter
}

// New creates and registers the pipeline collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TagsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purpletrace_tags_sent_total",
			Help: "Tag documents acknowledged by the backend index.",
		}),
		TagsFellBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purpletrace_tags_fallback_total",
			Help: "Tag documents written to local fallback files.",
		}),
		TagsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purpletrace_tags_rejected_total",
			Help: "Tag requests rejected before any write (bad record or id).",
		}),
		BreakerOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purpletrace_breaker_opened_total",
			Help: "Times the backend circuit breaker transitioned to open.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "purpletrace_breaker_open",
			Help: "1 while the backend circuit breaker is open.",
		}),
		FetchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purpletrace_fetch_requests_total",
			Help: "Detection-data fetches issued.",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purpletrace_fetch_failures_total",
			Help: "Detection-data fetches that returned unavailable.",
		}),
		SchemaDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purpletrace_schema_drift_total",
			Help: "Schema validations that found missing field paths.",
		}),
		FallbackWriteErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purpletrace_fallback_write_errors_total",
			Help: "Fallback file writes that failed.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TagsSent, m.TagsFellBack, m.TagsRejected,
			m.BreakerOpened, m.BreakerState,
			m.FetchRequests, m.FetchFailures, m.SchemaDrift,
			m.FallbackWriteErr,
		)
	}

	return m
}

// NewUnregistered returns collectors without registering them, for tests.
func NewUnregistered() *Metrics {
	return New(nil)
}
