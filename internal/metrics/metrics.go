// Package metrics exposes Prometheus collectors for verdicts, operator stress
// and the feedback queue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	verdicts         *prometheus.CounterVec
	validateDuration prometheus.Histogram
	vexationIndex    prometheus.Gauge
	indicators       *prometheus.CounterVec
	feedback         *prometheus.CounterVec
	feedbackPending  prometheus.Gauge
	profileLoads     *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "panll_verdicts_total",
			Help: "Validation verdicts by status and violated constraint kind",
		}, []string{"status", "kind"}),
		validateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "panll_validate_duration_seconds",
			Help:    "Time spent validating one token",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
		}),
		vexationIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "panll_vexation_index",
			Help: "Vexation index at the last observation",
		}),
		indicators: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "panll_vexation_indicators_total",
			Help: "Stress indicators recorded by source",
		}, []string{"source"}),
		feedback: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "panll_feedback_submitted_total",
			Help: "Feedback submissions by report type and outcome",
		}, []string{"type", "status"}),
		feedbackPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "panll_feedback_pending",
			Help: "Reports waiting to be forwarded to the pool",
		}),
		profileLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "panll_profile_loads_total",
			Help: "Constraint profile loads by result",
		}, []string{"result"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveVerdict counts one verdict. kind is empty for accepted tokens.
func (m *Metrics) ObserveVerdict(status, kind string, took time.Duration) {
	if kind == "" {
		kind = "none"
	}
	m.verdicts.WithLabelValues(status, kind).Inc()
	m.validateDuration.Observe(took.Seconds())
}

// ObserveIndicator counts a recorded indicator and the resulting index.
func (m *Metrics) ObserveIndicator(source string, index float64) {
	m.indicators.WithLabelValues(source).Inc()
	m.vexationIndex.Set(index)
}

// SetVexationIndex records the latest computed index.
func (m *Metrics) SetVexationIndex(index float64) { m.vexationIndex.Set(index) }

// ObserveFeedback counts one submission outcome: delivered, queued,
// invalid or failed.
func (m *Metrics) ObserveFeedback(reportType, status string) {
	m.feedback.WithLabelValues(reportType, status).Inc()
}

// SetFeedbackPending records the sink queue depth.
func (m *Metrics) SetFeedbackPending(n int) { m.feedbackPending.Set(float64(n)) }

// ObserveProfileLoad counts a profile load attempt.
func (m *Metrics) ObserveProfileLoad(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.profileLoads.WithLabelValues(result).Inc()
}
