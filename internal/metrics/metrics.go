// Package metrics exposes Prometheus metrics for jobs, phases and
// collaborator calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gapfinder"

// Metrics holds every gapfinder collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted    prometheus.Counter
	JobsCoalesced    prometheus.Counter
	JobsFinished     *prometheus.CounterVec
	JobsStuck        prometheus.Counter
	JobsInFlight     prometheus.Gauge
	PhaseDuration    *prometheus.HistogramVec
	LLMCalls         *prometheus.CounterVec
	UnscoredTotal    prometheus.Counter
	VerdictCacheHits prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Analysis jobs accepted for processing",
		}),
		JobsCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_coalesced_total",
			Help:      "Submissions answered with an existing in-progress job",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal phase",
		}, []string{"phase"}),
		JobsStuck: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_stuck_total",
			Help:      "Jobs flagged stuck for operator intervention",
		}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently running",
		}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock time per pipeline phase",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"phase"}),
		LLMCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM provider calls by outcome",
		}, []string{"outcome"}),
		UnscoredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unscored_comments_total",
			Help:      "High-signal comments skipped after extraction failures",
		}),
		VerdictCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdict_cache_hits_total",
			Help:      "Coverage judgments served from the cache",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePhase records how long a phase took. Safe on a nil receiver.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordLLMCall counts one provider call. Safe on a nil receiver.
func (m *Metrics) RecordLLMCall(outcome string) {
	if m == nil {
		return
	}
	m.LLMCalls.WithLabelValues(outcome).Inc()
}

// RecordCacheHit counts one verdict cache hit. Safe on a nil receiver.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.VerdictCacheHits.Inc()
}

// RecordUnscored adds n skipped comments. Safe on a nil receiver.
func (m *Metrics) RecordUnscored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UnscoredTotal.Add(float64(n))
}

// RecordFinished counts a job reaching a terminal phase. Safe on a nil receiver.
func (m *Metrics) RecordFinished(phase string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(phase).Inc()
}
