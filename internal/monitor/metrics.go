package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the safety pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	ResultsTotal     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	ProviderErrors   *prometheus.CounterVec
	FlaggedTotal     *prometheus.CounterVec
	ActiveItems      prometheus.Gauge
	ReviewsTotal     prometheus.Counter
	RunsTotal        *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
	PromptSizeBytes  prometheus.Histogram
	AnswerSizeBytes  prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "results_total",
				Help:      "Total number of processed prompts by terminal stage status.",
			},
			[]string{"status"},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Duration of individual pipeline stages in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),

		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "provider_errors_total",
				Help:      "Total provider call failures by cause.",
			},
			[]string{"cause"},
		),

		FlaggedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "flagged_total",
				Help:      "Total TOXIC verdicts by classification stage.",
			},
			[]string{"stage"},
		),

		ActiveItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pipeline",
				Name:      "active_items",
				Help:      "Number of prompts currently being processed.",
			},
		),

		ReviewsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "human_reviews_total",
				Help:      "Total applied human review overrides.",
			},
		),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "runs_total",
				Help:      "Total runs by terminal status.",
			},
			[]string{"status"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pipeline",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		PromptSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pipeline",
				Name:      "prompt_size_bytes",
				Help:      "Size of submitted prompts in bytes.",
				Buckets:   prometheus.ExponentialBuckets(32, 4, 8),
			},
		),

		AnswerSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pipeline",
				Name:      "answer_size_bytes",
				Help:      "Size of generated answers in bytes.",
				Buckets:   prometheus.ExponentialBuckets(32, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ResultsTotal,
		m.StageDuration,
		m.ProviderErrors,
		m.FlaggedTotal,
		m.ActiveItems,
		m.ReviewsTotal,
		m.RunsTotal,
		m.RequestsInFlight,
		m.PromptSizeBytes,
		m.AnswerSizeBytes,
	)

	return m
}

// RecordResult records a prompt reaching a terminal stage status.
func (m *Metrics) RecordResult(status string) {
	m.ResultsTotal.WithLabelValues(status).Inc()
}

// RecordStage records the duration of one completed stage.
func (m *Metrics) RecordStage(stage string, durationSec float64) {
	m.StageDuration.WithLabelValues(stage).Observe(durationSec)
}

// RecordProviderError records a provider call failure by cause.
func (m *Metrics) RecordProviderError(cause string) {
	m.ProviderErrors.WithLabelValues(cause).Inc()
}

// RecordFlagged records a TOXIC verdict for a classification stage.
func (m *Metrics) RecordFlagged(stage string) {
	m.FlaggedTotal.WithLabelValues(stage).Inc()
}

// RecordRun records a run reaching a terminal status.
func (m *Metrics) RecordRun(status string) {
	m.RunsTotal.WithLabelValues(status).Inc()
}
