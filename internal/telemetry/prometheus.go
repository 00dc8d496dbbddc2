package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dailyprompt/internal/scheduler"
	"dailyprompt/internal/types"
)

const promNamespace = "dailyprompt"

var _ scheduler.Metrics = (*PrometheusMetrics)(nil)

// PrometheusMetrics exposes scheduler metrics for scraping. Each instance
// owns its registry so tests and multiple schedulers don't collide.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	deliveries  *prometheus.CounterVec
	populated   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobItems    *prometheus.CounterVec
	jobFailures *prometheus.CounterVec
	breaker     *prometheus.CounterVec
	breakerOpen prometheus.Gauge
}

func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: promNamespace,
				Name:      "deliveries_total",
				Help:      "Queue entries driven to a terminal state, by outcome.",
			},
			[]string{"result"},
		),
		populated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: promNamespace,
				Name:      "populate_recipients_total",
				Help:      "Recipients visited by the populator, by outcome.",
			},
			[]string{"outcome"}, // created, skipped, failed
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: promNamespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of scheduler jobs.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		jobItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: promNamespace,
				Name:      "job_items_total",
				Help:      "Items processed by scheduler jobs.",
			},
			[]string{"task"},
		),
		jobFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: promNamespace,
				Name:      "job_failures_total",
				Help:      "Scheduler jobs that returned an error.",
			},
			[]string{"task"},
		),
		breaker: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: promNamespace,
				Name:      "breaker_transitions_total",
				Help:      "Transport circuit breaker transitions, by state entered.",
			},
			[]string{"state"},
		),
		breakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "breaker_open",
			Help:      "1 while the transport circuit breaker is open.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *PrometheusMetrics) RecordDelivery(_ context.Context, result types.DeliveryResult) {
	m.deliveries.WithLabelValues(string(result)).Inc()
}

func (m *PrometheusMetrics) RecordPopulate(_ context.Context, created, skipped, failed int) {
	m.populated.WithLabelValues("created").Add(float64(created))
	m.populated.WithLabelValues("skipped").Add(float64(skipped))
	m.populated.WithLabelValues("failed").Add(float64(failed))
}

func (m *PrometheusMetrics) RecordJob(_ context.Context, task string, duration time.Duration, items int, err error) {
	m.jobDuration.WithLabelValues(task).Observe(duration.Seconds())
	m.jobItems.WithLabelValues(task).Add(float64(items))
	if err != nil {
		m.jobFailures.WithLabelValues(task).Inc()
	}
}

func (m *PrometheusMetrics) RecordBreakerTransition(_, to string) {
	m.breaker.WithLabelValues(to).Inc()
	if to == "open" {
		m.breakerOpen.Set(1)
	} else {
		m.breakerOpen.Set(0)
	}
}
