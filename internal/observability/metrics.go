// Package observability exposes the engine's Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	StageAttempts *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	TasksClaimed  prometheus.Gauge
	TasksInFlight prometheus.Gauge
}

// New creates the metric set on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "kumo_jobs_submitted_total",
			Help: "Migration jobs accepted by the API.",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kumo_jobs_finished_total",
			Help: "Migration jobs that reached a terminal outcome.",
		}, []string{"outcome"}),
		StageAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kumo_stage_attempts_total",
			Help: "Stage attempts by stage and result.",
		}, []string{"stage", "result"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kumo_stage_duration_seconds",
			Help:    "Wall-clock duration of stage attempts.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"stage"}),
		TasksClaimed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kumo_tasks_claimed",
			Help: "Tasks claimed from the queue by the most recent poll.",
		}),
		TasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kumo_tasks_in_flight",
			Help: "Stage tasks currently executing.",
		}),
	}
}

// Handler returns the HTTP handler serving this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
