// Package metrics exposes Prometheus collectors for sync passes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records sync activity. A nil *Metrics discards everything.
type Metrics struct {
	registry *prometheus.Registry

	passes        *prometheus.CounterVec
	passDuration  prometheus.Histogram
	backups       *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
	submissions   *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coursesyncd_sync_passes_total",
			Help: "Total sync passes by outcome",
		}, []string{"outcome"}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coursesyncd_sync_pass_duration_seconds",
			Help:    "Sync pass duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		backups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coursesyncd_backup_artifacts_total",
			Help: "Backup artifacts written by source",
		}, []string{"source"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coursesyncd_conflicts_resolved_total",
			Help: "Conflicting paths resolved by stage",
		}, []string{"stage"}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coursesyncd_last_successful_pass_timestamp_seconds",
			Help: "Unix time of the last pass that ended without error",
		}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coursesyncd_submissions_total",
			Help: "Submissions by result",
		}, []string{"result"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coursesyncd_webhook_events_total",
			Help: "Webhook deliveries by result",
		}, []string{"result"}),
	}
}

// ObservePass records a finished pass.
func (m *Metrics) ObservePass(outcome string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(outcome).Inc()
	m.passDuration.Observe(d.Seconds())
	if !failed {
		m.lastSuccess.SetToCurrentTime()
	}
}

// AddBackups counts artifacts written from source ("vault", "merge", "stash").
func (m *Metrics) AddBackups(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.backups.WithLabelValues(source).Add(float64(n))
}

// AddConflicts counts paths resolved at stage.
func (m *Metrics) AddConflicts(stage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.conflicts.WithLabelValues(stage).Add(float64(n))
}

// ObserveSubmission counts a submission attempt.
func (m *Metrics) ObserveSubmission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

// ObserveWebhook counts a webhook delivery.
func (m *Metrics) ObserveWebhook(result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
