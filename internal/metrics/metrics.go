// Package metrics holds the Prometheus collectors for ingestion, reporting
// and delivery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "listen_report"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	recordsInserted  prometheus.Counter
	recordsDuplicate prometheus.Counter
	rowsSkipped      *prometheus.CounterVec
	archives         *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	webhookDuration  *prometheus.HistogramVec
	scheduledRuns    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		recordsInserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_inserted_total",
			Help: "Raw listening records inserted.",
		}),
		recordsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_duplicate_total",
			Help: "Raw listening records skipped as already present.",
		}),
		rowsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_skipped_total",
			Help: "CSV rows skipped during parsing.",
		}, []string{"reason"}),
		archives: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "archives_total",
			Help: "Archives by terminal state.",
		}, []string{"state"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Report deliveries by environment, outcome and final tier.",
		}, []string{"environment", "outcome", "tier"}),
		webhookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "webhook_request_duration_seconds",
			Help:    "Latency of webhook calls.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"call"}),
		scheduledRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduled_runs_total",
			Help: "Scheduler task runs by outcome.",
		}, []string{"task", "outcome"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "webhook_breaker_state",
			Help: "Circuit breaker state per webhook (0 closed, 1 half-open, 2 open).",
		}, []string{"environment"}),
	}
}

func (m *Metrics) RecordInsert(inserted, duplicates int) {
	if m == nil {
		return
	}
	m.recordsInserted.Add(float64(inserted))
	m.recordsDuplicate.Add(float64(duplicates))
}

func (m *Metrics) RowsSkipped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rowsSkipped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) Archive(state string) {
	if m == nil {
		return
	}
	m.archives.WithLabelValues(state).Inc()
}

func (m *Metrics) Delivery(environment string, delivered bool, tier string) {
	if m == nil {
		return
	}
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.deliveries.WithLabelValues(environment, outcome, tier).Inc()
}

// ObserveWebhook records how long one webhook call took.
func (m *Metrics) ObserveWebhook(call string, d time.Duration) {
	if m == nil {
		return
	}
	m.webhookDuration.WithLabelValues(call).Observe(d.Seconds())
}

func (m *Metrics) ScheduledRun(task, outcome string) {
	if m == nil {
		return
	}
	m.scheduledRuns.WithLabelValues(task, outcome).Inc()
}

func (m *Metrics) BreakerState(environment string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(environment).Set(state)
}
