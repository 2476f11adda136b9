// Package metrics holds the Prometheus metrics of the archive node.
//
// Every method is safe on a nil *Metrics, so components can run without a
// registry in tests and tools.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all node metrics.
type Metrics struct {
	// Ingestion
	IngestTotal    *prometheus.CounterVec   // archivist_ingest_total{outcome}
	IngestDuration *prometheus.HistogramVec // archivist_ingest_duration_seconds{outcome}
	IngestBytes    prometheus.Counter       // archivist_ingest_bytes_total

	// Locks
	LockAttempts   *prometheus.CounterVec // archivist_lock_attempts_total{result}
	LockContention prometheus.Counter     // archivist_lock_contention_total

	// Queue
	QueueProcessed *prometheus.CounterVec   // archivist_queue_processed_total{type,result}
	QueueDuration  *prometheus.HistogramVec // archivist_queue_process_duration_seconds{type}
	QueuePostponed *prometheus.CounterVec   // archivist_queue_postponed_total{type}
	QueueSwept     prometheus.Counter       // archivist_queue_swept_total
	QueueBusy      prometheus.Gauge         // archivist_queue_busy_workers

	// Reconciliation and rules
	Reconciliations *prometheus.CounterVec // archivist_reconciliations_total{outcome}
	RulesFired      *prometheus.CounterVec // archivist_rules_fired_total{apply_time}
}

// New registers the metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		IngestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_ingest_total",
			Help: "Objects accepted by outcome",
		}, []string{"outcome"}),

		IngestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archivist_ingest_duration_seconds",
			Help:    "Time to accept one object",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		IngestBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "archivist_ingest_bytes_total",
			Help: "Pixel bytes written to the archive",
		}),

		LockAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_lock_attempts_total",
			Help: "Study write lock attempts by result",
		}, []string{"result"}),

		LockContention: f.NewCounter(prometheus.CounterOpts{
			Name: "archivist_lock_contention_total",
			Help: "Objects rejected because the study lock stayed busy",
		}),

		QueueProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_queue_processed_total",
			Help: "Queue entries processed by type and result",
		}, []string{"type", "result"}),

		QueueDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archivist_queue_process_duration_seconds",
			Help:    "Processor run time by entry type",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),

		QueuePostponed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_queue_postponed_total",
			Help: "Entries postponed because their study was locked",
		}, []string{"type"}),

		QueueSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "archivist_queue_swept_total",
			Help: "Expired entries deleted by the retention sweep",
		}),

		QueueBusy: f.NewGauge(prometheus.GaugeOpts{
			Name: "archivist_queue_busy_workers",
			Help: "Workers currently running a processor",
		}),

		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_reconciliations_total",
			Help: "Reconciliation records resolved by outcome",
		}, []string{"outcome"}),

		RulesFired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_rules_fired_total",
			Help: "Rules that matched by apply time",
		}, []string{"apply_time"}),
	}
}

// RecordIngest records one accepted object.
func (m *Metrics) RecordIngest(outcome string, d time.Duration, bytes int) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(outcome).Inc()
	m.IngestDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if bytes > 0 {
		m.IngestBytes.Add(float64(bytes))
	}
}

// RecordLockAttempt records a lock attempt result ("acquired" or "busy").
func (m *Metrics) RecordLockAttempt(acquired bool) {
	if m == nil {
		return
	}
	result := "busy"
	if acquired {
		result = "acquired"
	}
	m.LockAttempts.WithLabelValues(result).Inc()
}

// RecordContention records an object rejected for lock contention.
func (m *Metrics) RecordContention() {
	if m == nil {
		return
	}
	m.LockContention.Inc()
}

// RecordProcessed records one processor run.
func (m *Metrics) RecordProcessed(entryType, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueueProcessed.WithLabelValues(entryType, result).Inc()
	m.QueueDuration.WithLabelValues(entryType).Observe(d.Seconds())
}

// RecordPostponed records a postponed entry.
func (m *Metrics) RecordPostponed(entryType string) {
	if m == nil {
		return
	}
	m.QueuePostponed.WithLabelValues(entryType).Inc()
}

// RecordSwept records rows deleted by the retention sweep.
func (m *Metrics) RecordSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueSwept.Add(float64(n))
}

// WorkerBusy adjusts the busy worker gauge by delta.
func (m *Metrics) WorkerBusy(delta int) {
	if m == nil {
		return
	}
	m.QueueBusy.Add(float64(delta))
}

// RecordReconciliation records a resolved reconciliation.
func (m *Metrics) RecordReconciliation(outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
}

// RecordRulesFired records matched rules.
func (m *Metrics) RecordRulesFired(applyTime string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RulesFired.WithLabelValues(applyTime).Add(float64(n))
}
