// Package monitoring wires Prometheus collectors for the sync engine,
// gateway, and outbox worker. Unlike the teacher's hand-rolled
// MonitoringSystem (in-process EMA counters with no exposition format),
// this is built directly on github.com/prometheus/client_golang so the
// same /metrics endpoint every pack service already scrapes from works
// unchanged against this binary.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector this module registers, built against a
// caller-supplied registry rather than global package-level vars, so tests
// can use a fresh prometheus.Registry per run. cmd/gateway registers the
// bundle on its /metrics registry; no component holds or updates it.
type Metrics struct {
	SyncRunsTotal       *prometheus.CounterVec
	SyncEventsPersisted *prometheus.CounterVec
	SyncRunDuration     *prometheus.HistogramVec

	GatewayWritesTotal  *prometheus.CounterVec
	GatewayWriteLatency prometheus.Histogram

	OutboxDepth        *prometheus.GaugeVec
	OutboxBatchesTotal *prometheus.CounterVec
	OutboxDeadLettered prometheus.Counter

	IntegrityIssuesTotal *prometheus.CounterVec
}

// New registers every collector against reg and returns the bundle.
// Pass prometheus.NewRegistry() in tests, prometheus.DefaultRegisterer
// wrapped via promauto.With(reg) in production. With reg == nil the
// collectors are created but registered nowhere (promauto.With(nil)).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SyncRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engram_sync_runs_total",
			Help: "Completed sync pipeline runs by job_type and status.",
		}, []string{"job_type", "status"}),

		SyncEventsPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engram_sync_events_persisted_total",
			Help: "SVN revisions / git commits persisted by job_type.",
		}, []string{"job_type"}),

		SyncRunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engram_sync_run_duration_seconds",
			Help:    "Wall-clock duration of a single sync pipeline run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_type"}),

		GatewayWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engram_gateway_writes_total",
			Help: "Memory card writes by resulting action (allow/redirect/reject/deferred/error).",
		}, []string{"action"}),

		GatewayWriteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engram_gateway_write_latency_seconds",
			Help:    "StoreCard end-to-end latency, render through audit insert.",
			Buckets: prometheus.DefBuckets,
		}),

		OutboxDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engram_outbox_depth",
			Help: "Outbox row count by status.",
		}, []string{"status"}),

		OutboxBatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engram_outbox_batches_total",
			Help: "process_batch invocations by outcome (sent/retry/dead).",
		}, []string{"outcome"}),

		OutboxDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "engram_outbox_dead_lettered_total",
			Help: "Outbox rows that exhausted max_retries.",
		}),

		IntegrityIssuesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engram_integrity_issues_total",
			Help: "Issues found by the offline integrity scan, by class.",
		}, []string{"class"}),
	}
}

// ObserveSyncRun records a completed pipeline run's outcome and duration.
func (m *Metrics) ObserveSyncRun(jobType, status string, dur time.Duration) {
	m.SyncRunsTotal.WithLabelValues(jobType, status).Inc()
	m.SyncRunDuration.WithLabelValues(jobType).Observe(dur.Seconds())
}

// ObserveGatewayWrite records a StoreCard outcome and its latency.
func (m *Metrics) ObserveGatewayWrite(action string, dur time.Duration) {
	m.GatewayWritesTotal.WithLabelValues(action).Inc()
	m.GatewayWriteLatency.Observe(dur.Seconds())
}

// SetOutboxDepth refreshes the gauge from a reliability.Report snapshot.
func (m *Metrics) SetOutboxDepth(byStatus map[string]int) {
	for status, n := range byStatus {
		m.OutboxDepth.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveOutboxBatch records a process_batch outcome tally.
func (m *Metrics) ObserveOutboxBatch(sent, retry, dead int) {
	if sent > 0 {
		m.OutboxBatchesTotal.WithLabelValues("sent").Add(float64(sent))
	}
	if retry > 0 {
		m.OutboxBatchesTotal.WithLabelValues("retry").Add(float64(retry))
	}
	if dead > 0 {
		m.OutboxBatchesTotal.WithLabelValues("dead").Add(float64(dead))
		m.OutboxDeadLettered.Add(float64(dead))
	}
}

// ObserveIntegrityIssues tallies a finished Scan's issues by class.
func (m *Metrics) ObserveIntegrityIssues(byClass map[string]int) {
	for class, n := range byClass {
		m.IntegrityIssuesTotal.WithLabelValues(class).Add(float64(n))
	}
}
