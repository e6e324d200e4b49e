// Package metrics holds the prometheus collectors for the corpus store,
// the job engine, the audit log and migrations.
//
// All recording methods are safe on a nil *Metrics so that components can
// run without a registry.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name unless overridden by config.
const DefaultNamespace = "corpus"

type Metrics struct {
	// Store metrics
	ChunkAppends *prometheus.CounterVec
	LockWaits    prometheus.Counter

	// Engine metrics
	JobTransitions *prometheus.CounterVec
	ChunkAttempts  *prometheus.CounterVec

	// Audit metrics
	AuditAppends *prometheus.CounterVec
	AuditBytes   prometheus.Counter

	// Migration metrics
	MigrationRecords *prometheus.CounterVec
}

// New registers all collectors on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	namespace = strings.ReplaceAll(strings.ToLower(namespace), "-", "_")
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Metrics{
		ChunkAppends: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_appends_total",
				Help:      "Chunk append attempts by kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: ok/out_of_order/error
		),
		LockWaits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writer_lock_waits_total",
				Help:      "Times a writer open found the lock held and backed off",
			},
		),
		JobTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_transitions_total",
				Help:      "Job state transitions by target status",
			},
			[]string{"status"},
		),
		ChunkAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_attempts_total",
				Help:      "Processor calls by job kind and result",
			},
			[]string{"kind", "result"}, // result: ok/retry/fatal
		),
		AuditAppends: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_appends_total",
				Help:      "Audit events appended by service and level",
			},
			[]string{"service", "level"},
		),
		AuditBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_bytes_total",
				Help:      "Bytes written to audit log segments",
			},
		),
		MigrationRecords: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_records_total",
				Help:      "Records visited by migrations by collection and outcome",
			},
			[]string{"collection", "outcome"}, // outcome: copied/skipped
		),
	}
}

func (m *Metrics) ChunkAppended(kind, outcome string) {
	if m == nil {
		return
	}
	m.ChunkAppends.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) LockWaited() {
	if m == nil {
		return
	}
	m.LockWaits.Inc()
}

func (m *Metrics) JobTransitioned(status string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ProcessorAttempt(kind, result string) {
	if m == nil {
		return
	}
	m.ChunkAttempts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) AuditAppended(service, level string, size int) {
	if m == nil {
		return
	}
	m.AuditAppends.WithLabelValues(service, level).Inc()
	m.AuditBytes.Add(float64(size))
}

func (m *Metrics) MigrationRecord(collection, outcome string) {
	if m == nil {
		return
	}
	m.MigrationRecords.WithLabelValues(collection, outcome).Inc()
}
