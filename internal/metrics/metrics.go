// Package metrics exposes the engine's Prometheus instrumentation. All
// collectors hang off a caller-supplied registry so tests can use an
// isolated one; NewDefault wires the process-global registry for the server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's collectors.
type Metrics struct {
	// WindowsProcessed counts hour-window processing outcomes, labelled by
	// terminal status ("success" or "failed").
	WindowsProcessed *prometheus.CounterVec

	// RecordsArchived counts records written into archive artifacts.
	RecordsArchived prometheus.Counter

	// RecordsDropped counts malformed records skipped during serialization.
	RecordsDropped prometheus.Counter

	// ArtifactBytes accumulates the on-wire size of uploaded artifacts,
	// after compression when compression applies.
	ArtifactBytes prometheus.Counter

	// SlotRetries counts retry attempts scheduled for failed hour slots.
	SlotRetries prometheus.Counter

	// RetentionDeleted counts rows and files removed by retention, labelled
	// by target ("apilogs", "jobs", "logs", "files").
	RetentionDeleted *prometheus.CounterVec
}

// New registers the engine collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		WindowsProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "logarc_windows_processed_total",
			Help: "Hour-window processing attempts by terminal status.",
		}, []string{"status"}),
		RecordsArchived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logarc_records_archived_total",
			Help: "Records written into archive artifacts.",
		}),
		RecordsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logarc_records_dropped_total",
			Help: "Malformed records skipped during serialization.",
		}),
		ArtifactBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logarc_artifact_bytes_total",
			Help: "Bytes uploaded to the archive store.",
		}),
		SlotRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logarc_slot_retries_total",
			Help: "Retry attempts scheduled for failed hour slots.",
		}),
		RetentionDeleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "logarc_retention_deleted_total",
			Help: "Rows and files removed by retention, by target.",
		}, []string{"target"}),
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewDefault returns the collectors registered on the process-global
// registry. The registration happens once; every engine instance in the
// process shares the same counters.
func NewDefault() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
