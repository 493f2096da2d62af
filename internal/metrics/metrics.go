// Package metrics holds the Prometheus collectors of the object store.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "labdb"

// Metrics holds all collectors.
type Metrics struct {
	// Table metrics
	TableOpsTotal     *prometheus.CounterVec
	TableRecords      *prometheus.GaugeVec
	LockWaitDuration  *prometheus.HistogramVec
	LockFailuresTotal *prometheus.CounterVec
	RefreshesTotal    *prometheus.CounterVec

	// Storage metrics
	StorageOpsTotal    *prometheus.CounterVec
	StorageErrorsTotal *prometheus.CounterVec
	StorageOpDuration  *prometheus.HistogramVec
	FileRepairsTotal   prometheus.Counter
	WatcherEventsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		TableOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "ops_total",
			Help:      "Total number of table operations",
		}, []string{"table", "op", "result"}),
		TableRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "records",
			Help:      "Number of records held by a table",
		}, []string{"table"}),
		LockWaitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "lock_wait_duration_seconds",
			Help:      "Histogram of time spent acquiring record locks",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
		}, []string{"table"}),
		LockFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "lock_failures_total",
			Help:      "Total number of failed lock acquisitions",
		}, []string{"table", "reason"}),
		RefreshesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "refreshes_total",
			Help:      "Total number of records reloaded after an external change",
		}, []string{"table", "result"}),

		StorageOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "ops_total",
			Help:      "Total number of storage operations",
		}, []string{"backend", "op"}),
		StorageErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total number of failed storage operations",
		}, []string{"backend", "op"}),
		StorageOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "op_duration_seconds",
			Help:      "Histogram of storage operation durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		FileRepairsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "file_repairs_total",
			Help:      "Total number of damaged file triads repaired",
		}),
		WatcherEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "watcher_events_total",
			Help:      "Total number of external changes delivered by directory watchers",
		}, []string{"dir"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// TableOp records one table operation.
func (m *Metrics) TableOp(table, op string, err error) {
	if m == nil {
		return
	}
	m.TableOpsTotal.WithLabelValues(table, op, result(err)).Inc()
}

// SetRecords records the size of a table.
func (m *Metrics) SetRecords(table string, n int) {
	if m == nil {
		return
	}
	m.TableRecords.WithLabelValues(table).Set(float64(n))
}

// LockWaited records the time a lock acquisition took, successful or not.
func (m *Metrics) LockWaited(table string, d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitDuration.WithLabelValues(table).Observe(d.Seconds())
}

// LockFailed records a failed lock acquisition.
func (m *Metrics) LockFailed(table, reason string) {
	if m == nil {
		return
	}
	m.LockFailuresTotal.WithLabelValues(table, reason).Inc()
}

// Refreshed records a reload of one record.
func (m *Metrics) Refreshed(table string, err error) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(table, result(err)).Inc()
}

// StorageOp records one storage operation that started at start.
func (m *Metrics) StorageOp(backend, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StorageOpsTotal.WithLabelValues(backend, op).Inc()
	m.StorageOpDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.StorageErrorsTotal.WithLabelValues(backend, op).Inc()
	}
}

// Repaired records a repaired file triad.
func (m *Metrics) Repaired() {
	if m == nil {
		return
	}
	m.FileRepairsTotal.Inc()
}

// WatcherEvent records a change delivered by a directory watcher.
func (m *Metrics) WatcherEvent(dir string) {
	if m == nil {
		return
	}
	m.WatcherEventsTotal.WithLabelValues(dir).Inc()
}
