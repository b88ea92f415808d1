// Package metrics exposes downstairs statistics to Prometheus.
//
// Metrics follows the nil receiver pattern: every method is safe on a nil
// *Metrics, so callers pass nil when metrics are disabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/downstairs/pkg/work"
)

// Metrics holds the downstairs collectors.
type Metrics struct {
	// JobsSubmitted counts jobs by kind.
	JobsSubmitted *prometheus.CounterVec

	// JobsFinished counts jobs by kind and final state.
	JobsFinished *prometheus.CounterVec

	// JobDuration tracks submit-to-finish latency by kind.
	JobDuration *prometheus.HistogramVec

	// JobsOutstanding tracks jobs submitted but not yet finished.
	JobsOutstanding prometheus.Gauge

	// RepairsTotal counts live repairs by outcome.
	RepairsTotal *prometheus.CounterVec

	// RepairAttempts tracks attempts per repair.
	RepairAttempts prometheus.Histogram

	// RepairDuration tracks live repair latency.
	RepairDuration prometheus.Histogram

	// RepairBytes counts bytes copied from repair sources.
	RepairBytes prometheus.Counter

	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	ExportBytes       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downstairs_jobs_submitted_total",
				Help: "Total jobs submitted by kind",
			},
			[]string{"kind"},
		),
		JobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downstairs_jobs_finished_total",
				Help: "Total jobs finished by kind and state (complete, error, aborted)",
			},
			[]string{"kind", "state"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "downstairs_job_duration_seconds",
				Help: "Time from submission to completion of a job",
				Buckets: []float64{
					0.0001, // 100us - cached reads
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms - flushes
					0.1,    // 100ms
					0.5,    // 500ms
					1,      // 1s
					5,      // 5s - repairs
					30,     // 30s
				},
			},
			[]string{"kind"},
		),
		JobsOutstanding: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "downstairs_jobs_outstanding",
				Help: "Jobs submitted but not yet finished",
			},
		),
		RepairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downstairs_repairs_total",
				Help: "Total live repairs by outcome",
			},
			[]string{"outcome"},
		),
		RepairAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "downstairs_repair_attempts",
				Help:    "Attempts needed per live repair",
				Buckets: []float64{1, 2, 3, 5, 10},
			},
		),
		RepairDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "downstairs_repair_duration_seconds",
				Help:    "Duration of live repairs",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		RepairBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "downstairs_repair_bytes_total",
				Help: "Bytes copied from repair sources",
			},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downstairs_connections_total",
				Help: "Connection lifecycle events (accepted, closed, force_closed)",
			},
			[]string{"event"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "downstairs_connections_active",
				Help: "Currently open upstairs connections",
			},
		),
		ExportBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downstairs_export_bytes_total",
				Help: "Bytes exported by destination (file, s3)",
			},
			[]string{"destination"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobsSubmitted,
			m.JobsFinished,
			m.JobDuration,
			m.JobsOutstanding,
			m.RepairsTotal,
			m.RepairAttempts,
			m.RepairDuration,
			m.RepairBytes,
			m.ConnectionsTotal,
			m.ConnectionsActive,
			m.ExportBytes,
		)
	}
	return m
}

// NewRegistry returns a registry holding the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics of reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// JobSubmitted implements work.Observer.
func (m *Metrics) JobSubmitted(kind work.Kind) {
	if m == nil {
		return
	}
	m.JobsSubmitted.WithLabelValues(kind.String()).Inc()
	m.JobsOutstanding.Inc()
}

// JobFinished implements work.Observer.
func (m *Metrics) JobFinished(kind work.Kind, state work.State, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(kind.String(), state.String()).Inc()
	m.JobDuration.WithLabelValues(kind.String()).Observe(duration.Seconds())
	m.JobsOutstanding.Dec()
}

// ObserveRepair implements repair.Observer.
func (m *Metrics) ObserveRepair(outcome string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RepairsTotal.WithLabelValues(outcome).Inc()
	m.RepairAttempts.Observe(float64(attempts))
	m.RepairDuration.Observe(duration.Seconds())
}

// ObserveRepairBytes implements repair.Observer.
func (m *Metrics) ObserveRepairBytes(n int64) {
	if m == nil {
		return
	}
	m.RepairBytes.Add(float64(n))
}

// RecordConnectionAccepted implements server.MetricsRecorder.
func (m *Metrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues("accepted").Inc()
}

// RecordConnectionClosed implements server.MetricsRecorder.
func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues("closed").Inc()
}

// RecordConnectionForceClosed implements server.MetricsRecorder.
func (m *Metrics) RecordConnectionForceClosed() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues("force_closed").Inc()
}

// SetActiveConnections implements server.MetricsRecorder.
func (m *Metrics) SetActiveConnections(count int32) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(count))
}

// RecordExportBytes counts bytes written to an export destination.
func (m *Metrics) RecordExportBytes(destination string, n int64) {
	if m == nil {
		return
	}
	m.ExportBytes.WithLabelValues(destination).Add(float64(n))
}
