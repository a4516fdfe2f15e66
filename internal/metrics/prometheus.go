// Package metrics exposes Prometheus metrics for backup runs.
package metrics

import (
	"fmt"
	"time"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vmvault"

// PrometheusMetrics holds the registered collectors. It implements
// backup.Recorder.
type PrometheusMetrics struct {
	JobCounter      *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	BytesCopied     prometheus.Counter
	ActiveRuns      prometheus.Gauge
	DestinationFree *prometheus.GaugeVec
}

var _ backup.Recorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the collectors and registers them with reg.
// Registering twice against the same registry returns an error.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		JobCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "jobs_total",
			Help:      "Backup jobs by terminal state.",
		}, []string{"state"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "job_duration_seconds",
			Help:      "Wall time of backup jobs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600, 7200},
		}, []string{"vm"}),
		BytesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "bytes_copied_total",
			Help:      "Bytes copied into working directories.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "runs_active",
			Help:      "Backup runs currently executing.",
		}),
		DestinationFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destination_free_bytes",
			Help:      "Free space on the filesystem holding a backup destination.",
		}, []string{"destination"}),
	}

	for _, c := range []prometheus.Collector{m.JobCounter, m.JobDuration, m.BytesCopied, m.ActiveRuns, m.DestinationFree} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// RecordJob counts a job that reached state.
func (m *PrometheusMetrics) RecordJob(state backup.State) {
	m.JobCounter.WithLabelValues(string(state)).Inc()
}

// ObserveJobDuration records how long a job for vmName took.
func (m *PrometheusMetrics) ObserveJobDuration(vmName string, d time.Duration) {
	m.JobDuration.WithLabelValues(vmName).Observe(d.Seconds())
}

// AddBytesCopied adds n to the copied bytes counter.
func (m *PrometheusMetrics) AddBytesCopied(n int64) {
	if n > 0 {
		m.BytesCopied.Add(float64(n))
	}
}

func (m *PrometheusMetrics) RunStarted() {
	m.ActiveRuns.Inc()
}

func (m *PrometheusMetrics) RunFinished() {
	m.ActiveRuns.Dec()
}

// SetDestinationFree sets the free bytes gauge for a destination directory.
func (m *PrometheusMetrics) SetDestinationFree(destination string, bytes uint64) {
	m.DestinationFree.WithLabelValues(destination).Set(float64(bytes))
}
