// Package metrics provides Prometheus metrics for judge runner monitoring.
// Exports judging-run counters, durations, and resource-usage gauges.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/apexjudge/judgerunner/internal/verdict"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for the judge runner.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunsInFlight    prometheus.Gauge
	PeakMemoryBytes *prometheus.HistogramVec
	CompileErrors   *prometheus.CounterVec
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics.
func newMetrics() *Metrics {
	m := &Metrics{}

	m.RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "judge",
			Subsystem: "run",
			Name:      "total",
			Help:      "Total number of judging runs by language and verdict",
		},
		[]string{"language", "verdict"},
	)

	m.RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "judge",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Reported CPU run time in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"language"},
	)

	m.RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "judge",
			Subsystem: "run",
			Name:      "in_flight",
			Help:      "Number of judging runs currently executing",
		},
	)

	m.PeakMemoryBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "judge",
			Subsystem: "run",
			Name:      "peak_memory_bytes",
			Help:      "Peak observed memory usage in bytes",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12),
		},
		[]string{"language"},
	)

	m.CompileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "judge",
			Subsystem: "compile",
			Name:      "errors_total",
			Help:      "Total number of compilation errors by language",
		},
		[]string{"language"},
	)

	return m
}

// ObserveRun records one completed run's verdict, CPU time, and peak
// memory for the given language.
func (m *Metrics) ObserveRun(language string, v verdict.Verdict, cpuSeconds float64, peakMemoryBytes uint64) {
	m.RunsTotal.WithLabelValues(language, v.String()).Inc()
	m.RunDuration.WithLabelValues(language).Observe(cpuSeconds)
	m.PeakMemoryBytes.WithLabelValues(language).Observe(float64(peakMemoryBytes))
	if v == verdict.CompilationError {
		m.CompileErrors.WithLabelValues(language).Inc()
	}
}
