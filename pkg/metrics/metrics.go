// Package metrics exposes process-level Prometheus gauges/counters for the
// sams daemons, grounded on cuemby-warren/pkg/metrics/metrics.go's
// package-level *Vec declarations plus init()-time registration, but
// renamed to the software accounting pipeline's own vocabulary: samples
// taken, records written, store rows aggregated, and extraction progress.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Collector/sampler metrics.
	SamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sams_samples_total",
			Help: "Total number of samples taken, by sampler id",
		},
		[]string{"sampler"},
	)

	SampleFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sams_sample_failures_total",
			Help: "Total number of failed sample attempts, by sampler id",
		},
		[]string{"sampler"},
	)

	ActiveJobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sams_active_jobs_total",
			Help: "Number of jobs currently being sampled on this node",
		},
	)

	TrackedProcessesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sams_tracked_processes_total",
			Help: "Number of processes currently tracked by the software sampler",
		},
	)

	// Output metrics.
	OutputWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sams_output_writes_total",
			Help: "Total number of successful output writes, by output id",
		},
		[]string{"output"},
	)

	OutputWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sams_output_write_failures_total",
			Help: "Total number of failed output writes, by output id",
		},
		[]string{"output"},
	)

	OutputWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sams_output_write_duration_seconds",
			Help:    "Time taken to write an output's accumulated data",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"output"},
	)

	// Aggregator metrics.
	RecordsAggregatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sams_records_aggregated_total",
			Help: "Total number of per-job records aggregated into the store",
		},
	)

	RecordErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sams_record_errors_total",
			Help: "Total number of records that failed to aggregate and were moved to the error path",
		},
	)

	AggregateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sams_aggregate_duration_seconds",
			Help:    "Time taken to aggregate one per-job record",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Extractor metrics.
	JobsExtractedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sams_jobs_extracted_total",
			Help: "Total number of jobs written out as XML accounting records",
		},
	)

	ExtractWatermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sams_extract_watermark",
			Help: "Highest internal job id extracted so far, by partition",
		},
		[]string{"partition"},
	)

	// Backlog metrics, polled periodically by Collector.
	PendingJobsBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sams_pending_jobs_backlog",
			Help: "Finalized jobs not yet written out by the extractor",
		},
	)

	UnresolvedSoftwareBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sams_unresolved_software_backlog",
			Help: "Distinct software paths seen but not yet resolved to a name",
		},
	)
)

func init() {
	prometheus.MustRegister(SamplesTotal)
	prometheus.MustRegister(SampleFailuresTotal)
	prometheus.MustRegister(ActiveJobsTotal)
	prometheus.MustRegister(TrackedProcessesTotal)

	prometheus.MustRegister(OutputWritesTotal)
	prometheus.MustRegister(OutputWriteFailuresTotal)
	prometheus.MustRegister(OutputWriteDuration)

	prometheus.MustRegister(RecordsAggregatedTotal)
	prometheus.MustRegister(RecordErrorsTotal)
	prometheus.MustRegister(AggregateDuration)

	prometheus.MustRegister(JobsExtractedTotal)
	prometheus.MustRegister(ExtractWatermark)

	prometheus.MustRegister(PendingJobsBacklog)
	prometheus.MustRegister(UnresolvedSoftwareBacklog)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
