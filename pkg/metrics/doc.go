/*
Package metrics provides Prometheus metrics for the sams daemons:
collector, aggregator, and extractor.

All metrics are registered at package init against the default
Prometheus registry and exposed via Handler() for a /metrics scrape
endpoint.

# Metrics Catalog

Sampler/collector:

  - sams_samples_total{sampler} (counter)
  - sams_sample_failures_total{sampler} (counter)
  - sams_active_jobs_total (gauge)
  - sams_tracked_processes_total (gauge)

Output:

  - sams_output_writes_total{output} (counter)
  - sams_output_write_failures_total{output} (counter)
  - sams_output_write_duration_seconds{output} (histogram)

Aggregator:

  - sams_records_aggregated_total (counter)
  - sams_record_errors_total (counter)
  - sams_aggregate_duration_seconds (histogram)

Extractor:

  - sams_jobs_extracted_total (counter)
  - sams_extract_watermark{partition} (gauge)

Backlog, refreshed periodically by Collector:

  - sams_pending_jobs_backlog (gauge)
  - sams_unresolved_software_backlog (gauge)

# Usage

	timer := metrics.NewTimer()
	err := out.Write(ctx)
	timer.ObserveDurationVec(metrics.OutputWriteDuration, out.ID())
	if err != nil {
		metrics.OutputWriteFailuresTotal.WithLabelValues(out.ID()).Inc()
	} else {
		metrics.OutputWritesTotal.WithLabelValues(out.ID()).Inc()
	}

	http.Handle("/metrics", metrics.Handler())

Collector wraps a store backend that satisfies BacklogSource and
polls it on a 15-second ticker for as long as it's running:

	if src, ok := backend.(metrics.BacklogSource); ok {
		c := metrics.NewCollector(src)
		c.Start()
		defer c.Stop()
	}
*/
package metrics
