// Package metrics exposes Prometheus instrumentation for the migration
// pipeline: migration counts by status, job throughput and retries, blob
// transfer volume, and API request latency. The Collector samples gauge
// values from the store on a fixed interval; counters and histograms are
// updated inline by the code doing the work.
package metrics
