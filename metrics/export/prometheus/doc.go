// Package prometheus renders storageaccess metrics for Prometheus
// scrapers.
//
// [NewPrometheusExporter] accepts a [storageaccess.Engine] and exposes an
// [http.Handler] that renders all engine counters and histograms in
// Prometheus text exposition format. Counter names are prefixed
// storageaccess_*_total; the single histogram is
// storageaccess_request_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry — callers mount
//     the Handler.
//   - Mutate engine state.
package prometheus
