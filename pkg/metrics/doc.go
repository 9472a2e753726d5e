// Package metrics exposes Prometheus instrumentation for jobs, workers,
// scheduling, webhooks and the HTTP API.
package metrics
