// Package metrics registers and records the service's Prometheus metrics:
// HTTP request counts/latencies/sizes, LLM call outcomes and cache
// hit rates, exposed on the metrics-only listener.
package metrics
