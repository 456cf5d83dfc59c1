// Package server manages HTTP listener lifecycle: start, TLS start,
// graceful shutdown on signal, and error propagation. The service runs
// two managers, one for the API listener and one for metrics.
package server
