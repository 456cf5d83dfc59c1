// Package telemetry initializes the OpenTelemetry SDK (traces and
// metrics over OTLP/gRPC). When disabled, the global providers stay
// no-op and nothing connects out.
package telemetry
