// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth engine. When disabled it installs no-op providers so the rest of the
// code can record unconditionally at zero cost.
package instrumentation
