// Package telemetry provides the observability layer for the Verge
// reconciler: structured logging (zerolog), Prometheus metrics, OpenTelemetry
// tracing, and an event publisher whose primary sink appends reconciliation
// lifecycle events as JSON lines to a file consumed by the installer layer.
//
// All components are configured through the Config struct and degrade to
// no-ops when disabled, so the engine can depend on them unconditionally.
package telemetry
