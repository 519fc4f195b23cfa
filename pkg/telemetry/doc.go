// Package telemetry wires OpenTelemetry tracing and metrics plus the
// Prometheus registry served on the admin listener.
//
// Sandbox executions, deployments and policy decisions are recorded here so
// operators can correlate a tenant's deploy with the interpreter behaviour it
// triggered.
package telemetry
