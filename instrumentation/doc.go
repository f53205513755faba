// Package instrumentation provides OpenTelemetry meters and tracers
// for the SSO server. With Enabled set to false it wires no-op
// providers so instrumented code paths carry no overhead.
package instrumentation
