// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and the Postgres result ledger.
package sinks
