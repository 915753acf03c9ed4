// Package progress turns item results and component status snapshots into
// events, batches them on a background goroutine, and fans them out to sinks
// such as structured logs, Prometheus collectors or the Postgres ledger.
package progress
