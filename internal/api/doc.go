// Package api exposes the admin HTTP interface of a crawl node.
//
// Routes:
//   - GET  /healthz                      liveness
//   - GET  /readyz                       503 once any component has failed
//   - GET  /metrics                      Prometheus exposition
//   - GET  /v1/components                component snapshots, filterable by name and id
//   - POST /v1/components/{action}       pause, resume or stop matching components
package api
