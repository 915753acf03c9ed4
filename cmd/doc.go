// Package cmd defines the CLI commands for the stagecrawler executable.
//
// Architecture overview:
//   - Pipeline: four stage components (scheduler, robots downloader, ingester,
//     parser) each drain their own queue through a bounded worker engine. The
//     scheduler admits URIs into the ingest queue, the ingester fetches and
//     stores documents and hands them to the parser, and the parser feeds
//     discovered links back to the scheduler one level deeper.
//   - Orchestration: a manager starts, pauses, resumes and stops components and
//     completes the run once every component has been idle for two checks.
//   - Distribution: queues are in-memory or NATS JetStream subjects; the robots
//     cache and seen set are process-local or shared through Redis.
//   - Outputs: fetched pages go to the configured blob store (memory, local or
//     GCS); item results are logged, exported to Prometheus and optionally
//     recorded in Postgres.
//   - Admin: an HTTP server exposes health, metrics and component control when
//     admin.port is non-zero.
package cmd
