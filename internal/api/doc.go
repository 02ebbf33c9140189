// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes. readyz reports the active run.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/search/stream runs a scan and streams NDJSON (or SSE when
//     the client accepts text/event-stream).
//   - POST /v1/search/cancel cancels the active run.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/results read
//     run history through store.RunRepository.
package api
