// Package main is the dealscan executable.
//
// Architecture overview:
//   - HTTP API: internal/api.Server streams a search as NDJSON (or SSE when the client accepts
//     text/event-stream), accepts cancel requests, and serves run history, health and metrics.
//   - Run lifecycle: internal/session keeps at most one active run. Starting a run cancels the previous
//     one and waits for its cleanup; a cancel token is shared by every stage of the run.
//   - Pipeline: listings are discovered with Colly, price-filtered, then evaluated by a fixed worker
//     pool. Each evaluation builds a sold-price query, reads sold prices through a pooled headless
//     Chrome (or plain HTTP), filters comparables in batches with the model, and scores the listing.
//   - Fan-out: progress events feed the run history store (memory or Postgres), Prometheus and the
//     log. Finished runs are archived to a blob store (memory, local or GCS) and summarized on Pub/Sub.
//   - Configuration & plumbing: Viper reads DEALSCAN_* env vars and an optional config file; zap
//     provides structured logging.
//
// Quick checklist:
//   - Set DEALSCAN_SOURCE_SEARCH_URL and DEALSCAN_ORACLE_API_KEY.
//   - Serve: go run . serve --config config.yaml
//   - One-off search: go run . scan --pretty "canon ae-1"
package main

import (
	"github.com/JakeFAU/dealscan/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
