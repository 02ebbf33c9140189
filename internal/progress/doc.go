// Package progress carries a run's output in two directions.
//
// The Bridge is the per-run ordered queue between the pipeline's background
// goroutines and the single stream consumer; Consume drains it and reacts to
// cancellation. The Hub is the process-wide, non-blocking fan-out of run
// lifecycle Events to history sinks (logs, Prometheus, Postgres), batched on
// a background goroutine.
package progress
