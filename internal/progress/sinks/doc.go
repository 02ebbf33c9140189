// Package sinks implements run-history consumers for the progress hub:
// structured logging, Prometheus collectors and repository-backed storage.
package sinks
