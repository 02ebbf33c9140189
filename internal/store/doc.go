// Package store describes the run history repository: one row per search run
// and one per evaluated listing. The memory and postgres backends live under
// internal/storage.
package store
