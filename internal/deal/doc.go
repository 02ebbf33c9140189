// Package deal holds the shared vocabulary of a scan run: discovered
// listings, work items, market comparables, oracle verdicts, per-listing
// results, and the sentinel errors every stage classifies against.
package deal
