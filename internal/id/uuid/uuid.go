// Package uuid generates run identifiers and maps them onto run history keys.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers, so run IDs sort by
// start time in history listings and archive paths.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RunID returns a UUIDv7 string, falling back to a random UUIDv4 if the
// v7 generator fails. It never returns an empty string.
func (g Generator) RunID() string {
	if id, err := g.NewID(); err == nil {
		return id
	}
	return uuid.NewString()
}

// Parse decodes a run identifier.
func Parse(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse run id %q: %w", id, err)
	}
	return parsed, nil
}

// runNamespace scopes name-based keys for run IDs that are not UUIDs.
var runNamespace = uuid.MustParse("6f1c3f0e-3d7a-5b8e-9a51-2a4c0d6e8b17")

// HistoryKey maps a run ID onto its run history key. UUID run IDs map to
// themselves; any other ID gets a stable name-based UUID.
func HistoryKey(runID string) uuid.UUID {
	if parsed, err := uuid.Parse(runID); err == nil {
		return parsed
	}
	return uuid.NewSHA1(runNamespace, []byte(runID))
}
