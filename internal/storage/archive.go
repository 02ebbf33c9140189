// Package storage archives finished runs to a blob store.
// Backends live in the gcs, local and memory subpackages.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/dealscan/internal/deal"
)

// BlobStore writes opaque objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// RunArchive is the document written for each finished run.
type RunArchive struct {
	RunID      string        `json:"runId"`
	Query      string        `json:"query"`
	Status     string        `json:"status"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Scanned    int           `json:"scannedCount"`
	Filtered   int           `json:"filteredCount"`
	Threshold  float64       `json:"threshold"`
	Listings   []deal.Result `json:"listings"`
}

// Archiver serializes RunArchive documents into a BlobStore.
type Archiver struct {
	store  BlobStore
	prefix string
}

// NewArchiver builds an Archiver. The prefix is prepended to every object path.
func NewArchiver(store BlobStore, prefix string) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/")}, nil
}

// ObjectPath returns the object key for a run: <prefix>/YYYY/MM/DD/<run_id>.json.
func (a *Archiver) ObjectPath(runID string, startedAt time.Time) string {
	day := startedAt.UTC().Format("2006/01/02")
	return path.Join(a.prefix, day, runID+".json")
}

// Archive writes the run document and returns its URI.
func (a *Archiver) Archive(ctx context.Context, doc RunArchive) (string, error) {
	if strings.TrimSpace(doc.RunID) == "" {
		return "", fmt.Errorf("run id is required")
	}
	if doc.Listings == nil {
		doc.Listings = []deal.Result{}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal run archive: %w", err)
	}
	uri, err := a.store.PutObject(ctx, a.ObjectPath(doc.RunID, doc.StartedAt), "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("put run archive: %w", err)
	}
	return uri, nil
}
