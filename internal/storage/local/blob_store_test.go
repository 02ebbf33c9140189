package local_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/storage"
	"github.com/JakeFAU/dealscan/internal/storage/local"
)

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "data", "runs")
	_, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "writability probe must be removed")
}

func TestNewRejectsBadBaseDir(t *testing.T) {
	t.Parallel()

	_, err := local.New(local.Config{BaseDir: "  "})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	require.ErrorContains(t, err, "not a directory")
}

func TestArchiveWritesDatedDocument(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	archiver, err := storage.NewArchiver(blobs, "runs")
	require.NoError(t, err)

	score := 25.0
	started := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	uri, err := archiver.Archive(context.Background(), storage.RunArchive{
		RunID:     "0190c5a0-0000-7000-8000-000000000001",
		Query:     "canon ae-1",
		Status:    "done",
		StartedAt: started,
		Threshold: 20,
		Listings:  []deal.Result{{Title: "Canon AE-1", Price: 75, DealScore: &score}},
	})
	require.NoError(t, err)

	// 23:30 EST is the next day in UTC.
	want := filepath.Join(dir, "runs", "2026", "03", "02", "0190c5a0-0000-7000-8000-000000000001.json")
	require.Equal(t, "file://"+want, uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	raw, err := os.ReadFile(want)
	require.NoError(t, err)
	var doc storage.RunArchive
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "canon ae-1", doc.Query)
	require.Len(t, doc.Listings, 1)
	require.InDelta(t, 25, *doc.Listings[0].DealScore, 0)
}

func TestPutObjectReplacesAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = blobs.PutObject(ctx, "runs/r.json", "application/json", bytes.NewReader([]byte(`{"v":1}`)))
	require.NoError(t, err)
	_, err = blobs.PutObject(ctx, "runs/r.json", "application/json", io.MultiReader(
		bytes.NewReader([]byte(`{"v":`)),
		failingReader{},
	))
	require.ErrorContains(t, err, "write object")

	// #nosec G304 -- test reads from the controlled temp directory.
	raw, err := os.ReadFile(filepath.Join(dir, "runs", "r.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(raw))
	entries, err := os.ReadDir(filepath.Join(dir, "runs"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "failed writes must not leave temp files")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = blobs.PutObject(ctx, "", "application/json", bytes.NewReader(nil))
	require.Error(t, err)
	_, err = blobs.PutObject(ctx, "../escape.json", "application/json", bytes.NewReader([]byte("x")))
	require.ErrorContains(t, err, "traversal")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }
