package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/progress"
	"github.com/JakeFAU/dealscan/internal/store"
)

// StoreSink persists run history through a store.RunRepository. Item rows
// are written in one InsertResults call per batch segment.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch in order. Pending result rows are flushed before
// every run-level event so a run is never completed ahead of its results.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var pending []store.ResultRow
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.repo.InsertResults(ctx, pending); err != nil {
			return fmt.Errorf("insert results: %w", err)
		}
		pending = nil
		return nil
	}

	for _, evt := range batch {
		runID := evt.RunUUID()
		if evt.Stage == progress.StageItemDone {
			if evt.Result == nil {
				continue
			}
			pending = append(pending, store.ResultRow{RunID: runID, Index: evt.Index, Result: *evt.Result})
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		if err := s.handleRunEvent(ctx, evt); err != nil {
			return err
		}
	}
	return flush()
}

func (s *StoreSink) handleRunEvent(ctx context.Context, evt progress.Event) error {
	runID := evt.RunUUID()
	if evt.Stage == progress.StageRunStart {
		if err := s.repo.UpsertRunStart(ctx, runID, evt.Query, evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
		return nil
	}
	if !evt.Terminal() {
		return nil
	}

	status := store.RunSuccess
	switch evt.Stage {
	case progress.StageRunCanceled:
		status = store.RunCanceled
	case progress.StageRunError:
		status = store.RunError
	}
	var note *string
	if evt.Note != "" {
		msg := evt.Note
		note = &msg
	}
	counts := store.Counts{Scanned: evt.Scanned, Filtered: evt.Filtered, Evaluated: evt.Evaluated}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, counts, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	s.logger.Debug("run history completed", zap.Stringer("run_id", runID), zap.String("status", string(status)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
