package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/clock/system"
	"github.com/JakeFAU/dealscan/internal/deal"
	runid "github.com/JakeFAU/dealscan/internal/id/uuid"
	"github.com/JakeFAU/dealscan/internal/metrics"
	"github.com/JakeFAU/dealscan/internal/progress"
	"github.com/JakeFAU/dealscan/internal/publisher"
	"github.com/JakeFAU/dealscan/internal/scheduler"
	"github.com/JakeFAU/dealscan/internal/session"
	"github.com/JakeFAU/dealscan/internal/storage"
	"github.com/JakeFAU/dealscan/internal/telemetry"
)

// Run statuses reported to metrics, the archive and notifications.
const (
	StatusDone          = "done"
	StatusCanceled      = "canceled"
	StatusError         = "error"
	StatusAuthError     = "auth_error"
	StatusLocationError = "location_error"
)

// Config wires a Runner.
type Config struct {
	Registry   *session.Registry
	Source     ListingSource
	Comparator *Comparator
	Scheduler  *scheduler.Scheduler
	// Pool is force-closed when the consumer observes cancellation.
	Pool HandlePool
	// Events receives run history events. Optional.
	Events   progress.Emitter
	Archiver Archiver
	Notifier Notifier
	// PollInterval is how often the consumer re-checks cancellation.
	PollInterval time.Duration
	// FinalizeTimeout bounds archive and notification calls.
	FinalizeTimeout time.Duration
	Clock           Clock
	Logger          *zap.Logger
}

// Runner executes scan runs.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

// NewRunner validates cfg and applies defaults.
func NewRunner(cfg Config) (*Runner, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("session registry is required")
	case cfg.Source == nil:
		return nil, errors.New("listing source is required")
	case cfg.Comparator == nil:
		return nil, errors.New("comparator is required")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.New(scheduler.Config{})
	}
	if cfg.Events == nil {
		cfg.Events = progress.NopEmitter{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = progress.DefaultPollInterval
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger.Named("pipeline")}, nil
}

// Stream runs one scan and passes every stream message to yield in order.
// Starting a run cancels and awaits the previous one. When the run is
// canceled while the caller is still connected, a final done message with
// the partial counts is yielded. An invalid request is rejected before any
// run starts.
func (r *Runner) Stream(ctx context.Context, req deal.SearchRequest, yield func(progress.Message) error) error {
	if err := req.Normalize(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	run, err := r.cfg.Registry.StartRun(ctx)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	st := &runState{}
	go r.execute(run, req, st)

	err = progress.Consume(ctx, run.Bridge(), run.Token(), progress.ConsumeOptions{
		PollInterval: r.cfg.PollInterval,
		OnCancel:     r.forceClose,
	}, yield)
	if err == nil {
		return nil
	}
	if errors.Is(err, deal.ErrCanceled) && ctx.Err() == nil {
		scanned, filtered, evaluated, results := st.snapshot()
		return yield(progress.Done(scanned, filtered, evaluated, results, req.Threshold))
	}
	return err
}

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid search request")

func (r *Runner) forceClose() {
	if r.cfg.Pool != nil {
		r.cfg.Pool.ForceCloseAll()
	}
}

// execute is the producer side of a run. It always ends with MarkComplete.
func (r *Runner) execute(run *session.Run, req deal.SearchRequest, st *runState) {
	defer run.MarkComplete()

	tok := run.Token()
	runID := runUUID(run.ID())
	logger := r.logger.With(zap.String("run_id", run.ID()))

	ctx, cancel := tok.Bind(context.Background())
	defer cancel()
	ctx = session.WithToken(ctx, tok)
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.run")
	span.SetAttributes(
		attribute.String("run.id", run.ID()),
		attribute.String("search.query", req.Query),
		attribute.Int("search.max_listings", req.MaxListings),
	)
	defer span.End()

	r.cfg.Events.Emit(progress.Event{RunID: runID, TS: r.cfg.Clock.Now(), Stage: progress.StageRunStart, Query: req.Query})
	logger.Info("scan started", zap.String("query", req.Query), zap.Int("max_listings", req.MaxListings))

	status, note, results := r.scan(ctx, run, req, st, logger)

	scanned, filtered, evaluated, _ := st.snapshot()
	span.SetAttributes(
		attribute.String("run.status", status),
		attribute.Int("run.scanned", scanned),
		attribute.Int("run.evaluated", evaluated),
	)
	if status != StatusDone && status != StatusCanceled {
		span.SetStatus(codes.Error, note)
	}
	metrics.ObserveRun(status)

	stage := progress.StageRunDone
	switch status {
	case StatusDone:
	case StatusCanceled:
		stage = progress.StageRunCanceled
	default:
		stage = progress.StageRunError
	}
	r.cfg.Events.Emit(progress.Event{
		RunID:     runID,
		TS:        r.cfg.Clock.Now(),
		Stage:     stage,
		Scanned:   scanned,
		Filtered:  filtered,
		Evaluated: evaluated,
		Dur:       r.cfg.Clock.Now().Sub(run.StartedAt()),
		Note:      note,
	})
	logger.Info("scan finished",
		zap.String("status", status),
		zap.Int("scanned", scanned),
		zap.Int("filtered", filtered),
		zap.Int("evaluated", evaluated),
	)
	if status == StatusDone {
		r.finalize(run, req, st, results, logger)
	}
}

// scan runs discovery and evaluation, publishing stream messages as it
// goes. It returns the terminal status, a note for failures, and the
// ordered results of a completed run.
func (r *Runner) scan(ctx context.Context, run *session.Run, req deal.SearchRequest, st *runState, logger *zap.Logger) (string, string, []deal.Result) {
	tok := run.Token()
	bridge := run.Bridge()
	runID := runUUID(run.ID())

	bridge.Publish(progress.Phase(progress.PhaseScraping))
	items, err := r.discover(ctx, req, st, bridge)
	switch {
	case tok.Cancelled() || deal.IsCanceled(err):
		return StatusCanceled, "", nil
	case errors.Is(err, deal.ErrAuthRequired):
		logger.Warn("listing source requires login", zap.Error(err))
		bridge.Publish(progress.AuthError())
		return StatusAuthError, err.Error(), nil
	case errors.Is(err, deal.ErrLocationNotFound):
		msg := locationMessage(err)
		logger.Warn("listing source rejected location", zap.String("message", msg))
		bridge.Publish(progress.LocationError(msg))
		return StatusLocationError, msg, nil
	case err != nil && len(items) == 0:
		logger.Error("listing discovery failed", zap.Error(err))
		bridge.Publish(progress.Error(err.Error()))
		return StatusError, err.Error(), nil
	case err != nil:
		logger.Warn("listing discovery ended early, continuing with partial listings",
			zap.Int("listings", len(items)), zap.Error(err))
	}

	_, filtered, _, _ := st.snapshot()
	if filtered > 0 {
		bridge.Publish(progress.Filtered(filtered))
	}
	bridge.Publish(progress.Phase(progress.PhaseEvaluating))

	started := make(map[int]time.Time, len(items))
	var startedMu sync.Mutex
	task := func(ctx context.Context, item deal.WorkItem) (*deal.Result, error) {
		startedMu.Lock()
		started[item.Index] = r.cfg.Clock.Now()
		startedMu.Unlock()
		ctx, span := telemetry.Tracer().Start(ctx, "pipeline.evaluate")
		span.SetAttributes(attribute.Int("listing.index", item.Index))
		defer span.End()
		res, err := r.cfg.Comparator.Evaluate(ctx, tok, item)
		if err != nil && !deal.IsCanceled(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res, err
	}
	onComplete := func(o scheduler.Outcome, evaluated int) {
		st.record(o, evaluated)
		outcome := progress.ClassifyResult(o.Result, o.Degraded)
		metrics.ObserveItem(string(outcome))
		if o.Skipped() {
			bridge.Publish(progress.ItemSkipped(o.Index, evaluated))
		} else {
			bridge.Publish(progress.ItemResult(o.Index, evaluated, *o.Result))
		}
		startedMu.Lock()
		dur := r.cfg.Clock.Now().Sub(started[o.Index])
		startedMu.Unlock()
		r.cfg.Events.Emit(progress.Event{
			RunID:   runID,
			TS:      r.cfg.Clock.Now(),
			Stage:   progress.StageItemDone,
			Index:   o.Index,
			Result:  o.Result,
			Outcome: outcome,
			Dur:     dur,
		})
	}

	outcomes, err := r.cfg.Scheduler.Evaluate(ctx, tok, items, task, onComplete)
	if err != nil || tok.Cancelled() {
		return StatusCanceled, "", nil
	}
	results := make([]deal.Result, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Result != nil {
			results = append(results, *o.Result)
		}
	}
	scanned, filtered, evaluated, _ := st.snapshot()
	bridge.Publish(progress.Done(scanned, filtered, evaluated, results, req.Threshold))
	return StatusDone, "", results
}

// discover collects up to MaxListings listings that pass the price
// pre-filter. Suspicious prices are counted but not kept.
func (r *Runner) discover(ctx context.Context, req deal.SearchRequest, st *runState, bridge *progress.Bridge) ([]deal.WorkItem, error) {
	var items []deal.WorkItem
	err := r.cfg.Source.Search(ctx, req, func(l deal.Listing) bool {
		if ctx.Err() != nil {
			return false
		}
		if deal.IsSuspiciousPrice(l.Price) {
			bridge.Publish(progress.Progress(st.addFiltered()))
			return true
		}
		items = append(items, deal.WorkItem{Index: len(items) + 1, Listing: l, DiscoveredAt: r.cfg.Clock.Now()})
		bridge.Publish(progress.Progress(st.addKept()))
		return len(items) < req.MaxListings
	})
	if err == nil && ctx.Err() != nil {
		err = deal.Canceled(context.Cause(ctx))
	}
	return items, err
}

// finalize archives and announces a completed run.
func (r *Runner) finalize(run *session.Run, req deal.SearchRequest, st *runState, results []deal.Result, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FinalizeTimeout)
	defer cancel()

	scanned, filtered, evaluated, _ := st.snapshot()
	finished := r.cfg.Clock.Now()
	var uri string
	if r.cfg.Archiver != nil {
		var err error
		uri, err = r.cfg.Archiver.Archive(ctx, storage.RunArchive{
			RunID:      run.ID(),
			Query:      req.Query,
			Status:     StatusDone,
			StartedAt:  run.StartedAt(),
			FinishedAt: finished,
			Scanned:    scanned,
			Filtered:   filtered,
			Threshold:  req.Threshold,
			Listings:   results,
		})
		if err != nil {
			logger.Warn("run archive failed", zap.Error(err))
		}
	}
	if r.cfg.Notifier != nil {
		summary := publisher.Summarize(publisher.RunSummary{
			RunID:      run.ID(),
			Query:      req.Query,
			Status:     StatusDone,
			FinishedAt: finished,
			Scanned:    scanned,
			Filtered:   filtered,
			Evaluated:  evaluated,
			Threshold:  req.Threshold,
			ArchiveURI: uri,
		}, results)
		if err := r.cfg.Notifier.Notify(ctx, summary); err != nil {
			logger.Warn("run notification failed", zap.Error(err))
		}
	}
}

func locationMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), deal.ErrLocationNotFound.Error())
	msg = strings.TrimSpace(strings.TrimPrefix(msg, ":"))
	if msg == "" {
		return "Location not found"
	}
	return msg
}

func runUUID(id string) [16]byte {
	return progress.UUIDToBytes(runid.HistoryKey(id))
}
