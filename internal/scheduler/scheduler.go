// Package scheduler fans per-listing evaluation out over a bounded set of
// workers and folds completions back into discovery order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/metrics"
	"github.com/JakeFAU/dealscan/internal/session"
)

// Task evaluates one work item. A nil result with a nil error means the
// item was skipped.
type Task func(ctx context.Context, item deal.WorkItem) (*deal.Result, error)

// Outcome is the folded result of one work item.
type Outcome struct {
	Index  int
	Result *deal.Result
	// Degraded is set when the task failed and Result is a placeholder.
	Degraded bool
	Err      error
}

// Skipped reports whether the task produced no result.
func (o Outcome) Skipped() bool { return o.Result == nil }

// Config controls worker count and submission pacing.
type Config struct {
	Workers int
	// StartDelay separates the first Workers submissions so external
	// resources are not all opened in the same instant.
	StartDelay  time.Duration
	WaitTimeout time.Duration
	// OnCancel runs once when cancellation is observed, before in-flight
	// tasks are awaited. It should unblock tasks stuck on external
	// resources.
	OnCancel func()
	Logger   *zap.Logger
}

// Defaults used when Config fields are zero.
const (
	DefaultWorkers     = 5
	DefaultStartDelay  = 350 * time.Millisecond
	DefaultWaitTimeout = 200 * time.Millisecond
)

// Scheduler runs evaluation tasks.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
}

// New returns a Scheduler with defaults applied.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.StartDelay < 0 {
		cfg.StartDelay = 0
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, logger: logger.Named("scheduler")}
}

type completion struct {
	item   deal.WorkItem
	result *deal.Result
	err    error
}

// Evaluate runs task for every item with at most Workers in flight. Each
// completion is passed to onComplete as soon as it is folded, together with
// the running evaluated count. The returned outcomes are sorted by Index.
// On cancellation it stops collecting, fires OnCancel, waits for in-flight
// tasks to unwind, and returns the outcomes gathered so far with a
// cancellation error.
func (s *Scheduler) Evaluate(
	ctx context.Context,
	tok *session.Token,
	items []deal.WorkItem,
	task Task,
	onComplete func(o Outcome, evaluated int),
) ([]Outcome, error) {
	if len(items) == 0 {
		return nil, nil
	}
	runCtx, cancelAll := tok.Bind(ctx)
	defer cancelAll()

	completions := make(chan completion, len(items))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.feed(runCtx, items, task, completions, &wg)
	}()

	outcomes := make([]Outcome, 0, len(items))
	timer := time.NewTimer(s.cfg.WaitTimeout)
	defer timer.Stop()

	var cancelErr error
	for len(outcomes) < len(items) {
		if cancelErr = checkCanceled(ctx, tok); cancelErr != nil {
			break
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.WaitTimeout)

		select {
		case c := <-completions:
			if cancelErr = checkCanceled(ctx, tok); cancelErr != nil {
				break
			}
			o, canceled := s.fold(ctx, tok, c)
			if canceled {
				cancelErr = checkCanceled(ctx, tok)
				if cancelErr == nil {
					cancelErr = deal.ErrCanceled
				}
				break
			}
			outcomes = append(outcomes, o)
			if onComplete != nil {
				onComplete(o, len(outcomes))
			}
		case <-timer.C:
		case <-tok.Done():
		case <-ctx.Done():
		}
		if cancelErr != nil {
			break
		}
	}

	if cancelErr != nil {
		cancelAll()
		if s.cfg.OnCancel != nil {
			s.cfg.OnCancel()
		}
		wg.Wait()
		s.logger.Info("evaluation canceled",
			zap.Int("collected", len(outcomes)),
			zap.Int("total", len(items)),
		)
		sortOutcomes(outcomes)
		return outcomes, cancelErr
	}

	wg.Wait()
	sortOutcomes(outcomes)
	return outcomes, nil
}

// feed submits items in order, holding one worker slot per running task.
func (s *Scheduler) feed(ctx context.Context, items []deal.WorkItem, task Task, out chan<- completion, wg *sync.WaitGroup) {
	slots := make(chan struct{}, s.cfg.Workers)
	for i, item := range items {
		if i > 0 && i < s.cfg.Workers && s.cfg.StartDelay > 0 {
			select {
			case <-time.After(s.cfg.StartDelay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func(item deal.WorkItem) {
			defer wg.Done()
			defer func() { <-slots }()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			result, err := runTask(ctx, task, item)
			out <- completion{item: item, result: result, err: err}
		}(item)
	}
}

func runTask(ctx context.Context, task Task, item deal.WorkItem) (result *deal.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluate listing %d: panic: %v", item.Index, r)
		}
	}()
	return task(ctx, item)
}

// fold converts a completion into an Outcome. It reports true when the
// completion belongs to the cancellation path and must be discarded.
func (s *Scheduler) fold(ctx context.Context, tok *session.Token, c completion) (Outcome, bool) {
	o := Outcome{Index: c.item.Index, Result: c.result, Err: c.err}
	if c.err == nil {
		return o, false
	}
	if deal.IsCanceled(c.err) && (tok.Cancelled() || ctx.Err() != nil) {
		return o, true
	}
	s.logger.Warn("listing evaluation failed",
		zap.Int("index", c.item.Index),
		zap.String("title", c.item.Listing.Title),
		zap.Error(c.err),
	)
	degraded := deal.Degraded(c.item.Listing)
	o.Result = &degraded
	o.Degraded = true
	return o, false
}

func sortOutcomes(outcomes []Outcome) {
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Index < outcomes[j].Index })
}

func checkCanceled(ctx context.Context, tok *session.Token) error {
	if err := tok.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return deal.Canceled(err)
		}
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}
