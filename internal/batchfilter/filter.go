// Package batchfilter asks a comparison oracle which market comparables
// match a listing. Comparables are split into small batches that run with
// bounded concurrency; a batch that fails is kept whole rather than dropped.
package batchfilter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/metrics"
	"github.com/JakeFAU/dealscan/internal/session"
)

// Oracle judges one batch of comparables against a reference listing. The
// returned decisions must be positionally aligned with batch.
type Oracle interface {
	Compare(ctx context.Context, ref deal.Listing, batch []deal.CompItem) ([]deal.Decision, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, ref deal.Listing, batch []deal.CompItem) ([]deal.Decision, error)

// Compare implements Oracle.
func (f OracleFunc) Compare(ctx context.Context, ref deal.Listing, batch []deal.CompItem) ([]deal.Decision, error) {
	return f(ctx, ref, batch)
}

// Config controls batch sizing and launch pacing.
type Config struct {
	BatchSize     int
	MaxConcurrent int
	// StartDelay is how long to wait for a completion after each launch
	// before launching another batch.
	StartDelay   time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Defaults used when Config fields are zero.
const (
	DefaultBatchSize     = 10
	DefaultMaxConcurrent = 5
	DefaultStartDelay    = 350 * time.Millisecond
	DefaultPollInterval  = 200 * time.Millisecond
)

// Filter runs batched oracle comparisons.
type Filter struct {
	cfg    Config
	logger *zap.Logger
}

// New returns a Filter with defaults applied.
func New(cfg Config) *Filter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.StartDelay < 0 {
		cfg.StartDelay = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{cfg: cfg, logger: logger.Named("batch_filter")}
}

type batch struct {
	start int // 1-based global index of items[0]
	items []deal.CompItem
}

type batchResult struct {
	decisions []deal.Decision
	canceled  bool
}

func partition(items []deal.CompItem, size int) []batch {
	batches := make([]batch, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		batches = append(batches, batch{start: i + 1, items: items[i:end]})
	}
	return batches
}

// Run returns one decision per item, sorted by 1-based index. It never
// returns partial results: cancellation aborts every in-flight batch and
// yields a cancellation error.
func (f *Filter) Run(ctx context.Context, tok *session.Token, ref deal.Listing, items []deal.CompItem, oracle Oracle) ([]deal.Decision, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if err := checkCanceled(ctx, tok); err != nil {
		return nil, err
	}
	batches := partition(items, f.cfg.BatchSize)
	callCtx, cancelAll := tok.Bind(ctx)
	defer cancelAll()

	results := make(chan batchResult, len(batches))
	decisions := make([]deal.Decision, len(items))
	inFlight := 0
	next := 0
	done := make(chan struct{}, len(batches))

	abort := func() error {
		cancelAll()
		for ; inFlight > 0; inFlight-- {
			<-done
		}
		if err := checkCanceled(ctx, tok); err != nil {
			return err
		}
		return deal.ErrCanceled
	}
	collect := func(r batchResult) bool {
		inFlight--
		if r.canceled {
			return false
		}
		for _, d := range r.decisions {
			decisions[d.Index-1] = d
		}
		return true
	}

	for next < len(batches) || inFlight > 0 {
		if checkCanceled(ctx, tok) != nil {
			return nil, abort()
		}
		if next < len(batches) && inFlight < f.cfg.MaxConcurrent {
			b := batches[next]
			next++
			inFlight++
			go func() {
				defer func() { done <- struct{}{} }()
				results <- f.runBatch(callCtx, tok, ref, b, oracle)
			}()
			if f.cfg.StartDelay <= 0 || next >= len(batches) {
				continue
			}
			if !f.waitOne(ctx, tok, results, f.cfg.StartDelay, collect, done) {
				return nil, abort()
			}
			continue
		}
		if !f.waitOne(ctx, tok, results, f.cfg.PollInterval, collect, done) {
			return nil, abort()
		}
	}
	return decisions, nil
}

// waitOne waits up to d for one batch to finish. It returns false when the
// run was canceled.
func (f *Filter) waitOne(ctx context.Context, tok *session.Token, results <-chan batchResult, d time.Duration, collect func(batchResult) bool, done <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case r := <-results:
		<-done
		return collect(r)
	case <-timer.C:
		return true
	case <-tok.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (f *Filter) runBatch(ctx context.Context, tok *session.Token, ref deal.Listing, b batch, oracle Oracle) (res batchResult) {
	last := b.start + len(b.items) - 1
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("filter batch panicked, keeping all",
				zap.Int("first", b.start), zap.Int("last", last), zap.Any("panic", r))
			res = failOpen(b)
		}
	}()

	raw, err := oracle.Compare(ctx, ref, b.items)
	if err != nil {
		if tok.Cancelled() || ctx.Err() != nil {
			return batchResult{canceled: true}
		}
		f.logger.Warn("filter batch failed, keeping all",
			zap.Int("first", b.start), zap.Int("last", last), zap.Error(err))
		return failOpen(b)
	}
	if len(raw) != len(b.items) {
		f.logger.Warn("filter batch returned wrong count, keeping all",
			zap.Int("first", b.start), zap.Int("last", last),
			zap.Int("want", len(b.items)), zap.Int("got", len(raw)))
		return failOpen(b)
	}
	out := make([]deal.Decision, len(raw))
	for i, d := range raw {
		d.Index = b.start + i
		d.Verdict = deal.ParseVerdict(string(d.Verdict))
		out[i] = d
	}
	return batchResult{decisions: out}
}

func failOpen(b batch) batchResult {
	metrics.ObserveBatchFailOpen()
	out := make([]deal.Decision, len(b.items))
	for i := range b.items {
		out[i] = deal.Decision{Index: b.start + i, Verdict: deal.VerdictAccept}
	}
	return batchResult{decisions: out}
}

func checkCanceled(ctx context.Context, tok *session.Token) error {
	if err := tok.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return deal.Canceled(err)
		}
		return fmt.Errorf("batch filter: %w", err)
	}
	return nil
}
