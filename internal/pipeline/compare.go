package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/batchfilter"
	"github.com/JakeFAU/dealscan/internal/browser"
	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/session"
)

// ComparatorConfig wires the collaborators of one listing comparison.
type ComparatorConfig struct {
	Queries QueryBuilder
	Market  MarketSource
	// Cache is optional.
	Cache PriceCache
	// Pool is optional; without it, or when the market source reports it
	// needs no handle, the source gets a nil handle.
	Pool     HandlePool
	Filter   *batchfilter.Filter
	Oracle   batchfilter.Oracle
	MaxItems int
	Logger   *zap.Logger
}

// Comparator prices one listing against sold comparables.
type Comparator struct {
	cfg    ComparatorConfig
	logger *zap.Logger
}

// NewComparator validates cfg.
func NewComparator(cfg ComparatorConfig) (*Comparator, error) {
	switch {
	case cfg.Queries == nil:
		return nil, errors.New("query builder is required")
	case cfg.Market == nil:
		return nil, errors.New("market source is required")
	case cfg.Filter == nil:
		return nil, errors.New("batch filter is required")
	case cfg.Oracle == nil:
		return nil, errors.New("comparison oracle is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if hu, ok := cfg.Market.(handleUser); ok && !hu.NeedsHandle() {
		cfg.Pool = nil
	}
	return &Comparator{cfg: cfg, logger: logger.Named("comparator")}, nil
}

// Evaluate returns the result for one work item. It returns nil, nil for a
// listing that has nothing to search for. Errors other than cancellation
// make the scheduler substitute a degraded result.
func (c *Comparator) Evaluate(ctx context.Context, tok *session.Token, item deal.WorkItem) (*deal.Result, error) {
	l := item.Listing
	if strings.TrimSpace(l.Title) == "" {
		return nil, nil
	}
	ctx = session.WithToken(ctx, tok)
	logger := c.logger.With(zap.Int("index", item.Index))

	query, skip, err := c.cfg.Queries.BuildQuery(ctx, l)
	if err != nil {
		if deal.IsCanceled(err) {
			return nil, err
		}
		logger.Warn("query build failed", zap.Error(err))
		r := deal.Unscored(l, deal.ReasonNoQuery)
		return &r, nil
	}
	if skip != "" {
		logger.Debug("listing skipped by query builder", zap.String("reason", skip))
		r := deal.Unscored(l, skip)
		return &r, nil
	}

	stats, err := c.stats(ctx, query)
	if err != nil {
		if errors.Is(err, deal.ErrInsufficientData) {
			r := deal.Unscored(l, deal.ReasonNoMarketData)
			r.SearchQuery = query
			return &r, nil
		}
		return nil, err
	}

	decisions, err := c.cfg.Filter.Run(ctx, tok, l, stats.Items, c.cfg.Oracle)
	if err != nil {
		return nil, err
	}
	agg := batchfilter.Aggregate(stats.Items, decisions)

	r := deal.NewResult(l)
	r.SearchQuery = query
	r.CompItems = agg.Items
	if agg.NoComparable || agg.TotalWeight == 0 {
		r.NoCompReason = deal.ReasonNoComparable
		return &r, nil
	}
	avg := agg.Average
	r.CompPrice = &avg
	r.CompPrices = agg.KeptPrices
	score := deal.Score(deal.PriceInUSD(l), avg)
	if score == nil {
		r.NoCompReason = deal.ReasonTooFewSamples
		return &r, nil
	}
	r.DealScore = score
	r.LowConfidence = agg.LowConfidence
	return &r, nil
}

// stats reads through the cache, falling back to the market source on a
// pooled handle.
func (c *Comparator) stats(ctx context.Context, query string) (deal.PriceStats, error) {
	if c.cfg.Cache != nil {
		cached, ok, err := c.cfg.Cache.Get(ctx, query)
		if err != nil {
			c.logger.Warn("price cache read failed", zap.String("query", query), zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	var h *browser.Handle
	if c.cfg.Pool != nil {
		var err error
		h, err = c.cfg.Pool.Acquire(ctx)
		if err != nil {
			return deal.PriceStats{}, fmt.Errorf("acquire browser: %w", err)
		}
		defer c.cfg.Pool.Release(h)
	}
	stats, err := c.cfg.Market.Stats(ctx, h, query, c.cfg.MaxItems)
	if err != nil {
		return deal.PriceStats{}, err
	}
	if c.cfg.Cache != nil {
		if err := c.cfg.Cache.Set(ctx, query, stats); err != nil {
			c.logger.Warn("price cache write failed", zap.String("query", query), zap.Error(err))
		}
	}
	return stats, nil
}
