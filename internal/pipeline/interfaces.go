// Package pipeline orchestrates one scan run: discover listings, price each
// one against sold comparables, and stream progress to the caller.
package pipeline

import (
	"context"
	"time"

	"github.com/JakeFAU/dealscan/internal/browser"
	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/publisher"
	"github.com/JakeFAU/dealscan/internal/storage"
)

// ListingSource discovers listings for a request. emit returns false to stop
// discovery early.
type ListingSource interface {
	Search(ctx context.Context, req deal.SearchRequest, emit func(deal.Listing) bool) error
}

// QueryBuilder turns a listing into a sold-listing search query. A
// non-empty skipReason means the listing should not be compared.
type QueryBuilder interface {
	BuildQuery(ctx context.Context, l deal.Listing) (query string, skipReason string, err error)
}

// MarketSource returns sold price statistics for a query. Implementations
// that need a browser drive h; others may ignore it.
type MarketSource interface {
	Stats(ctx context.Context, h *browser.Handle, query string, max int) (deal.PriceStats, error)
}

// handleUser is implemented by market sources that can say whether they
// drive a browser. Sources without it are lent a pooled handle.
type handleUser interface {
	NeedsHandle() bool
}

// PriceCache memoizes market statistics per query.
type PriceCache interface {
	Get(ctx context.Context, query string) (deal.PriceStats, bool, error)
	Set(ctx context.Context, query string, stats deal.PriceStats) error
}

// HandlePool lends browser handles to market lookups.
type HandlePool interface {
	Acquire(ctx context.Context) (*browser.Handle, error)
	Release(h *browser.Handle)
	ForceCloseAll()
}

// Archiver stores the results of a finished run.
type Archiver interface {
	Archive(ctx context.Context, doc storage.RunArchive) (string, error)
}

// Notifier announces a finished run.
type Notifier interface {
	Notify(ctx context.Context, s publisher.RunSummary) error
}

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}
