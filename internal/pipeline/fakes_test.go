package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/dealscan/internal/batchfilter"
	"github.com/JakeFAU/dealscan/internal/browser"
	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/progress"
	"github.com/JakeFAU/dealscan/internal/publisher"
	"github.com/JakeFAU/dealscan/internal/storage"
)

type fakeSource struct {
	listings []deal.Listing
	err      error
}

func (f *fakeSource) Search(ctx context.Context, _ deal.SearchRequest, emit func(deal.Listing) bool) error {
	for _, l := range f.listings {
		if ctx.Err() != nil {
			return deal.Canceled(context.Cause(ctx))
		}
		if !emit(l) {
			return nil
		}
	}
	return f.err
}

// fakeQueries uses the listing title as query. Titles starting with
// "skip:" or "fail:" exercise the skip and error paths.
type fakeQueries struct{}

func (fakeQueries) BuildQuery(_ context.Context, l deal.Listing) (string, string, error) {
	switch {
	case strings.HasPrefix(l.Title, "skip:"):
		return "", "Not a product listing", nil
	case strings.HasPrefix(l.Title, "fail:"):
		return "", "", errors.New("model unavailable")
	}
	return strings.ToLower(l.Title), "", nil
}

type fakeMarket struct {
	mu    sync.Mutex
	stats map[string]deal.PriceStats
	errs  map[string]error
	calls map[string]int
	block bool
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{stats: map[string]deal.PriceStats{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeMarket) Stats(ctx context.Context, _ *browser.Handle, query string, _ int) (deal.PriceStats, error) {
	f.mu.Lock()
	f.calls[query]++
	block := f.block
	stats, ok := f.stats[query]
	err := f.errs[query]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return deal.PriceStats{}, deal.Canceled(context.Cause(ctx))
	}
	if err != nil {
		return deal.PriceStats{}, err
	}
	if !ok {
		return deal.PriceStats{}, deal.ErrInsufficientData
	}
	return stats.Clone(), nil
}

func (f *fakeMarket) Calls(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[query]
}

func statsOf(query string, prices ...float64) deal.PriceStats {
	s := deal.PriceStats{SearchTerm: query, SampleSize: len(prices)}
	var sum float64
	for i, p := range prices {
		title := query
		if i == len(prices)-1 && len(prices) > 3 {
			title = query + " for parts"
		}
		s.Items = append(s.Items, deal.CompItem{Title: title, Price: p})
		s.RawPrices = append(s.RawPrices, p)
		sum += p
	}
	if len(prices) > 0 {
		s.Average = sum / float64(len(prices))
	}
	return s
}

// partsOracle rejects comparables sold for parts and accepts the rest.
func partsOracle() batchfilter.Oracle {
	return batchfilter.OracleFunc(func(_ context.Context, _ deal.Listing, batch []deal.CompItem) ([]deal.Decision, error) {
		out := make([]deal.Decision, len(batch))
		for i, it := range batch {
			out[i] = deal.Decision{Verdict: deal.VerdictAccept}
			if strings.Contains(it.Title, "for parts") {
				out[i] = deal.Decision{Verdict: deal.VerdictReject, Reason: "parts only"}
			}
		}
		return out, nil
	})
}

type fakePool struct {
	acquired    atomic.Int32
	released    atomic.Int32
	forceClosed atomic.Int32
}

func (p *fakePool) Acquire(ctx context.Context) (*browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.acquired.Add(1)
	return &browser.Handle{}, nil
}

func (p *fakePool) Release(*browser.Handle) { p.released.Add(1) }

func (p *fakePool) ForceCloseAll() { p.forceClosed.Add(1) }

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stage
	}
	return out
}

func (r *recordingEmitter) Last() progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeArchiver struct {
	mu   sync.Mutex
	docs []storage.RunArchive
}

func (f *fakeArchiver) Archive(_ context.Context, doc storage.RunArchive) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return "mem://runs/" + doc.RunID + ".json", nil
}

func (f *fakeArchiver) Docs() []storage.RunArchive {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.RunArchive(nil), f.docs...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	summaries []publisher.RunSummary
}

func (f *fakeNotifier) Notify(_ context.Context, s publisher.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
	return nil
}

func (f *fakeNotifier) Summaries() []publisher.RunSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publisher.RunSummary(nil), f.summaries...)
}
