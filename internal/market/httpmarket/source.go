// Package httpmarket reads sold-listing cards over plain HTTP with colly.
// It needs no browser, so it ignores the handle it is given.
package httpmarket

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/dealscan/internal/browser"
	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/market"
)

// Config controls collector behavior.
type Config struct {
	SearchURL string
	Selectors market.Selectors
	UserAgent string
	Timeout   time.Duration
}

// Source implements the market lookup using the colly collector.
type Source struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Source.
func New(cfg Config) *Source {
	if cfg.SearchURL == "" {
		cfg.SearchURL = market.DefaultSearchURL
	}
	cfg.Selectors = cfg.Selectors.WithDefaults()
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Source{cfg: cfg, baseCollector: c}
}

// NeedsHandle reports false; pages are fetched over plain HTTP.
func (s *Source) NeedsHandle() bool { return false }

// Stats fetches the sold search page for query and summarizes up to max cards.
func (s *Source) Stats(ctx context.Context, _ *browser.Handle, query string, max int) (deal.PriceStats, error) {
	if max <= 0 {
		max = market.DefaultMaxItems
	}
	target, err := market.SoldSearchURL(s.cfg.SearchURL, query)
	if err != nil {
		return deal.PriceStats{}, err
	}

	var (
		mu       sync.Mutex
		cards    []market.Card
		fetchErr error
	)
	collector := s.buildCollector()
	s.configureCollectorHooks(collector, func(c market.Card) {
		mu.Lock()
		defer mu.Unlock()
		if len(cards) < max {
			cards = append(cards, c)
		}
	}, func(err error) {
		mu.Lock()
		fetchErr = err
		mu.Unlock()
	})

	if err := runCollector(ctx, collector, target); err != nil {
		return deal.PriceStats{}, err
	}
	mu.Lock()
	defer mu.Unlock()
	if fetchErr != nil {
		return deal.PriceStats{}, fmt.Errorf("sold search failed: %w", fetchErr)
	}
	return market.BuildStats(query, market.CompItems(cards, max))
}

func (s *Source) buildCollector() *colly.Collector {
	collector := s.baseCollector.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.SetRequestTimeout(s.cfg.Timeout)
	return collector
}

func (s *Source) configureCollectorHooks(hooks collectorHooks, emit func(market.Card), fail func(error)) {
	sel := s.cfg.Selectors
	hooks.OnHTML(sel.Card, func(e *colly.HTMLElement) {
		card := market.Card{
			Title:     firstText(e, sel.Title),
			Price:     firstText(e, sel.Price),
			Condition: firstText(e, sel.Condition),
		}
		if href, ok := e.DOM.Find(sel.Link).First().Attr("href"); ok {
			card.URL = e.Request.AbsoluteURL(href)
		}
		emit(card)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		fail(err)
	})
}

func firstText(e *colly.HTMLElement, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(e.DOM.Find(selector).First().Text())
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return deal.Canceled(context.Cause(ctx))
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return deal.Canceled(context.Cause(ctx))
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
