// Package marketplace discovers local listings from a marketplace search
// page using colly.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/market"
)

// Selectors locate the parts of a search results page.
type Selectors struct {
	Card          string `mapstructure:"card"`
	Title         string `mapstructure:"title"`
	Price         string `mapstructure:"price"`
	Location      string `mapstructure:"location"`
	Link          string `mapstructure:"link"`
	Description   string `mapstructure:"description"`
	NextPage      string `mapstructure:"next_page"`
	LoginForm     string `mapstructure:"login_form"`
	LocationError string `mapstructure:"location_error"`
}

// DefaultSelectors returns the selectors for the default result layout.
func DefaultSelectors() Selectors {
	return Selectors{
		Card:          "a[href*='/marketplace/item/']",
		Title:         "[data-role='title']",
		Price:         "[data-role='price']",
		Location:      "[data-role='location']",
		Link:          "",
		Description:   "[data-role='description']",
		NextPage:      "a[rel='next']",
		LoginForm:     "form[action*='login']",
		LocationError: "[data-role='location-error']",
	}
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&s.Card, d.Card)
	fill(&s.Title, d.Title)
	fill(&s.Price, d.Price)
	fill(&s.Location, d.Location)
	fill(&s.Description, d.Description)
	fill(&s.NextPage, d.NextPage)
	fill(&s.LoginForm, d.LoginForm)
	fill(&s.LocationError, d.LocationError)
	return s
}

// Config controls the listing source.
type Config struct {
	SearchURL   string
	Selectors   Selectors
	LoginMarker string
	Cookie      string
	UserAgent   string
	Timeout     time.Duration
	MaxPages    int
	Logger      *zap.Logger
}

// Source implements listing discovery.
type Source struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
}

// New builds a Source.
func New(cfg Config) (*Source, error) {
	if cfg.SearchURL == "" {
		return nil, errors.New("search url is required")
	}
	if _, err := url.Parse(cfg.SearchURL); err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	cfg.Selectors = cfg.Selectors.withDefaults()
	if cfg.LoginMarker == "" {
		cfg.LoginMarker = "/login"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
	})
	return &Source{cfg: cfg, logger: logger.Named("marketplace"), baseCollector: c}, nil
}

// SearchURL builds the first results page URL for req.
func (s *Source) SearchURL(req deal.SearchRequest) string {
	u, _ := url.Parse(s.cfg.SearchURL)
	q := u.Query()
	q.Set("q", req.Query)
	if req.ZipCode != "" {
		q.Set("zip", req.ZipCode)
	}
	if req.Radius > 0 {
		q.Set("radius", strconv.Itoa(req.Radius))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Search walks result pages and hands each listing to emit in discovery
// order. emit returns false to stop the walk. A login redirect yields
// deal.ErrAuthRequired and a rejected location deal.ErrLocationNotFound.
func (s *Source) Search(ctx context.Context, req deal.SearchRequest, emit func(deal.Listing) bool) error {
	st := &walkState{ctx: ctx, emit: emit}
	defer st.close()

	collector := s.baseCollector.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.SetRequestTimeout(s.cfg.Timeout)
	s.configureHooks(collector, req, st)

	start := s.SearchURL(req)
	s.logger.Debug("searching listings", zap.String("url", start))

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(start)
	}()
	select {
	case <-ctx.Done():
		return deal.Canceled(context.Cause(ctx))
	case err := <-done:
		if ctx.Err() != nil {
			return deal.Canceled(context.Cause(ctx))
		}
		if failure := st.failure(); failure != nil {
			return failure
		}
		if err != nil {
			return fmt.Errorf("listing search failed: %w", err)
		}
		return nil
	}
}

func (s *Source) configureHooks(c *colly.Collector, req deal.SearchRequest, st *walkState) {
	sel := s.cfg.Selectors
	c.OnRequest(func(r *colly.Request) {
		if st.stopped() {
			r.Abort()
			return
		}
		if s.cfg.Cookie != "" {
			r.Headers.Set("Cookie", s.cfg.Cookie)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		if strings.Contains(r.Request.URL.Path, s.cfg.LoginMarker) {
			st.fail(deal.ErrAuthRequired)
		}
	})
	c.OnHTML(sel.LoginForm, func(*colly.HTMLElement) {
		st.fail(deal.ErrAuthRequired)
	})
	c.OnHTML(sel.LocationError, func(e *colly.HTMLElement) {
		msg := strings.TrimSpace(e.Text)
		if msg == "" {
			msg = "location not found"
		}
		st.fail(fmt.Errorf("%w: %s", deal.ErrLocationNotFound, msg))
	})
	c.OnHTML(sel.Card, func(e *colly.HTMLElement) {
		if st.stopped() {
			return
		}
		st.deliver(s.listingFrom(e, req.ExtractDescriptions))
	})
	c.OnHTML(sel.NextPage, func(e *colly.HTMLElement) {
		if st.stopped() || !st.nextPage(s.cfg.MaxPages) {
			return
		}
		if err := e.Request.Visit(e.Attr("href")); err != nil {
			s.logger.Debug("next page visit failed", zap.Error(err))
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		st.fail(err)
	})
}

func (s *Source) listingFrom(e *colly.HTMLElement, withDescription bool) deal.Listing {
	sel := s.cfg.Selectors
	priceText := firstText(e, sel.Price)
	price, ok := market.ParsePrice(priceText)
	if !ok {
		s.logger.Debug("listing price not parsed", zap.String("price", priceText))
	}
	l := deal.Listing{
		Title:    firstText(e, sel.Title),
		Price:    price,
		Currency: currencyOf(priceText),
		Location: firstText(e, sel.Location),
	}
	href := e.Attr("href")
	if sel.Link != "" {
		href, _ = e.DOM.Find(sel.Link).First().Attr("href")
	}
	if href != "" {
		l.URL = e.Request.AbsoluteURL(href)
	}
	if withDescription {
		l.Description = firstText(e, sel.Description)
	}
	return l
}

func firstText(e *colly.HTMLElement, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(e.DOM.Find(selector).First().Text())
}

func currencyOf(priceText string) string {
	if strings.Contains(priceText, "£") {
		return "GBP"
	}
	return "USD"
}

// walkState is shared between colly callbacks and Search. Callbacks can
// still fire after Search returns on cancel, so delivery is guarded.
type walkState struct {
	ctx  context.Context
	emit func(deal.Listing) bool

	mu     sync.Mutex
	err    error
	halted bool
	pages  int
}

func (w *walkState) deliver(l deal.Listing) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.halted || w.ctx.Err() != nil {
		w.halted = true
		return
	}
	if !w.emit(l) {
		w.halted = true
	}
}

func (w *walkState) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
	w.halted = true
}

func (w *walkState) stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.halted || w.ctx.Err() != nil
}

func (w *walkState) nextPage(limit int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pages+1 >= limit {
		return false
	}
	w.pages++
	return true
}

func (w *walkState) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *walkState) close() {
	w.mu.Lock()
	w.halted = true
	w.mu.Unlock()
}
