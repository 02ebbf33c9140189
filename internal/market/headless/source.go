// Package headless reads sold-listing cards with a pooled Chrome handle.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/browser"
	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/market"
)

// Config controls navigation of the sold-listing search page.
type Config struct {
	SearchURL         string
	Selectors         market.Selectors
	NavigationTimeout time.Duration
	// CardWaitTimeout bounds the wait for the first card. A page that never
	// shows one counts as no market data.
	CardWaitTimeout time.Duration
	SettleDelay     time.Duration
	Logger          *zap.Logger
}

type scrapeFunc func(ctx context.Context, h *browser.Handle, url string, max int) (page, error)

type page struct {
	status int
	url    string
	cards  []market.Card
}

// Source implements the market lookup on top of browser handles.
type Source struct {
	cfg    Config
	logger *zap.Logger
	scrape scrapeFunc
}

// New returns a Source with defaults applied.
func New(cfg Config) *Source {
	if cfg.SearchURL == "" {
		cfg.SearchURL = market.DefaultSearchURL
	}
	cfg.Selectors = cfg.Selectors.WithDefaults()
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.CardWaitTimeout <= 0 {
		cfg.CardWaitTimeout = 20 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{cfg: cfg, logger: logger.Named("market_headless")}
	s.scrape = s.scrapeChrome
	return s
}

// NeedsHandle reports true; every lookup drives a pooled browser.
func (s *Source) NeedsHandle() bool { return true }

// Stats scrapes up to max sold cards for query using handle h.
func (s *Source) Stats(ctx context.Context, h *browser.Handle, query string, max int) (deal.PriceStats, error) {
	if h == nil {
		return deal.PriceStats{}, errors.New("browser handle is required")
	}
	if max <= 0 {
		max = market.DefaultMaxItems
	}
	target, err := market.SoldSearchURL(s.cfg.SearchURL, query)
	if err != nil {
		return deal.PriceStats{}, err
	}
	p, err := s.scrape(ctx, h, target, max)
	if ctx.Err() != nil {
		return deal.PriceStats{}, deal.Canceled(context.Cause(ctx))
	}
	if err != nil {
		return deal.PriceStats{}, fmt.Errorf("scrape sold listings: %w", err)
	}
	if p.status >= http.StatusBadRequest {
		return deal.PriceStats{}, fmt.Errorf("sold search returned status %d", p.status)
	}
	if len(p.cards) == 0 {
		s.logger.Warn("no sold listing cards found",
			zap.String("query", query),
			zap.String("url", p.url),
		)
	}
	return market.BuildStats(query, market.CompItems(p.cards, max))
}

func (s *Source) scrapeChrome(ctx context.Context, h *browser.Handle, url string, max int) (page, error) {
	tabCtx, closeTab := chromedp.NewContext(h.Context())
	defer closeTab()
	// The handle context outlives the request; tie the tab to ctx too.
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	navCtx, cancel := context.WithTimeout(tabCtx, s.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(navCtx, meta.captureEvent)

	var finalURL string
	if err := chromedp.Run(navCtx,
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.Location(&finalURL),
	); err != nil {
		return page{}, fmt.Errorf("navigate: %w", err)
	}
	status, respURL := meta.snapshotWithFallbacks(url, finalURL)
	out := page{status: status, url: respURL}

	waitCtx, waitCancel := context.WithTimeout(navCtx, s.cfg.CardWaitTimeout)
	defer waitCancel()
	if err := chromedp.Run(waitCtx, chromedp.WaitReady(s.cfg.Selectors.Card, chromedp.ByQuery)); err != nil {
		if navCtx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return out, nil
		}
		return out, fmt.Errorf("wait for cards: %w", err)
	}

	script, err := cardScript(s.cfg.Selectors, max)
	if err != nil {
		return out, err
	}
	if err := chromedp.Run(navCtx,
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.Evaluate(script, &out.cards),
	); err != nil {
		return out, fmt.Errorf("read cards: %w", err)
	}
	return out, nil
}

const cardScriptTemplate = `(() => {
  const sel = %s;
  const text = (root, q) => { const el = q ? root.querySelector(q) : null; return el ? el.textContent.trim() : ""; };
  return Array.from(document.querySelectorAll(sel.card)).slice(0, %d).map(card => {
    const link = card.querySelector(sel.link);
    return {
      title: text(card, sel.title),
      price: text(card, sel.price),
      url: link ? link.href : "",
      condition: text(card, sel.condition),
    };
  });
})()`

func cardScript(sel market.Selectors, max int) (string, error) {
	raw, err := json.Marshal(sel)
	if err != nil {
		return "", fmt.Errorf("encode selectors: %w", err)
	}
	return fmt.Sprintf(cardScriptTemplate, raw, max), nil
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
