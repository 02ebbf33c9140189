// Package market turns scraped sold-listing cards into price statistics.
// The headless and httpmarket subpackages fetch cards; cache memoizes the
// resulting stats per normalized query.
package market

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/dealscan/internal/deal"
)

// DefaultSearchURL is the sold-listing search endpoint.
const DefaultSearchURL = "https://www.ebay.com/sch/i.html"

// DefaultMaxItems caps how many cards are read per query.
const DefaultMaxItems = 25

// Selectors locate the parts of a sold-listing card.
type Selectors struct {
	Card      string `mapstructure:"card" json:"card"`
	Title     string `mapstructure:"title" json:"title"`
	Price     string `mapstructure:"price" json:"price"`
	Link      string `mapstructure:"link" json:"link"`
	Condition string `mapstructure:"condition" json:"condition"`
}

// DefaultSelectors matches the current card layout.
func DefaultSelectors() Selectors {
	return Selectors{
		Card:      "div.su-card-container",
		Title:     ".s-card__title",
		Price:     ".s-card__price",
		Link:      "a[href*='/itm/']",
		Condition: ".s-card__subtitle",
	}
}

// WithDefaults fills empty selectors from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	d := DefaultSelectors()
	if s.Card == "" {
		s.Card = d.Card
	}
	if s.Title == "" {
		s.Title = d.Title
	}
	if s.Price == "" {
		s.Price = d.Price
	}
	if s.Link == "" {
		s.Link = d.Link
	}
	if s.Condition == "" {
		s.Condition = d.Condition
	}
	return s
}

// SoldSearchURL builds the sold-only search URL for query.
func SoldSearchURL(base, query string) (string, error) {
	if base == "" {
		base = DefaultSearchURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	q := u.Query()
	q.Set("_nkw", query)
	q.Set("LH_Sold", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Card is one raw sold-listing card as scraped.
type Card struct {
	Title     string `json:"title"`
	Price     string `json:"price"`
	URL       string `json:"url"`
	Condition string `json:"condition"`
}

// excludedTitles are promotional cards that are not listings.
var excludedTitles = map[string]struct{}{
	"Shop on eBay": {},
}

// placeholderPrices are keyboard-mash values sellers use instead of a price.
var placeholderPrices = map[float64]struct{}{
	123: {}, 1234: {}, 12345: {}, 123456: {}, 1234567: {}, 12345678: {}, 123456789: {},
}

var (
	numberRe = regexp.MustCompile(`[\d.]+`)
	freeRe   = regexp.MustCompile(`(?i)\bfree\b`)
)

// ParsePrice extracts a price from card text such as "$1,234.56",
// "CA$20" or "$50 $15". With several numbers the lowest wins (sale price);
// with three or more, placeholder values are ignored first. "Free" is 0.
func ParsePrice(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	if strings.EqualFold(text, "free") {
		return 0, true
	}
	var candidates []float64
	for _, n := range numberRe.FindAllString(strings.ReplaceAll(text, ",", ""), -1) {
		v, err := strconv.ParseFloat(n, 64)
		if err != nil || v < 0 {
			continue
		}
		candidates = append(candidates, v)
	}
	if freeRe.MatchString(text) {
		candidates = append(candidates, 0)
	}
	if len(candidates) >= 3 {
		valid := candidates[:0]
		for _, c := range candidates {
			if _, bad := placeholderPrices[c]; !bad {
				valid = append(valid, c)
			}
		}
		candidates = valid
	}
	if len(candidates) == 0 {
		return 0, false
	}
	low := candidates[0]
	for _, c := range candidates[1:] {
		low = min(low, c)
	}
	return low, true
}

// CompItems converts the first max cards (all when max <= 0) into
// comparables, dropping promotional cards and cards without a title or a
// positive price.
func CompItems(cards []Card, max int) []deal.CompItem {
	if max > 0 && len(cards) > max {
		cards = cards[:max]
	}
	out := make([]deal.CompItem, 0, len(cards))
	for _, c := range cards {
		title := strings.TrimSpace(c.Title)
		if title == "" {
			continue
		}
		if _, skip := excludedTitles[title]; skip {
			continue
		}
		price, ok := ParsePrice(c.Price)
		if !ok || price <= 0 {
			continue
		}
		out = append(out, deal.CompItem{
			Title:     title,
			Price:     price,
			URL:       strings.TrimSpace(c.URL),
			Condition: strings.TrimSpace(c.Condition),
		})
	}
	return out
}

// BuildStats summarizes comparables. It returns deal.ErrInsufficientData
// when there are none.
func BuildStats(query string, items []deal.CompItem) (deal.PriceStats, error) {
	if len(items) == 0 {
		return deal.PriceStats{}, deal.ErrInsufficientData
	}
	prices := make([]float64, len(items))
	var sum float64
	for i, it := range items {
		prices[i] = it.Price
		sum += it.Price
	}
	sort.Float64s(prices)
	return deal.PriceStats{
		SearchTerm: query,
		SampleSize: len(items),
		Average:    sum / float64(len(items)),
		RawPrices:  prices,
		Items:      items,
	}, nil
}

// CacheKey normalizes a query for cache lookups: lower case, single spaces.
func CacheKey(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
