package deal

import (
	"strings"
	"time"
)

// Listing is one candidate discovered by a listing source.
type Listing struct {
	Title       string  `json:"title"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency,omitempty"`
	Location    string  `json:"location,omitempty"`
	URL         string  `json:"url"`
	Description string  `json:"description,omitempty"`
}

// WorkItem is one unit of enrichment work. Index is 1-based and assigned at
// discovery; it drives output ordering and event correlation.
type WorkItem struct {
	Index        int
	Listing      Listing
	DiscoveredAt time.Time
}

// Verdict is the oracle's decision for one comparable.
type Verdict string

// Supported verdicts.
const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
	VerdictMaybe  Verdict = "maybe"
)

// Aggregation weights per verdict.
const (
	AcceptWeight = 1.0
	MaybeWeight  = 0.5
)

// ParseVerdict maps loosely-typed oracle output onto a Verdict. Anything
// unrecognized is treated as accept.
func ParseVerdict(raw string) Verdict {
	switch Verdict(strings.ToLower(strings.TrimSpace(raw))) {
	case VerdictReject:
		return VerdictReject
	case VerdictMaybe:
		return VerdictMaybe
	default:
		return VerdictAccept
	}
}

// Weight returns the contribution of the verdict to a weighted mean.
func (v Verdict) Weight() float64 {
	switch v {
	case VerdictAccept:
		return AcceptWeight
	case VerdictMaybe:
		return MaybeWeight
	default:
		return 0
	}
}

// Decision is a validated oracle verdict for one comparable.
type Decision struct {
	// Index is the 1-based global position of the comparable.
	Index   int
	Verdict Verdict
	Reason  string
	// Adjustment optionally scales the verdict weight when the oracle
	// supplies one.
	Adjustment *float64
}

// EffectiveWeight is the verdict weight times the optional adjustment.
func (d Decision) EffectiveWeight() float64 {
	w := d.Verdict.Weight()
	if d.Adjustment != nil && *d.Adjustment >= 0 {
		w *= *d.Adjustment
	}
	return w
}

// CompItem is one sold listing used as a market comparable.
type CompItem struct {
	Title        string  `json:"title"`
	Price        float64 `json:"price"`
	URL          string  `json:"url,omitempty"`
	Condition    string  `json:"condition,omitempty"`
	Description  string  `json:"description,omitempty"`
	Filtered     bool    `json:"filtered"`
	FilterStatus Verdict `json:"filterStatus,omitempty"`
	FilterReason string  `json:"filterReason,omitempty"`
}

// PriceStats aggregates sold prices for one market query.
type PriceStats struct {
	SearchTerm string     `json:"searchTerm"`
	SampleSize int        `json:"sampleSize"`
	Average    float64    `json:"average"`
	RawPrices  []float64  `json:"rawPrices"`
	Items      []CompItem `json:"items"`
}

// Clone returns a deep copy so callers can annotate items safely.
func (s PriceStats) Clone() PriceStats {
	out := s
	out.RawPrices = append([]float64(nil), s.RawPrices...)
	out.Items = append([]CompItem(nil), s.Items...)
	return out
}

// Result is the per-listing output of the evaluation stage.
type Result struct {
	Title         string     `json:"title"`
	Price         float64    `json:"price"`
	Currency      string     `json:"currency,omitempty"`
	Location      string     `json:"location,omitempty"`
	URL           string     `json:"url"`
	DealScore     *float64   `json:"dealScore"`
	SearchQuery   string     `json:"ebaySearchQuery,omitempty"`
	CompPrice     *float64   `json:"compPrice,omitempty"`
	CompPrices    []float64  `json:"compPrices,omitempty"`
	CompItems     []CompItem `json:"compItems,omitempty"`
	NoCompReason  string     `json:"noCompReason,omitempty"`
	LowConfidence bool       `json:"lowConfidence,omitempty"`
}

// User-facing reasons attached when a listing cannot be scored.
const (
	ReasonNoQuery       = "Could not prepare search"
	ReasonNoMarketData  = "No similar items found on eBay"
	ReasonNoComparable  = "No comparable eBay listings matched this item"
	ReasonTooFewSamples = "Not enough comparable listings to calculate price"
	ReasonUnavailable   = "Unable to generate eBay comparisons"
)

// NewResult seeds a Result from the listing fields.
func NewResult(l Listing) Result {
	return Result{
		Title:    l.Title,
		Price:    l.Price,
		Currency: l.Currency,
		Location: l.Location,
		URL:      l.URL,
	}
}

// Degraded builds the placeholder result used when a listing's comparison
// failed outright.
func Degraded(l Listing) Result {
	r := NewResult(l)
	r.NoCompReason = ReasonUnavailable
	return r
}

// Unscored builds a result with no score and the provided reason.
func Unscored(l Listing, reason string) Result {
	r := NewResult(l)
	r.NoCompReason = reason
	return r
}
