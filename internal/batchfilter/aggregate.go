package batchfilter

import (
	"sort"

	"github.com/JakeFAU/dealscan/internal/deal"
)

// MinConfidentWeight is the total weight below which a weighted mean is
// reported as low confidence.
const MinConfidentWeight = 3.0

// Outcome is the weighted view of one listing's comparables after
// filtering.
type Outcome struct {
	// Items is a copy of the input annotated with each verdict.
	Items []deal.CompItem
	// KeptPrices holds accept and maybe prices, ascending.
	KeptPrices    []float64
	Accepted      int
	Maybe         int
	Rejected      int
	TotalWeight   float64
	Average       float64
	LowConfidence bool
	// NoComparable is set when every comparable was rejected.
	NoComparable bool
}

// Aggregate folds decisions into a weighted mean over items. Decisions are
// matched to items by 1-based Index; items without a decision count as
// accepted.
func Aggregate(items []deal.CompItem, decisions []deal.Decision) Outcome {
	byIndex := make(map[int]deal.Decision, len(decisions))
	for _, d := range decisions {
		byIndex[d.Index] = d
	}

	out := Outcome{Items: make([]deal.CompItem, len(items))}
	var weighted float64
	for i, item := range items {
		d, ok := byIndex[i+1]
		if !ok {
			d = deal.Decision{Index: i + 1, Verdict: deal.VerdictAccept}
		}
		item.FilterStatus = d.Verdict
		item.FilterReason = d.Reason
		item.Filtered = d.Verdict == deal.VerdictReject
		out.Items[i] = item

		switch d.Verdict {
		case deal.VerdictAccept:
			out.Accepted++
		case deal.VerdictMaybe:
			out.Maybe++
		default:
			out.Rejected++
			continue
		}
		w := d.EffectiveWeight()
		weighted += item.Price * w
		out.TotalWeight += w
		out.KeptPrices = append(out.KeptPrices, item.Price)
	}
	sort.Float64s(out.KeptPrices)

	if out.TotalWeight == 0 {
		out.KeptPrices = nil
		out.NoComparable = len(items) > 0
		return out
	}
	out.Average = weighted / out.TotalWeight
	out.LowConfidence = out.TotalWeight < MinConfidentWeight
	return out
}
