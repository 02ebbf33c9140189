// Package publisher announces finished runs. Backends live in the pubsub and
// memory subpackages.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/dealscan/internal/deal"
)

// Publisher sends one payload to a topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BestDeal is the top-scoring listing of a run.
type BestDeal struct {
	Title     string  `json:"title"`
	Price     float64 `json:"price"`
	URL       string  `json:"url"`
	DealScore float64 `json:"dealScore"`
}

// RunSummary is the compact run-finished notification.
type RunSummary struct {
	RunID      string    `json:"runId"`
	Query      string    `json:"query"`
	Status     string    `json:"status"`
	FinishedAt time.Time `json:"finishedAt"`
	Scanned    int       `json:"scannedCount"`
	Filtered   int       `json:"filteredCount"`
	Evaluated  int       `json:"evaluatedCount"`
	// Deals counts listings at or above the threshold.
	Deals      int       `json:"dealCount"`
	Threshold  float64   `json:"threshold"`
	Best       *BestDeal `json:"best,omitempty"`
	ArchiveURI string    `json:"archiveUri,omitempty"`
}

// Summarize fills the deal fields of s from results.
func Summarize(s RunSummary, results []deal.Result) RunSummary {
	s.Deals = 0
	s.Best = nil
	for _, r := range results {
		if r.DealScore == nil {
			continue
		}
		score := *r.DealScore
		if score >= s.Threshold {
			s.Deals++
		}
		if s.Best == nil || score > s.Best.DealScore {
			s.Best = &BestDeal{Title: r.Title, Price: r.Price, URL: r.URL, DealScore: score}
		}
	}
	return s
}

// Notifier publishes RunSummary values to a fixed topic.
type Notifier struct {
	pub   Publisher
	topic string
}

// NewNotifier binds a Publisher to a topic.
func NewNotifier(pub Publisher, topic string) (*Notifier, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &Notifier{pub: pub, topic: topic}, nil
}

// Notify publishes the summary.
func (n *Notifier) Notify(ctx context.Context, s RunSummary) error {
	if _, err := n.pub.Publish(ctx, n.topic, s); err != nil {
		return fmt.Errorf("publish run summary %s: %w", s.RunID, err)
	}
	return nil
}
