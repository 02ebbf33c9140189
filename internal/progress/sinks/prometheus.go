package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/dealscan/internal/progress"
)

// PrometheusSink exports run-history metrics: runs started, finished and
// running, run wall time, and per-item outcomes and latency.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	items        *prometheus.CounterVec
	itemDuration prometheus.Histogram
	dealScores   prometheus.Histogram

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealscan_history_runs_started_total",
			Help: "Runs that emitted RUN_START.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealscan_history_runs_finished_total",
			Help: "Finished runs partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealscan_history_runs_running",
			Help: "Runs started but not yet finished.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealscan_history_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealscan_history_items_total",
			Help: "Evaluated items partitioned by outcome.",
		}, []string{"outcome"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealscan_history_item_duration_seconds",
			Help:    "Per-item evaluation latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}),
		dealScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealscan_history_deal_score",
			Help:    "Distribution of computed deal scores.",
			Buckets: []float64{-50, -20, 0, 10, 20, 30, 50, 75},
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runDuration,
		s.items,
		s.itemDuration,
		s.dealScores,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register run history collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch {
	case evt.Stage == progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case evt.Stage == progress.StageItemDone:
		s.items.WithLabelValues(string(evt.Outcome)).Inc()
		if evt.Dur > 0 {
			s.itemDuration.Observe(evt.Dur.Seconds())
		}
		if evt.Result != nil && evt.Result.DealScore != nil {
			s.dealScores.Observe(*evt.Result.DealScore)
		}
	case evt.Terminal():
		label := resultLabel(evt.Stage)
		s.runsFinished.WithLabelValues(label).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	}
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageRunCanceled:
		return "canceled"
	case progress.StageRunError:
		return "error"
	default:
		return "success"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
