// Package metrics exposes Prometheus collectors for the scan service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal                  *prometheus.CounterVec
	itemsEvaluatedTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	gateRetriesTotal           prometheus.Counter
	gateWaitSeconds            prometheus.Histogram
	gatePermitsInUse           prometheus.Gauge
	poolHandlesLive            prometheus.Gauge
	poolForceClosesTotal       prometheus.Counter
	batchFailOpenTotal         prometheus.Counter
	activeWorkers              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscan_runs_total",
				Help: "Total number of scan runs, labeled by terminal result.",
			},
			[]string{"result"},
		)

		itemsEvaluatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscan_items_evaluated_total",
				Help: "Total number of listings evaluated, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		gateRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dealscan_gate_retries_total",
				Help: "Total number of rate-limited calls that were retried.",
			},
		)

		gateWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dealscan_gate_wait_seconds",
				Help:    "Histogram of time spent waiting for a call permit or backoff.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		gatePermitsInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dealscan_gate_permits_in_use",
				Help: "Number of call permits currently held.",
			},
		)

		poolHandlesLive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dealscan_pool_handles_live",
				Help: "Number of browser handles currently alive in the pool.",
			},
		)

		poolForceClosesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dealscan_pool_force_closes_total",
				Help: "Total number of pool force-close cycles.",
			},
		)

		batchFailOpenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dealscan_batch_fail_open_total",
				Help: "Total number of filter batches that failed open.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dealscan_active_workers",
				Help: "Number of evaluation workers currently processing a listing.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun increments the run counter for the given result.
func ObserveRun(result string) {
	Init()
	runsTotal.WithLabelValues(result).Inc()
}

// ObserveItem increments the evaluated-item counter for the given outcome.
func ObserveItem(outcome string) {
	Init()
	itemsEvaluatedTotal.WithLabelValues(outcome).Inc()
}

// ObserveGateRetry counts one backoff retry.
func ObserveGateRetry() {
	Init()
	gateRetriesTotal.Inc()
}

// ObserveGateWait records time spent blocked in the call gate.
func ObserveGateWait(d time.Duration) {
	Init()
	gateWaitSeconds.Observe(d.Seconds())
}

// SetGatePermitsInUse publishes the current permit count.
func SetGatePermitsInUse(n int) {
	Init()
	gatePermitsInUse.Set(float64(n))
}

// SetPoolHandlesLive publishes the current number of live handles.
func SetPoolHandlesLive(n int) {
	Init()
	poolHandlesLive.Set(float64(n))
}

// ObservePoolForceClose counts one force-close cycle.
func ObservePoolForceClose() {
	Init()
	poolForceClosesTotal.Inc()
}

// ObserveBatchFailOpen counts one filter batch that failed open.
func ObserveBatchFailOpen() {
	Init()
	batchFailOpenTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
