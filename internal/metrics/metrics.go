// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawld_fetches_total",
		Help: "Fetch attempts by outcome.",
	}, []string{"outcome"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawld_fetch_duration_seconds",
		Help:    "Wall time of individual fetches.",
		Buckets: prometheus.DefBuckets,
	})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawld_retries_total",
		Help: "Fetches that were re-queued for another attempt.",
	})

	blockLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawld_block_level",
		Help: "Current block level per domain (0=none .. 4=blocked).",
	}, []string{"domain"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawld_queue_depth",
		Help: "Tasks waiting in a run's pending queue.",
	}, []string{"run_id"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawld_runs_total",
		Help: "Runs by terminal state.",
	}, []string{"state"})
)

// ObserveFetch records one finished fetch attempt.
func ObserveFetch(outcome string, seconds float64) {
	fetchesTotal.WithLabelValues(outcome).Inc()
	fetchDuration.Observe(seconds)
}

// ObserveRetry counts a re-queued fetch.
func ObserveRetry() { retriesTotal.Inc() }

// SetBlockLevel publishes a domain's block level.
func SetBlockLevel(domain string, level int) {
	blockLevel.WithLabelValues(domain).Set(float64(level))
}

// SetQueueDepth publishes a run's pending queue size.
func SetQueueDepth(runID string, n int) {
	queueDepth.WithLabelValues(runID).Set(float64(n))
}

// ClearQueueDepth drops a finished run's queue gauge so the series does not
// linger at its last value.
func ClearQueueDepth(runID string) {
	queueDepth.DeleteLabelValues(runID)
}

// ObserveRunEnd counts a run reaching a terminal state.
func ObserveRunEnd(state string) { runsTotal.WithLabelValues(state).Inc() }
