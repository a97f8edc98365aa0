// Package metrics exposes the prometheus instrumentation of the indexer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oo_indexer"

var (
	syncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Completed sync cycles per instance and outcome",
		},
		[]string{"instance", "outcome"},
	)

	syncCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "Wall time of a full sync cycle",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"instance"},
	)

	lastProcessedBlock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_processed_block",
			Help:      "Durable cursor of each instance",
		},
		[]string{"instance"},
	)

	eventsIndexedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_indexed_total",
			Help:      "Decoded contract events applied to storage",
		},
		[]string{"instance"},
	)

	rpcFailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_failovers_total",
			Help:      "Times the active RPC endpoint changed within a cycle",
		},
		[]string{"instance"},
	)
)

func init() {
	prometheus.MustRegister(
		syncCyclesTotal,
		syncCycleDuration,
		lastProcessedBlock,
		eventsIndexedTotal,
		rpcFailoversTotal,
	)
}

// CycleCompleted records the outcome and duration of one sync cycle.
func CycleCompleted(instance, outcome string, seconds float64) {
	syncCyclesTotal.WithLabelValues(instance, outcome).Inc()
	syncCycleDuration.WithLabelValues(instance).Observe(seconds)
}

// CursorAdvanced updates the cursor gauge of an instance.
func CursorAdvanced(instance string, block uint64) {
	lastProcessedBlock.WithLabelValues(instance).Set(float64(block))
}

// EventsIndexed adds to the applied-event counter of an instance.
func EventsIndexed(instance string, count int) {
	eventsIndexedTotal.WithLabelValues(instance).Add(float64(count))
}

// RPCFailover records one active-endpoint change.
func RPCFailover(instance string) {
	rpcFailoversTotal.WithLabelValues(instance).Inc()
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
