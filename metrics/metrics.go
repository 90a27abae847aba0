// Package metrics exposes the engine's Prometheus instrumentation as an
// explicitly owned Collector registered on a caller-supplied registry. No
// process-wide default registry is touched.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles the counters and histograms emitted by the dispatcher,
// router and context window manager. Create one per engine instance with
// NewCollector; a nil Registerer yields unregistered (test-friendly) metrics.
type Collector struct {
	TasksDispatched    prometheus.Counter
	TaskTransitions    *prometheus.CounterVec
	EventsDeduplicated prometheus.Counter
	EventConflicts     prometheus.Counter
	ProviderSelections *prometheus.CounterVec
	ProviderFallbacks  prometheus.Counter
	ContextEvictions   prometheus.Counter
	RouteLatency       prometheus.Histogram
}

// NewCollector creates and registers the engine metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		TasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskmesh_tasks_dispatched_total",
			Help: "Tasks accepted by the dispatcher.",
		}),
		TaskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_task_transitions_total",
			Help: "Task state transitions by target state.",
		}, []string{"state"}),
		EventsDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskmesh_events_deduplicated_total",
			Help: "Events absorbed by idempotency key deduplication.",
		}),
		EventConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskmesh_event_conflicts_total",
			Help: "Events dropped as duplicate or out-of-order beyond the buffer.",
		}),
		ProviderSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_provider_selections_total",
			Help: "Provider selections by provider name.",
		}, []string{"provider"}),
		ProviderFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskmesh_provider_fallbacks_total",
			Help: "Fallback attempts after a failed provider call.",
		}),
		ContextEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskmesh_context_evictions_total",
			Help: "Context window entries evicted or summarized away.",
		}),
		RouteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskmesh_route_latency_seconds",
			Help:    "End-to-end latency of routed provider calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
