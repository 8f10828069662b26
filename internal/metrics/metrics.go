// Package metrics holds the prometheus collectors shared by the engine, rails and watchdog.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Registry struct {
	transitions     *prometheus.CounterVec
	railCalls       *prometheus.CounterVec
	railLatency     *prometheus.HistogramVec
	watchdogActions *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
}

var (
	registryOnce sync.Once
	registry     *Registry
)

// Default returns the lazily-initialised registry attached to the default prometheus
// registerer.
func Default() *Registry {
	registryOnce.Do(func() {
		registry = newRegistry()
		prometheus.MustRegister(
			registry.transitions,
			registry.railCalls,
			registry.railLatency,
			registry.watchdogActions,
			registry.reconciliations,
		)
	})
	return registry
}

func newRegistry() *Registry {
	return &Registry{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Name:      "transitions_total",
			Help:      "Lifecycle events submitted, segmented by event and outcome.",
		}, []string{"event", "outcome"}),
		railCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Name:      "rail_calls_total",
			Help:      "Escrow rail operations segmented by rail, operation and outcome.",
		}, []string{"rail", "op", "outcome"}),
		railLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bountyline",
			Name:      "rail_call_duration_seconds",
			Help:      "Latency distribution for escrow rail operations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"rail", "op"}),
		watchdogActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Name:      "watchdog_actions_total",
			Help:      "Watchdog flags and transitions segmented by check.",
		}, []string{"check"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Name:      "reconciliations_total",
			Help:      "Settlement intent recoveries segmented by outcome.",
		}, []string{"outcome"}),
	}
}

// Transition records an event submission outcome.
func (r *Registry) Transition(event, outcome string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(event, outcome).Inc()
}

// RailCall records one rail operation.
func (r *Registry) RailCall(rail, op, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.railCalls.WithLabelValues(rail, op, outcome).Inc()
	r.railLatency.WithLabelValues(rail, op).Observe(elapsed.Seconds())
}

func (r *Registry) WatchdogAction(check string) {
	if r == nil {
		return
	}
	r.watchdogActions.WithLabelValues(check).Inc()
}

func (r *Registry) Reconciliation(outcome string) {
	if r == nil {
		return
	}
	r.reconciliations.WithLabelValues(outcome).Inc()
}
