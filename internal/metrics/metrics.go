// Package metrics holds the engine's Prometheus collectors. They register
// with the default registry and are served by the web server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended counts durable appends by event kind.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_events_appended_total",
		Help: "Events appended to the event log by kind",
	}, []string{"kind"})

	// AppendDuration tracks storage append latency.
	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "factory_event_append_duration_seconds",
		Help:    "Event log append latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
	})

	// StreamDropped counts events a slow subscriber missed.
	StreamDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factory_stream_dropped_total",
		Help: "Events dropped because a subscriber buffer was full",
	})

	ItemsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "factory_items",
		Help: "Work items by state",
	}, []string{"state"})

	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_review_verdicts_total",
		Help: "Reviewer verdicts by phase and outcome",
	}, []string{"phase", "outcome"})

	Stalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factory_stalls_total",
		Help: "Items blocked by stall detection",
	})

	AgentRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_agent_restarts_total",
		Help: "Supervisor restarts by role",
	}, []string{"role"})

	AgentEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_agent_escalations_total",
		Help: "Agents that exceeded the restart cap, by role",
	}, []string{"role"})

	ContextEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_context_evictions_total",
		Help: "Context entries evicted to fit a category share",
	}, []string{"category"})

	EvaluatorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_evaluator_calls_total",
		Help: "Evaluator calls by result",
	}, []string{"result"})

	PeerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_peer_events_total",
		Help: "Events exchanged with peers by direction and result",
	}, []string{"direction", "result"})
)
