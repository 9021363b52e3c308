// Package metrics exposes the Prometheus collectors referenced by
// spec.md's ambient observability expectations, grounded on the
// retrieved Tutu-Engine and r3e-network-service_layer repos, both of
// which expose a prometheus/client_golang registry behind /metrics
// rather than hand-rolled counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth is the current length of the engine's command queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hackbackend_engine_queue_depth",
		Help: "Number of commands currently queued for the engine's single writer.",
	})

	// TickLatency observes how long one engine loop iteration takes.
	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hackbackend_engine_tick_seconds",
		Help:    "Duration of one engine command/timer-drain iteration.",
		Buckets: prometheus.DefBuckets,
	})

	// ConnectedClients is the number of live WebSocket connections.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hackbackend_bus_connected_clients",
		Help: "Number of currently connected WebSocket clients.",
	})

	// AdmissionFailuresTotal counts failed admission attempts by
	// deficit dimension.
	AdmissionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hackbackend_admission_failures_total",
		Help: "Count of resource admission failures by deficit dimension.",
	}, []string{"dimension"})

	// ProcessesCompletedTotal counts terminal transitions by action and
	// outcome state.
	ProcessesCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hackbackend_processes_completed_total",
		Help: "Count of processes reaching a terminal state.",
	}, []string{"action", "state"})

	// BackpressureEventsTotal counts dropped-frame and
	// connection-closed backpressure events on the realtime bus.
	BackpressureEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hackbackend_bus_backpressure_total",
		Help: "Count of backpressure interventions on the realtime bus.",
	}, []string{"outcome"}) // "dropped" or "connection_closed"
)
