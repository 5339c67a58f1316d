// Package metrics exposes Prometheus instrumentation for the detection
// pipeline. Collectors are registered with the default registry and served
// by Serve alongside the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rcourtman/argus/internal/event"
)

var (
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_probes_total",
			Help: "Total detector probe invocations by detector and result",
		},
		[]string{"detector", "result"}, // ok, error, timeout
	)

	ProbeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argus_probe_duration_seconds",
			Help:    "Wall time spent in detector probes",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"detector"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_event_transitions_total",
			Help: "Event transitions committed to the store by code and kind",
		},
		[]string{"code", "kind"},
	)

	OpenEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_open_events",
			Help: "Currently OPEN events by code",
		},
		[]string{"code"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_notifications_total",
			Help: "Notification dispatch outcomes",
		},
		[]string{"result"}, // sent, failed, muted
	)

	StoreWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_store_write_failures_total",
			Help: "Event store write transactions that failed to commit",
		},
	)
)

// RecordTransition updates transition counters and the open-events gauge.
func RecordTransition(t event.Transition) {
	TransitionsTotal.WithLabelValues(t.Event.Code, string(t.Kind)).Inc()

	switch t.Kind {
	case event.TransitionNewIncident:
		OpenEvents.WithLabelValues(t.Event.Code).Inc()
	case event.TransitionResolved:
		OpenEvents.WithLabelValues(t.Event.Code).Dec()
	}
}
