// Package metrics exposes prometheus instrumentation for the platform.
//
// Subsystems keep their own snapshot maps for the status API; this package
// is the export surface scraped at /metrics, not the source of truth.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the platform registers
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished  *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	EventsDispatched prometheus.Counter

	PersistenceWrites prometheus.Counter
	PersistenceReads  prometheus.Counter
	PersistenceErrors prometheus.Counter

	RecoveryAttempts *prometheus.CounterVec

	CoordinatorState prometheus.Gauge

	SignalsApproved prometheus.Counter
	SignalsRejected prometheus.Counter

	OrdersExecuted *prometheus.CounterVec
}

// New creates a Metrics instance with a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strategos",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Analytics events published, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategos",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Analytics events dropped because the queue was full.",
		}),
		EventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategos",
			Subsystem: "events",
			Name:      "dispatched_total",
			Help:      "Analytics events handed to subscribers.",
		}),
		PersistenceWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategos",
			Subsystem: "persistence",
			Name:      "writes_total",
			Help:      "Records written to the persistence layer.",
		}),
		PersistenceReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategos",
			Subsystem: "persistence",
			Name:      "reads_total",
			Help:      "Records read from the persistence layer.",
		}),
		PersistenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategos",
			Subsystem: "persistence",
			Name:      "errors_total",
			Help:      "Persistence operations that failed.",
		}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strategos",
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Recovery attempts, by action and terminal status.",
		}, []string{"action", "status"}),
		CoordinatorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strategos",
			Subsystem: "coordinator",
			Name:      "state",
			Help:      "Coordinator overall state as an ordinal (0=stopped .. 7=error).",
		}),
		SignalsApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategos",
			Subsystem: "risk",
			Name:      "signals_approved_total",
			Help:      "Signals approved by the risk gate.",
		}),
		SignalsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategos",
			Subsystem: "risk",
			Name:      "signals_rejected_total",
			Help:      "Signals rejected by the risk gate.",
		}),
		OrdersExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strategos",
			Subsystem: "execution",
			Name:      "orders_total",
			Help:      "Orders routed to the broker, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.EventsPublished,
		m.EventsDropped,
		m.EventsDispatched,
		m.PersistenceWrites,
		m.PersistenceReads,
		m.PersistenceErrors,
		m.RecoveryAttempts,
		m.CoordinatorState,
		m.SignalsApproved,
		m.SignalsRejected,
		m.OrdersExecuted,
	)

	return m
}

// Handler returns the scrape handler for the private registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
