// Package metrics defines the Prometheus instruments shared by the
// transport, store, dispatcher and engine.
//
// Instruments are created per Metrics value rather than as package globals
// so tests can use a private registry. A Metrics built with a nil
// Registerer works normally but is not exported anywhere.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "syncql"
)

// Request outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeAuth     = "auth"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeLost     = "connection_lost"
)

// Metrics holds every instrument.
type Metrics struct {
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	Evictions   prometheus.Counter

	// Requests counts transport attempts by operation kind and outcome.
	Requests *prometheus.CounterVec
	Retries  prometheus.Counter

	QueuedMutations prometheus.Gauge
	DispatchDrops   *prometheus.CounterVec
	Reconnects      prometheus.Counter
}

// New creates the instruments and registers them on reg (nil: unregistered).
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Queries answered from the local cache.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Queries that found no cached entry.",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Cache entries evicted by the size cap.",
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Transport attempts by operation kind and outcome.",
		}, []string{"kind", "outcome"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Transport attempts beyond the first.",
		}),
		QueuedMutations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "queued_mutations",
			Help:      "Mutations waiting in the offline queue.",
		}),
		DispatchDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "dropped_events_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}, []string{"topic"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "subscription_reconnects_total",
			Help:      "Realtime subscription reconnect attempts.",
		}),
	}
}

// OrNew returns m, or a fresh unregistered Metrics when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}
