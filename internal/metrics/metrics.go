// Package metrics exposes Prometheus instrumentation for the event
// broker: gauges and counters backed by the Snapshot/Stats accessors
// already maintained by the bus, batcher, session manager, and delivery
// tracker, plus a handler for /metrics. Grounded on the teacher's
// metrics.go registration pattern (construct-time MustRegister,
// custom-registry test seam), generalized from event-driven counter
// increments to GaugeFunc/CounterFunc callbacks reading each
// component's own Snapshot at scrape time, since none of these
// components needed a second, metrics-owned counting path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hybrid-dns/eventbroker/internal/batcher"
	"github.com/hybrid-dns/eventbroker/internal/delivery"
	"github.com/hybrid-dns/eventbroker/internal/eventbus"
	"github.com/hybrid-dns/eventbroker/internal/session"
)

// Service exposes Prometheus metrics for the event broker.
type Service struct {
	registry *prometheus.Registry
}

// NewService constructs a Service and registers every metric against
// reg. Passing a fresh *prometheus.Registry (rather than the global
// default) keeps repeated construction in tests collision-free.
func NewService(reg *prometheus.Registry, bus *eventbus.Bus, batch *batcher.Batcher, sessions *session.Manager, tracker *delivery.Tracker) *Service {
	s := &Service{registry: reg}

	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_bus_events_processed_total",
			Help: "Total number of events the bus has routed to completion",
		}, func() float64 { return float64(bus.Snapshot().Processed) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_bus_events_filtered_total",
			Help: "Total number of events dropped by the global filter chain",
		}, func() float64 { return float64(bus.Snapshot().Filtered) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_bus_queue_full_total",
			Help: "Total number of Emit calls that found the ingress queue full",
		}, func() float64 { return float64(bus.Snapshot().QueueFull) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_bus_persist_failures_total",
			Help: "Total number of events that failed to persist before routing",
		}, func() float64 { return float64(bus.Snapshot().PersistFailures) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_batcher_events_processed_total",
			Help: "Total number of events accepted into per-user batch queues",
		}, func() float64 { return float64(batch.Snapshot().TotalEventsProcessed) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_batcher_batches_sent_total",
			Help: "Total number of batch frames flushed to sessions",
		}, func() float64 { return float64(batch.Snapshot().TotalBatchesSent) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_batcher_bytes_sent_total",
			Help: "Total number of bytes sent over the wire by the batcher",
		}, func() float64 { return float64(batch.Snapshot().TotalBytesSent) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_batcher_bytes_saved_total",
			Help: "Total number of bytes saved by batch compression",
		}, func() float64 { return float64(batch.Snapshot().TotalBytesSaved) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_batcher_critical_bypassed_total",
			Help: "Total number of critical events sent immediately, bypassing batching",
		}, func() float64 { return float64(batch.Snapshot().CriticalBypassed) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_batcher_queue_overflows_total",
			Help: "Total number of per-user batch queue overflow drops",
		}, func() float64 { return float64(batch.Snapshot().QueueOverflows) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "eventbroker_sessions_open",
			Help: "Number of currently open client sessions",
		}, func() float64 { return float64(sessions.Stats().TotalSessions) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "eventbroker_sessions_distinct_users",
			Help: "Number of distinct users with at least one open session",
		}, func() float64 { return float64(sessions.Stats().TotalUsers) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_delivery_delivered_total",
			Help: "Total number of delivery attempts that succeeded",
		}, func() float64 { return float64(tracker.Snapshot().Delivered) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_delivery_failed_total",
			Help: "Total number of delivery attempts that found no open session",
		}, func() float64 { return float64(tracker.Snapshot().Failed) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_delivery_retried_total",
			Help: "Total number of delivery records picked up by the retry sweep",
		}, func() float64 { return float64(tracker.Snapshot().Retried) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "eventbroker_delivery_finalized_total",
			Help: "Total number of delivery records given up on after exhausting retries",
		}, func() float64 { return float64(tracker.Snapshot().Finalized) }),
	)

	return s
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// SessionsByKind exposes a per-kind session gauge. It is registered
// separately from NewService's fixed list because the set of
// domain.SessionKind values backing ByKind is a map, not a static label
// set known at construction time; a GaugeVec with one series per observed
// kind avoids guessing the kind catalogue up front. Values are set here at
// registration and change only when RefreshSessionsByKind is called.
func (s *Service) SessionsByKind(sessions *session.Manager) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventbroker_sessions_by_kind",
		Help: "Number of currently open sessions broken down by kind",
	}, []string{"kind"})
	s.registry.MustRegister(gv)

	s.refreshSessionsByKind(gv, sessions)
	return gv
}

// RefreshSessionsByKind recomputes the per-kind session gauge from the
// manager's current Stats. Callers running a composition-root poll loop
// should invoke this on a cadence (e.g. every scrape interval) so the
// gauge does not go stale between session churn events.
func (s *Service) RefreshSessionsByKind(gv *prometheus.GaugeVec, sessions *session.Manager) {
	s.refreshSessionsByKind(gv, sessions)
}

func (s *Service) refreshSessionsByKind(gv *prometheus.GaugeVec, sessions *session.Manager) {
	st := sessions.Stats()
	gv.Reset()
	for kind, count := range st.ByKind {
		gv.WithLabelValues(string(kind)).Set(float64(count))
	}
}
