// Package metrics defines the Prometheus collectors for the depth
// subsystem. Collectors are package-level so hot paths can increment
// them without plumbing a registry through every constructor; Init
// registers them once at startup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeltasApplied   = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_deltas_applied_total", Help: "Deltas applied to seeded books"})
	DeltasBuffered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_deltas_buffered_total", Help: "Deltas buffered before the snapshot arrived"})
	DeltasDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_deltas_dropped_total", Help: "Deltas dropped (untracked instrument or full buffer)"})
	SnapshotsSeeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_snapshots_seeded_total", Help: "Snapshot seeds applied to books"})
	CrossedBooks    = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_crossed_total", Help: "Crossed-book anomalies observed"})

	MalformedMessages = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_malformed_messages_total", Help: "Feed messages dropped as unparseable"})
	FeedReconnects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Feed reconnection attempts"})
	ConnectionState   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "feed_connection_state", Help: "Feed state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting"})

	SnapshotFetches = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "snapshot_fetches_total", Help: "REST snapshot fetches by result"}, []string{"result"})

	SubscribedInstruments = prometheus.NewGauge(prometheus.GaugeOpts{Name: "subscribed_instruments", Help: "Instruments currently in the live subscription set"})
	ActiveHandles         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "active_handles", Help: "Consumer handles not yet released"})
)

// Init registers all collectors plus Go/process collectors on a fresh
// registry.
func Init() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		DeltasApplied, DeltasBuffered, DeltasDropped, SnapshotsSeeded, CrossedBooks,
		MalformedMessages, FeedReconnects, ConnectionState,
		SnapshotFetches,
		SubscribedInstruments, ActiveHandles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	return reg
}

// Handler returns the HTTP handler serving the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
