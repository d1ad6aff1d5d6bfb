// Package metrics defines Prometheus metrics for the dashboard backend.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	registry *prometheus.Registry

	// Scrip cache
	CacheRebuilds      prometheus.Counter
	CacheRebuildErrors prometheus.Counter
	CacheEntries       prometheus.Gauge
	CacheStale         prometheus.Gauge // 0=fresh, 1=serving stale data
	ResolveHits        prometheus.Counter
	ResolveMisses      prometheus.Counter

	// Broker calls
	BrokerCallDur *prometheus.HistogramVec // labels: endpoint
	BrokerErrors  *prometheus.CounterVec   // labels: endpoint

	// Quote cache
	QuoteCacheHits   prometheus.Counter
	QuoteCacheMisses prometheus.Counter

	// Orders
	OrdersPlaced *prometheus.CounterVec // labels: side, mode

	// WebSocket hub
	WSClients prometheus.Gauge
}

// New registers and returns all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		CacheRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_scrip_rebuilds_total",
			Help: "Total scrip cache rebuilds attempted",
		}),
		CacheRebuildErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_scrip_rebuild_errors_total",
			Help: "Scrip cache rebuilds that failed",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbit_scrip_entries",
			Help: "Contracts currently indexed in the scrip cache",
		}),
		CacheStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbit_scrip_stale",
			Help: "Whether the scrip cache is serving out-of-window data (0/1)",
		}),
		ResolveHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_scrip_resolve_hits_total",
			Help: "Successful strike-to-security-id resolutions",
		}),
		ResolveMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_scrip_resolve_misses_total",
			Help: "Resolutions that found no matching contract",
		}),

		BrokerCallDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orbit_broker_call_duration_seconds",
			Help:    "Dhan API call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		BrokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_broker_errors_total",
			Help: "Dhan API calls that failed",
		}, []string{"endpoint"}),

		QuoteCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_quote_cache_hits_total",
			Help: "LTP lookups served from the quote cache",
		}),
		QuoteCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_quote_cache_misses_total",
			Help: "LTP lookups that went to the broker",
		}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_orders_placed_total",
			Help: "Orders placed (by side and live/mock mode)",
		}, []string{"side", "mode"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbit_ws_clients",
			Help: "Currently connected WebSocket clients",
		}),
	}

	reg.MustRegister(
		m.CacheRebuilds,
		m.CacheRebuildErrors,
		m.CacheEntries,
		m.CacheStale,
		m.ResolveHits,
		m.ResolveMisses,
		m.BrokerCallDur,
		m.BrokerErrors,
		m.QuoteCacheHits,
		m.QuoteCacheMisses,
		m.OrdersPlaced,
		m.WSClients,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
