// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for threat-radar.
type Metrics struct {
	EventsIngested *prometheus.CounterVec // status: accepted|rejected
	EventsEvicted  prometheus.Counter
	StoreSize      prometheus.Gauge
	QueryDuration  *prometheus.HistogramVec // endpoint
	Queries        *prometheus.CounterVec   // endpoint, status: ok|error
	StreamClients  prometheus.Gauge
}

// New creates and registers the service metrics.
func New() *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatradar_events_ingested_total",
				Help: "Events offered to the store, by outcome",
			},
			[]string{"status"},
		),
		EventsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "threatradar_events_evicted_total",
				Help: "Events dropped past the retention horizon",
			},
		),
		StoreSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "threatradar_store_events",
				Help: "Live events currently retained",
			},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threatradar_query_duration_seconds",
				Help:    "Query endpoint latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		Queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatradar_queries_total",
				Help: "Query endpoint calls, by outcome",
			},
			[]string{"endpoint", "status"},
		),
		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "threatradar_stream_clients",
				Help: "Connected websocket stream clients",
			},
		),
	}

	prometheus.MustRegister(
		m.EventsIngested,
		m.EventsEvicted,
		m.StoreSize,
		m.QueryDuration,
		m.Queries,
		m.StreamClients,
	)
	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
