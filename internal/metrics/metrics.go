package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes recorded against proxy_requests_total. A request is
// either answered from the cache, relayed from the origin, failed, or
// rejected: refused by the rate limiter, or answered with an error page
// for a malformed request line, an unsupported method, or an
// unparseable target.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Metrics provides Prometheus metrics collection for the proxy.
// Tracks request counts, durations, connection load, and cache
// occupancy for monitoring.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec   // total requests by outcome
	requestDuration   *prometheus.HistogramVec // request duration distribution
	activeConnections prometheus.Gauge         // currently open client connections

	Cache *CacheMetrics
}

// CacheMetrics is the subset of instruments maintained by the cache
// store itself. The store accepts a nil receiver so it can be used
// without any metrics wiring in tests.
type CacheMetrics struct {
	usedBytes prometheus.Gauge
	entries   prometheus.Gauge
	evictions prometheus.Counter
}

// NewMetrics creates a new metrics collector with Prometheus
// instruments and registers them with the given registerer. Passing
// nil registers against the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of client requests processed",
			},
			[]string{"outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_request_duration_seconds",
				Help:    "Client request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_active_connections",
				Help: "Number of active client connections",
			},
		),
		Cache: &CacheMetrics{
			usedBytes: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "proxy_cache_used_bytes",
					Help: "Sum of cached object sizes in bytes",
				},
			),
			entries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "proxy_cache_entries",
					Help: "Number of live cache entries",
				},
			),
			evictions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "proxy_cache_evictions_total",
					Help: "Total number of cache entries evicted to reclaim capacity",
				},
			),
		},
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConnections,
		m.Cache.usedBytes,
		m.Cache.entries,
		m.Cache.evictions,
	)

	return m
}

// RecordRequest records one completed client request.
func (m *Metrics) RecordRequest(outcome string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncrementConnections increments the active connection count.
// Called when a client connection is accepted.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Inc()
}

// DecrementConnections decrements the active connection count.
// Called when a client connection is closed.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Dec()
}

// SetOccupancy records the store's current byte usage and entry count.
func (cm *CacheMetrics) SetOccupancy(usedBytes int64, entries int) {
	if cm == nil {
		return
	}
	cm.usedBytes.Set(float64(usedBytes))
	cm.entries.Set(float64(entries))
}

// RecordEviction counts one capacity-driven eviction.
func (cm *CacheMetrics) RecordEviction() {
	if cm == nil {
		return
	}
	cm.evictions.Inc()
}

// Serve exposes the metrics endpoint on its own listener until ctx is
// cancelled. The proxy's data path never touches this server.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
