// Package metrics exposes Prometheus collectors for the search scraper.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	searchJobsTotal            *prometheus.CounterVec
	searchItemsTotal           *prometheus.CounterVec
	searchJobDurationSeconds   *prometheus.HistogramVec
	poolCreationsTotal         prometheus.Counter
	activePools                prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		searchJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_jobs_total",
				Help: "Total number of search jobs finalized, labeled by reason.",
			},
			[]string{"reason"},
		)

		searchItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_items_total",
				Help: "Total number of extraction items settled, labeled by status.",
			},
			[]string{"status"},
		)

		searchJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_job_duration_seconds",
				Help:    "Histogram of end-to-end job latencies, labeled by kind.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
			},
			[]string{"kind"},
		)

		poolCreationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "search_pool_creations_total",
				Help: "Total number of pool pairs created by the registry.",
			},
		)

		activePools = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "search_active_pools",
				Help: "Number of pool pairs currently cached in the registry.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records one finalized job.
func ObserveJob(reason, kind string, duration time.Duration) {
	if searchJobsTotal == nil {
		return
	}
	searchJobsTotal.WithLabelValues(reason).Inc()
	searchJobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveItem records one settled extraction item.
func ObserveItem(status string) {
	if searchItemsTotal == nil {
		return
	}
	searchItemsTotal.WithLabelValues(status).Inc()
}

// ObservePoolCreated increments the pool creation counter.
func ObservePoolCreated() {
	if poolCreationsTotal == nil {
		return
	}
	poolCreationsTotal.Inc()
}

// SetActivePools sets the cached pool pair gauge.
func SetActivePools(n int) {
	if activePools == nil {
		return
	}
	activePools.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
