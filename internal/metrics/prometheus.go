// Package metrics exposes Prometheus collectors for the resilience
// layer: upstream calls, cache traffic, circuit breaker transitions,
// batch flushes and token refreshes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	upstreamCallsTotal *prometheus.CounterVec
	degradedTotal      *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec

	callDuration *prometheus.HistogramVec

	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec

	breakerState      *prometheus.GaugeVec
	breakerTripsTotal *prometheus.CounterVec

	batchFlushesTotal *prometheus.CounterVec
	batchSize         *prometheus.HistogramVec
	batchQueueDepth   prometheus.Gauge

	tokenRequestsTotal  *prometheus.CounterVec
	tokenCachedGauge    prometheus.Gauge

	uptime prometheus.GaugeFunc
}

// Default histogram buckets for upstream call duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

var startTime = time.Now()

// StartTime returns the time when the process started.
func StartTime() time.Time {
	return startTime
}

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		upstreamCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_calls_total",
				Help:      "Total upstream calls by dependency and outcome",
			},
			[]string{"dependency", "status"},
		),

		degradedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "degraded_responses_total",
				Help:      "Responses served via a degradation path",
			},
			[]string{"dependency", "mode"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retry attempts against upstream dependencies",
			},
			[]string{"dependency"},
		),

		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_milliseconds",
				Help:      "Duration of upstream calls in milliseconds",
				Buckets:   buckets,
			},
			[]string{"dependency", "degraded"},
		),

		cacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Cache hits by cache name",
			},
			[]string{"cache"},
		),

		cacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Cache misses by cache name",
			},
			[]string{"cache"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"dependency"},
		),

		breakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"dependency", "to_state"},
		),

		batchFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_flushes_total",
				Help:      "Batch flushes by write kind and outcome",
			},
			[]string{"kind", "status"},
		),

		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Number of requests aggregated per flush",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
			},
			[]string{"kind"},
		),

		batchQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_queue_depth",
				Help:      "Total requests currently queued across all batches",
			},
		),

		tokenRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_requests_total",
				Help:      "Token issuance requests by outcome",
			},
			[]string{"status"},
		),

		tokenCachedGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tokens_cached",
				Help:      "Number of tokens currently cached",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.upstreamCallsTotal,
		pm.degradedTotal,
		pm.retriesTotal,
		pm.callDuration,
		pm.cacheHitsTotal,
		pm.cacheMissesTotal,
		pm.breakerState,
		pm.breakerTripsTotal,
		pm.batchFlushesTotal,
		pm.batchSize,
		pm.batchQueueDepth,
		pm.tokenRequestsTotal,
		pm.tokenCachedGauge,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordUpstreamCall records one resolved upstream call.
func RecordUpstreamCall(dependency string, durationMs int64, success, degraded bool, mode string, retries int) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.upstreamCallsTotal.WithLabelValues(dependency, status).Inc()

	degradedLabel := "false"
	if degraded {
		degradedLabel = "true"
		promMetrics.degradedTotal.WithLabelValues(dependency, mode).Inc()
	}
	promMetrics.callDuration.WithLabelValues(dependency, degradedLabel).Observe(float64(durationMs))

	if retries > 0 {
		promMetrics.retriesTotal.WithLabelValues(dependency).Add(float64(retries))
	}
}

// RecordCacheHit records a hit against a named cache.
func RecordCacheHit(cache string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a miss against a named cache.
func RecordCacheMiss(cache string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheMissesTotal.WithLabelValues(cache).Inc()
}

// SetCircuitBreakerState sets the breaker state gauge for a dependency.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(dependency string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(dependency).Set(float64(state))
}

// RecordCircuitBreakerTrip records a breaker state transition.
func RecordCircuitBreakerTrip(dependency, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTripsTotal.WithLabelValues(dependency, toState).Inc()
}

// RecordBatchFlush records one batch flush outcome.
func RecordBatchFlush(kind string, size int, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.batchFlushesTotal.WithLabelValues(kind, status).Inc()
	promMetrics.batchSize.WithLabelValues(kind).Observe(float64(size))
}

// SetBatchQueueDepth sets the total queued request gauge.
func SetBatchQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.batchQueueDepth.Set(float64(depth))
}

// RecordTokenRequest records a token issuance attempt.
func RecordTokenRequest(success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.tokenRequestsTotal.WithLabelValues(status).Inc()
}

// SetTokensCached sets the cached token count gauge.
func SetTokensCached(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.tokenCachedGauge.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
