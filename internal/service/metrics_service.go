package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic and engine decisions.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	capacityDenied  *prometheus.CounterVec
	bulkItems       *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	storeDuration   *prometheus.HistogramVec
}

// NewMetricsService registers collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_transitions_total",
		Help: "State transitions attempted, by entity, event and outcome code",
	}, []string{"entity", "event", "outcome"})

	capacityDenied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_capacity_rejections_total",
		Help: "Approvals refused because the institution limit was reached",
	}, []string{"role"})

	bulkItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_bulk_items_total",
		Help: "Items processed by bulk operations, by entity and result",
	}, []string{"entity", "result"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Domain event notifications by delivery result",
	}, []string{"result"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Cache lookups by result",
	}, []string{"result"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	storeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "store_operation_duration_seconds",
		Help:    "Duration of store critical sections",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitions, capacityDenied, bulkItems,
		notifications, cacheLookups, cacheLatency, storeDuration, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		transitions:     transitions,
		capacityDenied:  capacityDenied,
		bulkItems:       bulkItems,
		notifications:   notifications,
		cacheLookups:    cacheLookups,
		cacheLatency:    cacheLatency,
		storeDuration:   storeDuration,
	}
}

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveTransition counts a transition attempt; outcome is "ok" or the failure code.
func (m *MetricsService) ObserveTransition(entity, event, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, event, outcome).Inc()
}

// ObserveCapacityRejection counts a refused approval for role.
func (m *MetricsService) ObserveCapacityRejection(role string) {
	if m == nil {
		return
	}
	m.capacityDenied.WithLabelValues(role).Inc()
}

// ObserveBulk counts bulk item results.
func (m *MetricsService) ObserveBulk(entity string, succeeded, failed int) {
	if m == nil {
		return
	}
	m.bulkItems.WithLabelValues(entity, "succeeded").Add(float64(succeeded))
	m.bulkItems.WithLabelValues(entity, "failed").Add(float64(failed))
}

// ObserveNotification counts a notification outcome: delivered, failed, dropped, abandoned or unaddressed.
func (m *MetricsService) ObserveNotification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// RecordCacheOperation records a cache lookup.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveStore records how long a store operation took.
func (m *MetricsService) ObserveStore(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
