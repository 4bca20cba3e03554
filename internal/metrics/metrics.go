package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationGet records persistent or image cache reads.
	CacheOperationGet CacheOperation = "get"
	// CacheOperationPut records cache writes.
	CacheOperationPut CacheOperation = "put"
	// CacheOperationInvalidate records explicit removals.
	CacheOperationInvalidate CacheOperation = "invalidate"
)

// CacheResult captures the result of a cache operation.
type CacheResult string

const (
	CacheResultHit     CacheResult = "hit"
	CacheResultMiss    CacheResult = "miss"
	CacheResultExpired CacheResult = "expired"
	CacheResultStored  CacheResult = "stored"
	CacheResultError   CacheResult = "error"
)

// SessionEvent names a session lifecycle transition.
type SessionEvent string

const (
	SessionEventReused  SessionEvent = "reused"
	SessionEventCreated SessionEvent = "created"
	SessionEventFailed  SessionEvent = "create_failed"
	SessionEventRetried SessionEvent = "retried"
	SessionEventCleared SessionEvent = "cleared"
)

// RemovalReason explains why maintenance deleted a cache entry.
type RemovalReason string

const (
	RemovalExpired RemovalReason = "expired"
	RemovalCorrupt RemovalReason = "corrupt"
	RemovalOrphan  RemovalReason = "orphan"
	RemovalSize    RemovalReason = "size"
)

// Recorder publishes Prometheus metrics for client activity. A nil Recorder is
// valid and drops every observation.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	backendRequests *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	sessionEvents       *prometheus.CounterVec
	maintenanceRemovals *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	backendRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "placeclient",
		Subsystem: "backend",
		Name:      "requests_total",
		Help:      "Requests issued to the places backend.",
	}, []string{"endpoint", "status_code"})

	backendLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "placeclient",
		Subsystem: "backend",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for places backend requests.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
	}, []string{"endpoint"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "placeclient",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations executed by the client.",
	}, []string{"cache", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "placeclient",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"cache", "operation", "result"})

	sessionEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "placeclient",
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Session token lifecycle transitions.",
	}, []string{"event"})

	maintenanceRemovals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "placeclient",
		Subsystem: "cache",
		Name:      "maintenance_removals_total",
		Help:      "Entries deleted by cache maintenance.",
	}, []string{"reason"})

	reg.MustRegister(backendRequests, backendLatency, cacheOperations, cacheLatency, sessionEvents, maintenanceRemovals)

	return &Recorder{
		gatherer:            reg,
		handler:             promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		backendRequests:     backendRequests,
		backendLatency:      backendLatency,
		cacheOperations:     cacheOperations,
		cacheLatency:        cacheLatency,
		sessionEvents:       sessionEvents,
		maintenanceRemovals: maintenanceRemovals,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveBackend records a completed backend request. A statusCode of zero means
// the request never produced a response.
func (r *Recorder) ObserveBackend(endpoint string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	endpointLabel := normalizeLabel(endpoint)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "none"
	}
	r.backendRequests.WithLabelValues(endpointLabel, statusLabel).Inc()
	r.backendLatency.WithLabelValues(endpointLabel).Observe(duration.Seconds())
}

// ObserveCache records a cache operation against the named cache tier.
func (r *Recorder) ObserveCache(cache string, operation CacheOperation, result CacheResult, duration time.Duration) {
	if r == nil {
		return
	}
	cacheLabel := normalizeLabel(cache)
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationGet)
	}
	resLabel := normalizeLabel(string(result))
	r.cacheOperations.WithLabelValues(cacheLabel, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(cacheLabel, opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveSession counts a session lifecycle transition.
func (r *Recorder) ObserveSession(event SessionEvent) {
	if r == nil {
		return
	}
	r.sessionEvents.WithLabelValues(normalizeLabel(string(event))).Inc()
}

// ObserveRemovals counts entries deleted by maintenance for one reason.
func (r *Recorder) ObserveRemovals(reason RemovalReason, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.maintenanceRemovals.WithLabelValues(normalizeLabel(string(reason))).Add(float64(count))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
