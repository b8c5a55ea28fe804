// Package telemetry holds the engine's Prometheus metrics.
//
// Metrics are always recorded in-process. Nothing is exposed until the
// operator opts in with SetEnabled(true), after which Handler serves them.
package telemetry

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var enabled atomic.Bool

// =====================================================
// Metrics
// =====================================================

var (
	// queueItems counts queue item transitions by result and operation.
	queueItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinesync_queue_items_total",
		Help: "Queue item transitions by result and operation",
	}, []string{"result", "operation"})

	// queuePending tracks unprocessed queue items after each pass.
	queuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offlinesync_queue_pending",
		Help: "Unprocessed queue items",
	})

	// syncCycles counts full sync cycles by result.
	syncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinesync_sync_cycles_total",
		Help: "Sync cycles by result",
	}, []string{"result"})

	// syncCycleDuration tracks sync cycle latency.
	syncCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offlinesync_sync_cycle_duration_seconds",
		Help:    "Sync cycle duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})

	// conflicts counts conflict decisions by type and strategy.
	conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinesync_conflicts_total",
		Help: "Conflict decisions by type and strategy",
	}, []string{"type", "strategy"})

	// conflictsOpen tracks unresolved conflicts.
	conflictsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offlinesync_conflicts_open",
		Help: "Unresolved conflicts",
	})

	// status is 1 for the current connectivity state and 0 otherwise.
	status = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offlinesync_status",
		Help: "Current engine status",
	}, []string{"status"})

	// requests counts transport requests by method and status code.
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinesync_transport_requests_total",
		Help: "Transport requests by method and HTTP status code",
	}, []string{"method", "code"})

	// requestDuration tracks transport latency.
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offlinesync_transport_request_duration_seconds",
		Help:    "Transport request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Queue item results.
const (
	QueueEnqueued  = "enqueued"
	QueueProcessed = "processed"
	QueueFailed    = "failed"
	QueueExhausted = "exhausted"
)

// Sync cycle results.
const (
	CycleSuccess = "success"
	CycleError   = "error"
	CycleSkipped = "skipped"
)

// Statuses lists the values the status gauge is reported for.
var Statuses = []string{"online", "offline", "syncing", "sync_error"}

// =====================================================
// Exposure
// =====================================================

// IsEnabled reports whether metrics exposure was opted into.
func IsEnabled() bool {
	return enabled.Load()
}

// SetEnabled toggles metrics exposure.
func SetEnabled(on bool) {
	enabled.Store(on)
}

// Handler serves the metrics when enabled and 404 otherwise.
func Handler() http.Handler {
	h := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsEnabled() {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// =====================================================
// Recorders
// =====================================================

// RecordQueueItem counts one queue item transition.
func RecordQueueItem(result, operation string) {
	queueItems.WithLabelValues(result, operation).Inc()
}

// SetQueuePending records the unprocessed queue depth.
func SetQueuePending(n int) {
	queuePending.Set(float64(n))
}

// ObserveSyncCycle records one sync cycle.
func ObserveSyncCycle(result string, d time.Duration) {
	syncCycles.WithLabelValues(result).Inc()
	if result != CycleSkipped {
		syncCycleDuration.Observe(d.Seconds())
	}
}

// RecordConflict counts one conflict decision.
func RecordConflict(conflictType, strategy string) {
	conflicts.WithLabelValues(conflictType, strategy).Inc()
}

// SetConflictsOpen records the unresolved conflict count.
func SetConflictsOpen(n int) {
	conflictsOpen.Set(float64(n))
}

// SetStatus marks s as the current status.
func SetStatus(s string) {
	for _, v := range Statuses {
		if v == s {
			status.WithLabelValues(v).Set(1)
		} else {
			status.WithLabelValues(v).Set(0)
		}
	}
}

// ObserveRequest records one transport request. code 0 means no response.
func ObserveRequest(method string, code int, d time.Duration) {
	requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	requestDuration.WithLabelValues(method).Observe(d.Seconds())
}
