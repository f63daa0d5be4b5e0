package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	sessionsByStatus   *prometheus.GaugeVec
	statusTransitions  *prometheus.CounterVec
	ignoredTransitions *prometheus.CounterVec

	snapshotSaveDuration prometheus.Histogram
	snapshotSaveErrors   prometheus.Counter
	snapshotLoadDuration prometheus.Histogram

	deliveryTotal    *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	dispatchDropped  prometheus.Counter
	dispatchQueue    prometheus.Gauge

	apiRequestsTotal   *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			sessionsByStatus: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "chatgate_sessions",
					Help: "Current session count by status.",
				},
				[]string{"status"},
			),
			statusTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatgate_status_transitions_total",
					Help: "Applied session status transitions by target status.",
				},
				[]string{"status"},
			),
			ignoredTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatgate_status_transitions_ignored_total",
					Help: "Adapter signals ignored because the transition was not allowed.",
				},
				[]string{"from", "to"},
			),
			snapshotSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "chatgate_snapshot_save_duration_seconds",
					Help:    "Snapshot save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			snapshotSaveErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "chatgate_snapshot_save_errors_total",
					Help: "Total failed snapshot saves.",
				},
			),
			snapshotLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "chatgate_snapshot_load_duration_seconds",
					Help:    "Snapshot load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			deliveryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatgate_webhook_deliveries_total",
					Help: "Webhook delivery attempts by event type and outcome.",
				},
				[]string{"event", "outcome"},
			),
			deliveryDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "chatgate_webhook_delivery_duration_seconds",
					Help:    "Webhook delivery duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			dispatchDropped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "chatgate_dispatch_dropped_total",
					Help: "Events dropped because the dispatch queue was full.",
				},
			),
			dispatchQueue: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "chatgate_dispatch_queue_size",
					Help: "Events waiting in the dispatch queue.",
				},
			),
			apiRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatgate_api_requests_total",
					Help: "Control-plane requests by method and status code.",
				},
				[]string{"method", "code"},
			),
			apiRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "chatgate_api_request_duration_seconds",
					Help:    "Control-plane request duration in seconds by method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
		}

		prometheus.MustRegister(
			m.sessionsByStatus,
			m.statusTransitions,
			m.ignoredTransitions,
			m.snapshotSaveDuration,
			m.snapshotSaveErrors,
			m.snapshotLoadDuration,
			m.deliveryTotal,
			m.deliveryDuration,
			m.dispatchDropped,
			m.dispatchQueue,
			m.apiRequestsTotal,
			m.apiRequestDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// SetSessionCounts replaces the per-status session gauge.
func SetSessionCounts(counts map[string]int, statuses []string) {
	m := getMetrics()
	for _, status := range statuses {
		m.sessionsByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

func RecordStatusTransition(status string) {
	m := getMetrics()
	m.statusTransitions.WithLabelValues(status).Inc()
}

func RecordIgnoredTransition(from, to string) {
	m := getMetrics()
	m.ignoredTransitions.WithLabelValues(from, to).Inc()
}

func RecordSnapshotSave(duration time.Duration, success bool) {
	m := getMetrics()
	m.snapshotSaveDuration.Observe(duration.Seconds())
	if !success {
		m.snapshotSaveErrors.Inc()
	}
}

func RecordSnapshotLoad(duration time.Duration) {
	m := getMetrics()
	m.snapshotLoadDuration.Observe(duration.Seconds())
}

func RecordDelivery(event string, duration time.Duration, success bool) {
	m := getMetrics()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.deliveryTotal.WithLabelValues(event, outcome).Inc()
	m.deliveryDuration.Observe(duration.Seconds())
}

func RecordDispatchDropped() {
	getMetrics().dispatchDropped.Inc()
}

func SetDispatchQueueSize(size int) {
	getMetrics().dispatchQueue.Set(float64(size))
}

func RecordAPIRequest(method string, code int, duration time.Duration) {
	m := getMetrics()
	m.apiRequestsTotal.WithLabelValues(method, http.StatusText(code)).Inc()
	m.apiRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
