// Package metrics exposes Prometheus collectors for the status engine.
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
	cacheRequestsTotal       *prometheus.CounterVec
	cacheEvictionsTotal      *prometheus.CounterVec
	cacheInvalidationsTotal  prometheus.Counter
	cacheEntries             prometheus.Gauge
	statusUpdatesTotal       *prometheus.CounterVec
	notificationsTotal       *prometheus.CounterVec
	notificationDelaySeconds prometheus.Histogram
	activeSubscriptions      prometheus.Gauge
	monitoredEntities        prometheus.Gauge
	reconcileTicksTotal      prometheus.Counter
	dedupJoinsTotal          *prometheus.CounterVec
	brokerEventsTotal        *prometheus.CounterVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statecache_cache_requests_total",
				Help: "Total cache reads, labeled by outcome (hit, miss, expired).",
			},
			[]string{"outcome"},
		)

		cacheEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statecache_cache_evictions_total",
				Help: "Total entries removed, labeled by reason (expired, capacity, invalidated, cleared).",
			},
			[]string{"reason"},
		)

		cacheInvalidationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "statecache_cache_invalidations_total",
				Help: "Total dependency-tag invalidation calls.",
			},
		)

		cacheEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "statecache_cache_entries",
				Help: "Current number of live cache entries.",
			},
		)

		statusUpdatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statecache_status_updates_total",
				Help: "Total status pushes processed, labeled by resulting status.",
			},
			[]string{"status"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statecache_notifications_total",
				Help: "Outbound notifications, labeled by disposition (delivered, coalesced, suppressed).",
			},
			[]string{"disposition"},
		)

		notificationDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "statecache_notification_delay_seconds",
				Help:    "Delay between a status push and its debounced delivery.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)

		activeSubscriptions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "statecache_active_subscriptions",
				Help: "Number of scopes with a live subscription.",
			},
		)

		monitoredEntities = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "statecache_monitored_entities",
				Help: "Number of entities currently in the actively monitored set.",
			},
		)

		reconcileTicksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "statecache_reconcile_ticks_total",
				Help: "Total reconciliation loop ticks emitted.",
			},
		)

		dedupJoinsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statecache_dedup_calls_total",
				Help: "Deduplicated operation calls, labeled by role (leader, joined).",
			},
			[]string{"role"},
		)

		brokerEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statecache_broker_events_total",
				Help: "Events delivered through the broker, labeled by status and source.",
			},
			[]string{"status", "source"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statecache_http_requests_total",
				Help: "Total HTTP requests served, labeled by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statecache_http_request_duration_seconds",
				Help:    "HTTP request latency by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCacheRequest counts a cache read outcome: hit, miss, or expired.
func ObserveCacheRequest(outcome string) {
	cacheRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEviction counts a removed entry by reason.
func ObserveEviction(reason string, count int) {
	if count > 0 {
		cacheEvictionsTotal.WithLabelValues(reason).Add(float64(count))
	}
}

// ObserveInvalidation counts a dependency-tag invalidation call.
func ObserveInvalidation() {
	cacheInvalidationsTotal.Inc()
}

// SetCacheEntries records the current cache size.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// ObserveStatusUpdate counts a processed status push.
func ObserveStatusUpdate(status string) {
	statusUpdatesTotal.WithLabelValues(status).Inc()
}

// ObserveNotification counts an outbound notification disposition.
func ObserveNotification(disposition string) {
	notificationsTotal.WithLabelValues(disposition).Inc()
}

// ObserveNotificationDelay records push-to-delivery latency.
func ObserveNotificationDelay(d time.Duration) {
	notificationDelaySeconds.Observe(d.Seconds())
}

// SetActiveSubscriptions records the live subscription count.
func SetActiveSubscriptions(n int) {
	activeSubscriptions.Set(float64(n))
}

// SetMonitoredEntities records the actively monitored set size.
func SetMonitoredEntities(n int) {
	monitoredEntities.Set(float64(n))
}

// ObserveReconcileTick counts one reconciliation emission.
func ObserveReconcileTick() {
	reconcileTicksTotal.Inc()
}

// ObserveDedup counts a single-flight call by role.
func ObserveDedup(role string) {
	dedupJoinsTotal.WithLabelValues(role).Inc()
}

// ObserveBrokerEvent counts one delivered broker event.
func ObserveBrokerEvent(status, source string) {
	brokerEventsTotal.WithLabelValues(status, source).Inc()
}

// ObserveHTTPRequest records an HTTP request outcome and latency.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
