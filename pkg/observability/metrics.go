package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal      *prometheus.CounterVec
	WebhookDuplicatesTotal  prometheus.Counter
	WebhookDispatchDuration *prometheus.HistogramVec
	WebhookVerifyFailures   prometheus.Counter

	// Plan change metrics
	PlanChangesTotal    *prometheus.CounterVec
	PlanRollbacksTotal  *prometheus.CounterVec
	ProrationAmountsSum *prometheus.CounterVec

	// Sweeper metrics
	SweeperClaimsTotal  *prometheus.CounterVec
	SweeperTickDuration prometheus.Histogram
	SweeperDueChanges   prometheus.Gauge

	// Checkout metrics
	CheckoutsTotal *prometheus.CounterVec

	// Compensation metrics
	RefundsTotal             *prometheus.CounterVec
	ReconciliationItemsTotal *prometheus.CounterVec

	// Datastore metrics
	StoreRetriesTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Redis pool metrics
	RedisConnectionsTotal prometheus.Gauge
	RedisConnectionsIdle  prometheus.Gauge
	RedisPoolTimeouts     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subledger_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		// Webhook metrics
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_webhook_events_total",
				Help: "Total number of processor events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		WebhookDuplicatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "subledger_webhook_duplicates_total",
				Help: "Redelivered events skipped by the idempotency ledger",
			},
		),
		WebhookDispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subledger_webhook_dispatch_duration_seconds",
				Help:    "Time spent applying a processor event",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		WebhookVerifyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "subledger_webhook_verify_failures_total",
				Help: "Inbound payloads rejected by signature verification",
			},
		),

		// Plan change metrics
		PlanChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_plan_changes_total",
				Help: "Plan changes by change type, timing and outcome",
			},
			[]string{"change_type", "timing", "outcome"},
		),
		PlanRollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_plan_rollbacks_total",
				Help: "Compensating processor actions after a failed local write",
			},
			[]string{"action", "outcome"},
		),
		ProrationAmountsSum: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_proration_amount_minor_units_total",
				Help: "Sum of immediate proration charges in minor currency units",
			},
			[]string{"currency"},
		),

		// Sweeper metrics
		SweeperClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_sweeper_changes_total",
				Help: "Scheduled changes handled by the sweeper by outcome",
			},
			[]string{"outcome"},
		),
		SweeperTickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "subledger_sweeper_tick_duration_seconds",
				Help:    "Sweeper tick duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
			},
		),
		SweeperDueChanges: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_sweeper_due_changes",
				Help: "Due scheduled changes found by the last tick",
			},
		),

		// Checkout metrics
		CheckoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_checkouts_total",
				Help: "Checkout metadata transitions by status",
			},
			[]string{"status"},
		),

		// Compensation metrics
		RefundsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_refunds_total",
				Help: "Automatic refunds by outcome",
			},
			[]string{"outcome"},
		),
		ReconciliationItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_reconciliation_items_total",
				Help: "Items written to the reconciliation queue by type",
			},
			[]string{"type"},
		),

		// Datastore metrics
		StoreRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_store_retries_total",
				Help: "Datastore operation retries by operation and error kind",
			},
			[]string{"op", "kind"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		// Redis pool metrics
		RedisConnectionsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_redis_connections",
				Help: "Number of open Redis connections",
			},
		),
		RedisConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_redis_connections_idle",
				Help: "Number of idle Redis connections",
			},
		),
		RedisPoolTimeouts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_redis_pool_timeouts",
				Help: "Times a Redis command waited out the pool timeout since start",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookDuplicatesTotal,
		m.WebhookDispatchDuration,
		m.WebhookVerifyFailures,
		m.PlanChangesTotal,
		m.PlanRollbacksTotal,
		m.ProrationAmountsSum,
		m.SweeperClaimsTotal,
		m.SweeperTickDuration,
		m.SweeperDueChanges,
		m.CheckoutsTotal,
		m.RefundsTotal,
		m.ReconciliationItemsTotal,
		m.StoreRetriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.RedisConnectionsTotal,
		m.RedisConnectionsIdle,
		m.RedisPoolTimeouts,
	)

	return m
}

// NewTestMetrics registers metrics on a throwaway registry
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// The mux route template is used as label to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
