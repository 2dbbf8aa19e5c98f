package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for courier_notifications_processed_total.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	notificationsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_queued_total",
			Help: "Total notifications queued by channel",
		},
		[]string{"channel"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_processed_total",
			Help: "Delivery attempts by outcome and channel",
		},
		[]string{"outcome", "channel"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_notification_delivery_latency_seconds",
			Help:    "Time from queueing to delivery",
			Buckets: []float64{.1, .5, 1, 5, 30, 60, 300, 900, 3600},
		},
		[]string{"channel"},
	)

	dispatchCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_cycle_duration_seconds",
			Help:    "Duration of one dispatch cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	dispatchBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_batch_size",
			Help:    "Due notifications selected per cycle",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
		},
	)

	preferenceSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_preference_skips_total",
			Help: "Notifications held because the recipient disabled the channel",
		},
		[]string{"channel"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_sqs_messages_in_flight",
			Help: "Inbound SQS messages currently being processed",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Queue requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordNotificationQueued(channel string) {
	notificationsQueued.WithLabelValues(channel).Inc()
}

// RecordNotificationProcessed counts one dispatch outcome. outcome is one of
// the Outcome constants.
func RecordNotificationProcessed(outcome, channel string) {
	notificationsProcessed.WithLabelValues(outcome, channel).Inc()
}

func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDispatchCycle records the duration and selected batch size of a cycle.
func RecordDispatchCycle(duration time.Duration, batch int) {
	dispatchCycleDuration.Observe(duration.Seconds())
	dispatchBatchSize.Observe(float64(batch))
}

func RecordPreferenceSkip(channel string) {
	preferenceSkips.WithLabelValues(channel).Inc()
}

func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

func SetCircuitBreakerState(breaker string, state int) {
	circuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the chi route pattern, so
// /v1/notifications/{id} is one series regardless of the id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
