package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// callback.<provider>.<status>
	callbackStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_callback_status_total",
			Help: "Effective status transitions applied from provider receipts",
		},
		[]string{"provider", "status"},
	)

	// callback.<provider>.elapsed-time
	callbackElapsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_callback_elapsed_seconds",
			Help:    "Time from send to the receipt that completed the notification",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
		},
		[]string{"provider"},
	)

	noNotificationFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_delivery_status_no_notification_found_total",
			Help: "Receipts dropped because no notification matched after the grace window",
		},
	)

	multipleNotificationsFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_delivery_status_multiple_notifications_found_total",
			Help: "Receipts dropped because their reference matched more than one notification",
		},
	)

	translationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_receipt_translation_errors_total",
			Help: "Receipts that could not be translated, by kind (malformed, unknown_status)",
		},
		[]string{"provider", "kind"},
	)

	receiptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_receipt_outcomes_total",
			Help: "Pipeline outcomes per processed receipt",
		},
		[]string{"outcome"},
	)

	receiptRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_receipt_retries_total",
			Help: "Receipts requeued onto the retry queue",
		},
		[]string{"provider"},
	)

	transitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_status_transitions_rejected_total",
			Help: "Receipts whose status was rejected by the reconciliation rules",
		},
		[]string{"reason"},
	)

	callbackDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_callback_deliveries_total",
			Help: "Outbound callback delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	callbackDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_callback_delivery_duration_seconds",
			Help:    "Outbound callback delivery latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"channel"},
	)

	callbacksDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_callbacks_deduplicated_total",
			Help: "Callback enqueues skipped because the transition was already dispatched",
		},
	)

	messagesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbus_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
		[]string{"queue"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbus_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCallbackStatus counts an applied transition for a provider.
func RecordCallbackStatus(provider, status string) {
	callbackStatus.WithLabelValues(provider, status).Inc()
}

// RecordCallbackElapsed records send-to-receipt time for a provider.
func RecordCallbackElapsed(provider string, elapsed time.Duration) {
	callbackElapsed.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func RecordNoNotificationFound() {
	noNotificationFound.Inc()
}

func RecordMultipleNotificationsFound() {
	multipleNotificationsFound.Inc()
}

// RecordTranslationError counts a receipt that failed to translate.
func RecordTranslationError(provider, kind string) {
	translationErrors.WithLabelValues(provider, kind).Inc()
}

// RecordReceiptOutcome counts the final outcome of a pipeline run.
func RecordReceiptOutcome(outcome string) {
	receiptOutcomes.WithLabelValues(outcome).Inc()
}

func RecordReceiptRetry(provider string) {
	receiptRetries.WithLabelValues(provider).Inc()
}

// RecordTransitionRejected counts a receipt refused by the reconciliation rules.
func RecordTransitionRejected(reason string) {
	transitionsRejected.WithLabelValues(reason).Inc()
}

// RecordCallbackDelivery records one outbound callback attempt.
func RecordCallbackDelivery(channel, result string, duration time.Duration) {
	callbackDeliveries.WithLabelValues(channel, result).Inc()
	callbackDeliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func RecordCallbackDeduplicated() {
	callbacksDeduplicated.Inc()
}

// SetMessagesInFlight sets the current in-flight message count for a queue
func SetMessagesInFlight(queue string, count int) {
	messagesInFlight.WithLabelValues(queue).Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// SetCircuitBreakerState publishes a breaker's state.
func SetCircuitBreakerState(name string, state int) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
