package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_notifications_enqueued_total",
			Help: "Notifications accepted by the orchestrator, by tenant",
		},
		[]string{"tenant_id"},
	)

	notificationDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_notification_duplicates_total",
			Help: "Enqueue attempts rejected by the dedup key",
		},
	)

	channelDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_channel_deliveries_total",
			Help: "Per-channel delivery attempts by result",
		},
		[]string{"channel", "result"},
	)

	channelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_channel_delivery_seconds",
			Help:    "Time spent delivering over one channel",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"channel"},
	)

	consumerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_consumer_deliveries_total",
			Help: "Broker deliveries by consumer and outcome (acked, rejected, dead_lettered)",
		},
		[]string{"consumer", "outcome"},
	)

	consumerReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_consumer_reconnects_total",
			Help: "Consumer loop restarts after a connection or topology failure",
		},
		[]string{"consumer"},
	)

	streamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_stream_subscribers",
			Help: "Currently connected live stream subscribers",
		},
	)

	scheduledClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_scheduled_claims_total",
			Help: "Items claimed from scheduled work queues",
		},
		[]string{"queue"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)

	permissionJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_permission_sync_jobs_total",
			Help: "Permission sync jobs by final enqueue status",
		},
		[]string{"status"},
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

// RecordNotificationEnqueued counts an accepted notification.
func RecordNotificationEnqueued(tenantID string) {
	notificationsEnqueued.WithLabelValues(tenantID).Inc()
}

// RecordDuplicate counts a dedup rejection.
func RecordDuplicate() {
	notificationDuplicates.Inc()
}

// RecordChannelDelivery records one channel delivery attempt.
func RecordChannelDelivery(channel string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	channelDeliveries.WithLabelValues(channel, result).Inc()
	channelLatency.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordConsumerDelivery records how a consumer settled one message.
func RecordConsumerDelivery(consumer, outcome string) {
	consumerDeliveries.WithLabelValues(consumer, outcome).Inc()
}

// RecordConsumerReconnect counts a consumer loop restart.
func RecordConsumerReconnect(consumer string) {
	consumerReconnects.WithLabelValues(consumer).Inc()
}

// StreamSubscribed and StreamUnsubscribed track the live subscriber gauge.
func StreamSubscribed()   { streamSubscribers.Inc() }
func StreamUnsubscribed() { streamSubscribers.Dec() }

// RecordScheduledClaims counts items claimed from a scheduled queue.
func RecordScheduledClaims(queue string, n int) {
	if n > 0 {
		scheduledClaims.WithLabelValues(queue).Add(float64(n))
	}
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// RecordPermissionJob counts a permission sync job by status.
func RecordPermissionJob(status string) {
	permissionJobs.WithLabelValues(status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
// It forwards Flush and Hijack so stream handlers keep working behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack supports websocket upgrades behind the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled by chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
