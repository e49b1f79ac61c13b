// Package metrics provides Prometheus metrics for the dweb transports engine.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dweb_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dweb_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Dispatch metrics
	dispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dweb_dispatch_attempts_total",
			Help: "Operation attempts against a single transport",
		},
		[]string{"transport", "operation", "result"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dweb_dispatch_duration_seconds",
			Help:    "Duration of a routed operation across all its candidates",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "strategy"},
	)

	relayRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dweb_relay_repairs_total",
			Help: "Background re-stores into transports that failed a fetch",
		},
		[]string{"result"},
	)

	// Transport status metrics
	transportStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dweb_transport_status",
			Help: "Current status code of each transport (0 connected, 1 failed, 2 starting, 3 loaded, 4 paused)",
		},
		[]string{"transport"},
	)

	statusEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dweb_status_events_total",
			Help: "Status change notifications published",
		},
		[]string{"status"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dweb_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dweb_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dweb_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dweb_auth_attempts_total",
			Help: "Token checks on write endpoints",
		},
		[]string{"result"},
	)

	// Gateway metrics
	gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dweb_gateway_requests_total",
			Help: "HTTP requests issued to upstream gateways",
		},
		[]string{"transport", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAttempt records one operation attempt on one transport.
func RecordAttempt(transport, operation string, success bool) {
	dispatchAttemptsTotal.WithLabelValues(transport, operation, resultLabel(success)).Inc()
}

// RecordDispatch records the duration of a routed operation.
func RecordDispatch(operation, strategy string, duration time.Duration) {
	dispatchDuration.WithLabelValues(operation, strategy).Observe(duration.Seconds())
}

// RecordRelayRepair records the outcome of a background relay store.
func RecordRelayRepair(success bool) {
	relayRepairsTotal.WithLabelValues(resultLabel(success)).Inc()
}

// SetTransportStatus sets the status gauge for a transport.
func SetTransportStatus(transport string, code int) {
	transportStatus.WithLabelValues(transport).Set(float64(code))
}

// RecordStatusEvent records a status change notification.
func RecordStatusEvent(status string) {
	statusEventsTotal.WithLabelValues(status).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, resultLabel(success)).Inc()
}

// RecordAuthAttempt records a token check.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(resultLabel(success)).Inc()
}

// RecordGatewayRequest records a request to an upstream gateway.
func RecordGatewayRequest(transport string, status int) {
	gatewayRequestsTotal.WithLabelValues(transport, strconv.Itoa(status)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
