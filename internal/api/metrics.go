package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Status stream transports, used as the "transport" label.
const (
	transportWebSocket = "websocket"
	transportSSE       = "sse"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	rateLimitRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskd_ratelimit_rejected_total",
			Help: "Total number of requests rejected by the rate limiter.",
		},
	)

	statusStreamsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskd_status_streams_active",
			Help: "Number of open status streams by transport.",
		},
		[]string{"transport"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, rateLimitRejected, statusStreamsActive)
	for _, t := range []string{transportWebSocket, transportSSE} {
		statusStreamsActive.WithLabelValues(t)
	}
}

// trackStream counts an open status stream until the returned func is called.
func trackStream(transport string) func() {
	g := statusStreamsActive.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

// metricsMiddleware records request count and duration, labelled by chi
// route pattern. Status streams are observed for their whole lifetime.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
