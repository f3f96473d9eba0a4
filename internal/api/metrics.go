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

const unmatchedRoute = "unmatched"

// Health check outcomes.
const (
	healthOK          = "ok"
	healthUnavailable = "unavailable"
)

// streamingRoutes hold their response open until the client or server goes
// away. Their lifetimes would swamp the latency histogram.
var streamingRoutes = map[string]bool{
	"/v1/events": true,
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklink_http_requests_total",
			Help: "Status server requests by method, route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tasklink_http_request_duration_seconds",
			Help:    "Status server latency for non-streaming routes, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	eventStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasklink_http_event_streams",
			Help: "Open lifecycle event streams.",
		},
	)

	healthChecks = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tasklink_health_ping_seconds",
			Help:    "Proxy ping round trips made by health checks, by outcome.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, eventStreams, healthChecks)

	healthChecks.WithLabelValues(healthOK)
	healthChecks.WithLabelValues(healthUnavailable)
}

// instrument logs every request and records its metrics under the matched
// route pattern, which keeps label cardinality bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if !streamingRoutes[route] {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		}

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

func observeHealthCheck(outcome string, d time.Duration) {
	healthChecks.WithLabelValues(outcome).Observe(d.Seconds())
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
