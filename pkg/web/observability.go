package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values are bounded: endpoint is the chi route pattern, never the
// raw URL.
var (
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or connection caps",
	}, []string{"reason"}) // "rate_limit", "ws_total_limit", "ws_ip_limit"

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active websocket connections",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Total websocket messages sent to spectators",
	})

	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_frames_received_total",
		Help: "Telemetry frames received over provider websockets",
	})

	liveDuels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_duels",
		Help: "Duels currently known to this instance",
	})
)

func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

func RecordFrameReceived() {
	framesReceived.Inc()
}

func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}

func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

func UpdateLiveDuels(count int) {
	liveDuels.Set(float64(count))
}

// requestMetrics records latency and counts per route pattern. The route
// pattern is resolved after the handler ran, so nested chi mounts report
// their full pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		requestLatency.WithLabelValues(r.Method, endpoint).
			Observe(time.Since(start).Seconds())
		requestTotal.WithLabelValues(
			r.Method, endpoint, strconv.Itoa(ww.Status())).Inc()
	})
}
