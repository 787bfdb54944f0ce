package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "advisor"

// Collector holds every metric the service exports. Build one per registry;
// tests use a fresh prometheus.NewRegistry() so collectors never collide.
type Collector struct {
	gatherer prometheus.Gatherer

	BlobOps          *prometheus.CounterVec
	BlobOpDuration   *prometheus.HistogramVec
	ChatRequests     *prometheus.CounterVec
	InferenceLatency prometheus.Histogram
	Fallbacks        *prometheus.CounterVec
	StreakUpdates    prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

func New(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		gatherer: reg,
		BlobOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_operations_total",
			Help:      "Content store operations by backend, operation and outcome.",
		}, []string{"backend", "op", "outcome"}),
		BlobOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blob_operation_duration_seconds",
			Help:      "Content store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		ChatRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat exchanges by final state.",
		}, []string{"outcome"}),
		InferenceLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Latency of the inference call.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_fallbacks_total",
			Help:      "Reads that degraded to a fresh start, by kind and reason.",
		}, []string{"kind", "reason"}),
		StreakUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streak_updates_total",
			Help:      "Exchanges that changed a wallet's streak value.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Middleware records request count and latency labelled by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
